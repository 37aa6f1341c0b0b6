package analyzer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// ContentConfig configures the page content analyzer.
type ContentConfig struct {
	Weight       float64       `yaml:"weight"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	MaxRedirects int           `yaml:"max_redirects"`
	UserAgent    string        `yaml:"user_agent"`
}

// DefaultContentConfig returns sensible defaults.
func DefaultContentConfig() ContentConfig {
	return ContentConfig{
		Weight:       0.85,
		Timeout:      10 * time.Second,
		MaxBodyBytes: 1 << 20,
		MaxRedirects: 5,
		UserAgent:    "Mozilla/5.0 (compatible; phishguard/1.0)",
	}
}

var (
	passwordInputRe = regexp.MustCompile(`(?i)<input[^>]*type=["']?password`)
	hiddenInputRe   = regexp.MustCompile(`(?i)<input[^>]*type=["']?hidden`)
	metaRefreshRe   = regexp.MustCompile(`(?i)<meta[^>]*http-equiv=["']?refresh`)
	obfuscationRe   = regexp.MustCompile(`(?i)\b(eval|unescape|atob|document\.write)\s*\(`)
)

// phishingPhrases in page text indicate credential-harvesting intent.
var phishingPhrases = []string{
	"verify your account", "account suspended", "confirm your identity",
	"unusual activity", "your account has been locked", "update your payment",
	"security alert", "expire", "act now", "limited time",
}

// brandNames appearing in page content on an unrelated domain suggest a
// clone page.
var brandNames = []string{
	"paypal", "apple", "microsoft", "google", "amazon", "netflix",
	"facebook", "instagram", "chase", "wells fargo", "bank of america",
}

var securityHeaders = []string{
	"Content-Security-Policy",
	"Strict-Transport-Security",
	"X-Frame-Options",
	"X-Content-Type-Options",
}

// ContentAnalyzer fetches the page with a bounded body read and scores what
// it finds: the redirect chain, credential forms, phishing phrasing, brand
// mentions, script obfuscation and missing security headers. Sub-scores
// combine linearly and clamp at 100.
type ContentAnalyzer struct {
	cfg    ContentConfig
	client *http.Client
	logger *zap.Logger
}

// NewContentAnalyzer creates a content analyzer.
func NewContentAnalyzer(cfg ContentConfig, logger *zap.Logger) *ContentAnalyzer {
	def := DefaultContentConfig()
	if cfg.Weight == 0 {
		cfg.Weight = def.Weight
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	a := &ContentAnalyzer{cfg: cfg, logger: logger}
	a.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}
	return a
}

// Name implements Analyzer.
func (a *ContentAnalyzer) Name() string { return "web_content" }

// Weight implements Analyzer.
func (a *ContentAnalyzer) Weight() float64 { return a.cfg.Weight }

// Analyze implements Analyzer.
func (a *ContentAnalyzer) Analyze(ctx context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.Normalized, nil)
		if err != nil {
			return ErrorResult(a.Name(), err)
		}
		req.Header.Set("User-Agent", a.cfg.UserAgent)

		var (
			risk   float64
			labels []string
		)
		evidence := map[string]any{"url": target.Normalized}

		resp, err := a.client.Do(req)
		if err != nil {
			// Scored, not an error result. Like the TLS analyzer treating a
			// failed handshake as evidence, an unreachable or redirect-looping
			// page is itself a weak phishing signal: fast-flux hosts and
			// burned campaigns go dark while their URLs still circulate.
			return Result{
				Analyzer:   a.Name(),
				Score:      20,
				Confidence: 0.5,
				Labels:     []string{"fetch_failed"},
				Evidence:   map[string]any{"error": err.Error()},
			}
		}
		defer resp.Body.Close()

		evidence["status_code"] = resp.StatusCode
		evidence["final_url"] = resp.Request.URL.String()

		risk += a.scoreRedirects(target, resp, &labels, evidence)
		risk += a.scoreHeaders(resp.Header, &labels, evidence)

		if resp.StatusCode == http.StatusOK {
			body, err := io.ReadAll(io.LimitReader(resp.Body, a.cfg.MaxBodyBytes))
			if err == nil {
				risk += a.scoreBody(target, string(body), &labels, evidence)
			}
		} else if resp.StatusCode >= 400 {
			risk += 10
			labels = append(labels, fmt.Sprintf("http_status_%d", resp.StatusCode))
		}

		confidence := 0.9
		return Result{
			Analyzer:   a.Name(),
			Score:      clampScore(risk),
			Confidence: confidence,
			Labels:     labels,
			Evidence:   evidence,
		}
	})
}

func (a *ContentAnalyzer) scoreRedirects(target *urlutil.Target, resp *http.Response, labels *[]string, evidence map[string]any) float64 {
	var risk float64

	hops := 0
	for r := resp.Request; r != nil && r.Response != nil; r = r.Response.Request {
		hops++
	}
	evidence["redirect_hops"] = hops

	if hops >= 3 {
		risk += 10
		*labels = append(*labels, "long_redirect_chain")
	}
	if target.IsShortener() || urlutil.IsShortenerHost(resp.Request.URL.Hostname()) {
		risk += 10
		*labels = append(*labels, "shortener_redirect")
	}
	if finalHost := strings.ToLower(resp.Request.URL.Hostname()); finalHost != "" && finalHost != target.Host {
		evidence["final_host"] = finalHost
		*labels = append(*labels, "cross_domain_redirect")
		risk += 5
	}
	return risk
}

func (a *ContentAnalyzer) scoreHeaders(headers http.Header, labels *[]string, evidence map[string]any) float64 {
	var missing []string
	for _, h := range securityHeaders {
		if headers.Get(h) == "" {
			missing = append(missing, h)
		}
	}
	evidence["missing_security_headers"] = missing

	// Legitimate credential pages almost always carry these headers; a page
	// missing all of them loses the benefit of the doubt.
	if len(missing) == len(securityHeaders) {
		*labels = append(*labels, "no_security_headers")
		return 10
	}
	if len(missing) >= 2 {
		*labels = append(*labels, "weak_security_headers")
		return 5
	}
	return 0
}

func (a *ContentAnalyzer) scoreBody(target *urlutil.Target, body string, labels *[]string, evidence map[string]any) float64 {
	var risk float64
	lower := strings.ToLower(body)

	if passwordInputRe.MatchString(body) {
		*labels = append(*labels, "password_form")
		risk += 15
		if len(hiddenInputRe.FindAllString(body, -1)) > 5 {
			risk += 5
		}
	}

	phraseHits := 0
	for _, phrase := range phishingPhrases {
		if strings.Contains(lower, phrase) {
			phraseHits++
		}
	}
	if phraseHits > 0 {
		evidence["phishing_phrase_hits"] = phraseHits
		*labels = append(*labels, "phishing_language")
		risk += float64(min(phraseHits*5, 20))
	}

	var mentioned []string
	for _, brand := range brandNames {
		if strings.Contains(lower, brand) && !strings.Contains(target.Host, strings.ReplaceAll(brand, " ", "")) {
			mentioned = append(mentioned, brand)
		}
	}
	if len(mentioned) > 0 {
		evidence["brand_mentions"] = mentioned
		*labels = append(*labels, "brand_content_mismatch")
		risk += 15
	}

	if metaRefreshRe.MatchString(body) {
		*labels = append(*labels, "meta_refresh_redirect")
		risk += 10
	}
	if len(obfuscationRe.FindAllString(body, -1)) > 3 {
		*labels = append(*labels, "obfuscated_script")
		risk += 10
	}

	return risk
}
