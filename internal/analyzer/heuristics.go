package analyzer

import (
	"context"
	"math"
	"strings"

	"golang.org/x/net/idna"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// HeuristicsConfig configures the lexical URL analyzer.
type HeuristicsConfig struct {
	Weight float64 `yaml:"weight"`
}

// DefaultHeuristicsConfig returns sensible defaults.
func DefaultHeuristicsConfig() HeuristicsConfig {
	return HeuristicsConfig{Weight: 0.6}
}

// TLDs ranked by observed abuse. Free registrations dominate the high tier.
var (
	highRiskTLDs = map[string]bool{
		"tk": true, "ml": true, "ga": true, "cf": true, "gq": true,
		"cc": true, "pw": true, "top": true, "click": true, "download": true,
		"zip": true, "review": true, "country": true, "kim": true, "work": true,
	}
	mediumRiskTLDs = map[string]bool{
		"info": true, "biz": true, "name": true, "pro": true, "mobi": true,
		"asia": true, "tel": true, "travel": true, "xxx": true,
	}
)

// suspiciousKeywords flag credential-bait terms and impersonated brands when
// they appear inside the hostname itself.
var suspiciousKeywords = []string{
	"paypal", "bank", "secure", "account", "login", "verify", "update",
	"confirm", "billing", "payment", "wallet", "credit", "card",
	"facebook", "google", "microsoft", "apple", "amazon", "netflix",
	"spotify", "instagram",
	"suspended", "expired", "urgent", "immediate", "required",
}

var suspiciousPathSegments = []string{
	"/admin", "/login", "/secure", "/verify", "/update", "/confirm",
}

var suspiciousParamNames = map[string]bool{
	"token": true, "session": true, "auth": true, "key": true,
	"redirect": true, "return": true, "continue": true, "next": true,
}

// homographRunes are Cyrillic and Greek characters visually confusable with
// Latin letters.
var homographRunes = map[rune]bool{
	'а': true, 'е': true, 'о': true, 'р': true, 'с': true, 'у': true, 'х': true,
	'α': true, 'β': true, 'ε': true, 'ο': true, 'ρ': true, 'υ': true, 'χ': true,
}

// HeuristicsAnalyzer scores lexical features of the URL itself without any
// network access: punycode and homographs, subdomain depth, TLD abuse tier,
// entropy of path and query, and credential-bait keywords.
type HeuristicsAnalyzer struct {
	cfg HeuristicsConfig
}

// NewHeuristicsAnalyzer creates a lexical URL analyzer.
func NewHeuristicsAnalyzer(cfg HeuristicsConfig) *HeuristicsAnalyzer {
	if cfg.Weight == 0 {
		cfg.Weight = DefaultHeuristicsConfig().Weight
	}
	return &HeuristicsAnalyzer{cfg: cfg}
}

// Name implements Analyzer.
func (a *HeuristicsAnalyzer) Name() string { return "url_heuristics" }

// Weight implements Analyzer.
func (a *HeuristicsAnalyzer) Weight() float64 { return a.cfg.Weight }

// Analyze implements Analyzer. It is pure computation and ignores ctx beyond
// the contract.
func (a *HeuristicsAnalyzer) Analyze(_ context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		var (
			risk   float64
			labels []string
		)
		features := map[string]any{}

		risk += a.scoreDomain(target, &labels, features)
		risk += a.scorePath(target.Path, &labels, features)
		risk += a.scoreQuery(target.Query, &labels, features)
		risk += a.scoreStructure(target.Normalized, &labels, features)

		return Result{
			Analyzer:   a.Name(),
			Score:      clampScore(risk),
			Confidence: 0.6,
			Labels:     labels,
			Evidence:   map[string]any{"features": features},
		}
	})
}

func (a *HeuristicsAnalyzer) scoreDomain(target *urlutil.Target, labels *[]string, features map[string]any) float64 {
	var risk float64
	domain := target.Host

	if strings.HasPrefix(domain, "xn--") || strings.Contains(domain, ".xn--") {
		*labels = append(*labels, "punycode_domain")
		risk += 25
		features["punycode"] = true

		if decoded, err := idna.Lookup.ToUnicode(domain); err == nil {
			features["punycode_decoded"] = decoded
			if containsHomographs(decoded) {
				*labels = append(*labels, "homograph_attack")
				risk += 30
				features["homograph_detected"] = true
			}
		}
	}

	subdomains := target.SubdomainCount()
	features["subdomain_count"] = subdomains
	switch {
	case subdomains > 5:
		*labels = append(*labels, "many_subdomains")
		risk += 25
	case subdomains > 3:
		*labels = append(*labels, "excessive_subdomains")
		risk += 15
	}

	tld := target.TLD()
	features["tld"] = tld
	switch {
	case highRiskTLDs[tld]:
		*labels = append(*labels, "high_risk_tld")
		risk += 20
	case mediumRiskTLDs[tld]:
		*labels = append(*labels, "medium_risk_tld")
		risk += 10
	}

	features["domain_length"] = len(domain)
	switch {
	case len(domain) > 75:
		*labels = append(*labels, "very_long_domain")
		risk += 15
	case len(domain) > 50:
		*labels = append(*labels, "long_domain")
		risk += 10
	}

	digits := 0
	for _, r := range domain {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if float64(digits) > float64(len(domain))*0.3 {
		*labels = append(*labels, "digit_heavy_domain")
		risk += 10
	}
	if strings.Count(domain, "-") > 3 {
		*labels = append(*labels, "hyphen_heavy_domain")
		risk += 5
	}

	for _, kw := range suspiciousKeywords {
		if strings.Contains(domain, kw) {
			*labels = append(*labels, "suspicious_keyword")
			features["suspicious_keyword"] = kw
			risk += 15
			break
		}
	}

	return risk
}

func (a *HeuristicsAnalyzer) scorePath(path string, labels *[]string, features map[string]any) float64 {
	if path == "" || path == "/" {
		return 0
	}
	var risk float64

	if len(path) > 100 {
		*labels = append(*labels, "long_path")
		risk += 5
	}

	entropy := shannonEntropy(path)
	features["path_entropy"] = entropy
	if entropy > 4.0 {
		*labels = append(*labels, "high_entropy_path")
		risk += 10
	}

	lower := strings.ToLower(path)
	for _, seg := range suspiciousPathSegments {
		if strings.Contains(lower, seg) {
			*labels = append(*labels, "suspicious_path_pattern")
			risk += 5
			break
		}
	}
	if longRandomSegment(path) {
		*labels = append(*labels, "suspicious_path_pattern")
		risk += 5
	}

	return risk
}

func (a *HeuristicsAnalyzer) scoreQuery(query string, labels *[]string, features map[string]any) float64 {
	if query == "" {
		return 0
	}
	var risk float64

	pairs := strings.Split(query, "&")
	features["parameter_count"] = len(pairs)
	if len(pairs) > 10 {
		*labels = append(*labels, "many_parameters")
		risk += 5
	}

	for _, pair := range pairs {
		name, value, _ := strings.Cut(pair, "=")
		if suspiciousParamNames[strings.ToLower(name)] {
			*labels = append(*labels, "suspicious_parameter")
			risk += 3
		}
		if len(value) > 100 {
			*labels = append(*labels, "long_parameter_value")
			risk += 5
		}
	}

	entropy := shannonEntropy(query)
	features["query_entropy"] = entropy
	if entropy > 4.5 {
		*labels = append(*labels, "high_entropy_query")
		risk += 8
	}

	return risk
}

func (a *HeuristicsAnalyzer) scoreStructure(normalized string, labels *[]string, features map[string]any) float64 {
	var risk float64

	features["url_length"] = len(normalized)
	switch {
	case len(normalized) > 400:
		*labels = append(*labels, "very_long_url")
		risk += 20
	case len(normalized) > 200:
		*labels = append(*labels, "long_url")
		risk += 10
	}

	entropy := shannonEntropy(normalized)
	features["url_entropy"] = entropy
	switch {
	case entropy > 5.0:
		*labels = append(*labels, "high_entropy_url")
		risk += 15
	case entropy < 3.0:
		*labels = append(*labels, "low_entropy_url")
		risk += 10
	}

	return risk
}

// longRandomSegment reports whether any path segment is 20+ alphanumeric
// characters, a common shape for generated phishing kit paths.
func longRandomSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if len(seg) < 20 {
			continue
		}
		alnum := true
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				alnum = false
				break
			}
		}
		if alnum {
			return true
		}
	}
	return false
}

func containsHomographs(s string) bool {
	for _, r := range s {
		if homographRunes[r] {
			return true
		}
	}
	return false
}

// shannonEntropy computes character-level Shannon entropy in bits.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := map[rune]int{}
	total := 0
	for _, r := range strings.ToLower(s) {
		counts[r]++
		total++
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}
