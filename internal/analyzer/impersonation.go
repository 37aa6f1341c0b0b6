package analyzer

import (
	"context"
	"strings"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// ImpersonationConfig configures the brand impersonation analyzer.
type ImpersonationConfig struct {
	Weight float64 `yaml:"weight"`
}

// DefaultImpersonationConfig returns sensible defaults. The analyzer is
// evidence-oriented, so its weight stays moderate.
func DefaultImpersonationConfig() ImpersonationConfig {
	return ImpersonationConfig{Weight: 0.5}
}

// Brand is one catalog entry: the brand token looked for in hostnames and
// the domains where its presence is legitimate.
type Brand struct {
	Name    string
	Token   string
	Domains []string
}

// defaultBrands is the built-in catalog of frequently impersonated brands.
var defaultBrands = []Brand{
	{"PayPal", "paypal", []string{"paypal.com", "paypal.me"}},
	{"Apple", "apple", []string{"apple.com", "icloud.com"}},
	{"Microsoft", "microsoft", []string{"microsoft.com", "live.com", "office.com", "outlook.com"}},
	{"Google", "google", []string{"google.com", "gmail.com", "goo.gl"}},
	{"Amazon", "amazon", []string{"amazon.com", "amzn.to", "aws.amazon.com"}},
	{"Netflix", "netflix", []string{"netflix.com"}},
	{"Facebook", "facebook", []string{"facebook.com", "fb.com", "fb.me"}},
	{"Instagram", "instagram", []string{"instagram.com"}},
	{"Chase", "chase", []string{"chase.com"}},
	{"Wells Fargo", "wellsfargo", []string{"wellsfargo.com"}},
	{"Bank of America", "bankofamerica", []string{"bankofamerica.com"}},
	{"DHL", "dhl", []string{"dhl.com", "dhl.de"}},
	{"USPS", "usps", []string{"usps.com"}},
	{"Binance", "binance", []string{"binance.com"}},
	{"Coinbase", "coinbase", []string{"coinbase.com"}},
}

// ImpersonationAnalyzer matches the hostname against a brand catalog and
// records which brand is being imitated and how: the brand token embedded in
// an unrelated domain, a typosquatted registrable domain within small edit
// distance, or the brand used as a subdomain label. It contributes evidence
// and a modest score; deciding maliciousness is the scorer's job.
type ImpersonationAnalyzer struct {
	cfg    ImpersonationConfig
	brands []Brand
}

// NewImpersonationAnalyzer creates an impersonation analyzer with the
// built-in brand catalog.
func NewImpersonationAnalyzer(cfg ImpersonationConfig) *ImpersonationAnalyzer {
	if cfg.Weight == 0 {
		cfg.Weight = DefaultImpersonationConfig().Weight
	}
	return &ImpersonationAnalyzer{cfg: cfg, brands: defaultBrands}
}

// Name implements Analyzer.
func (a *ImpersonationAnalyzer) Name() string { return "brand_impersonation" }

// Weight implements Analyzer.
func (a *ImpersonationAnalyzer) Weight() float64 { return a.cfg.Weight }

// Analyze implements Analyzer. Pure computation, no network access.
func (a *ImpersonationAnalyzer) Analyze(_ context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		host := target.Host
		registrable := registrableDomain(host)
		regLabel, _, _ := strings.Cut(registrable, ".")

		for _, brand := range a.brands {
			if isLegitimateDomain(host, brand.Domains) {
				continue
			}

			// Brand token embedded somewhere in an unrelated hostname.
			if strings.Contains(host, brand.Token) {
				technique := "domain_squatting"
				if subdomainContains(host, registrable, brand.Token) {
					technique = "subdomain_abuse"
				}
				return a.match(brand, technique, 1.0)
			}

			// Registrable label within small edit distance of the brand.
			if d := levenshtein(regLabel, brand.Token); d > 0 && d <= maxEditDistance(brand.Token) {
				similarity := 1.0 - float64(d)/float64(len(brand.Token))
				return a.match(brand, "typosquatting", similarity)
			}
		}

		return Result{
			Analyzer:   a.Name(),
			Score:      0,
			Confidence: 0.3,
			Labels:     nil,
			Evidence:   map[string]any{"brand_match": false},
		}
	})
}

func (a *ImpersonationAnalyzer) match(brand Brand, technique string, similarity float64) Result {
	score := 20.0
	switch technique {
	case "typosquatting":
		score = 35
	case "subdomain_abuse":
		score = 30
	}
	return Result{
		Analyzer:   a.Name(),
		Score:      score,
		Confidence: 0.8,
		Labels:     []string{"brand_impersonation", technique},
		Evidence: map[string]any{
			"brand_match": true,
			"company":     brand.Name,
			"technique":   technique,
			"similarity":  similarity,
		},
	}
}

// isLegitimateDomain reports whether host is one of the brand's own domains
// or a subdomain of one.
func isLegitimateDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// subdomainContains reports whether the brand token appears only in the
// subdomain part of the host, not in the registrable domain.
func subdomainContains(host, registrable, token string) bool {
	if strings.Contains(registrable, token) {
		return false
	}
	prefix := strings.TrimSuffix(host, registrable)
	return strings.Contains(prefix, token)
}

// maxEditDistance scales the allowed typo distance with token length.
func maxEditDistance(token string) int {
	if len(token) <= 5 {
		return 1
	}
	return 2
}

// levenshtein computes the edit distance between two short strings.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
