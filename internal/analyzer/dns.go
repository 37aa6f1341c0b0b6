package analyzer

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// dnsResolver is the subset of net.Resolver the DNS analyzer needs. Tests
// substitute a fake.
type dnsResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
}

// DNSConfig configures the DNS analyzer.
type DNSConfig struct {
	Weight  float64       `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultDNSConfig returns sensible defaults.
func DefaultDNSConfig() DNSConfig {
	return DNSConfig{
		Weight:  0.8,
		Timeout: 5 * time.Second,
	}
}

// saasProvider carries abuse statistics for a hosting provider detected via
// CNAME targets. Adjustments below zero mean the provider moderates risk,
// above zero that it is frequently abused.
type saasProvider struct {
	patterns       []string
	riskAdjustment float64
	abuseFrequency int
	confidence     float64
}

var saasProviders = map[string]saasProvider{
	"cloudflare": {[]string{"pages.dev", "cloudflare.net", "cloudflare.com"}, -2, 374, 0.8},
	"vercel":     {[]string{"vercel-dns.com", "vercel.app", "now.sh"}, -3, 153, 0.8},
	"netlify":    {[]string{"netlify.app", "netlify.com", "netlifyglobalcdn.com"}, -4, 74, 0.9},
	"github":     {[]string{"github.io", "github.com", "githubapp.com"}, -3, 208, 0.8},
	"google":     {[]string{"googlehosted.com", "ghs.google.com", "firebaseapp.com", "web.app"}, 0, 4326, 0.6},
	"weebly":     {[]string{"weebly.com", "weeblysite.com"}, 2, 4410, 0.4},
	"wix":        {[]string{"wixsite.com"}, 0, 796, 0.6},
	"webflow":    {[]string{"webflow.io"}, 0, 787, 0.6},
	"shopify":    {[]string{"shopify.com", "myshopify.com"}, -3, 3, 0.9},
	"aws":        {[]string{"amazonaws.com", "cloudfront.net", "elb.amazonaws.com"}, 0, 42, 0.7},
	"microsoft":  {[]string{"azurefd.net", "trafficmanager.net", "azurewebsites.net"}, -3, 18, 0.8},
}

// highRiskHosts are redirect and pastebin style services with heavy phishing
// abuse. Matching one of these as a CNAME target raises risk outright.
var highRiskHosts = map[string]saasProvider{
	"qrco.de":     {riskAdjustment: 15, abuseFrequency: 2548, confidence: 0.9},
	"bit.ly":      {riskAdjustment: 12, abuseFrequency: 2447, confidence: 0.8},
	"r2.dev":      {riskAdjustment: 20, abuseFrequency: 1979, confidence: 0.9},
	"ead.me":      {riskAdjustment: 20, abuseFrequency: 1975, confidence: 0.9},
	"t.co":        {riskAdjustment: 8, abuseFrequency: 413, confidence: 0.7},
	"tinyurl.com": {riskAdjustment: 8, abuseFrequency: 176, confidence: 0.7},
	"dweb.link":   {riskAdjustment: 12, abuseFrequency: 803, confidence: 0.8},
}

var suspiciousNSPatterns = []string{"afraid.org", "dynamic", "dyn", "temp", "free"}

// DNSAnalyzer assesses a domain's DNS posture: resolvability, CNAME chains
// pointing into SaaS hosting, nameserver reputation and mail setup.
type DNSAnalyzer struct {
	cfg      DNSConfig
	resolver dnsResolver
	logger   *zap.Logger
}

// NewDNSAnalyzer creates a DNS analyzer backed by the system resolver.
func NewDNSAnalyzer(cfg DNSConfig, logger *zap.Logger) *DNSAnalyzer {
	if cfg.Weight == 0 {
		cfg.Weight = DefaultDNSConfig().Weight
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultDNSConfig().Timeout
	}
	return &DNSAnalyzer{
		cfg:      cfg,
		resolver: net.DefaultResolver,
		logger:   logger,
	}
}

// Name implements Analyzer.
func (a *DNSAnalyzer) Name() string { return "dns_resolver" }

// Weight implements Analyzer.
func (a *DNSAnalyzer) Weight() float64 { return a.cfg.Weight }

// Analyze implements Analyzer.
func (a *DNSAnalyzer) Analyze(ctx context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		domain := target.Host
		var (
			risk   float64
			labels []string
		)
		evidence := map[string]any{"domain": domain}
		records := map[string]any{}

		addrs, err := a.resolver.LookupHost(ctx, domain)
		if err != nil || len(addrs) == 0 {
			risk += 30
			labels = append(labels, "no_a_records")
		} else {
			records["A"] = addrs
			if len(addrs) > 5 {
				risk += 10
				labels = append(labels, "many_a_records")
			}
		}

		cname, err := a.resolver.LookupCNAME(ctx, domain)
		if err == nil {
			cname = strings.TrimSuffix(strings.ToLower(cname), ".")
			if cname != "" && cname != domain {
				records["CNAME"] = cname
				r, ls := scoreCNAMETarget(cname, evidence)
				risk += r
				labels = append(labels, ls...)
			}
		}

		if nsRecords, err := a.resolver.LookupNS(ctx, domain); err == nil && len(nsRecords) > 0 {
			hosts := make([]string, 0, len(nsRecords))
			for _, ns := range nsRecords {
				hosts = append(hosts, strings.TrimSuffix(ns.Host, "."))
			}
			records["NS"] = hosts
			for _, host := range hosts {
				if matchesAny(strings.ToLower(host), suspiciousNSPatterns) {
					risk += 10
					labels = append(labels, "suspicious_nameserver")
					break
				}
			}
		}

		if mxRecords, err := a.resolver.LookupMX(ctx, domain); err != nil || len(mxRecords) == 0 {
			risk += 5
			labels = append(labels, "no_mx_records")
		} else {
			hosts := make([]string, 0, len(mxRecords))
			for _, mx := range mxRecords {
				hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
			}
			records["MX"] = hosts
		}

		evidence["dns_records"] = records

		confidence := 0.3
		if risk > 0 {
			confidence = 0.8
		}

		return Result{
			Analyzer:   a.Name(),
			Score:      clampScore(risk),
			Confidence: confidence,
			Labels:     labels,
			Evidence:   evidence,
		}
	})
}

// scoreCNAMETarget applies the SaaS provider and high-risk host tables to a
// CNAME target.
func scoreCNAMETarget(target string, evidence map[string]any) (float64, []string) {
	for name, provider := range saasProviders {
		if matchesAny(target, provider.patterns) {
			labels := []string{"hosted_on_" + name}
			risk := provider.riskAdjustment
			switch {
			case provider.abuseFrequency > 2000:
				labels = append(labels, "very_high_abuse_service")
				risk += 5
			case provider.abuseFrequency > 500:
				labels = append(labels, "high_abuse_service")
				risk += 2
			case provider.abuseFrequency > 100:
				labels = append(labels, "moderate_abuse_service")
				risk++
			}
			evidence["saas_provider"] = name
			evidence["saas_abuse_frequency"] = provider.abuseFrequency
			return risk, labels
		}
	}

	for host, info := range highRiskHosts {
		if strings.Contains(target, host) {
			evidence["high_risk_service"] = host
			evidence["saas_abuse_frequency"] = info.abuseFrequency
			return info.riskAdjustment, []string{"high_risk_service"}
		}
	}

	return 0, nil
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
