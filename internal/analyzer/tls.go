package analyzer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// TLSConfig configures the certificate analyzer.
type TLSConfig struct {
	Weight  float64       `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultTLSConfig returns sensible defaults.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		Weight:  0.75,
		Timeout: 6 * time.Second,
	}
}

// Free certificate authorities. Legitimate sites use them constantly, so a
// free issuer alone is a weak signal that only matters in combination.
var freeCAs = []string{"let's encrypt", "zerossl", "buypass", "cpanel"}

// Enterprise issuers whose validation process makes abuse rare.
var enterpriseCAs = []string{"digicert", "entrust", "globalsign", "sectigo ev", "verisign"}

// TLSAnalyzer connects to the target and inspects its certificate chain:
// issuer reputation, validity window, self-signed chains, hostname coverage
// and SAN breadth. Plain-http targets never fail the analyzer; the absence of
// TLS is itself the finding.
type TLSAnalyzer struct {
	cfg    TLSConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewTLSAnalyzer creates a TLS certificate analyzer.
func NewTLSAnalyzer(cfg TLSConfig, logger *zap.Logger) *TLSAnalyzer {
	def := DefaultTLSConfig()
	if cfg.Weight == 0 {
		cfg.Weight = def.Weight
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	return &TLSAnalyzer{cfg: cfg, logger: logger, now: time.Now}
}

// Name implements Analyzer.
func (a *TLSAnalyzer) Name() string { return "tls_certificate" }

// Weight implements Analyzer.
func (a *TLSAnalyzer) Weight() float64 { return a.cfg.Weight }

// Analyze implements Analyzer.
func (a *TLSAnalyzer) Analyze(ctx context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		if target.Scheme == "http" {
			return Result{
				Analyzer:   a.Name(),
				Score:      15,
				Confidence: 0.9,
				Labels:     []string{"no_https"},
				Evidence:   map[string]any{"warning": "no TLS on http target"},
			}
		}

		port := target.Port
		if port == "" {
			port = "443"
		}
		addr := net.JoinHostPort(target.Host, port)

		dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		dialer := &tls.Dialer{
			Config: &tls.Config{
				ServerName: target.Host,
				// Verification is done by hand below so that invalid
				// certificates can still be inspected.
				InsecureSkipVerify: true,
			},
		}
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			// A host advertising https that cannot complete a handshake is
			// itself suspicious.
			return Result{
				Analyzer:   a.Name(),
				Score:      25,
				Confidence: 0.7,
				Labels:     []string{"tls_handshake_failed"},
				Evidence:   map[string]any{"error": err.Error()},
			}
		}
		defer conn.Close()

		state := conn.(*tls.Conn).ConnectionState()
		if len(state.PeerCertificates) == 0 {
			return Result{
				Analyzer:   a.Name(),
				Score:      25,
				Confidence: 0.7,
				Labels:     []string{"no_peer_certificate"},
			}
		}

		cert := state.PeerCertificates[0]
		var (
			risk   float64
			labels []string
		)
		evidence := map[string]any{
			"issuer":     cert.Issuer.String(),
			"subject":    cert.Subject.String(),
			"not_before": cert.NotBefore.Format(time.RFC3339),
			"not_after":  cert.NotAfter.Format(time.RFC3339),
			"san_count":  len(cert.DNSNames),
		}

		now := a.now()
		if now.After(cert.NotAfter) {
			risk += 25
			labels = append(labels, "expired_certificate")
		}
		if now.Before(cert.NotBefore) {
			risk += 20
			labels = append(labels, "certificate_not_yet_valid")
		}
		if age := now.Sub(cert.NotBefore); age >= 0 && age < 30*24*time.Hour {
			risk += 10
			labels = append(labels, "newly_issued_certificate")
		}

		if isSelfSigned(state.PeerCertificates) {
			risk += 30
			labels = append(labels, "self_signed_certificate")
		}

		if err := cert.VerifyHostname(target.Host); err != nil {
			risk += 35
			labels = append(labels, "hostname_mismatch")
		}

		issuer := strings.ToLower(cert.Issuer.CommonName + " " + strings.Join(cert.Issuer.Organization, " "))
		switch {
		case matchesAny(issuer, enterpriseCAs):
			risk -= 10
			labels = append(labels, "enterprise_issuer")
		case matchesAny(issuer, freeCAs):
			risk += 5
			labels = append(labels, "free_ca_issuer")
		}

		// A very broad SAN list on a non-CDN certificate often means shared
		// bulletproof hosting.
		if len(cert.DNSNames) > 25 {
			risk += 5
			labels = append(labels, "broad_san_certificate")
		}

		return Result{
			Analyzer:   a.Name(),
			Score:      clampScore(risk),
			Confidence: 0.85,
			Labels:     labels,
			Evidence:   evidence,
		}
	})
}

// isSelfSigned reports whether the leaf is self-signed or the chain never
// leaves the presented certificates.
func isSelfSigned(chain []*x509.Certificate) bool {
	leaf := chain[0]
	if len(chain) == 1 {
		return leaf.Issuer.String() == leaf.Subject.String() ||
			leaf.CheckSignatureFrom(leaf) == nil
	}
	return false
}
