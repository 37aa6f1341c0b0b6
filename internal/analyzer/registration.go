package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// RegistrationConfig configures the RDAP registration analyzer.
type RegistrationConfig struct {
	Weight  float64       `yaml:"weight"`
	Timeout time.Duration `yaml:"timeout"`
	// BaseURL is an RDAP bootstrap service that redirects to the
	// authoritative registry server.
	BaseURL string `yaml:"base_url"`
}

// DefaultRegistrationConfig returns sensible defaults.
func DefaultRegistrationConfig() RegistrationConfig {
	return RegistrationConfig{
		Weight:  0.7,
		Timeout: 8 * time.Second,
		BaseURL: "https://rdap.org",
	}
}

// privacyMarkers in registrar or registrant names indicate a privacy proxy.
var privacyMarkers = []string{"privacy", "proxy", "redacted", "whoisguard", "protected"}

// RegistrationAnalyzer queries RDAP for the registrable domain and scores
// registration age, registrar identity and privacy proxying. Domain age is the
// strongest single heuristic: almost all phishing domains are days old, while
// age beyond a year slightly reduces risk and then saturates.
type RegistrationAnalyzer struct {
	cfg    RegistrationConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistrationAnalyzer creates an RDAP-backed registration analyzer.
func NewRegistrationAnalyzer(cfg RegistrationConfig, logger *zap.Logger) *RegistrationAnalyzer {
	def := DefaultRegistrationConfig()
	if cfg.Weight == 0 {
		cfg.Weight = def.Weight
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	return &RegistrationAnalyzer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
	}
}

// Name implements Analyzer.
func (a *RegistrationAnalyzer) Name() string { return "registration" }

// Weight implements Analyzer.
func (a *RegistrationAnalyzer) Weight() float64 { return a.cfg.Weight }

type rdapResponse struct {
	Events []struct {
		Action string    `json:"eventAction"`
		Date   time.Time `json:"eventDate"`
	} `json:"events"`
	Status   []string `json:"status"`
	Entities []struct {
		Roles      []string `json:"roles"`
		VCardArray []any    `json:"vcardArray"`
	} `json:"entities"`
}

// Analyze implements Analyzer.
func (a *RegistrationAnalyzer) Analyze(ctx context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()

		domain := registrableDomain(target.Host)
		endpoint := fmt.Sprintf("%s/domain/%s", strings.TrimRight(a.cfg.BaseURL, "/"), domain)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return ErrorResult(a.Name(), err)
		}
		req.Header.Set("Accept", "application/rdap+json")

		resp, err := a.client.Do(req)
		if err != nil {
			return ErrorResult(a.Name(), fmt.Errorf("rdap query failed: %w", err))
		}
		defer resp.Body.Close()

		var (
			risk   float64
			labels []string
		)
		evidence := map[string]any{"domain": domain}

		if resp.StatusCode == http.StatusNotFound {
			// No registration data at all. Either a brand-new domain the
			// registry has not published yet or a bogus host.
			return Result{
				Analyzer:   a.Name(),
				Score:      40,
				Confidence: 0.7,
				Labels:     []string{"no_registration_data"},
				Evidence:   evidence,
			}
		}
		if resp.StatusCode != http.StatusOK {
			return ErrorResult(a.Name(), fmt.Errorf("rdap returned status %d", resp.StatusCode))
		}

		var rdap rdapResponse
		if err := json.NewDecoder(resp.Body).Decode(&rdap); err != nil {
			return ErrorResult(a.Name(), fmt.Errorf("decoding rdap response: %w", err))
		}

		registered := a.registrationDate(rdap)
		if registered.IsZero() {
			risk += 10
			labels = append(labels, "registration_date_unknown")
		} else {
			ageDays := int(a.now().Sub(registered).Hours() / 24)
			evidence["registered_at"] = registered.Format(time.RFC3339)
			evidence["age_days"] = ageDays

			switch {
			case ageDays < 30:
				risk += 30
				labels = append(labels, "newly_registered")
			case ageDays < 90:
				risk += 20
				labels = append(labels, "recently_registered")
			case ageDays < 365:
				risk += 10
				labels = append(labels, "young_domain")
			default:
				// Age stops helping past the first year.
				risk -= 5
				labels = append(labels, "established_domain")
			}
		}

		if registrar := a.registrarName(rdap); registrar != "" {
			evidence["registrar"] = registrar
			if matchesAny(strings.ToLower(registrar), privacyMarkers) {
				risk += 10
				labels = append(labels, "privacy_protected")
			}
		}

		for _, status := range rdap.Status {
			s := strings.ToLower(status)
			if strings.Contains(s, "hold") {
				risk += 15
				labels = append(labels, "registry_hold")
				break
			}
		}
		evidence["status"] = rdap.Status

		return Result{
			Analyzer:   a.Name(),
			Score:      clampScore(risk),
			Confidence: 0.8,
			Labels:     labels,
			Evidence:   evidence,
		}
	})
}

// registrationDate extracts the earliest registration event.
func (a *RegistrationAnalyzer) registrationDate(r rdapResponse) time.Time {
	var earliest time.Time
	for _, ev := range r.Events {
		if ev.Action != "registration" {
			continue
		}
		if earliest.IsZero() || ev.Date.Before(earliest) {
			earliest = ev.Date
		}
	}
	return earliest
}

// registrarName pulls the registrar's display name out of the vCard entity.
// The jCard format nests the formatted name as ["fn", {}, "text", "<name>"].
func (a *RegistrationAnalyzer) registrarName(r rdapResponse) string {
	for _, entity := range r.Entities {
		isRegistrar := false
		for _, role := range entity.Roles {
			if role == "registrar" {
				isRegistrar = true
				break
			}
		}
		if !isRegistrar || len(entity.VCardArray) < 2 {
			continue
		}
		props, ok := entity.VCardArray[1].([]any)
		if !ok {
			continue
		}
		for _, p := range props {
			prop, ok := p.([]any)
			if !ok || len(prop) < 4 {
				continue
			}
			if name, _ := prop[0].(string); name != "fn" {
				continue
			}
			if value, ok := prop[3].(string); ok {
				return value
			}
		}
	}
	return ""
}

// registrableDomain approximates the registrable domain as the last two
// labels of the host.
func registrableDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		return host
	}
	return strings.Join(parts[len(parts)-2:], ".")
}
