package analyzer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func rdapServer(t *testing.T, registered time.Time, registrar string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rdap+json")
		fmt.Fprintf(w, `{
			"events": [{"eventAction": "registration", "eventDate": %q}],
			"status": ["active"],
			"entities": [{
				"roles": ["registrar"],
				"vcardArray": ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", %q]]]
			}]
		}`, registered.Format(time.RFC3339), registrar)
	}))
}

func newTestRegistrationAnalyzer(t *testing.T, baseURL string) *RegistrationAnalyzer {
	t.Helper()
	cfg := DefaultRegistrationConfig()
	cfg.BaseURL = baseURL
	return NewRegistrationAnalyzer(cfg, zap.NewNop())
}

// TestRegistration_AgeBuckets verifies domain age maps onto the risk tiers.
func TestRegistration_AgeBuckets(t *testing.T) {
	cases := []struct {
		name      string
		age       time.Duration
		wantLabel string
		wantMin   float64
	}{
		{"brand new", 5 * 24 * time.Hour, "newly_registered", 30},
		{"weeks old", 60 * 24 * time.Hour, "recently_registered", 20},
		{"months old", 200 * 24 * time.Hour, "young_domain", 10},
		{"years old", 3 * 365 * 24 * time.Hour, "established_domain", 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := rdapServer(t, time.Now().Add(-tc.age), "Example Registrar Inc")
			defer server.Close()

			a := newTestRegistrationAnalyzer(t, server.URL)
			res := a.Analyze(context.Background(), mustTarget(t, "https://example.com/"))

			if res.Failed() {
				t.Fatalf("unexpected error: %s", res.Err)
			}
			if !res.HasLabel(tc.wantLabel) {
				t.Errorf("expected label %q, got %v", tc.wantLabel, res.Labels)
			}
			if res.Score < tc.wantMin {
				t.Errorf("score %.1f, want >= %.1f", res.Score, tc.wantMin)
			}
		})
	}
}

// TestRegistration_PrivacyProxy verifies privacy-proxied registrations add
// risk on top of the age signal.
func TestRegistration_PrivacyProxy(t *testing.T) {
	server := rdapServer(t, time.Now().Add(-10*24*time.Hour), "WhoisGuard Privacy Inc")
	defer server.Close()

	a := newTestRegistrationAnalyzer(t, server.URL)
	res := a.Analyze(context.Background(), mustTarget(t, "https://example.com/"))

	if !res.HasLabel("privacy_protected") {
		t.Errorf("expected privacy_protected label, got %v", res.Labels)
	}
	if !res.HasLabel("newly_registered") {
		t.Errorf("expected newly_registered label, got %v", res.Labels)
	}
	if res.Score < 40 {
		t.Errorf("new privacy-proxied domain scored %.1f, want >= 40", res.Score)
	}
}

// TestRegistration_NotFound verifies a domain with no RDAP record gets a
// strong standalone score rather than an error.
func TestRegistration_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	a := newTestRegistrationAnalyzer(t, server.URL)
	res := a.Analyze(context.Background(), mustTarget(t, "https://example.com/"))

	if res.Failed() {
		t.Fatalf("404 should not be an analyzer error: %s", res.Err)
	}
	if !res.HasLabel("no_registration_data") {
		t.Errorf("expected no_registration_data label, got %v", res.Labels)
	}
	if res.Score != 40 {
		t.Errorf("score = %.1f, want 40", res.Score)
	}
}

// TestRegistration_ServerError verifies registry failures become error
// results, never partial scores.
func TestRegistration_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	a := newTestRegistrationAnalyzer(t, server.URL)
	res := a.Analyze(context.Background(), mustTarget(t, "https://example.com/"))

	if !res.Failed() {
		t.Fatal("expected an error result")
	}
	if res.Score != 0 || res.Confidence != 0 {
		t.Errorf("error result must be zero-score zero-confidence, got %.1f/%.2f", res.Score, res.Confidence)
	}
}
