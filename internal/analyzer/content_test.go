package analyzer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func contentAnalyzerForTest() *ContentAnalyzer {
	return NewContentAnalyzer(DefaultContentConfig(), zap.NewNop())
}

func analyzeServer(t *testing.T, server *httptest.Server) Result {
	t.Helper()
	a := contentAnalyzerForTest()
	return a.Analyze(context.Background(), mustTarget(t, server.URL+"/"))
}

// TestContent_BenignPage verifies a plain page with security headers scores
// low.
func TestContent_BenignPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fmt.Fprint(w, "<html><body><h1>Welcome</h1></body></html>")
	}))
	defer server.Close()

	res := analyzeServer(t, server)
	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if res.Score > 10 {
		t.Errorf("benign page scored %.1f (labels %v), want low", res.Score, res.Labels)
	}
}

// TestContent_CredentialHarvestPage verifies a password form plus phishing
// language plus missing headers stacks a high score.
func TestContent_CredentialHarvestPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<p>Your account has been locked due to unusual activity.</p>
			<p>Verify your account now to restore access to PayPal.</p>
			<form method="post">
				<input type="text" name="email">
				<input type="password" name="pass">
			</form>
		</body></html>`)
	}))
	defer server.Close()

	res := analyzeServer(t, server)
	for _, label := range []string{"password_form", "phishing_language", "brand_content_mismatch", "no_security_headers"} {
		if !res.HasLabel(label) {
			t.Errorf("expected label %q, got %v", label, res.Labels)
		}
	}
	if res.Score < 40 {
		t.Errorf("credential harvest page scored %.1f, want >= 40", res.Score)
	}
}

// TestContent_ErrorStatus verifies non-200 responses are flagged but the
// body is not scanned.
func TestContent_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `<input type="password">`)
	}))
	defer server.Close()

	res := analyzeServer(t, server)
	if !res.HasLabel("http_status_403") {
		t.Errorf("expected http_status_403 label, got %v", res.Labels)
	}
	if res.HasLabel("password_form") {
		t.Error("body of a non-200 response must not be scanned")
	}
}

// TestContent_Unreachable verifies connection failures score moderately
// instead of erroring out.
func TestContent_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	res := analyzeServer(t, server)
	if res.Failed() {
		t.Fatalf("unreachable host should not be an analyzer error: %s", res.Err)
	}
	if !res.HasLabel("fetch_failed") {
		t.Errorf("expected fetch_failed label, got %v", res.Labels)
	}
	if res.Score != 20 {
		t.Errorf("score = %.1f, want 20", res.Score)
	}
}

// TestContent_BodyLimit verifies only the bounded prefix of a huge body is
// read.
func TestContent_BodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 2048))
		fmt.Fprint(w, `<input type="password">`)
	}))
	defer server.Close()

	cfg := DefaultContentConfig()
	cfg.MaxBodyBytes = 1024
	a := NewContentAnalyzer(cfg, zap.NewNop())
	res := a.Analyze(context.Background(), mustTarget(t, server.URL+"/"))

	if res.HasLabel("password_form") {
		t.Error("content past the body limit must not be scanned")
	}
}
