package analyzer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// TestTLS_PlainHTTP verifies http targets produce the no-TLS finding without
// touching the network.
func TestTLS_PlainHTTP(t *testing.T) {
	a := NewTLSAnalyzer(DefaultTLSConfig(), zap.NewNop())
	res := a.Analyze(context.Background(), mustTarget(t, "http://example.com/login"))

	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if !res.HasLabel("no_https") {
		t.Errorf("expected no_https label, got %v", res.Labels)
	}
	if res.Score != 15 {
		t.Errorf("score = %.1f, want 15", res.Score)
	}
}

// TestTLS_SelfSigned verifies a self-signed certificate is flagged. The
// httptest TLS server presents exactly that.
func TestTLS_SelfSigned(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	a := NewTLSAnalyzer(DefaultTLSConfig(), zap.NewNop())
	res := a.Analyze(context.Background(), mustTarget(t, server.URL+"/"))

	if res.Failed() {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if !res.HasLabel("self_signed_certificate") {
		t.Errorf("expected self_signed_certificate label, got %v", res.Labels)
	}
	if res.Score < 30 {
		t.Errorf("self-signed target scored %.1f, want >= 30", res.Score)
	}
}

// TestTLS_HandshakeFailure verifies a host that refuses TLS is scored, not
// errored.
func TestTLS_HandshakeFailure(t *testing.T) {
	// Plain-http listener addressed as https.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	a := NewTLSAnalyzer(DefaultTLSConfig(), zap.NewNop())
	res := a.Analyze(context.Background(), mustTarget(t, "https://"+server.Listener.Addr().String()+"/"))

	if res.Failed() {
		t.Fatalf("handshake failure should not be an analyzer error: %s", res.Err)
	}
	if !res.HasLabel("tls_handshake_failed") {
		t.Errorf("expected tls_handshake_failed label, got %v", res.Labels)
	}
}
