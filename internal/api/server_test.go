package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/engine"
	"github.com/lvonguyen/phishguard/internal/feed"
	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// stubPipeline fakes the verdict cache for handler tests.
type stubPipeline struct {
	calls int
}

func (s *stubPipeline) GetOrCompute(_ context.Context, rawURL string) (*engine.AnalysisResult, bool, error) {
	target, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil, false, err
	}
	s.calls++
	return &engine.AnalysisResult{
		URL:        rawURL,
		Normalized: target.Normalized,
		Score:      42,
		RiskLevel:  "low",
		Cached:     s.calls > 1,
	}, s.calls > 1, nil
}

// stubRefresher fakes the ingestor.
type stubRefresher struct {
	created int
	err     error
}

func (s *stubRefresher) Refresh(context.Context, string) (int, error) { return s.created, s.err }
func (s *stubRefresher) RefreshAll(context.Context) (int, error)      { return s.created, s.err }
func (s *stubRefresher) Status() []feed.SourceStatus {
	return []feed.SourceStatus{{Source: "openphish"}}
}

func newTestServer(t *testing.T, limiter *RateLimiter) (*Server, feed.Store) {
	t.Helper()
	store := feed.NewMemoryStore()
	srv := NewServer(&stubPipeline{}, store, &stubRefresher{created: 3}, limiter, zap.NewNop(), "test")
	return srv, store
}

func postJSON(t *testing.T, handler http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// TestAnalyze_OK verifies a valid URL returns the analysis result.
func TestAnalyze_OK(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	rec := postJSON(t, router, "/api/v1/analyze", `{"url": "https://example.com/login"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var res engine.AnalysisResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if res.Normalized != "https://example.com/login" || res.Score != 42 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Cached {
		t.Error("first analysis should not be cached")
	}
}

// TestAnalyze_BadRequests verifies malformed input is rejected with 400.
func TestAnalyze_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{"url": `},
		{"missing url", `{}`},
		{"unparseable url", `{"url": "http://exa mple.com/"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, router, "/api/v1/analyze", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

// TestFeedLookup verifies hit and miss responses against a seeded store.
func TestFeedLookup(t *testing.T) {
	srv, store := newTestServer(t, nil)
	router := srv.Router()

	if _, err := store.Upsert(context.Background(), feed.Indicator{
		Type: feed.TypeURL, Value: "https://evil.example.com/login",
		Severity: feed.SeverityHigh, Source: "openphish", Trusted: true,
	}); err != nil {
		t.Fatal(err)
	}

	rec := postJSON(t, router, "/api/v1/feeds/lookup", `{"url": "https://EVIL.example.com/login"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var hit LookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &hit); err != nil {
		t.Fatal(err)
	}
	if !hit.IsThreat || len(hit.Matches) != 1 {
		t.Errorf("expected one match, got %+v", hit)
	}

	rec = postJSON(t, router, "/api/v1/feeds/lookup", `{"url": "https://clean.example.org/"}`)
	var miss LookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &miss); err != nil {
		t.Fatal(err)
	}
	if miss.IsThreat || len(miss.Matches) != 0 {
		t.Errorf("expected no matches, got %+v", miss)
	}

	// Without normalization the uppercase variant is matched verbatim and
	// misses.
	rec = postJSON(t, router, "/api/v1/feeds/lookup",
		`{"url": "https://EVIL.example.com/login", "normalize": false}`)
	var raw LookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if raw.IsThreat {
		t.Errorf("verbatim lookup should miss, got %+v", raw)
	}
}

// TestFeedLookupBulk verifies batch lookups, the size cap, and that one bad
// URL does not sink the batch.
func TestFeedLookupBulk(t *testing.T) {
	srv, store := newTestServer(t, nil)
	router := srv.Router()

	if _, err := store.Upsert(context.Background(), feed.Indicator{
		Type: feed.TypeDomain, Value: "evil.example.com",
		Severity: feed.SeverityHigh, Source: "openphish",
	}); err != nil {
		t.Fatal(err)
	}

	rec := postJSON(t, router, "/api/v1/feeds/lookup/bulk",
		`{"urls": ["https://evil.example.com/a", "https://clean.example.org/", "http://bad url"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp BulkLookupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(resp.Results))
	}
	if resp.Threats != 1 {
		t.Errorf("threats = %d, want 1", resp.Threats)
	}

	var urls []string
	for i := 0; i < maxBulkURLs+1; i++ {
		urls = append(urls, fmt.Sprintf(`"https://site%d.example.com/"`, i))
	}
	rec = postJSON(t, router, "/api/v1/feeds/lookup/bulk",
		`{"urls": [`+strings.Join(urls, ",")+`]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized batch: status = %d, want 400", rec.Code)
	}
}

// TestFeedStatusAndRefresh verifies the operational endpoints.
func TestFeedStatusAndRefresh(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/feeds/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint: %d", rec.Code)
	}
	var status struct {
		Indicators int                 `json:"indicators"`
		Sources    []feed.SourceStatus `json:"sources"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if len(status.Sources) != 1 {
		t.Errorf("sources = %+v", status.Sources)
	}

	rec = postJSON(t, router, "/api/v1/feeds/refresh", `{"source": "all"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d", rec.Code)
	}
	var refresh struct {
		Created int `json:"created"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &refresh); err != nil {
		t.Fatal(err)
	}
	if refresh.Created != 3 {
		t.Errorf("created = %d, want 3", refresh.Created)
	}
}

// TestFeedRefresh_SourceFailure verifies a failed refresh maps to 502.
func TestFeedRefresh_SourceFailure(t *testing.T) {
	store := feed.NewMemoryStore()
	srv := NewServer(&stubPipeline{}, store,
		&stubRefresher{err: errors.New("upstream down")}, nil, zap.NewNop(), "test")

	rec := postJSON(t, srv.Router(), "/api/v1/feeds/refresh", `{"source": "openphish"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

// TestHealthEndpoints verifies liveness and readiness.
func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	router := srv.Router()

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, rec.Code)
		}
	}
}

// TestMemoryCounter_EvictsStaleClients verifies expired client windows are
// removed so the counter does not grow with every IP ever seen.
func TestMemoryCounter_EvictsStaleClients(t *testing.T) {
	counter := NewMemoryCounter()
	ctx := context.Background()
	window := 10 * time.Millisecond

	if _, err := counter.Incr(ctx, "10.0.0.1", 1, window); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * window)

	if _, err := counter.Incr(ctx, "10.0.0.2", 1, window); err != nil {
		t.Fatal(err)
	}

	counter.mu.Lock()
	defer counter.mu.Unlock()
	if _, ok := counter.counts["10.0.0.1"]; ok {
		t.Error("stale client entry was not evicted")
	}
	if _, ok := counter.counts["10.0.0.2"]; !ok {
		t.Error("active client entry missing")
	}
}

// TestRateLimiter verifies the fixed-window budget and bulk cost weighting.
func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(NewMemoryCounter(), 5, 5, zap.NewNop())
	srv, _ := newTestServer(t, limiter)
	router := srv.Router()

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over budget: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// A different client has its own budget.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh client: status = %d", rec.Code)
	}

	// One bulk request burns the whole budget at cost 5.
	bulkLimiter := NewRateLimiter(NewMemoryCounter(), 5, 5, zap.NewNop())
	bulkSrv, _ := newTestServer(t, bulkLimiter)
	bulkRouter := bulkSrv.Router()

	req = httptest.NewRequest(http.MethodPost, "/api/v1/feeds/lookup/bulk",
		strings.NewReader(`{"urls": ["https://a.example.com/"]}`))
	req.RemoteAddr = "10.0.0.3:1234"
	rec = httptest.NewRecorder()
	bulkRouter.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first bulk: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "10.0.0.3:1234"
	rec = httptest.NewRecorder()
	bulkRouter.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("after bulk: status = %d, want 429", rec.Code)
	}
}
