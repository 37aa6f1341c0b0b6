package verdict

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/analyzer"
	"github.com/lvonguyen/phishguard/internal/engine"
	"github.com/lvonguyen/phishguard/internal/scorer"
	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// countingAnalyzer records how many times it actually ran.
type countingAnalyzer struct {
	calls atomic.Int64
	delay time.Duration
	score float64
}

func (c *countingAnalyzer) Name() string    { return "counting" }
func (c *countingAnalyzer) Weight() float64 { return 1 }

func (c *countingAnalyzer) Analyze(ctx context.Context, _ *urlutil.Target) analyzer.Result {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(c.delay):
		}
	}
	return analyzer.Result{Analyzer: c.Name(), Score: c.score, Confidence: 0.8}
}

func newTestCache(cfg CacheConfig, store Store, a analyzer.Analyzer) *Cache {
	eng := engine.New(engine.DefaultConfig(), []analyzer.Analyzer{a},
		scorer.New(scorer.DefaultConfig(), zap.NewNop()), zap.NewNop())
	return NewCache(cfg, store, eng, zap.NewNop())
}

// failingStore errors on every operation.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*Verdict, error) { return nil, errors.New("down") }
func (failingStore) Put(context.Context, *Verdict) error           { return errors.New("down") }
func (failingStore) Touch(context.Context, string) (int64, error)  { return 0, errors.New("down") }
func (failingStore) Sweep(context.Context) (int, error)            { return 0, errors.New("down") }
func (failingStore) Close() error                                  { return nil }

// TestGetOrCompute_CacheHit verifies the second lookup is served from the
// store with the hit counter advanced and no analyzer re-run.
func TestGetOrCompute_CacheHit(t *testing.T) {
	counter := &countingAnalyzer{score: 60}
	cache := newTestCache(DefaultCacheConfig(), NewMemoryStore(), counter)

	first, cached, err := cache.GetOrCompute(context.Background(), "https://example.com/login")
	if err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	if cached {
		t.Error("first lookup must be a miss")
	}

	second, cached, err := cache.GetOrCompute(context.Background(), "https://EXAMPLE.com/login/")
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if !cached {
		t.Error("equivalent URL should hit the cache")
	}
	if got := counter.calls.Load(); got != 1 {
		t.Errorf("analyzer ran %d times, want 1", got)
	}
	if second.Score != first.Score || second.Malicious != first.Malicious {
		t.Errorf("cached verdict diverged: %.1f vs %.1f", second.Score, first.Score)
	}
	if len(second.Analyzers) != 0 {
		t.Error("cached verdict must not carry per-analyzer detail")
	}
	if second.HitCount != 1 {
		t.Errorf("hit count = %d, want 1", second.HitCount)
	}
}

// TestGetOrCompute_SingleFlight verifies concurrent misses for one URL run
// the engine exactly once.
func TestGetOrCompute_SingleFlight(t *testing.T) {
	counter := &countingAnalyzer{score: 10, delay: 100 * time.Millisecond}
	cache := newTestCache(DefaultCacheConfig(), NewMemoryStore(), counter)

	const callers = 16
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := cache.GetOrCompute(context.Background(), "https://example.com/a"); err != nil {
				t.Errorf("lookup failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := counter.calls.Load(); got != 1 {
		t.Errorf("analyzer ran %d times under concurrent misses, want 1", got)
	}
}

// TestGetOrCompute_TTLExpiry verifies an expired entry is recomputed.
func TestGetOrCompute_TTLExpiry(t *testing.T) {
	counter := &countingAnalyzer{score: 10}
	cfg := DefaultCacheConfig()
	cfg.TTL = 10 * time.Millisecond
	cache := newTestCache(cfg, NewMemoryStore(), counter)

	if _, _, err := cache.GetOrCompute(context.Background(), "https://example.com/"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	_, cached, err := cache.GetOrCompute(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("expired entry must not be served")
	}
	if got := counter.calls.Load(); got != 2 {
		t.Errorf("analyzer ran %d times, want 2", got)
	}
}

// TestGetOrCompute_FailOpen verifies a broken store never blocks analysis.
func TestGetOrCompute_FailOpen(t *testing.T) {
	counter := &countingAnalyzer{score: 70}
	cache := newTestCache(DefaultCacheConfig(), failingStore{}, counter)

	res, cached, err := cache.GetOrCompute(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("broken store must fail open, got %v", err)
	}
	if cached {
		t.Error("result cannot be cached with a broken store")
	}
	if res.Score == 0 {
		t.Error("expected a computed score despite the broken store")
	}
}

// erroringAnalyzer fails every run.
type erroringAnalyzer struct {
	calls atomic.Int64
}

func (e *erroringAnalyzer) Name() string    { return "erroring" }
func (e *erroringAnalyzer) Weight() float64 { return 1 }

func (e *erroringAnalyzer) Analyze(context.Context, *urlutil.Target) analyzer.Result {
	e.calls.Add(1)
	return analyzer.ErrorResult(e.Name(), errors.New("backend down"))
}

// TestGetOrCompute_CanceledCallerDoesNotPoison verifies a caller whose
// context is already canceled still drives a full analysis, and later
// healthy callers get the real verdict from the cache.
func TestGetOrCompute_CanceledCallerDoesNotPoison(t *testing.T) {
	counter := &countingAnalyzer{score: 90}
	cache := newTestCache(DefaultCacheConfig(), NewMemoryStore(), counter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	first, cached, err := cache.GetOrCompute(ctx, "https://evil.example.com/login")
	if err != nil {
		t.Fatalf("canceled caller failed: %v", err)
	}
	if cached {
		t.Error("first lookup must be a miss")
	}
	if first.Score == 0 {
		t.Errorf("canceled caller produced a zero verdict: %+v", first)
	}

	second, cached, err := cache.GetOrCompute(context.Background(), "https://evil.example.com/login")
	if err != nil {
		t.Fatal(err)
	}
	if !cached {
		t.Error("healthy caller should hit the cache")
	}
	if second.Score != first.Score {
		t.Errorf("cached verdict diverged: %.1f vs %.1f", second.Score, first.Score)
	}
	if got := counter.calls.Load(); got != 1 {
		t.Errorf("analyzer ran %d times, want 1", got)
	}
}

// TestGetOrCompute_AllFailedRunNotCached verifies a run where every analyzer
// errored is returned but not stored, so the next caller recomputes.
func TestGetOrCompute_AllFailedRunNotCached(t *testing.T) {
	failing := &erroringAnalyzer{}
	cache := newTestCache(DefaultCacheConfig(), NewMemoryStore(), failing)

	res, cached, err := cache.GetOrCompute(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatalf("all-failed run should still return a result: %v", err)
	}
	if cached || res.Score != 0 {
		t.Errorf("unexpected first result: cached=%v score=%.1f", cached, res.Score)
	}

	_, cached, err = cache.GetOrCompute(context.Background(), "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	if cached {
		t.Error("an all-failed verdict must not be served from the cache")
	}
	if got := failing.calls.Load(); got != 2 {
		t.Errorf("analyzer ran %d times, want 2", got)
	}
}

// TestGetOrCompute_InvalidURL verifies validation failures surface as
// errors.
func TestGetOrCompute_InvalidURL(t *testing.T) {
	cache := newTestCache(DefaultCacheConfig(), NewMemoryStore(), &countingAnalyzer{})
	if _, _, err := cache.GetOrCompute(context.Background(), "ftp://example.com/x"); err == nil {
		t.Fatal("invalid URL should fail")
	}
}

// TestMemoryStore_TouchAndSweep exercises the hit counter and bulk expiry.
func TestMemoryStore_TouchAndSweep(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	live := &Verdict{Fingerprint: "live", ExpiresAt: now.Add(time.Hour)}
	dead := &Verdict{Fingerprint: "dead", ExpiresAt: now.Add(-time.Hour)}
	if err := store.Put(ctx, live); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, dead); err != nil {
		t.Fatal(err)
	}

	for want := int64(1); want <= 3; want++ {
		hits, err := store.Touch(ctx, "live")
		if err != nil {
			t.Fatal(err)
		}
		if hits != want {
			t.Errorf("hit count = %d, want %d", hits, want)
		}
	}

	removed, err := store.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("swept %d entries, want 1", removed)
	}
	if _, err := store.Get(ctx, "dead"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired entry still readable: %v", err)
	}
}
