package verdict

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lvonguyen/phishguard/internal/analyzer"
	"github.com/lvonguyen/phishguard/internal/engine"
	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// CacheConfig configures the verdict cache.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
	// SweepInterval sets how often expired entries are bulk-removed. Zero
	// disables the background sweep; lazy expiry still applies.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:           24 * time.Hour,
		SweepInterval: time.Hour,
	}
}

// Cache fronts the engine with a verdict store. Concurrent misses for the
// same fingerprint collapse into a single engine run via singleflight, and
// any store failure falls back to computing the verdict directly.
type Cache struct {
	cfg    CacheConfig
	store  Store
	engine *engine.Engine
	logger *zap.Logger
	group  singleflight.Group

	cancel context.CancelFunc
	donech chan struct{}
}

// NewCache creates a verdict cache over store and eng.
func NewCache(cfg CacheConfig, store Store, eng *engine.Engine, logger *zap.Logger) *Cache {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	return &Cache{
		cfg:    cfg,
		store:  store,
		engine: eng,
		logger: logger,
	}
}

// GetOrCompute returns the verdict for a raw URL, computing and caching it
// on a miss. The bool reports whether the result came from the cache. It
// fails only on URL validation.
func (c *Cache) GetOrCompute(ctx context.Context, rawURL string) (*engine.AnalysisResult, bool, error) {
	target, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil, false, err
	}

	cached, err := c.store.Get(ctx, target.Fingerprint)
	switch {
	case err == nil:
		hits, terr := c.store.Touch(ctx, target.Fingerprint)
		if terr != nil {
			hits = cached.HitCount + 1
		}
		cached.HitCount = hits
		return cachedResult(target, cached), true, nil
	case errors.Is(err, ErrNotFound):
		// Fall through to computation.
	default:
		// Store failure: log it and fail open. The computation below still
		// collapses concurrent callers.
		c.logger.Warn("verdict store read failed, computing directly",
			zap.String("fingerprint", target.Fingerprint), zap.Error(err))
	}

	v, err, _ := c.group.Do(target.Fingerprint, func() (any, error) {
		// Detach the flight from the caller: other callers waiting on it
		// (and future ones, via the store) depend on its outcome, so a
		// disconnecting client must not cancel the run or the store write.
		// Per-analyzer timeouts still bound the run.
		flightCtx := context.WithoutCancel(ctx)
		res := c.engine.RunTarget(flightCtx, target)

		if !usableRun(res.Analyzers) {
			// Every analyzer errored out. Serving this zero verdict for a
			// full TTL would mask a genuinely malicious URL, so it is
			// returned but never cached.
			c.logger.Warn("all analyzers failed, verdict not cached",
				zap.String("fingerprint", target.Fingerprint))
			return res, nil
		}

		now := time.Now().UTC()
		verdict := &Verdict{
			Fingerprint: target.Fingerprint,
			URL:         target.Normalized,
			Malicious:   res.Malicious,
			Score:       res.Score,
			Confidence:  res.Confidence,
			RiskLevel:   res.RiskLevel,
			Labels:      res.Labels,
			CreatedAt:   now,
			ExpiresAt:   now.Add(c.cfg.TTL),
		}
		if err := c.store.Put(flightCtx, verdict); err != nil {
			c.logger.Warn("verdict store write failed",
				zap.String("fingerprint", target.Fingerprint), zap.Error(err))
		}
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*engine.AnalysisResult), false, nil
}

// usableRun reports whether at least one analyzer produced a real result. A
// run with no analyzers configured counts as usable.
func usableRun(results []analyzer.Result) bool {
	if len(results) == 0 {
		return true
	}
	for _, r := range results {
		if !r.Failed() {
			return true
		}
	}
	return false
}

// cachedResult rebuilds a compact AnalysisResult from a stored verdict.
// Per-analyzer detail is not retained across the cache.
func cachedResult(target *urlutil.Target, v *Verdict) *engine.AnalysisResult {
	return &engine.AnalysisResult{
		URL:        target.Raw,
		Normalized: target.Normalized,
		Timestamp:  v.CreatedAt,
		Malicious:  v.Malicious,
		Score:      v.Score,
		Confidence: v.Confidence,
		RiskLevel:  v.RiskLevel,
		Labels:     v.Labels,
		Cached:     true,
		HitCount:   v.HitCount,
	}
}

// StartSweeper launches the periodic bulk expiry pass. Call StopSweeper on
// shutdown.
func (c *Cache) StartSweeper(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.donech = make(chan struct{})

	go func() {
		defer close(c.donech)
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := c.store.Sweep(ctx)
				if err != nil {
					c.logger.Warn("verdict sweep failed", zap.Error(err))
					continue
				}
				if removed > 0 {
					c.logger.Info("swept expired verdicts", zap.Int("removed", removed))
				}
			}
		}
	}()
}

// StopSweeper terminates the background sweep.
func (c *Cache) StopSweeper() {
	if c.cancel != nil {
		c.cancel()
		<-c.donech
	}
}
