package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// IngestorConfig configures refresh behavior shared by all sources.
type IngestorConfig struct {
	// DefaultInterval applies to sources with no interval of their own.
	DefaultInterval time.Duration `yaml:"default_interval"`
	// MaxRetries bounds fetch attempts within one refresh.
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the initial backoff, doubled per retry.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// PruneAfter removes indicators not seen for this long. Zero disables
	// pruning.
	PruneAfter time.Duration `yaml:"prune_after"`
	// PruneInterval sets how often the prune pass runs.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DefaultIngestorConfig returns sensible defaults.
func DefaultIngestorConfig() IngestorConfig {
	return IngestorConfig{
		DefaultInterval: time.Hour,
		MaxRetries:      3,
		RetryBackoff:    5 * time.Second,
		PruneAfter:      14 * 24 * time.Hour,
		PruneInterval:   6 * time.Hour,
	}
}

// SourceStatus is one source's refresh health, surfaced via the feeds API.
type SourceStatus struct {
	Source       string    `json:"source"`
	Trusted      bool      `json:"trusted"`
	LastRefresh  time.Time `json:"last_refresh"`
	LastError    string    `json:"last_error,omitempty"`
	LastFetched  int       `json:"last_fetched"`
	LastNew      int       `json:"last_new"`
	RefreshCount int       `json:"refresh_count"`
	FailureCount int       `json:"failure_count"`
}

type sourceState struct {
	source   Source
	interval time.Duration
	status   SourceStatus
}

// Ingestor schedules per-source refreshes into a Store. Each source runs on
// its own ticker so a slow or failing feed never delays the others.
type Ingestor struct {
	cfg    IngestorConfig
	store  Store
	logger *zap.Logger

	mu      sync.RWMutex
	sources map[string]*sourceState

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewIngestor creates an ingestor writing into store.
func NewIngestor(cfg IngestorConfig, store Store, logger *zap.Logger) *Ingestor {
	def := DefaultIngestorConfig()
	if cfg.DefaultInterval == 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = def.PruneInterval
	}
	return &Ingestor{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		sources: make(map[string]*sourceState),
	}
}

// Register adds a source with its refresh interval. A zero interval uses the
// ingestor default.
func (ing *Ingestor) Register(src Source, interval time.Duration) {
	if interval == 0 {
		interval = ing.cfg.DefaultInterval
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	ing.sources[src.Name()] = &sourceState{
		source:   src,
		interval: interval,
		status:   SourceStatus{Source: src.Name(), Trusted: src.Trusted()},
	}
}

// Start launches the background refresh loops and the prune pass. It returns
// immediately; call Stop to shut the loops down.
func (ing *Ingestor) Start(ctx context.Context) {
	ctx, ing.cancel = context.WithCancel(ctx)

	ing.mu.RLock()
	defer ing.mu.RUnlock()
	for name, state := range ing.sources {
		ing.wg.Add(1)
		go ing.refreshLoop(ctx, name, state.interval)
	}
	if ing.cfg.PruneAfter > 0 {
		ing.wg.Add(1)
		go ing.pruneLoop(ctx)
	}
}

// Stop terminates the background loops and waits for them to exit.
func (ing *Ingestor) Stop() {
	if ing.cancel != nil {
		ing.cancel()
	}
	ing.wg.Wait()
}

func (ing *Ingestor) refreshLoop(ctx context.Context, name string, interval time.Duration) {
	defer ing.wg.Done()

	// Initial refresh straight away so the store is useful at startup.
	if _, err := ing.Refresh(ctx, name); err != nil {
		ing.logger.Warn("initial feed refresh failed",
			zap.String("source", name), zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := ing.Refresh(ctx, name); err != nil {
				ing.logger.Warn("scheduled feed refresh failed",
					zap.String("source", name), zap.Error(err))
			}
		}
	}
}

func (ing *Ingestor) pruneLoop(ctx context.Context) {
	defer ing.wg.Done()

	ticker := time.NewTicker(ing.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := ing.store.Prune(ctx, ing.cfg.PruneAfter)
			if err != nil {
				ing.logger.Warn("indicator prune failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				ing.logger.Info("pruned stale indicators", zap.Int("removed", removed))
			}
		}
	}
}

// Refresh fetches one source with retries and upserts its indicators. It
// returns the number of newly created indicators.
func (ing *Ingestor) Refresh(ctx context.Context, name string) (int, error) {
	ing.mu.RLock()
	state, ok := ing.sources[name]
	ing.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}

	indicators, err := ing.fetchWithRetry(ctx, state.source)
	if err != nil {
		ing.recordFailure(name, err)
		return 0, err
	}

	created := 0
	for _, ind := range indicators {
		isNew, err := ing.store.Upsert(ctx, ind)
		if err != nil {
			ing.recordFailure(name, err)
			return created, fmt.Errorf("storing indicator from %s: %w", name, err)
		}
		if isNew {
			created++
		}
	}

	ing.recordSuccess(name, len(indicators), created)
	ing.logger.Info("feed refreshed",
		zap.String("source", name),
		zap.Int("fetched", len(indicators)),
		zap.Int("new", created))
	return created, nil
}

// RefreshAll refreshes every registered source, isolating failures. It
// returns the total of newly created indicators and the last error seen.
func (ing *Ingestor) RefreshAll(ctx context.Context) (int, error) {
	ing.mu.RLock()
	names := make([]string, 0, len(ing.sources))
	for name := range ing.sources {
		names = append(names, name)
	}
	ing.mu.RUnlock()

	total := 0
	var lastErr error
	for _, name := range names {
		created, err := ing.Refresh(ctx, name)
		total += created
		if err != nil {
			lastErr = err
		}
	}
	return total, lastErr
}

func (ing *Ingestor) fetchWithRetry(ctx context.Context, src Source) ([]Indicator, error) {
	backoff := ing.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < ing.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		indicators, err := src.Fetch(ctx)
		if err == nil {
			return indicators, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (ing *Ingestor) recordSuccess(name string, fetched, created int) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if state, ok := ing.sources[name]; ok {
		state.status.LastRefresh = time.Now()
		state.status.LastError = ""
		state.status.LastFetched = fetched
		state.status.LastNew = created
		state.status.RefreshCount++
	}
}

func (ing *Ingestor) recordFailure(name string, err error) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if state, ok := ing.sources[name]; ok {
		state.status.LastError = err.Error()
		state.status.FailureCount++
	}
}

// Status returns a snapshot of every source's refresh health.
func (ing *Ingestor) Status() []SourceStatus {
	ing.mu.RLock()
	defer ing.mu.RUnlock()
	out := make([]SourceStatus, 0, len(ing.sources))
	for _, state := range ing.sources {
		out = append(out, state.status)
	}
	return out
}
