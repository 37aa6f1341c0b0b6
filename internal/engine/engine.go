// Package engine orchestrates URL analysis: it validates and normalizes the
// input, fans out to every enabled analyzer concurrently with independent
// timeouts, and hands the collected results to the scorer. The engine is
// stateless; each Run is self-contained.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/analyzer"
	"github.com/lvonguyen/phishguard/internal/scorer"
	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// Config configures the orchestrator.
type Config struct {
	// DefaultTimeout bounds analyzers without a timeout of their own.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// Timeouts overrides the default per analyzer name.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 10 * time.Second}
}

// AnalysisResult is the full outcome of one URL analysis.
type AnalysisResult struct {
	AnalysisID string    `json:"analysis_id"`
	URL        string    `json:"url"`
	Normalized string    `json:"normalized_url"`
	Timestamp  time.Time `json:"timestamp"`

	Malicious  bool     `json:"malicious"`
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	RiskLevel  string   `json:"risk_level"`
	Labels     []string `json:"labels"`

	Analyzers []analyzer.Result `json:"analyzers,omitempty"`

	Cached bool `json:"cached"`
	// HitCount is how many times this verdict has been served from the
	// cache; zero on a fresh computation.
	HitCount         int64   `json:"hit_count,omitempty"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`
}

// Engine fans analysis out to its registered analyzers.
type Engine struct {
	cfg       Config
	analyzers []analyzer.Analyzer
	scorer    *scorer.Scorer
	logger    *zap.Logger
}

// New creates an engine over the given analyzers. Each analyzer's Weight()
// is registered with the scorer as its fallback for weight sets that do not
// mention it.
func New(cfg Config, analyzers []analyzer.Analyzer, sc *scorer.Scorer, logger *zap.Logger) *Engine {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	defaults := make(map[string]float64, len(analyzers))
	for _, a := range analyzers {
		defaults[a.Name()] = a.Weight()
	}
	sc.SetAnalyzerDefaults(defaults)
	return &Engine{
		cfg:       cfg,
		analyzers: analyzers,
		scorer:    sc,
		logger:    logger,
	}
}

// Run validates and analyzes a raw URL. The only error it can return is a
// validation failure; analyzer trouble surfaces as error results inside the
// AnalysisResult.
func (e *Engine) Run(ctx context.Context, rawURL string) (*AnalysisResult, error) {
	target, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	return e.RunTarget(ctx, target), nil
}

// RunTarget analyzes an already-normalized target.
func (e *Engine) RunTarget(ctx context.Context, target *urlutil.Target) *AnalysisResult {
	start := time.Now()

	results := make([]analyzer.Result, len(e.analyzers))
	done := make(chan int, len(e.analyzers))

	for i, a := range e.analyzers {
		go func(i int, a analyzer.Analyzer) {
			results[i] = e.runOne(ctx, a, target)
			done <- i
		}(i, a)
	}
	for range e.analyzers {
		<-done
	}

	outcome := e.scorer.Score(results)

	res := &AnalysisResult{
		AnalysisID:       uuid.NewString(),
		URL:              target.Raw,
		Normalized:       target.Normalized,
		Timestamp:        start.UTC(),
		Malicious:        outcome.Malicious,
		Score:            outcome.Score,
		Confidence:       outcome.Confidence,
		RiskLevel:        outcome.RiskLevel,
		Labels:           outcome.Labels,
		Analyzers:        results,
		ProcessingTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
	}

	e.logger.Info("analysis complete",
		zap.String("analysis_id", res.AnalysisID),
		zap.String("host", target.Host),
		zap.Float64("score", res.Score),
		zap.String("risk_level", res.RiskLevel),
		zap.Bool("malicious", res.Malicious))
	return res
}

// runOne executes a single analyzer under its timeout, converting panics,
// timeouts and stray errors into error results so the run always yields
// exactly one result per analyzer.
func (e *Engine) runOne(ctx context.Context, a analyzer.Analyzer, target *urlutil.Target) analyzer.Result {
	timeout := e.cfg.DefaultTimeout
	if t, ok := e.cfg.Timeouts[a.Name()]; ok && t > 0 {
		timeout = t
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resCh := make(chan analyzer.Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("analyzer panicked",
					zap.String("analyzer", a.Name()), zap.Any("panic", r))
				resCh <- analyzer.ErrorResult(a.Name(), fmt.Errorf("panic: %v", r))
			}
		}()
		resCh <- a.Analyze(actx, target)
	}()

	select {
	case res := <-resCh:
		if res.Failed() {
			e.logger.Warn("analyzer failed",
				zap.String("analyzer", a.Name()), zap.String("error", res.Err))
		}
		return res
	case <-actx.Done():
		// The analyzer ignored its deadline; abandon it rather than stall
		// the whole run.
		return analyzer.ErrorResult(a.Name(), fmt.Errorf("timed out after %s", timeout))
	}
}
