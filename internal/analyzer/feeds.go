package analyzer

import (
	"context"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/feed"
	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// FeedsConfig configures the feed-lookup analyzer.
type FeedsConfig struct {
	Weight float64 `yaml:"weight"`
}

// DefaultFeedsConfig returns sensible defaults. Confirmed indicator matches
// carry the highest default weight of any analyzer.
func DefaultFeedsConfig() FeedsConfig {
	return FeedsConfig{Weight: 0.95}
}

// FeedsAnalyzer checks the target against the indicator store: the exact
// normalized URL first, then the host and its parent domains. A high-severity
// match from a trusted source is near-terminal and tagged so the scorer can
// short-circuit the verdict, but sibling analyzers still run.
type FeedsAnalyzer struct {
	cfg    FeedsConfig
	store  feed.Store
	logger *zap.Logger
}

// NewFeedsAnalyzer creates a feed-lookup analyzer over store.
func NewFeedsAnalyzer(cfg FeedsConfig, store feed.Store, logger *zap.Logger) *FeedsAnalyzer {
	if cfg.Weight == 0 {
		cfg.Weight = DefaultFeedsConfig().Weight
	}
	return &FeedsAnalyzer{cfg: cfg, store: store, logger: logger}
}

// Name implements Analyzer.
func (a *FeedsAnalyzer) Name() string { return "threat_feeds" }

// Weight implements Analyzer.
func (a *FeedsAnalyzer) Weight() float64 { return a.cfg.Weight }

// Analyze implements Analyzer.
func (a *FeedsAnalyzer) Analyze(ctx context.Context, target *urlutil.Target) Result {
	return timed(func() Result {
		urlMatches, err := a.store.Lookup(ctx, target.Normalized)
		if err != nil {
			return ErrorResult(a.Name(), err)
		}
		domainMatches, err := a.store.LookupDomain(ctx, target.Host)
		if err != nil {
			return ErrorResult(a.Name(), err)
		}

		matches := append(urlMatches, domainMatches...)
		if len(matches) == 0 {
			return Result{
				Analyzer:   a.Name(),
				Score:      0,
				Confidence: 0.5,
				Labels:     []string{"no_feed_match"},
				Evidence:   map[string]any{"matches": 0},
			}
		}

		var (
			score      float64
			confidence float64
			labels     = []string{LabelFeedMatch}
		)
		sources := make([]string, 0, len(matches))
		for _, m := range matches {
			sources = append(sources, m.Source)
			s := severityScore(m.Severity)
			// Domain-suffix matches are weaker evidence than exact URL hits.
			if m.Type == feed.TypeDomain {
				s *= 0.8
			}
			if s > score {
				score = s
			}
			if m.Confidence > confidence {
				confidence = m.Confidence
			}
			if m.Trusted && feed.SeverityRank(m.Severity) >= feed.SeverityRank(feed.SeverityHigh) {
				labels = appendUnique(labels, LabelFeedMatchTrusted)
			}
		}

		return Result{
			Analyzer:   a.Name(),
			Score:      clampScore(score),
			Confidence: confidence,
			Labels:     labels,
			Evidence: map[string]any{
				"matches": len(matches),
				"sources": sources,
			},
		}
	})
}

func severityScore(severity string) float64 {
	switch severity {
	case feed.SeverityCritical:
		return 100
	case feed.SeverityHigh:
		return 95
	case feed.SeverityMedium:
		return 70
	case feed.SeverityLow:
		return 40
	default:
		return 30
	}
}

func appendUnique(labels []string, label string) []string {
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}
