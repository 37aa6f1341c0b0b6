// Package analyzer defines the analysis capability contract and the built-in
// analyzers that inspect a URL from different angles (DNS, registration data,
// threat feeds, lexical heuristics, TLS, page content, brand impersonation).
//
// Analyzers never return Go errors from Analyze. A failed analysis is reported
// as a Result with a zero score, zero confidence and a populated Err field so
// that one broken analyzer cannot sink a whole run.
package analyzer

import (
	"context"
	"time"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// Labels shared between analyzers and the scorer. Most labels are free-form
// strings local to one analyzer; the ones below are load-bearing elsewhere.
const (
	// LabelFeedMatch marks any confirmed indicator match.
	LabelFeedMatch = "feed_match"
	// LabelFeedMatchTrusted marks a high-severity match from a trusted feed.
	// The scorer may short-circuit the final verdict on this label.
	LabelFeedMatchTrusted = "feed_match_trusted_source"
)

// Analyzer inspects one normalized target and returns a Result. Implementations
// must honor ctx cancellation and must be safe for concurrent use.
type Analyzer interface {
	// Name returns a stable identifier used in results, config and weights.
	Name() string
	// Weight returns the default scoring weight in (0, 1].
	Weight() float64
	// Analyze inspects the target. Failures are encoded in the Result, not
	// returned, so the caller always gets exactly one Result.
	Analyze(ctx context.Context, target *urlutil.Target) Result
}

// Result is one analyzer's contribution to a run.
type Result struct {
	Analyzer   string         `json:"analyzer"`
	Score      float64        `json:"risk_score"`
	Confidence float64        `json:"confidence"`
	Labels     []string       `json:"labels"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	DurationMS float64        `json:"execution_time_ms"`
	Err        string         `json:"error,omitempty"`
}

// Failed reports whether the analyzer errored out instead of producing a
// usable score.
func (r Result) Failed() bool {
	return r.Err != ""
}

// HasLabel reports whether the result carries the given label.
func (r Result) HasLabel(label string) bool {
	for _, l := range r.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ErrorResult builds the canonical zero-score result for a failed analyzer.
func ErrorResult(name string, err error) Result {
	msg := "analysis failed"
	if err != nil {
		msg = err.Error()
	}
	return Result{
		Analyzer:   name,
		Score:      0,
		Confidence: 0,
		Labels:     []string{"analyzer_error"},
		Err:        msg,
	}
}

// clampScore bounds a risk score to [0, 100].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// timed runs fn and stamps the elapsed wall time onto its Result.
func timed(fn func() Result) Result {
	start := time.Now()
	res := fn()
	res.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	return res
}
