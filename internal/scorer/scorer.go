// Package scorer combines per-analyzer results into one verdict. The score is
// a weighted sum so that independent risk signals compound instead of
// averaging out, adjusted by label bonuses, cross-analyzer consensus and a
// variance-based confidence reduction.
package scorer

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/phishguard/internal/analyzer"
)

// Common errors.
var (
	ErrUnknownWeightSet = errors.New("unknown weight set")
)

// Risk levels in ascending order.
const (
	RiskVeryLow = "very_low"
	RiskLow     = "low"
	RiskMedium  = "medium"
	RiskHigh    = "high"
)

// defaultWeight applies to analyzers missing from both the active weight set
// and the registered analyzer defaults.
const defaultWeight = 0.5

// Weights maps analyzer names to score multipliers.
type Weights map[string]float64

// Thresholds are the score cut-offs for the risk levels. A score at or above
// Medium is malicious.
type Thresholds struct {
	Low    float64 `yaml:"low"`
	Medium float64 `yaml:"medium"`
	High   float64 `yaml:"high"`
}

// Config configures the scorer. Sets holds named weight sets so alternative
// weightings can run side by side and be switched without restart.
type Config struct {
	Active       string             `yaml:"active"`
	Sets         map[string]Weights `yaml:"sets"`
	Thresholds   Thresholds         `yaml:"thresholds"`
	FeedOverride *bool              `yaml:"feed_override"`
}

// DefaultConfig returns the built-in weight set and thresholds. The set
// deliberately overrides some analyzers' own defaults, boosting the signals
// that rarely false-positive (feed matches, fresh registrations).
func DefaultConfig() Config {
	override := true
	return Config{
		Active: "default",
		Sets: map[string]Weights{
			"default": {
				"threat_feeds":        1.5,
				"registration":        1.2,
				"dns_resolver":        0.8,
				"url_heuristics":      0.9,
				"tls_certificate":     0.7,
				"brand_impersonation": 0.8,
				"web_content":         0.9,
			},
		},
		Thresholds:   Thresholds{Low: 25, Medium: 50, High: 75},
		FeedOverride: &override,
	}
}

// signalBonuses adds weight to label combinations that individually may stay
// under the analyzer caps but together identify phishing with high
// confidence.
var signalBonuses = map[string]float64{
	"newly_registered":         25,
	"recently_registered":      15,
	"high_risk_tld":            20,
	"newly_issued_certificate": 10,
	"free_ca_issuer":           5,
	"self_signed_certificate":  30,
	"expired_certificate":      25,
	"hostname_mismatch":        35,
	"password_form":            15,
	"suspicious_keyword":       10,
	"phishing_language":        15,
	"excessive_subdomains":     15,
	"suspicious_path_pattern":  10,
	"meta_refresh_redirect":    15,
	"long_redirect_chain":      15,
	"shortener_redirect":       20,
	"homograph_attack":         25,
	"brand_content_mismatch":   15,
}

// trustBonuses reduce the score for signals of an established, well-run site.
var trustBonuses = map[string]float64{
	"established_domain": -30,
	"enterprise_issuer":  -15,
	"hosted_on_shopify":  -5,
	"hosted_on_netlify":  -5,
}

// Outcome is the scorer's aggregate over one analysis run.
type Outcome struct {
	Score      float64  `json:"score"`
	Confidence float64  `json:"confidence"`
	RiskLevel  string   `json:"risk_level"`
	Malicious  bool     `json:"malicious"`
	Labels     []string `json:"labels"`
	WeightSet  string   `json:"weight_set"`
	// Contributions records each non-error analyzer's weighted share.
	Contributions map[string]float64 `json:"contributions,omitempty"`
}

// Scorer converts analyzer results into an Outcome. Weight sets and
// thresholds are hot-reloadable behind a read-write lock.
type Scorer struct {
	mu       sync.RWMutex
	cfg      Config
	defaults map[string]float64
	logger   *zap.Logger
}

// New creates a scorer, filling unset config fields from the defaults.
func New(cfg Config, logger *zap.Logger) *Scorer {
	def := DefaultConfig()
	if cfg.Active == "" {
		cfg.Active = def.Active
	}
	if len(cfg.Sets) == 0 {
		cfg.Sets = def.Sets
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	if cfg.FeedOverride == nil {
		cfg.FeedOverride = def.FeedOverride
	}
	return &Scorer{cfg: cfg, logger: logger}
}

// SetAnalyzerDefaults registers each analyzer's own weight as the fallback
// for weight sets that do not mention it. The engine calls this with the
// analyzers it was built with.
func (s *Scorer) SetAnalyzerDefaults(weights map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults = weights
}

// Reload swaps in a new configuration atomically. In-flight scoring finishes
// on the old config.
func (s *Scorer) Reload(cfg Config) error {
	if cfg.Active != "" {
		if _, ok := cfg.Sets[cfg.Active]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownWeightSet, cfg.Active)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Active != "" {
		s.cfg.Active = cfg.Active
	}
	if len(cfg.Sets) > 0 {
		s.cfg.Sets = cfg.Sets
	}
	if cfg.Thresholds != (Thresholds{}) {
		s.cfg.Thresholds = cfg.Thresholds
	}
	if cfg.FeedOverride != nil {
		s.cfg.FeedOverride = cfg.FeedOverride
	}
	return nil
}

// SetActive switches the active weight set.
func (s *Scorer) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfg.Sets[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWeightSet, name)
	}
	s.cfg.Active = name
	return nil
}

// Score aggregates results using the active weight set.
func (s *Scorer) Score(results []analyzer.Result) Outcome {
	s.mu.RLock()
	set := s.cfg.Active
	s.mu.RUnlock()
	return s.ScoreWith(set, results)
}

// ScoreWith aggregates results using a named weight set, falling back to the
// active one if the name is unknown.
func (s *Scorer) ScoreWith(setName string, results []analyzer.Result) Outcome {
	s.mu.RLock()
	weights, ok := s.cfg.Sets[setName]
	if !ok {
		setName = s.cfg.Active
		weights = s.cfg.Sets[setName]
	}
	defaults := s.defaults
	thresholds := s.cfg.Thresholds
	feedOverride := *s.cfg.FeedOverride
	s.mu.RUnlock()

	outcome := Outcome{WeightSet: setName, Contributions: map[string]float64{}}

	var succeeded []analyzer.Result
	for _, r := range results {
		if !r.Failed() {
			succeeded = append(succeeded, r)
		}
	}
	if len(succeeded) == 0 {
		outcome.RiskLevel = RiskVeryLow
		return outcome
	}

	var sum float64
	for _, r := range succeeded {
		w := weightFor(r.Analyzer, weights, defaults)
		contribution := r.Score * w * r.Confidence
		sum += contribution
		outcome.Contributions[r.Analyzer] = contribution
	}

	labels := unionLabels(succeeded)
	sum += signalAdjustment(labels)
	sum += consensusBonus(succeeded)
	score := clamp(sum)

	confidence := aggregateConfidence(weights, defaults, succeeded, len(results))
	confidence *= varianceFactor(succeeded)

	riskLevel := levelFor(score, thresholds)
	malicious := score >= thresholds.Medium

	if feedOverride && hasLabel(labels, analyzer.LabelFeedMatchTrusted) {
		// A confirmed hit from a trusted feed decides the label on its own,
		// whatever the blended score says.
		malicious = true
		if levelRank(riskLevel) < levelRank(RiskHigh) {
			riskLevel = RiskHigh
		}
		labels = append(labels, "feed_override")
	}

	labels = append(labels, "risk_"+riskLevel)

	outcome.Score = score
	outcome.Confidence = confidence
	outcome.RiskLevel = riskLevel
	outcome.Malicious = malicious
	outcome.Labels = labels
	return outcome
}

// weightFor resolves an analyzer's scoring weight: the active set first, then
// the analyzer's own default, then defaultWeight.
func weightFor(name string, weights Weights, defaults map[string]float64) float64 {
	if w, ok := weights[name]; ok {
		return w
	}
	if w, ok := defaults[name]; ok {
		return w
	}
	return defaultWeight
}

// aggregateConfidence is the weight-averaged analyzer confidence, discounted
// when few analyzers ran and when some of the requested analyzers failed.
func aggregateConfidence(weights Weights, defaults map[string]float64, succeeded []analyzer.Result, total int) float64 {
	var weightedSum, weightTotal float64
	for _, r := range succeeded {
		w := weightFor(r.Analyzer, weights, defaults)
		weightedSum += r.Confidence * w
		weightTotal += w
	}
	if weightTotal == 0 {
		return 0
	}
	confidence := weightedSum / weightTotal

	// Full confidence needs at least four analyzers reporting.
	countFactor := math.Min(1, float64(len(succeeded))/4)
	confidence *= countFactor

	if total > 0 {
		confidence *= float64(len(succeeded)) / float64(total)
	}
	return confidence
}

// signalAdjustment applies the label bonus tables plus a compound bonus when
// several signals fire together.
func signalAdjustment(labels []string) float64 {
	var bonus float64
	triggered := 0
	for _, l := range labels {
		if b, ok := signalBonuses[l]; ok {
			bonus += b
			triggered++
		}
		if b, ok := trustBonuses[l]; ok {
			bonus += b
			triggered++
		}
	}
	if triggered >= 3 {
		bonus += float64(triggered) * 5
	}
	return bonus
}

// consensusBonus rewards agreement: when at least half of the analyzers score
// 50 or above, the direction is clear.
func consensusBonus(results []analyzer.Result) float64 {
	if len(results) < 2 {
		return 0
	}
	high := 0
	for _, r := range results {
		if r.Score >= 50 {
			high++
		}
	}
	if float64(high) >= float64(len(results))*0.5 {
		return math.Min(15, float64(high)*3)
	}
	return 0
}

// varianceFactor lowers confidence when analyzers disagree widely. Agreement
// (stddev near zero) keeps the factor at 1; a 50-point spread halves it.
func varianceFactor(results []analyzer.Result) float64 {
	if len(results) < 2 {
		return 1
	}
	var mean float64
	for _, r := range results {
		mean += r.Score
	}
	mean /= float64(len(results))

	var variance float64
	for _, r := range results {
		d := r.Score - mean
		variance += d * d
	}
	variance /= float64(len(results))
	stddev := math.Sqrt(variance)

	factor := 1 - math.Min(1, stddev/50)*0.5
	return factor
}

func unionLabels(results []analyzer.Result) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range results {
		for _, l := range r.Labels {
			if !seen[l] {
				seen[l] = true
				out = append(out, l)
			}
		}
	}
	sort.Strings(out)
	return out
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func levelFor(score float64, t Thresholds) string {
	switch {
	case score >= t.High:
		return RiskHigh
	case score >= t.Medium:
		return RiskMedium
	case score >= t.Low:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

func levelRank(level string) int {
	switch level {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
