package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lvonguyen/phishguard/internal/urlutil"
)

// Source fetches and parses one external threat feed into indicators.
type Source interface {
	// Name returns the stable source identifier used for dedupe and status.
	Name() string
	// Trusted reports whether matches from this source may short-circuit a
	// verdict.
	Trusted() bool
	// Fetch downloads and parses the feed.
	Fetch(ctx context.Context) ([]Indicator, error)
}

// SourceConfig configures one feed source.
type SourceConfig struct {
	URL      string        `yaml:"url"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Trusted  bool          `yaml:"trusted"`
	Enabled  bool          `yaml:"enabled"`
}

// maxFeedBytes bounds how much of a feed response is read.
const maxFeedBytes = 32 << 20

func fetchBody(ctx context.Context, client *http.Client, url, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", source, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceFailed, source, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned status %d", ErrSourceFailed, source, resp.StatusCode)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxFeedBytes), resp.Body}, nil
}

// urlIndicator builds the URL indicator plus a companion domain indicator so
// both exact-URL and domain-suffix lookups can match.
func urlIndicator(rawURL, threatType, severity string, confidence float64, source string, trusted bool, meta map[string]string) []Indicator {
	target, err := urlutil.Normalize(rawURL)
	if err != nil {
		return nil
	}
	out := []Indicator{{
		Type:       TypeURL,
		Value:      target.Normalized,
		ThreatType: threatType,
		Severity:   severity,
		Confidence: confidence,
		Source:     source,
		Trusted:    trusted,
		Metadata:   meta,
	}}
	out = append(out, Indicator{
		Type:       TypeDomain,
		Value:      target.Host,
		ThreatType: threatType,
		Severity:   severity,
		Confidence: confidence * 0.8,
		Source:     source,
		Trusted:    trusted,
	})
	return out
}

// OpenPhishSource parses the OpenPhish plain-text feed, one URL per line.
type OpenPhishSource struct {
	cfg    SourceConfig
	client *http.Client
}

// NewOpenPhishSource creates the OpenPhish feed source.
func NewOpenPhishSource(cfg SourceConfig) *OpenPhishSource {
	if cfg.URL == "" {
		cfg.URL = "https://openphish.com/feed.txt"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenPhishSource{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name implements Source.
func (s *OpenPhishSource) Name() string { return "openphish" }

// Trusted implements Source.
func (s *OpenPhishSource) Trusted() bool { return s.cfg.Trusted }

// Fetch implements Source.
func (s *OpenPhishSource) Fetch(ctx context.Context) ([]Indicator, error) {
	body, err := fetchBody(ctx, s.client, s.cfg.URL, s.Name())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var out []Indicator
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, urlIndicator(line, "phishing", SeverityHigh, 0.9, s.Name(), s.cfg.Trusted, nil)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading openphish feed: %w", err)
	}
	return out, nil
}

// PhishTankSource parses the PhishTank JSON feed of verified phishing URLs.
type PhishTankSource struct {
	cfg    SourceConfig
	client *http.Client
}

// NewPhishTankSource creates the PhishTank feed source.
func NewPhishTankSource(cfg SourceConfig) *PhishTankSource {
	if cfg.URL == "" {
		cfg.URL = "https://data.phishtank.com/data/online-valid.json"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &PhishTankSource{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name implements Source.
func (s *PhishTankSource) Name() string { return "phishtank" }

// Trusted implements Source.
func (s *PhishTankSource) Trusted() bool { return s.cfg.Trusted }

type phishTankEntry struct {
	PhishID  json.Number `json:"phish_id"`
	URL      string      `json:"url"`
	Verified string      `json:"verified"`
	Target   string      `json:"target"`
}

// Fetch implements Source.
func (s *PhishTankSource) Fetch(ctx context.Context) ([]Indicator, error) {
	body, err := fetchBody(ctx, s.client, s.cfg.URL, s.Name())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var entries []phishTankEntry
	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding phishtank feed: %w", err)
	}

	var out []Indicator
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		severity := SeverityMedium
		confidence := 0.7
		if e.Verified == "yes" {
			severity = SeverityHigh
			confidence = 0.95
		}
		var meta map[string]string
		if e.Target != "" || e.PhishID != "" {
			meta = map[string]string{}
			if e.Target != "" {
				meta["target"] = e.Target
			}
			if e.PhishID != "" {
				meta["phish_id"] = e.PhishID.String()
			}
		}
		out = append(out, urlIndicator(e.URL, "phishing", severity, confidence, s.Name(), s.cfg.Trusted, meta)...)
	}
	return out, nil
}

// URLHausSource parses the URLHaus JSON feed of malware distribution URLs.
type URLHausSource struct {
	cfg    SourceConfig
	client *http.Client
}

// NewURLHausSource creates the URLHaus feed source.
func NewURLHausSource(cfg SourceConfig) *URLHausSource {
	if cfg.URL == "" {
		cfg.URL = "https://urlhaus.abuse.ch/downloads/json_recent/"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &URLHausSource{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name implements Source.
func (s *URLHausSource) Name() string { return "urlhaus" }

// Trusted implements Source.
func (s *URLHausSource) Trusted() bool { return s.cfg.Trusted }

type urlHausEntry struct {
	URL       string `json:"url"`
	URLStatus string `json:"url_status"`
	Threat    string `json:"threat"`
	Tags      string `json:"tags"`
}

// Fetch implements Source. URLHaus serves a JSON object keyed by entry ID,
// each value being a list of records.
func (s *URLHausSource) Fetch(ctx context.Context) ([]Indicator, error) {
	body, err := fetchBody(ctx, s.client, s.cfg.URL, s.Name())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var payload map[string][]urlHausEntry
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding urlhaus feed: %w", err)
	}

	var out []Indicator
	for _, records := range payload {
		for _, e := range records {
			if e.URL == "" {
				continue
			}
			severity := SeverityHigh
			confidence := 0.9
			if e.URLStatus == "offline" {
				severity = SeverityMedium
				confidence = 0.6
			}
			threat := e.Threat
			if threat == "" {
				threat = "malware_distribution"
			}
			var meta map[string]string
			if e.Tags != "" {
				meta = map[string]string{"tags": e.Tags}
			}
			out = append(out, urlIndicator(e.URL, threat, severity, confidence, s.Name(), s.cfg.Trusted, meta)...)
		}
	}
	return out, nil
}
