// Package feed ingests external threat feeds into an in-memory indicator
// store that analyzers query during URL analysis. Each configured source
// refreshes on its own schedule with checksum dedupe and exponential backoff;
// a failing source never blocks the others or readers of the store.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Common errors.
var (
	ErrUnknownSource = errors.New("unknown feed source")
	ErrSourceFailed  = errors.New("feed source fetch failed")
)

// Indicator types.
const (
	TypeURL    = "url"
	TypeDomain = "domain"
	TypeIP     = "ip"
)

// Severity levels, in ascending order.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Indicator is one threat-intelligence entry from a feed.
type Indicator struct {
	Type       string            `json:"type"`
	Value      string            `json:"value"`
	ThreatType string            `json:"threat_type"`
	Severity   string            `json:"severity"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"`
	Trusted    bool              `json:"trusted"`
	FirstSeen  time.Time         `json:"first_seen"`
	LastSeen   time.Time         `json:"last_seen"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Checksum identifies an indicator entry for dedupe purposes. Two entries
// with the same type, value and source are the same indicator.
func (i Indicator) Checksum() string {
	sum := sha256.Sum256([]byte(i.Type + ":" + i.Value + ":" + i.Source))
	return hex.EncodeToString(sum[:])
}

// Store holds indicators and answers lookups. Implementations must support
// concurrent readers during refresh writes.
type Store interface {
	// Upsert inserts an indicator or refreshes LastSeen on an existing one.
	// It reports whether the indicator was newly created.
	Upsert(ctx context.Context, ind Indicator) (bool, error)
	// Lookup returns all indicators whose value exactly matches.
	Lookup(ctx context.Context, value string) ([]Indicator, error)
	// LookupDomain returns indicators matching the domain exactly or any of
	// its parent-domain suffixes.
	LookupDomain(ctx context.Context, domain string) ([]Indicator, error)
	// Prune removes indicators not seen for longer than maxAge and returns
	// the number removed.
	Prune(ctx context.Context, maxAge time.Duration) (int, error)
	// Count returns the number of stored indicators.
	Count(ctx context.Context) (int, error)
}

// MemoryStore is the default Store. Lookups take a read lock only, so refresh
// writes never block the analysis path for long.
type MemoryStore struct {
	mu sync.RWMutex
	// byValue indexes indicators by exact value; byChecksum dedupes entries.
	byValue    map[string][]*Indicator
	byChecksum map[string]*Indicator
}

// NewMemoryStore creates an empty in-memory indicator store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byValue:    make(map[string][]*Indicator),
		byChecksum: make(map[string]*Indicator),
	}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, ind Indicator) (bool, error) {
	checksum := ind.Checksum()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byChecksum[checksum]; ok {
		existing.LastSeen = now
		existing.Severity = ind.Severity
		existing.Confidence = ind.Confidence
		return false, nil
	}

	stored := ind
	if stored.FirstSeen.IsZero() {
		stored.FirstSeen = now
	}
	stored.LastSeen = now
	s.byChecksum[checksum] = &stored
	s.byValue[stored.Value] = append(s.byValue[stored.Value], &stored)
	return true, nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, value string) ([]Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyIndicators(s.byValue[value]), nil
}

// LookupDomain implements Store. It checks the exact domain and every parent
// suffix, so an indicator for "example.com" matches "login.example.com".
func (s *MemoryStore) LookupDomain(_ context.Context, domain string) ([]Indicator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Indicator
	for _, candidate := range domainSuffixes(domain) {
		for _, ind := range s.byValue[candidate] {
			if ind.Type == TypeDomain {
				out = append(out, *ind)
			}
		}
	}
	return out, nil
}

// Prune implements Store.
func (s *MemoryStore) Prune(_ context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for checksum, ind := range s.byChecksum {
		if ind.LastSeen.After(cutoff) {
			continue
		}
		delete(s.byChecksum, checksum)
		s.byValue[ind.Value] = removeIndicator(s.byValue[ind.Value], ind)
		if len(s.byValue[ind.Value]) == 0 {
			delete(s.byValue, ind.Value)
		}
		removed++
	}
	return removed, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChecksum), nil
}

func copyIndicators(in []*Indicator) []Indicator {
	if len(in) == 0 {
		return nil
	}
	out := make([]Indicator, len(in))
	for i, ind := range in {
		out[i] = *ind
	}
	return out
}

func removeIndicator(in []*Indicator, target *Indicator) []*Indicator {
	out := in[:0]
	for _, ind := range in {
		if ind != target {
			out = append(out, ind)
		}
	}
	return out
}

// domainSuffixes returns the domain plus every parent suffix down to the
// registrable domain: "a.b.example.com" -> itself, "b.example.com",
// "example.com".
func domainSuffixes(domain string) []string {
	out := []string{domain}
	parts := strings.Split(domain, ".")
	for i := 1; i < len(parts)-1; i++ {
		out = append(out, strings.Join(parts[i:], "."))
	}
	return out
}

// SeverityRank orders severities for comparisons; unknown severities rank
// lowest.
func SeverityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
