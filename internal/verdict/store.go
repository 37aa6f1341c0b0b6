// Package verdict caches analysis outcomes keyed by the fingerprint of the
// normalized URL. Repeated lookups within the TTL return a compact cached
// verdict; concurrent misses for the same URL collapse into one computation.
// Store trouble always fails open to direct analysis.
package verdict

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	// ErrNotFound means the fingerprint has no live cache entry.
	ErrNotFound = errors.New("verdict not found")
)

// Verdict is the compact cached form of an analysis outcome. Per-analyzer
// detail is deliberately not retained.
type Verdict struct {
	Fingerprint string    `json:"fingerprint"`
	URL         string    `json:"url"`
	Malicious   bool      `json:"malicious"`
	Score       float64   `json:"score"`
	Confidence  float64   `json:"confidence"`
	RiskLevel   string    `json:"risk_level"`
	Labels      []string  `json:"labels"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	HitCount    int64     `json:"hit_count"`
}

// Expired reports whether the verdict's TTL has lapsed.
func (v *Verdict) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// Store persists verdicts. Implementations must be safe for concurrent use.
// Get must treat expired entries as missing.
type Store interface {
	// Get returns the live verdict for a fingerprint, or ErrNotFound.
	Get(ctx context.Context, fingerprint string) (*Verdict, error)
	// Put stores a verdict until its ExpiresAt.
	Put(ctx context.Context, v *Verdict) error
	// Touch increments the hit counter and returns the new count.
	Touch(ctx context.Context, fingerprint string) (int64, error)
	// Sweep removes expired entries, returning the number removed. Backends
	// with native expiry may make this a no-op.
	Sweep(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// MemoryStore keeps verdicts in a map with lazy expiry on read plus Sweep
// for bulk cleanup.
type MemoryStore struct {
	mu       sync.RWMutex
	verdicts map[string]*Verdict
}

// NewMemoryStore creates an empty in-memory verdict store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{verdicts: make(map[string]*Verdict)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, fingerprint string) (*Verdict, error) {
	s.mu.RLock()
	v, ok := s.verdicts[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if v.Expired(time.Now()) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have renewed
		// the entry.
		if cur, ok := s.verdicts[fingerprint]; ok && cur.Expired(time.Now()) {
			delete(s.verdicts, fingerprint)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	out := *v
	return &out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, v *Verdict) error {
	stored := *v
	s.mu.Lock()
	s.verdicts[v.Fingerprint] = &stored
	s.mu.Unlock()
	return nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(_ context.Context, fingerprint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verdicts[fingerprint]
	if !ok {
		return 0, ErrNotFound
	}
	v.HitCount++
	return v.HitCount, nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for fp, v := range s.verdicts {
		if v.Expired(now) {
			delete(s.verdicts, fp)
			removed++
		}
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
