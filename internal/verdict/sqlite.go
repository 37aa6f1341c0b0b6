package verdict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS verdicts (
	fingerprint TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	malicious   INTEGER NOT NULL,
	score       REAL NOT NULL,
	confidence  REAL NOT NULL,
	risk_level  TEXT NOT NULL,
	labels      TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	hit_count   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_verdicts_expires ON verdicts(expires_at);
`

// SQLiteStore persists verdicts in a local SQLite database, surviving
// restarts without external infrastructure. Expiry is lazy on Get plus the
// periodic Sweep.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating verdicts schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, fingerprint string) (*Verdict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url, malicious, score, confidence, risk_level, labels,
		       created_at, expires_at, hit_count
		FROM verdicts WHERE fingerprint = ?`, fingerprint)

	var (
		v         Verdict
		malicious int
		labels    string
		created   int64
		expires   int64
	)
	err := row.Scan(&v.URL, &malicious, &v.Score, &v.Confidence, &v.RiskLevel,
		&labels, &created, &expires, &v.HitCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading verdict: %w", err)
	}

	v.Fingerprint = fingerprint
	v.Malicious = malicious != 0
	v.CreatedAt = time.Unix(created, 0).UTC()
	v.ExpiresAt = time.Unix(expires, 0).UTC()
	if err := json.Unmarshal([]byte(labels), &v.Labels); err != nil {
		return nil, fmt.Errorf("decoding verdict labels: %w", err)
	}

	if v.Expired(time.Now()) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM verdicts WHERE fingerprint = ?`, fingerprint)
		return nil, ErrNotFound
	}
	return &v, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, v *Verdict) error {
	labels, err := json.Marshal(v.Labels)
	if err != nil {
		return fmt.Errorf("encoding verdict labels: %w", err)
	}
	malicious := 0
	if v.Malicious {
		malicious = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verdicts
			(fingerprint, url, malicious, score, confidence, risk_level,
			 labels, created_at, expires_at, hit_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			url = excluded.url,
			malicious = excluded.malicious,
			score = excluded.score,
			confidence = excluded.confidence,
			risk_level = excluded.risk_level,
			labels = excluded.labels,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count = excluded.hit_count`,
		v.Fingerprint, v.URL, malicious, v.Score, v.Confidence, v.RiskLevel,
		string(labels), v.CreatedAt.Unix(), v.ExpiresAt.Unix(), v.HitCount)
	if err != nil {
		return fmt.Errorf("storing verdict: %w", err)
	}
	return nil
}

// Touch implements Store.
func (s *SQLiteStore) Touch(ctx context.Context, fingerprint string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE verdicts SET hit_count = hit_count + 1 WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("touching verdict: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, ErrNotFound
	}

	var hits int64
	err = s.db.QueryRowContext(ctx,
		`SELECT hit_count FROM verdicts WHERE fingerprint = ?`, fingerprint).Scan(&hits)
	if err != nil {
		return 0, fmt.Errorf("reading hit count: %w", err)
	}
	return hits, nil
}

// Sweep implements Store.
func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM verdicts WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweeping verdicts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }
