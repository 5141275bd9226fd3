// Package store persists the two row shapes the gateway touches: request log
// records and worker lease locks, on Postgres.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// LogRecord is one dispatched request. The dispatcher inserts it with
// best-effort token counts; the finalization worker fills costs and stamps
// FinalizedAt exactly once.
type LogRecord struct {
	ID             string `db:"id"`
	RequestID      string `db:"request_id"`
	CanonicalModel string `db:"canonical_model"`
	UsedProvider   string `db:"used_provider"`
	UsedModel      string `db:"used_model"`
	Streamed       bool   `db:"streamed"`

	PromptTokens     int `db:"prompt_tokens"`
	CompletionTokens int `db:"completion_tokens"`
	ReasoningTokens  int `db:"reasoning_tokens"`
	CachedTokens     int `db:"cached_tokens"`
	TotalTokens      int `db:"total_tokens"`

	InputCost       float64 `db:"input_cost"`
	OutputCost      float64 `db:"output_cost"`
	CachedInputCost float64 `db:"cached_input_cost"`
	Cost            float64 `db:"cost"`

	FinishReason string `db:"finish_reason"`
	ErrorKind    string `db:"error_kind"`

	// Content is the accumulated completion text, kept only until
	// finalization estimates missing completion tokens from it.
	Content string `db:"content"`

	CreatedAt   time.Time  `db:"created_at"`
	FinalizedAt *time.Time `db:"finalized_at"`
}

// Store wraps the database handle.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres via the pgx stdlib driver.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle; tests inject sqlmock through here.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the log and lock tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS logs (
    id                TEXT PRIMARY KEY,
    request_id        TEXT NOT NULL DEFAULT '',
    canonical_model   TEXT NOT NULL DEFAULT '',
    used_provider     TEXT NOT NULL DEFAULT '',
    used_model        TEXT NOT NULL DEFAULT '',
    streamed          BOOLEAN NOT NULL DEFAULT FALSE,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    reasoning_tokens  INTEGER NOT NULL DEFAULT 0,
    cached_tokens     INTEGER NOT NULL DEFAULT 0,
    total_tokens      INTEGER NOT NULL DEFAULT 0,
    input_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
    output_cost       DOUBLE PRECISION NOT NULL DEFAULT 0,
    cached_input_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
    finish_reason     TEXT NOT NULL DEFAULT '',
    error_kind        TEXT NOT NULL DEFAULT '',
    content           TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    finalized_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS logs_pending_idx ON logs (created_at) WHERE finalized_at IS NULL;
CREATE TABLE IF NOT EXISTS locks (
    key        TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// InsertLog writes a new log record. ID and CreatedAt are filled when empty.
func (s *Store) InsertLog(ctx context.Context, rec *LogRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	const query = `
INSERT INTO logs (
    id, request_id, canonical_model, used_provider, used_model, streamed,
    prompt_tokens, completion_tokens, reasoning_tokens, cached_tokens, total_tokens,
    finish_reason, error_kind, content, created_at
) VALUES (
    :id, :request_id, :canonical_model, :used_provider, :used_model, :streamed,
    :prompt_tokens, :completion_tokens, :reasoning_tokens, :cached_tokens, :total_tokens,
    :finish_reason, :error_kind, :content, :created_at
)`
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("inserting log record: %w", err)
	}
	return nil
}

// PendingLogs returns up to limit records awaiting finalization, oldest first.
func (s *Store) PendingLogs(ctx context.Context, limit int) ([]LogRecord, error) {
	const query = `
SELECT id, request_id, canonical_model, used_provider, used_model, streamed,
       prompt_tokens, completion_tokens, reasoning_tokens, cached_tokens, total_tokens,
       input_cost, output_cost, cached_input_cost, cost,
       finish_reason, error_kind, content, created_at, finalized_at
FROM logs
WHERE finalized_at IS NULL
ORDER BY created_at
LIMIT $1`

	var out []LogRecord
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("selecting pending logs: %w", err)
	}
	return out, nil
}

// FinalizeLog writes back token counts and costs and stamps finalized_at.
func (s *Store) FinalizeLog(ctx context.Context, rec *LogRecord) error {
	const query = `
UPDATE logs SET
    prompt_tokens = $2, completion_tokens = $3, reasoning_tokens = $4,
    cached_tokens = $5, total_tokens = $6,
    input_cost = $7, output_cost = $8, cached_input_cost = $9, cost = $10,
    finalized_at = now()
WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.PromptTokens, rec.CompletionTokens, rec.ReasoningTokens,
		rec.CachedTokens, rec.TotalTokens,
		rec.InputCost, rec.OutputCost, rec.CachedInputCost, rec.Cost,
	); err != nil {
		return fmt.Errorf("finalizing log record: %w", err)
	}
	return nil
}

// AcquireLock claims the named lease. The lock row's unique key enforces
// exclusivity; a stale row (updated_at past the lease duration) is garbage
// collected and the insert retried once. Returns false when another holder
// keeps the lease.
func (s *Store) AcquireLock(ctx context.Context, key string, lease time.Duration) (bool, error) {
	const insert = `
INSERT INTO locks (key, created_at, updated_at) VALUES ($1, now(), now())
ON CONFLICT (key) DO NOTHING`

	claimed, err := s.execClaimed(ctx, insert, key)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	if claimed {
		return true, nil
	}

	const gc = `DELETE FROM locks WHERE key = $1 AND updated_at < $2`
	if _, err := s.db.ExecContext(ctx, gc, key, time.Now().Add(-lease)); err != nil {
		return false, fmt.Errorf("expiring stale lock %q: %w", key, err)
	}

	claimed, err = s.execClaimed(ctx, insert, key)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %q: %w", key, err)
	}
	return claimed, nil
}

func (s *Store) execClaimed(ctx context.Context, query, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// ReleaseLock drops the lease row. Releasing a lock that is not held is not
// an error.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE key = $1`, key); err != nil {
		return fmt.Errorf("releasing lock %q: %w", key, err)
	}
	return nil
}
