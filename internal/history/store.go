package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Record is one completed call attempt persisted for offline analysis.
type Record struct {
	ID               string    `db:"id" json:"id"`
	RequestID        string    `db:"request_id" json:"request_id"`
	Provider         string    `db:"provider" json:"provider"`
	Model            string    `db:"model" json:"model"`
	Strategy         string    `db:"strategy" json:"strategy"`
	PromptTokens     int       `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int       `db:"completion_tokens" json:"completion_tokens"`
	Cost             float64   `db:"cost" json:"cost"`
	LatencyMS        int64     `db:"latency_ms" json:"latency_ms"`
	Success          bool      `db:"success" json:"success"`
	ErrorMessage     string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS request_history (
	id                TEXT PRIMARY KEY,
	request_id        TEXT NOT NULL,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	strategy          TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	success           BOOLEAN NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_request_history_provider_created
	ON request_history (provider, created_at DESC);
`

// Store persists request history in Postgres.
type Store struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// Open connects to Postgres and ensures the history schema exists.
func Open(dsn string, logger *logrus.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure history schema: %w", err)
	}

	logger.Info("Request history store ready")
	return &Store{db: db, logger: logger}, nil
}

// Record inserts one history row. The record's ID and CreatedAt are
// assigned here when unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	const insert = `
		INSERT INTO request_history (
			id, request_id, provider, model, strategy,
			prompt_tokens, completion_tokens, cost, latency_ms,
			success, error_message, created_at
		) VALUES (
			:id, :request_id, :provider, :model, :strategy,
			:prompt_tokens, :completion_tokens, :cost, :latency_ms,
			:success, :error_message, :created_at
		)`

	if _, err := s.db.NamedExecContext(ctx, insert, rec); err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}
	return nil
}

// Recent returns the newest records for one provider.
func (s *Store) Recent(ctx context.Context, provider string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []Record
	const query = `
		SELECT * FROM request_history
		WHERE provider = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := s.db.SelectContext(ctx, &out, query, provider, limit); err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return out, nil
}

// Close releases the database pool.
func (s *Store) Close() error {
	return s.db.Close()
}
