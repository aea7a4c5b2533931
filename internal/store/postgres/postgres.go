// Package postgres implements store.Store on PostgreSQL via database/sql
// and lib/pq. Batch claims use FOR UPDATE SKIP LOCKED so concurrent runner
// instances partition the pending set without advisory locks.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/llmrank/runner/internal/domain"
	"github.com/llmrank/runner/internal/store"
)

const (
	defaultMaxOpenConns    = 20
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
)

// Store implements store.Store on PostgreSQL.
type Store struct {
	db         *sql.DB
	maxRetries int
	logger     *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL, verifies the connection, and ensures the
// schema exists. maxRetries <= 0 uses store.DefaultMaxRetries.
func Open(ctx context.Context, dsn string, maxRetries int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries <= 0 {
		maxRetries = store.DefaultMaxRetries
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{
		db:         db,
		maxRetries: maxRetries,
		logger:     logger.With("component", "postgres_store"),
	}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// ensureSchema creates the tables and indexes if they do not exist.
// The unique index on (work_item_id, model, prompt_id) is what makes
// response inserts idempotent.
func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS work_items (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending',
    retry_count INT NOT NULL DEFAULT 0,
    error_count INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_work_items_claim
    ON work_items (status, last_processed_at ASC NULLS FIRST);

CREATE TABLE IF NOT EXISTS responses (
    id UUID PRIMARY KEY,
    work_item_id UUID NOT NULL REFERENCES work_items(id),
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    prompt_id TEXT NOT NULL,
    content TEXT NOT NULL,
    prompt_tokens BIGINT NOT NULL DEFAULT 0,
    completion_tokens BIGINT NOT NULL DEFAULT 0,
    cost_milli_cents BIGINT NOT NULL DEFAULT 0,
    latency_ms BIGINT NOT NULL DEFAULT 0,
    captured_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_responses_idempotency
    ON responses (work_item_id, model, prompt_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// InsertIfAbsent implements store.WorkItemStore. The insert races cleanly:
// ON CONFLICT DO NOTHING followed by a read returns whichever row won.
func (s *Store) InsertIfAbsent(ctx context.Context, name string) (*domain.WorkItem, bool, error) {
	canonical := domain.CanonicalName(name)
	if canonical == "" {
		return nil, false, fmt.Errorf("empty work item name")
	}

	id := uuid.New()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (id, name, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING`,
		id, canonical, domain.StatusPending)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert work item: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}

	item, err := s.itemByName(ctx, canonical)
	if err != nil {
		return nil, false, err
	}
	return item, inserted == 1, nil
}

// ClaimBatch implements store.WorkItemStore. A single UPDATE ... FROM a
// SKIP LOCKED subquery claims and returns the batch atomically.
func (s *Store) ClaimBatch(ctx context.Context, n int) ([]*domain.WorkItem, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE work_items
		SET status = $1, last_processed_at = now()
		WHERE id IN (
			SELECT id FROM work_items
			WHERE status = $2
			ORDER BY last_processed_at ASC NULLS FIRST, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, name, status, retry_count, error_count, created_at, last_processed_at`,
		domain.StatusProcessing, domain.StatusPending, n)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*domain.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimed batch: %w", err)
	}
	return items, nil
}

// MarkCompleted implements store.WorkItemStore. Replays match zero or
// already-completed rows and succeed without effect.
func (s *Store) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET status = $1 WHERE id = $2`,
		domain.StatusCompleted, id)
	if err != nil {
		return fmt.Errorf("failed to mark completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return nil
}

// MarkError implements store.WorkItemStore. The status CASE keeps the retry
// decision inside the database so concurrent markers cannot double-count.
func (s *Store) MarkError(ctx context.Context, id uuid.UUID, cause string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET retry_count = retry_count + 1,
		    error_count = error_count + 1,
		    status = CASE WHEN retry_count + 1 >= $1 THEN $2 ELSE $3 END
		WHERE id = $4`,
		s.maxRetries, domain.StatusError, domain.StatusPending, id)
	if err != nil {
		return fmt.Errorf("failed to mark error: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	s.logger.Warn("work item processing failed", "item_id", id, "cause", cause)
	return nil
}

// CountByStatus implements store.WorkItemStore.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.Status]int, 4)
	for rows.Next() {
		var status domain.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read status counts: %w", err)
	}
	return counts, nil
}

// InsertResponse implements store.ResponseStore. Duplicate
// (work_item_id, model, prompt_id) triples are dropped by the unique index.
func (s *Store) InsertResponse(ctx context.Context, rec *domain.ResponseRecord) error {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	capturedAt := rec.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (
			id, work_item_id, provider, model, prompt_id, content,
			prompt_tokens, completion_tokens, cost_milli_cents, latency_ms, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (work_item_id, model, prompt_id) DO NOTHING`,
		id, rec.WorkItemID, rec.Provider, rec.Model, rec.PromptID, rec.Content,
		rec.PromptTokens, rec.CompletionTokens, int64(rec.CostMilliCents),
		rec.LatencyMs, capturedAt)
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}
	return nil
}

// ResponsesForItem implements store.ResponseStore.
func (s *Store) ResponsesForItem(ctx context.Context, itemID uuid.UUID) ([]*domain.ResponseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, work_item_id, provider, model, prompt_id, content,
		       prompt_tokens, completion_tokens, cost_milli_cents, latency_ms, captured_at
		FROM responses
		WHERE work_item_id = $1
		ORDER BY model, prompt_id`,
		itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.ResponseRecord
	for rows.Next() {
		var rec domain.ResponseRecord
		var cost int64
		if err := rows.Scan(&rec.ID, &rec.WorkItemID, &rec.Provider, &rec.Model,
			&rec.PromptID, &rec.Content, &rec.PromptTokens, &rec.CompletionTokens,
			&cost, &rec.LatencyMs, &rec.CapturedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		rec.CostMilliCents = domain.MilliCents(cost)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read responses: %w", err)
	}
	return out, nil
}

func (s *Store) itemByName(ctx context.Context, name string) (*domain.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, retry_count, error_count, created_at, last_processed_at
		FROM work_items WHERE name = $1`, name)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, name)
	}
	return item, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*domain.WorkItem, error) {
	var item domain.WorkItem
	var lastProcessed sql.NullTime
	if err := row.Scan(&item.ID, &item.Name, &item.Status, &item.RetryCount,
		&item.ErrorCount, &item.CreatedAt, &lastProcessed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}
	if lastProcessed.Valid {
		item.LastProcessedAt = &lastProcessed.Time
	}
	return &item, nil
}
