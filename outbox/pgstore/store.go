// Package pgstore is a PostgreSQL outbox store built on pgx.
//
// Pass the caller's pgx.Tx to WithTx so messages commit atomically with the
// business data they describe.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/glimte/mmate-bus/outbox"
)

// DefaultTable is the outbox table name
const DefaultTable = "mmate_outbox"

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements outbox.Store on PostgreSQL
type Store struct {
	db    Querier
	table string
}

// Option configures a Store
type Option func(*Store)

// WithTable overrides the table name. Schema-qualified names use a dot.
func WithTable(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.table = name
		}
	}
}

// New creates a store over db
func New(db Querier, options ...Option) *Store {
	s := &Store{db: db, table: DefaultTable}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithTx returns a store that writes through tx
func (s *Store) WithTx(tx pgx.Tx) *Store {
	return &Store{db: tx, table: s.table}
}

func (s *Store) ident() string {
	return identifier(s.table).Sanitize()
}

// Migrate creates the outbox table and its indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	t := s.ident()
	index := func(suffix string) string {
		return pgx.Identifier{lastPart(s.table) + "_" + suffix}.Sanitize()
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + t + ` (
			id               UUID PRIMARY KEY,
			seq              BIGSERIAL NOT NULL,
			message_id       TEXT NOT NULL,
			message_type     TEXT NOT NULL DEFAULT '',
			exchange         TEXT NOT NULL DEFAULT '',
			routing_key      TEXT NOT NULL DEFAULT '',
			payload          BYTEA,
			content_type     TEXT NOT NULL DEFAULT '',
			content_encoding TEXT NOT NULL DEFAULT '',
			headers          JSONB,
			status           SMALLINT NOT NULL DEFAULT 0,
			attempts         INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMPTZ NOT NULL,
			next_attempt_at  TIMESTAMPTZ NOT NULL,
			processed_at     TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS ` + index("pending_idx") + ` ON ` + t + ` (status, seq)`,
		`CREATE INDEX IF NOT EXISTS ` + index("message_id_idx") + ` ON ` + t + ` (message_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: migrate: %w", err)
		}
	}
	return nil
}

// Add inserts msgs in one batch and assigns their sequence numbers
func (s *Store) Add(ctx context.Context, msgs ...*outbox.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	query := `INSERT INTO ` + s.ident() + `
		(id, message_id, message_type, exchange, routing_key, payload, content_type,
		 content_encoding, headers, status, attempts, last_error, created_at, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING seq`

	batch := &pgx.Batch{}
	for _, m := range msgs {
		headers, err := encodeHeaders(m.Headers)
		if err != nil {
			return err
		}
		batch.Queue(query,
			m.ID, m.MessageID, m.MessageType, m.Exchange, m.RoutingKey, m.Payload, m.ContentType,
			m.ContentEncoding, headers, int16(m.Status), m.Attempts, m.LastError, m.CreatedAt, m.NextAttemptAt)
	}

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()

	for _, m := range msgs {
		if err := results.QueryRow().Scan(&m.Sequence); err != nil {
			return fmt.Errorf("pgstore: insert %s: %w", m.MessageID, err)
		}
	}
	return results.Close()
}

// Pending returns pending messages by sequence
func (s *Store) Pending(ctx context.Context, q outbox.PendingQuery) ([]*outbox.Message, error) {
	query := `SELECT id, seq, message_id, message_type, exchange, routing_key, payload, content_type,
			content_encoding, headers, status, attempts, last_error, created_at, next_attempt_at, processed_at
		FROM ` + s.ident() + `
		WHERE status = $1 AND ($2 OR next_attempt_at <= $3)
		ORDER BY seq ASC`
	args := []any{int16(outbox.StatusPending), q.Ordered, q.Now}
	if q.Limit > 0 {
		query += ` LIMIT $4`
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: pending: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkPublished records a successful publication
func (s *Store) MarkPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE `+s.ident()+` SET status = $1, processed_at = $2 WHERE id = $3`,
		int16(outbox.StatusPublished), at, id)
	return affected(tag, err)
}

// MarkFailed records a failed attempt
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time, dead bool) error {
	status := outbox.StatusPending
	var processed *time.Time
	if dead {
		status = outbox.StatusFailed
		processed = &nextAttempt
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE `+s.ident()+`
		SET attempts = attempts + 1, last_error = $1, next_attempt_at = $2, status = $3, processed_at = $4
		WHERE id = $5`,
		lastError, nextAttempt, int16(status), processed, id)
	return affected(tag, err)
}

// Exists reports whether messageID was stored since the given time
func (s *Store) Exists(ctx context.Context, messageID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.ident()+` WHERE message_id = $1 AND created_at >= $2)`,
		messageID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("pgstore: exists: %w", err)
	}
	return exists, nil
}

// Cleanup deletes published and failed messages past their retention
func (s *Store) Cleanup(ctx context.Context, processedBefore, failedBefore time.Time) (int, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM `+s.ident()+`
		WHERE (status = $1 AND processed_at < $2) OR (status = $3 AND processed_at < $4)`,
		int16(outbox.StatusPublished), processedBefore, int16(outbox.StatusFailed), failedBefore)
	if err != nil {
		return 0, fmt.Errorf("pgstore: cleanup: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanMessage(row pgx.Row) (*outbox.Message, error) {
	var (
		m       outbox.Message
		status  int16
		headers []byte
	)
	err := row.Scan(&m.ID, &m.Sequence, &m.MessageID, &m.MessageType, &m.Exchange, &m.RoutingKey,
		&m.Payload, &m.ContentType, &m.ContentEncoding, &headers, &status, &m.Attempts, &m.LastError,
		&m.CreatedAt, &m.NextAttemptAt, &m.ProcessedAt)
	if err != nil {
		return nil, err
	}
	m.Status = outbox.Status(status)

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func encodeHeaders(h map[string]any) ([]byte, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode headers: %w", err)
	}
	return b, nil
}

func affected(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return fmt.Errorf("pgstore: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return outbox.ErrMessageNotFound
	}
	return nil
}

var _ outbox.Store = (*Store)(nil)
