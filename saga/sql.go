package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SQLRepository stores instances as JSONB rows in PostgreSQL
type SQLRepository[T Instance] struct {
	cfg     *Configuration
	factory Factory[T]
	db      Querier
	table   string
}

// NewSQLRepository creates a repository over cfg.SQL
func NewSQLRepository[T Instance](cfg *Configuration, factory Factory[T]) *SQLRepository[T] {
	return &SQLRepository[T]{
		cfg:     cfg,
		factory: factory,
		db:      cfg.SQL,
		table:   pgx.Identifier(strings.Split(cfg.SQLTable, ".")).Sanitize(),
	}
}

// Migrate creates the instance table if it does not exist
func (r *SQLRepository[T]) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+r.table+` (
		correlation_id UUID PRIMARY KEY,
		current_state  TEXT NOT NULL DEFAULT '',
		version        BIGINT NOT NULL,
		data           JSONB NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		completed_at   TIMESTAMPTZ,
		timeout_at     TIMESTAMPTZ
	)`)
	if err != nil {
		return fmt.Errorf("saga: migrate: %w", err)
	}
	return nil
}

func (r *SQLRepository[T]) Save(ctx context.Context, inst T) error {
	st, err := validate(inst)
	if err != nil {
		return err
	}

	expected, undo := stamp(st, r.cfg.now())
	data, err := encode(inst)
	if err != nil {
		undo()
		return err
	}

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = r.db.Exec(ctx, `INSERT INTO `+r.table+`
			(correlation_id, current_state, version, data, created_at, updated_at, completed_at, timeout_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (correlation_id) DO NOTHING`,
			st.CorrelationID, st.CurrentState, st.Version, data, st.CreatedAt, st.UpdatedAt, st.CompletedAt, st.TimeoutAt)
	} else {
		tag, err = r.db.Exec(ctx, `UPDATE `+r.table+`
			SET current_state = $1, version = $2, data = $3, updated_at = $4, completed_at = $5, timeout_at = $6
			WHERE correlation_id = $7 AND version = $8`,
			st.CurrentState, st.Version, data, st.UpdatedAt, st.CompletedAt, st.TimeoutAt, st.CorrelationID, expected)
	}

	if err != nil {
		undo()
		return fmt.Errorf("saga: sql save %s: %w", st.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		undo()
		return conflict(st.CorrelationID, expected)
	}
	return nil
}

func (r *SQLRepository[T]) Load(ctx context.Context, id uuid.UUID) (T, error) {
	var zero T
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM `+r.table+` WHERE correlation_id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, notFound(id)
	}
	if err != nil {
		return zero, fmt.Errorf("saga: sql load %s: %w", id, err)
	}
	return decode(r.factory, data)
}

func (r *SQLRepository[T]) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM `+r.table+` WHERE correlation_id = $1`, id); err != nil {
		return fmt.Errorf("saga: sql delete %s: %w", id, err)
	}
	return nil
}

func (r *SQLRepository[T]) DueForTimeout(ctx context.Context, now time.Time, limit int) ([]T, error) {
	query := `SELECT data FROM ` + r.table + `
		WHERE timeout_at <= $1 AND completed_at IS NULL
		ORDER BY timeout_at ASC`
	args := []any{now}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("saga: sql due timeouts: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("saga: sql scan: %w", err)
		}
		inst, err := decode(r.factory, data)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *SQLRepository[T]) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var (
		conds []string
		args  []any
	)
	if d := r.cfg.DefaultExpiration; d > 0 {
		args = append(args, now.Add(-d))
		conds = append(conds, fmt.Sprintf("(completed_at IS NULL AND updated_at < $%d)", len(args)))
	}
	if d := r.cfg.CompletedExpiration; d > 0 {
		args = append(args, now.Add(-d))
		conds = append(conds, fmt.Sprintf("(completed_at < $%d)", len(args)))
	}
	if len(conds) == 0 {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM `+r.table+` WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return 0, fmt.Errorf("saga: sql purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
