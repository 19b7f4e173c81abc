package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// OutboxStore persists staged messages. Sequence numbers come from a
// bigserial column, so dispatch order matches insertion order even across
// competing producers.
type OutboxStore struct{ Pool PgxPool }

// NewOutboxStore constructs an OutboxStore with the given pool.
func NewOutboxStore(p PgxPool) *OutboxStore { return &OutboxStore{Pool: p} }

// Add stages msg for dispatch.
func (s *OutboxStore) Add(ctx domain.Context, msg domain.TaskMessage) (domain.OutboxMessage, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Add")
	defer span.End()
	return s.add(ctx, s.Pool, msg)
}

// AddTx stages msg inside the caller's transaction, so the staging row
// commits or rolls back with the business write.
func (s *OutboxStore) AddTx(ctx domain.Context, tx pgx.Tx, msg domain.TaskMessage) (domain.OutboxMessage, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.AddTx")
	defer span.End()
	return s.add(ctx, tx, msg)
}

type execRowQuerier interface {
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
}

func (s *OutboxStore) add(ctx domain.Context, q execRowQuerier, msg domain.TaskMessage) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("op=outbox.add: %w", err)
	}
	row := domain.OutboxMessage{
		ID:      uuid.NewString(),
		Message: msg,
		Status:  domain.OutboxPending,
	}
	const sql = `INSERT INTO outbox_messages (id, message, status, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING sequence_number, created_at`
	now := time.Now().UTC()
	if err := q.QueryRow(ctx, sql, row.ID, payload, row.Status, now).Scan(&row.SequenceNumber, &row.CreatedAt); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("op=outbox.add: %w", err)
	}
	return row, nil
}

// Pending returns undispatched rows in ascending sequence order. Competing
// dispatchers may pick overlapping batches; the resulting duplicate
// publishes are absorbed by inbox deduplication on the consumer side.
func (s *OutboxStore) Pending(ctx domain.Context, limit int) ([]domain.OutboxMessage, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Pending")
	defer span.End()
	const sql = `SELECT id, sequence_number, message, status, attempts, last_error, created_at, dispatched_at
		FROM outbox_messages
		WHERE status = 'pending'
		ORDER BY sequence_number
		LIMIT $1`
	rows, err := s.Pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.pending: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var (
			m       domain.OutboxMessage
			payload []byte
		)
		if err := rows.Scan(&m.ID, &m.SequenceNumber, &payload, &m.Status, &m.Attempts, &m.LastError, &m.CreatedAt, &m.DispatchedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.pending: %w", err)
		}
		if err := json.Unmarshal(payload, &m.Message); err != nil {
			return nil, fmt.Errorf("op=outbox.pending: %w: %v", domain.ErrDeserialization, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.pending: %w", err)
	}
	return out, nil
}

// MarkDispatched records a successful publish.
func (s *OutboxStore) MarkDispatched(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkDispatched")
	defer span.End()
	const sql = `UPDATE outbox_messages SET status = 'dispatched', dispatched_at = $2 WHERE id = $1`
	tag, err := s.Pool.Exec(ctx, sql, id, at.UTC())
	if err != nil {
		return fmt.Errorf("op=outbox.mark_dispatched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_dispatched: %w: id %s", domain.ErrNotFound, id)
	}
	return nil
}

// MarkFailed bumps the attempt counter; permanent parks the row.
func (s *OutboxStore) MarkFailed(ctx domain.Context, id string, lastErr string, permanent bool) error {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkFailed")
	defer span.End()
	const sql = `UPDATE outbox_messages
		SET attempts = attempts + 1,
		    last_error = $2,
		    status = CASE WHEN $3 THEN 'failed' ELSE status END
		WHERE id = $1`
	tag, err := s.Pool.Exec(ctx, sql, id, lastErr, permanent)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark_failed: %w: id %s", domain.ErrNotFound, id)
	}
	return nil
}

// PurgeDispatched removes dispatched rows older than the cutoff.
func (s *OutboxStore) PurgeDispatched(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("store.outbox")
	ctx, span := tracer.Start(ctx, "outbox.PurgeDispatched")
	defer span.End()
	const sql = `DELETE FROM outbox_messages WHERE status = 'dispatched' AND dispatched_at < $1`
	tag, err := s.Pool.Exec(ctx, sql, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=outbox.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
