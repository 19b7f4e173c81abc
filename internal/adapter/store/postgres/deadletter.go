package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// DeadLetterStore archives terminally failed messages.
type DeadLetterStore struct{ Pool PgxPool }

// NewDeadLetterStore constructs a DeadLetterStore with the given pool.
func NewDeadLetterStore(p PgxPool) *DeadLetterStore { return &DeadLetterStore{Pool: p} }

// Add archives rec. A zero rec.ID gets one assigned.
func (s *DeadLetterStore) Add(ctx domain.Context, rec domain.DeadLetterRecord) error {
	tracer := otel.Tracer("store.deadletter")
	ctx, span := tracer.Start(ctx, "deadletter.Add")
	defer span.End()

	payload, err := json.Marshal(rec.Message)
	if err != nil {
		return fmt.Errorf("op=deadletter.add: %w", err)
	}
	var exception []byte
	if rec.Exception != nil {
		if exception, err = json.Marshal(rec.Exception); err != nil {
			return fmt.Errorf("op=deadletter.add: %w", err)
		}
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const sql = `INSERT INTO dead_letters (id, reason, message, exception, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.Pool.Exec(ctx, sql, id, rec.Reason, payload, exception, createdAt.UTC()); err != nil {
		return fmt.Errorf("op=deadletter.add: %w", err)
	}
	return nil
}

// List returns newest records first, up to limit.
func (s *DeadLetterStore) List(ctx domain.Context, limit int) ([]domain.DeadLetterRecord, error) {
	tracer := otel.Tracer("store.deadletter")
	ctx, span := tracer.Start(ctx, "deadletter.List")
	defer span.End()
	const sql = `SELECT id, reason, message, exception, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1`
	rows, err := s.Pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, fmt.Errorf("op=deadletter.list: %w", err)
	}
	defer rows.Close()

	var out []domain.DeadLetterRecord
	for rows.Next() {
		var (
			rec       domain.DeadLetterRecord
			payload   []byte
			exception []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Reason, &payload, &exception, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=deadletter.list: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Message); err != nil {
			return nil, fmt.Errorf("op=deadletter.list: %w: %v", domain.ErrDeserialization, err)
		}
		if len(exception) > 0 {
			rec.Exception = &domain.ExceptionInfo{}
			if err := json.Unmarshal(exception, rec.Exception); err != nil {
				return nil, fmt.Errorf("op=deadletter.list: %w: %v", domain.ErrDeserialization, err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=deadletter.list: %w", err)
	}
	return out, nil
}

// Delete removes one record, typically after a manual replay.
func (s *DeadLetterStore) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store.deadletter")
	ctx, span := tracer.Start(ctx, "deadletter.Delete")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=deadletter.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=deadletter.delete: %w: id %s", domain.ErrNotFound, id)
	}
	return nil
}

// Purge removes records older than the cutoff.
func (s *DeadLetterStore) Purge(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("store.deadletter")
	ctx, span := tracer.Start(ctx, "deadletter.Purge")
	defer span.End()
	tag, err := s.Pool.Exec(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=deadletter.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
