package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// DelayedStore parks messages until their delivery time. ClaimDue deletes
// with SKIP LOCKED, so competing dispatchers never claim the same row.
type DelayedStore struct{ Pool PgxPool }

// NewDelayedStore constructs a DelayedStore with the given pool.
func NewDelayedStore(p PgxPool) *DelayedStore { return &DelayedStore{Pool: p} }

// Schedule parks msg until deliverAt.
func (s *DelayedStore) Schedule(ctx domain.Context, msg domain.TaskMessage, deliverAt time.Time) error {
	tracer := otel.Tracer("store.delayed")
	ctx, span := tracer.Start(ctx, "delayed.Schedule")
	defer span.End()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=delayed.schedule: %w", err)
	}
	const sql = `INSERT INTO delayed_messages (id, message, deliver_at) VALUES ($1, $2, $3)`
	if _, err := s.Pool.Exec(ctx, sql, uuid.NewString(), payload, deliverAt.UTC()); err != nil {
		return fmt.Errorf("op=delayed.schedule: %w", err)
	}
	return nil
}

// ClaimDue atomically removes and returns up to limit messages due at now.
func (s *DelayedStore) ClaimDue(ctx domain.Context, now time.Time, limit int) ([]domain.DelayedMessage, error) {
	tracer := otel.Tracer("store.delayed")
	ctx, span := tracer.Start(ctx, "delayed.ClaimDue")
	defer span.End()

	const sql = `DELETE FROM delayed_messages
		WHERE id IN (
			SELECT id FROM delayed_messages
			WHERE deliver_at <= $1
			ORDER BY deliver_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message, deliver_at`
	rows, err := s.Pool.Query(ctx, sql, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=delayed.claim_due: %w", err)
	}
	defer rows.Close()

	var out []domain.DelayedMessage
	for rows.Next() {
		var (
			m       domain.DelayedMessage
			payload []byte
		)
		if err := rows.Scan(&m.ID, &payload, &m.DeliverAt); err != nil {
			return nil, fmt.Errorf("op=delayed.claim_due: %w", err)
		}
		if err := json.Unmarshal(payload, &m.Message); err != nil {
			return nil, fmt.Errorf("op=delayed.claim_due: %w: %v", domain.ErrDeserialization, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=delayed.claim_due: %w", err)
	}
	return out, nil
}

// NextDelivery returns the earliest pending delivery time.
func (s *DelayedStore) NextDelivery(ctx domain.Context) (time.Time, bool, error) {
	tracer := otel.Tracer("store.delayed")
	ctx, span := tracer.Start(ctx, "delayed.NextDelivery")
	defer span.End()

	// MIN over an empty table yields NULL, so scan through a pointer.
	var at *time.Time
	err := s.Pool.QueryRow(ctx, `SELECT MIN(deliver_at) FROM delayed_messages`).Scan(&at)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("op=delayed.next_delivery: %w", err)
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}
