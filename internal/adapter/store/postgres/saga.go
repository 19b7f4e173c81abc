package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// SagaStore persists saga documents as JSONB. Step task IDs are mirrored
// into a lookup table so result signals can be routed back to their saga
// without scanning documents.
type SagaStore struct{ Pool PgxPool }

// NewSagaStore constructs a SagaStore with the given pool.
func NewSagaStore(p PgxPool) *SagaStore { return &SagaStore{Pool: p} }

// Save upserts the saga and its task-ID index in one transaction.
func (s *SagaStore) Save(ctx domain.Context, saga *domain.Saga) error {
	tracer := otel.Tracer("store.saga")
	ctx, span := tracer.Start(ctx, "saga.Save")
	defer span.End()

	doc, err := json.Marshal(saga)
	if err != nil {
		return fmt.Errorf("op=saga.save: %w", err)
	}

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=saga.save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `INSERT INTO sagas (id, name, state, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET state = $3, data = $4, updated_at = $6`
	if _, err := tx.Exec(ctx, upsert, saga.ID, saga.Name, saga.State, doc, saga.CreatedAt.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=saga.save: %w", err)
	}

	const ref = `INSERT INTO saga_task_refs (task_id, saga_id)
		VALUES ($1, $2)
		ON CONFLICT (task_id) DO NOTHING`
	for _, step := range saga.Steps {
		for _, taskID := range []string{step.ExecuteTaskID, step.CompensateTaskID} {
			if taskID == "" {
				continue
			}
			if _, err := tx.Exec(ctx, ref, taskID, saga.ID); err != nil {
				return fmt.Errorf("op=saga.save: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=saga.save: %w", err)
	}
	return nil
}

// Get loads a saga by ID.
func (s *SagaStore) Get(ctx domain.Context, id string) (*domain.Saga, error) {
	tracer := otel.Tracer("store.saga")
	ctx, span := tracer.Start(ctx, "saga.Get")
	defer span.End()
	const sql = `SELECT data FROM sagas WHERE id = $1`
	return s.scanOne(s.Pool.QueryRow(ctx, sql, id), "op=saga.get")
}

// FindByTaskID loads the saga owning taskID on either step side.
func (s *SagaStore) FindByTaskID(ctx domain.Context, taskID string) (*domain.Saga, error) {
	tracer := otel.Tracer("store.saga")
	ctx, span := tracer.Start(ctx, "saga.FindByTaskID")
	defer span.End()
	const sql = `SELECT s.data FROM sagas s
		JOIN saga_task_refs r ON r.saga_id = s.id
		WHERE r.task_id = $1`
	return s.scanOne(s.Pool.QueryRow(ctx, sql, taskID), "op=saga.find_by_task")
}

func (s *SagaStore) scanOne(row pgx.Row, op string) (*domain.Saga, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var saga domain.Saga
	if err := json.Unmarshal(doc, &saga); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, domain.ErrDeserialization, err)
	}
	return &saga, nil
}
