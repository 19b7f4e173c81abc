package inmem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Outbox stages messages with store-assigned sequence numbers. In-process
// it cannot join a database transaction; it exists for embedded mode and
// for exercising the dispatcher.
type Outbox struct {
	// Now is the clock; replace in tests for deterministic timestamps.
	Now func() time.Time

	mu   sync.Mutex
	rows map[string]*domain.OutboxMessage
	seq  int64
}

// NewOutbox builds an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{Now: time.Now, rows: make(map[string]*domain.OutboxMessage)}
}

// Add stages msg and assigns the next sequence number.
func (o *Outbox) Add(_ domain.Context, msg domain.TaskMessage) (domain.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seq++
	row := &domain.OutboxMessage{
		ID:             ulid.Make().String(),
		SequenceNumber: o.seq,
		Message:        msg,
		Status:         domain.OutboxPending,
		CreatedAt:      o.Now().UTC(),
	}
	o.rows[row.ID] = row
	return *row, nil
}

// Pending returns undispatched rows in ascending sequence order.
func (o *Outbox) Pending(_ domain.Context, limit int) ([]domain.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.OutboxMessage, 0, limit)
	for _, row := range o.rows {
		if row.Status == domain.OutboxPending {
			out = append(out, *row)
		}
	}
	sortBySequence(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDispatched flips the row to dispatched at the given time.
func (o *Outbox) MarkDispatched(_ domain.Context, id string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return fmt.Errorf("op=inmem.MarkDispatched: %w: %s", domain.ErrNotFound, id)
	}
	row.Status = domain.OutboxDispatched
	at = at.UTC()
	row.DispatchedAt = &at
	return nil
}

// MarkFailed bumps the attempt counter; permanent parks the row as failed.
func (o *Outbox) MarkFailed(_ domain.Context, id string, lastErr string, permanent bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return fmt.Errorf("op=inmem.MarkFailed: %w: %s", domain.ErrNotFound, id)
	}
	row.Attempts++
	row.LastError = lastErr
	if permanent {
		row.Status = domain.OutboxFailed
	}
	return nil
}

// PurgeDispatched deletes dispatched rows older than the cutoff.
func (o *Outbox) PurgeDispatched(_ domain.Context, olderThan time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for id, row := range o.rows {
		if row.Status == domain.OutboxDispatched && row.DispatchedAt != nil && row.DispatchedAt.Before(olderThan) {
			delete(o.rows, id)
			n++
		}
	}
	return n, nil
}

// Get returns a row by ID, for tests and inspection.
func (o *Outbox) Get(_ domain.Context, id string) (domain.OutboxMessage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	row, ok := o.rows[id]
	if !ok {
		return domain.OutboxMessage{}, fmt.Errorf("op=inmem.Get: %w: %s", domain.ErrNotFound, id)
	}
	return *row, nil
}

func sortBySequence(rows []domain.OutboxMessage) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].SequenceNumber < rows[j].SequenceNumber
	})
}
