package inmem

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// DeadLetters keeps terminally failed messages for inspection.
type DeadLetters struct {
	// Now is the clock; replace in tests for deterministic timestamps.
	Now func() time.Time

	mu   sync.Mutex
	recs []domain.DeadLetterRecord
}

// NewDeadLetters builds an empty store.
func NewDeadLetters() *DeadLetters {
	return &DeadLetters{Now: time.Now}
}

// Add stores rec, assigning an ID and timestamp when missing.
func (d *DeadLetters) Add(_ domain.Context, rec domain.DeadLetterRecord) error {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.Now().UTC()
	}
	d.mu.Lock()
	d.recs = append(d.recs, rec)
	d.mu.Unlock()
	return nil
}

// List returns the newest records first, up to limit.
func (d *DeadLetters) List(_ domain.Context, limit int) ([]domain.DeadLetterRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.DeadLetterRecord, 0, len(d.recs))
	for i := len(d.recs) - 1; i >= 0; i-- {
		out = append(out, d.recs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Delete removes the record with the given ID, if present.
func (d *DeadLetters) Delete(_ domain.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, rec := range d.recs {
		if rec.ID == id {
			d.recs = append(d.recs[:i], d.recs[i+1:]...)
			return nil
		}
	}
	return nil
}

// Purge removes records created before the cutoff.
func (d *DeadLetters) Purge(_ domain.Context, olderThan time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kept []domain.DeadLetterRecord
	var n int64
	for _, rec := range d.recs {
		if rec.CreatedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	d.recs = kept
	return n, nil
}
