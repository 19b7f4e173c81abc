package inmem

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Delayed parks messages until their delivery time.
type Delayed struct {
	mu      sync.Mutex
	entries []domain.DelayedMessage
}

// NewDelayed builds an empty delay store.
func NewDelayed() *Delayed {
	return &Delayed{}
}

// Schedule parks msg until deliverAt.
func (d *Delayed) Schedule(_ domain.Context, msg domain.TaskMessage, deliverAt time.Time) error {
	d.mu.Lock()
	d.entries = append(d.entries, domain.DelayedMessage{
		ID:        ulid.Make().String(),
		Message:   msg,
		DeliverAt: deliverAt.UTC(),
	})
	d.mu.Unlock()
	return nil
}

// ClaimDue atomically removes and returns up to limit due messages in
// delivery-time order.
func (d *Delayed) ClaimDue(_ domain.Context, now time.Time, limit int) ([]domain.DelayedMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var due []domain.DelayedMessage
	var remaining []domain.DelayedMessage
	for _, e := range d.entries {
		if !e.DeliverAt.After(now) {
			due = append(due, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DeliverAt.Before(due[j].DeliverAt) })
	if limit > 0 && len(due) > limit {
		// put the overflow back
		remaining = append(remaining, due[limit:]...)
		due = due[:limit]
	}
	d.entries = remaining
	return due, nil
}

// NextDelivery returns the earliest pending delivery time.
func (d *Delayed) NextDelivery(_ domain.Context) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return time.Time{}, false, nil
	}
	min := d.entries[0].DeliverAt
	for _, e := range d.entries[1:] {
		if e.DeliverAt.Before(min) {
			min = e.DeliverAt
		}
	}
	return min, true, nil
}

// Len reports how many messages are parked, for tests.
func (d *Delayed) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
