package inmem

import (
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Inbox remembers processed task IDs for deduplication.
type Inbox struct {
	// Now is the clock; replace in tests to drive expiry.
	Now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // expiry per ID; zero means keep forever
}

// NewInbox builds an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{Now: time.Now, seen: make(map[string]time.Time)}
}

// Seen reports whether taskID was processed and its mark has not expired.
func (i *Inbox) Seen(_ domain.Context, taskID string) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	expiry, ok := i.seen[taskID]
	if !ok {
		return false, nil
	}
	if !expiry.IsZero() && !expiry.After(i.Now()) {
		delete(i.seen, taskID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed records taskID for retention. Non-positive retention keeps
// the mark forever.
func (i *Inbox) MarkProcessed(_ domain.Context, taskID string, retention time.Duration) error {
	var expiry time.Time
	if retention > 0 {
		expiry = i.Now().Add(retention)
	}
	i.mu.Lock()
	i.seen[taskID] = expiry
	i.mu.Unlock()
	return nil
}
