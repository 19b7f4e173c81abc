package redis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Inbox remembers processed task IDs for deduplication, one expiring key
// per task.
type Inbox struct {
	rdb *redis.Client
}

// NewInbox builds the store over an existing client.
func NewInbox(rdb *redis.Client) *Inbox {
	return &Inbox{rdb: rdb}
}

// Seen reports whether taskID was processed and its mark has not expired.
func (i *Inbox) Seen(ctx domain.Context, taskID string) (bool, error) {
	n, err := i.rdb.Exists(ctx, inboxKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("op=redis.Seen: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed records taskID for retention. Non-positive retention keeps
// the mark forever.
func (i *Inbox) MarkProcessed(ctx domain.Context, taskID string, retention time.Duration) error {
	if retention < 0 {
		retention = 0
	}
	if err := i.rdb.Set(ctx, inboxKeyPrefix+taskID, "1", retention).Err(); err != nil {
		return fmt.Errorf("op=redis.MarkProcessed: %w", err)
	}
	return nil
}
