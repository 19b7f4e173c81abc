package redis

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// RevocationStore keeps revocation marks as expiring keys and broadcasts
// each mark over pub/sub so every worker can cancel in-flight deliveries.
type RevocationStore struct {
	rdb       *redis.Client
	retention time.Duration
	logger    *slog.Logger
}

// NewRevocationStore builds a store whose marks expire after retention
// unless RevokeOptions say otherwise.
func NewRevocationStore(rdb *redis.Client, retention time.Duration, logger *slog.Logger) *RevocationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationStore{rdb: rdb, retention: retention, logger: logger}
}

// Revoke records the mark and broadcasts it.
func (s *RevocationStore) Revoke(ctx domain.Context, taskID string, opts domain.RevokeOptions) error {
	rec := domain.RevocationRecord{
		TaskID:    taskID,
		Terminate: opts.Terminate,
		Signal:    opts.Signal,
		RevokedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=redis.Revoke: %w", err)
	}
	retention := s.retention
	if opts.Expiry > 0 {
		retention = opts.Expiry
	}
	if err := s.rdb.Set(ctx, revocationKeyPrefix+taskID, payload, retention).Err(); err != nil {
		return fmt.Errorf("op=redis.Revoke: %w", err)
	}
	if err := s.rdb.Publish(ctx, revocationChannel, payload).Err(); err != nil {
		return fmt.Errorf("op=redis.Revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether an unexpired mark exists for taskID.
func (s *RevocationStore) IsRevoked(ctx domain.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revocationKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("op=redis.IsRevoked: %w", err)
	}
	return n > 0, nil
}

// Subscribe streams revocations recorded after the call. The channel
// closes when ctx is cancelled.
func (s *RevocationStore) Subscribe(ctx domain.Context) (<-chan domain.RevocationRecord, error) {
	ps := s.rdb.Subscribe(ctx, revocationChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=redis.Subscribe: %w", err)
	}

	out := make(chan domain.RevocationRecord, 64)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec domain.RevocationRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					s.logger.Warn("revocation payload unreadable", slog.Any("error", err))
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
