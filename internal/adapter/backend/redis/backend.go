// Package redis implements the result backend on Redis. Results live
// under celery-task-meta-<id> keys so existing Celery tooling can inspect
// them; transient states live under a separate key space with their own
// TTL. Waiting is poll-based.
package redis

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

const (
	resultKeyPrefix = "celery-task-meta-"
	stateKeyPrefix  = "celery-task-state-"

	defaultPollInterval = 100 * time.Millisecond
	defaultStateExpiry  = 24 * time.Hour
)

// Backend implements domain.ResultBackend.
type Backend struct {
	rdb *redis.Client

	// PollInterval spaces Wait's backend reads.
	PollInterval time.Duration
	// StateExpiry bounds how long transient states outlive their task.
	StateExpiry time.Duration
}

// New builds a backend over an existing client.
func New(rdb *redis.Client) *Backend {
	return &Backend{
		rdb:          rdb,
		PollInterval: defaultPollInterval,
		StateExpiry:  defaultStateExpiry,
	}
}

type stateDoc struct {
	State domain.TaskState  `json:"state"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Store saves res under its task ID and drops any transient state. A
// non-positive expiry keeps the result until something overwrites it.
func (b *Backend) Store(ctx domain.Context, res domain.TaskResult, expiry time.Duration) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("op=redisbackend.Store: %w", err)
	}
	if expiry < 0 {
		expiry = 0
	}
	pipe := b.rdb.TxPipeline()
	pipe.Set(ctx, resultKeyPrefix+res.TaskID, payload, expiry)
	pipe.Del(ctx, stateKeyPrefix+res.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisbackend.Store: %w", err)
	}
	return nil
}

// Get returns the stored result or ErrNotFound once expired or absent.
func (b *Backend) Get(ctx domain.Context, taskID string) (domain.TaskResult, error) {
	raw, err := b.rdb.Get(ctx, resultKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.TaskResult{}, fmt.Errorf("op=redisbackend.Get: %w: task %s", domain.ErrNotFound, taskID)
	}
	if err != nil {
		return domain.TaskResult{}, fmt.Errorf("op=redisbackend.Get: %w", err)
	}
	var res domain.TaskResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.TaskResult{}, fmt.Errorf("op=redisbackend.Get: %w: %v", domain.ErrDeserialization, err)
	}
	return res, nil
}

// Wait polls until a terminal result for taskID exists, the timeout
// elapses, or ctx is cancelled. A timeout of zero waits on ctx alone.
func (b *Backend) Wait(ctx domain.Context, taskID string, timeout time.Duration) (domain.TaskResult, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	ticker := time.NewTicker(b.PollInterval)
	defer ticker.Stop()

	for {
		res, err := b.Get(ctx, taskID)
		switch {
		case err == nil && res.State.Terminal():
			return res, nil
		case err != nil && !errors.Is(err, domain.ErrNotFound):
			return domain.TaskResult{}, err
		}
		select {
		case <-ctx.Done():
			return domain.TaskResult{}, ctx.Err()
		case <-deadline:
			return domain.TaskResult{}, fmt.Errorf("op=redisbackend.Wait: %w: task %s", domain.ErrTimeout, taskID)
		case <-ticker.C:
		}
	}
}

// SetState records a transient state transition. Once a terminal result
// is stored, late transient updates are ignored.
func (b *Backend) SetState(ctx domain.Context, taskID string, state domain.TaskState, meta map[string]string) error {
	if res, err := b.Get(ctx, taskID); err == nil && res.State.Terminal() {
		return nil
	}
	payload, err := json.Marshal(stateDoc{State: state, Meta: meta})
	if err != nil {
		return fmt.Errorf("op=redisbackend.SetState: %w", err)
	}
	if err := b.rdb.Set(ctx, stateKeyPrefix+taskID, payload, b.StateExpiry).Err(); err != nil {
		return fmt.Errorf("op=redisbackend.SetState: %w", err)
	}
	return nil
}

// GetState reports the current state; unknown tasks are Pending.
func (b *Backend) GetState(ctx domain.Context, taskID string) (domain.TaskState, error) {
	res, err := b.Get(ctx, taskID)
	if err == nil {
		return res.State, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	raw, err := b.rdb.Get(ctx, stateKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("op=redisbackend.GetState: %w", err)
	}
	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("op=redisbackend.GetState: %w: %v", domain.ErrDeserialization, err)
	}
	return doc.State, nil
}
