package inmem

import (
	"sync"
	"time"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

type revocationEntry struct {
	rec       domain.RevocationRecord
	expiresAt time.Time // zero means no expiry
}

// RevocationStore keeps revocation marks in memory and broadcasts them to
// subscribers so in-flight deliveries can be cancelled.
type RevocationStore struct {
	// Now is the clock; replace in tests to drive expiry.
	Now func() time.Time

	retention time.Duration

	mu      sync.Mutex
	revoked map[string]revocationEntry
	subs    map[int]chan domain.RevocationRecord
	next    int
}

// NewRevocationStore builds a store whose marks expire after retention
// unless RevokeOptions say otherwise. Zero retention keeps marks forever.
func NewRevocationStore(retention time.Duration) *RevocationStore {
	return &RevocationStore{
		Now:       time.Now,
		retention: retention,
		revoked:   make(map[string]revocationEntry),
		subs:      make(map[int]chan domain.RevocationRecord),
	}
}

// Revoke records the mark and broadcasts it.
func (s *RevocationStore) Revoke(_ domain.Context, taskID string, opts domain.RevokeOptions) error {
	now := s.Now()
	rec := domain.RevocationRecord{
		TaskID:    taskID,
		Terminate: opts.Terminate,
		Signal:    opts.Signal,
		RevokedAt: now.UTC(),
	}
	retention := s.retention
	if opts.Expiry > 0 {
		retention = opts.Expiry
	}
	var expiresAt time.Time
	if retention > 0 {
		expiresAt = now.Add(retention)
	}

	s.mu.Lock()
	s.revoked[taskID] = revocationEntry{rec: rec, expiresAt: expiresAt}
	for _, ch := range s.subs {
		select {
		case ch <- rec:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// IsRevoked reports whether an unexpired mark exists for taskID.
func (s *RevocationStore) IsRevoked(_ domain.Context, taskID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.revoked[taskID]
	if !ok {
		return false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(s.Now()) {
		delete(s.revoked, taskID)
		return false, nil
	}
	return true, nil
}

// Subscribe streams revocations recorded after the call. The channel closes
// when ctx is cancelled.
func (s *RevocationStore) Subscribe(ctx domain.Context) (<-chan domain.RevocationRecord, error) {
	ch := make(chan domain.RevocationRecord, signalBufferSize)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}
