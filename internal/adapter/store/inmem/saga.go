package inmem

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/dotcelery/internal/domain"
)

// Sagas stores saga progress in memory. Callers receive deep copies so
// concurrent readers never observe partial orchestrator updates.
type Sagas struct {
	mu    sync.Mutex
	sagas map[string]*domain.Saga
}

// NewSagas builds an empty store.
func NewSagas() *Sagas {
	return &Sagas{sagas: make(map[string]*domain.Saga)}
}

// Save upserts the saga.
func (s *Sagas) Save(_ domain.Context, saga *domain.Saga) error {
	if saga == nil || saga.ID == "" {
		return fmt.Errorf("op=inmem.Save: %w: saga ID required", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	s.sagas[saga.ID] = saga.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the saga by ID.
func (s *Sagas) Get(_ domain.Context, id string) (*domain.Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saga, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("op=inmem.Get: %w: saga %s", domain.ErrNotFound, id)
	}
	return saga.Clone(), nil
}

// FindByTaskID locates the saga owning taskID on any step.
func (s *Sagas) FindByTaskID(_ domain.Context, taskID string) (*domain.Saga, error) {
	if taskID == "" {
		return nil, fmt.Errorf("op=inmem.FindByTaskID: %w: empty task ID", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, saga := range s.sagas {
		if _, ok := saga.StepByTaskID(taskID); ok {
			return saga.Clone(), nil
		}
	}
	return nil, fmt.Errorf("op=inmem.FindByTaskID: %w: task %s", domain.ErrNotFound, taskID)
}
