// Package stats accumulates per-identity call statistics.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/models"
)

// Store persists CallStatistics per identity
type Store interface {
	Add(ctx context.Context, id string, rec models.CallRecord) error
	Get(ctx context.Context, id string) (models.CallStatistics, error)
}

// Accumulator applies every completed call to both of its parties
type Accumulator struct {
	store Store
}

func NewAccumulator(store Store) *Accumulator {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Accumulator{store: store}
}

// Record adds rec to the statistics of the caller and of the callee. Both
// updates are attempted even if the first one fails.
func (a *Accumulator) Record(ctx context.Context, rec models.CallRecord) error {
	var errs []error
	for _, id := range []string{rec.Caller, rec.Callee} {
		if err := a.store.Add(ctx, identity.Normalize(id), rec); err != nil {
			errs = append(errs, fmt.Errorf("record call %s for %s: %w", rec.CallID, id, err))
		}
	}
	return errors.Join(errs...)
}

// Get returns the statistics of id; an identity without calls has zero stats
func (a *Accumulator) Get(ctx context.Context, id string) (models.CallStatistics, error) {
	return a.store.Get(ctx, identity.Normalize(id))
}

// MemoryStore keeps statistics for the lifetime of the process
type MemoryStore struct {
	mu    sync.Mutex
	stats map[string]models.CallStatistics
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[string]models.CallStatistics)}
}

func (s *MemoryStore) Add(_ context.Context, id string, rec models.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats[id]
	st.Apply(rec)
	s.stats[id] = st
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.CallStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[id], nil
}
