package ledger

import (
	"context"
	"sync"

	"github.com/basehealth/paygate"
)

// MemoryStore is an in-process Store with the same first-writer-wins
// semantics as SQLiteStore. Suitable for tests and single-instance
// development only; it does not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) IsProcessed(_ context.Context, paymentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[paymentID]
	return ok, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.PaymentID]; ok {
		return paygate.ErrAlreadyProcessed
	}
	s.entries[e.PaymentID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, paymentID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[paymentID]; ok {
		out := e
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) FindBySession(_ context.Context, orderID, resource string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Entry
	for _, e := range s.entries {
		if e.OrderID != orderID || e.Resource != resource {
			continue
		}
		if latest == nil || e.SettledAt.After(latest.SettledAt) {
			out := e
			latest = &out
		}
	}
	return latest, nil
}

func (s *MemoryStore) LatestForPayer(_ context.Context, payer, resource string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Entry
	for _, e := range s.entries {
		if e.Payer != payer || e.Resource != resource {
			continue
		}
		if latest == nil || e.SettledAt.After(latest.SettledAt) {
			out := e
			latest = &out
		}
	}
	return latest, nil
}

func (s *MemoryStore) Annotate(_ context.Context, paymentID, meta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[paymentID]; ok {
		e.ProcessorMeta = meta
		s.entries[paymentID] = e
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
