package engine

import (
	"sync"

	"pixelflow/internal/domain"
)

// varStore is the write-once variable mapping shared across an execution.
// Every write targets a distinct unbound name, so there is no write/write
// race; reads only target names the validator guarantees are bound by the
// time the reading step is scheduled.
type varStore struct {
	mu   sync.RWMutex
	vars map[string]domain.Payload
}

func newVarStore() *varStore {
	return &varStore{vars: make(map[string]domain.Payload)}
}

// write binds payload to name. Rebinding an already-bound name returns
// ErrVarRebound; unreachable after validation, kept as a loud invariant.
func (s *varStore) write(name string, p domain.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vars[name]; ok {
		return domain.NewDomainError("varStore.write", domain.ErrVarRebound, name)
	}
	s.vars[name] = p
	return nil
}

// read returns the payload bound to name. An unbound name returns
// ErrVarUnbound, which signals a scheduling bug rather than a user error.
func (s *varStore) read(name string) (domain.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.vars[name]
	if !ok {
		return nil, domain.NewDomainError("varStore.read", domain.ErrVarUnbound, name)
	}
	return p, nil
}

func (s *varStore) bound(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vars[name]
	return ok
}
