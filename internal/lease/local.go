package lease

import (
	"context"
	"sync"
	"time"
)

type localClaim struct {
	execution string
	until     time.Time
}

// LocalStore keeps claims in process memory.
type LocalStore struct {
	mu     sync.Mutex
	claims map[Scope]localClaim
	now    func() time.Time
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		claims: make(map[Scope]localClaim),
		now:    time.Now,
	}
}

func (s *LocalStore) TryClaim(_ context.Context, scope Scope, execution string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.claims[scope]; ok && now.Before(held.until) {
		return false, nil
	}
	s.claims[scope] = localClaim{execution: execution, until: now.Add(ttl)}
	return true, nil
}

func (s *LocalStore) Drop(_ context.Context, scope Scope, execution string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if held, ok := s.claims[scope]; ok && held.execution == execution {
		delete(s.claims, scope)
	}
	return nil
}

// Holder returns the execution holding scope, if the claim has not lapsed.
func (s *LocalStore) Holder(scope Scope) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.claims[scope]
	if !ok || !s.now().Before(held.until) {
		return "", false
	}
	return held.execution, true
}
