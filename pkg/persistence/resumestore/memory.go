package resumestore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryStore is the non-durable Store used by tests and offline mode.
type InMemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
	now   func() time.Time
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{creds: map[string]Credential{}, now: time.Now}
}

// SetClock overrides the freshness clock, for tests.
func (s *InMemoryStore) SetClock(now func() time.Time) { s.now = now }

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) Save(_ context.Context, cred Credential) error {
	if s == nil {
		return errors.New("resume store: nil store")
	}
	cred.Account = strings.TrimSpace(cred.Account)
	if cred.Account == "" {
		return errors.New("resume store: account is empty")
	}
	if cred.SavedAtMs <= 0 {
		cred.SavedAtMs = s.now().UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Account] = cred
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, account string) (Credential, bool, error) {
	if s == nil {
		return Credential{}, false, errors.New("resume store: nil store")
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return Credential{}, false, errors.New("resume store: account is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[account]
	if !ok {
		return Credential{}, false, nil
	}
	if !cred.Fresh(s.now()) {
		delete(s.creds, account)
		return Credential{}, false, nil
	}
	return cred, true, nil
}

func (s *InMemoryStore) Clear(_ context.Context, account string) error {
	if s == nil {
		return errors.New("resume store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, strings.TrimSpace(account))
	return nil
}
