// Package memory contains process-local implementations of repository interfaces.
package memory

import (
	"context"
	"sync"

	"github.com/and161185/mdmkeeper/internal/model"
)

type appKey struct{ clientID, tenantID string }

// TokenStore keeps credentials in memory only; nothing survives a restart.
type TokenStore struct {
	mu      sync.RWMutex
	entries map[appKey][]model.Credential
}

// NewTokenStore constructs an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{entries: map[appKey][]model.Credential{}}
}

// Accounts returns copies of the cached credentials, newest first.
func (s *TokenStore) Accounts(_ context.Context, clientID, tenantID string) ([]model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[appKey{clientID, tenantID}]
	out := make([]model.Credential, 0, len(list))
	for _, c := range list {
		out = append(out, c.Clone())
	}
	return out, nil
}

// Save puts cred first, dropping an older entry of the same account.
func (s *TokenStore) Save(_ context.Context, clientID, tenantID string, cred model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := appKey{clientID, tenantID}
	list := []model.Credential{cred.Clone()}
	for _, c := range s.entries[k] {
		if c.Account != cred.Account {
			list = append(list, c)
		}
	}
	s.entries[k] = list
	return nil
}

// Remove drops the credential of account.
func (s *TokenStore) Remove(_ context.Context, clientID, tenantID string, account model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := appKey{clientID, tenantID}
	list := s.entries[k][:0:0]
	for _, c := range s.entries[k] {
		if c.Account != account {
			list = append(list, c)
		}
	}
	s.entries[k] = list
	return nil
}
