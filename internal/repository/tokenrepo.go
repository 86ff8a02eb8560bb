// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/mdmkeeper/internal/model"
)

// TokenStore caches issued credentials per application registration.
// Only the TokenManager writes to it.
type TokenStore interface {
	// Accounts returns the cached credentials for (clientID, tenantID), newest first.
	Accounts(ctx context.Context, clientID, tenantID string) ([]model.Credential, error)
	// Save stores cred, replacing any entry for the same account.
	Save(ctx context.Context, clientID, tenantID string, cred model.Credential) error
	// Remove drops the entry for the given account.
	Remove(ctx context.Context, clientID, tenantID string, account model.Account) error
}
