// Package service contains the device management application services:
// authentication, the device catalog, bulk actions and the operator session.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/identity"
	"github.com/and161185/mdmkeeper/internal/metrics"
	"github.com/and161185/mdmkeeper/internal/model"
	"github.com/and161185/mdmkeeper/internal/repository"
)

// DefaultScopes are the management API permissions every credential must carry.
var DefaultScopes = []string{
	"Device.Read.All",
	"DeviceManagementManagedDevices.ReadWrite.All",
	"DeviceManagementManagedDevices.PrivilegedOperations.All",
}

const (
	slowDownStep = 5 * time.Second
	minInterval  = 10 * time.Millisecond
)

// AuthState is a state of the authentication state machine.
type AuthState int32

const (
	StateUnauthenticated AuthState = iota
	StateSilentAttempt
	StateDeviceFlowPending
	StateDeviceFlowPolling
	StateAuthenticated
	StateFailed
)

func (s AuthState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateSilentAttempt:
		return "silent_attempt"
	case StateDeviceFlowPending:
		return "device_flow_pending"
	case StateDeviceFlowPolling:
		return "device_flow_polling"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("AuthState(%d)", int32(s))
	}
}

// IdentityProvider is the identity service as used by the TokenManager.
// *identity.Client satisfies it.
type IdentityProvider interface {
	RequestDeviceCode(ctx context.Context, clientID, tenantID string, scopes []string) (model.DeviceCodeChallenge, error)
	PollToken(ctx context.Context, clientID, tenantID string, ch model.DeviceCodeChallenge) (model.Credential, error)
	RefreshToken(ctx context.Context, clientID, tenantID, refreshToken string, scopes []string) (model.Credential, error)
}

// ChallengeFunc surfaces the user code and verification URI to the operator.
type ChallengeFunc func(model.DeviceCodeChallenge)

// Authenticator turns application identifiers into a bearer credential.
type Authenticator interface {
	// Authenticate tries the token cache first and falls back to the device-code flow.
	Authenticate(ctx context.Context, clientID, tenantID string, notify ChallengeFunc) (model.Credential, error)
	// AcquireSilent uses only the token cache (and refresh tokens); ErrUnauthorized on miss.
	AcquireSilent(ctx context.Context, clientID, tenantID string) (model.Credential, error)
	// State reports where the state machine currently is.
	State() AuthState
}

// TokenManager owns the authentication state machine and is the only writer of its TokenStore.
type TokenManager struct {
	idp     IdentityProvider
	store   repository.TokenStore
	scopes  []string
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	flow  sync.Mutex // one authentication at a time
	state atomic.Int32
}

var _ Authenticator = (*TokenManager)(nil)

// NewTokenManager constructs a TokenManager. Empty scopes means DefaultScopes.
func NewTokenManager(idp IdentityProvider, store repository.TokenStore, scopes []string, log *zap.Logger, m *metrics.Metrics) *TokenManager {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenManager{
		idp:     idp,
		store:   store,
		scopes:  slices.Clone(scopes),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// State reports the current state of the machine.
func (m *TokenManager) State() AuthState { return AuthState(m.state.Load()) }

func (m *TokenManager) setState(s AuthState) {
	prev := AuthState(m.state.Swap(int32(s)))
	m.log.Debug("auth state", zap.Stringer("from", prev), zap.Stringer("to", s))
}

// Authenticate runs SilentAttempt, then DeviceFlowPending and DeviceFlowPolling.
func (m *TokenManager) Authenticate(ctx context.Context, clientID, tenantID string, notify ChallengeFunc) (model.Credential, error) {
	if err := validateApp(clientID, tenantID); err != nil {
		return model.Credential{}, err
	}
	m.flow.Lock()
	defer m.flow.Unlock()

	m.setState(StateSilentAttempt)
	if cred, ok := m.silent(ctx, clientID, tenantID); ok {
		m.setState(StateAuthenticated)
		return cred, nil
	}
	if err := ctx.Err(); err != nil {
		m.setState(StateFailed)
		return model.Credential{}, err
	}

	m.setState(StateDeviceFlowPending)
	ch, err := m.idp.RequestDeviceCode(ctx, clientID, tenantID, m.scopes)
	if err != nil {
		m.setState(StateFailed)
		m.metrics.ObserveAuth("device_code", "failure")
		if ctx.Err() != nil {
			return model.Credential{}, ctx.Err()
		}
		if !errors.Is(err, errs.ErrFlowInitFailed) {
			err = fmt.Errorf("%w: %w", errs.ErrFlowInitFailed, err)
		}
		return model.Credential{}, err
	}
	m.log.Info("device code issued",
		zap.String("verification_uri", ch.VerificationURI),
		zap.Time("expires_at", ch.ExpiresAt),
	)
	if notify != nil {
		notify(ch)
	}

	m.setState(StateDeviceFlowPolling)
	cred, err := m.poll(ctx, clientID, tenantID, ch)
	if err != nil {
		m.setState(StateFailed)
		m.metrics.ObserveAuth("device_code", "failure")
		m.log.Warn("device flow failed", zap.Error(err))
		return model.Credential{}, err
	}

	m.cache(ctx, clientID, tenantID, cred)
	m.setState(StateAuthenticated)
	m.metrics.ObserveAuth("device_code", "success")
	m.log.Info("authenticated", zap.String("account", cred.Account.Username))
	return cred.Clone(), nil
}

// AcquireSilent returns a cached or refreshed credential without user interaction.
func (m *TokenManager) AcquireSilent(ctx context.Context, clientID, tenantID string) (model.Credential, error) {
	if err := validateApp(clientID, tenantID); err != nil {
		return model.Credential{}, err
	}
	m.flow.Lock()
	defer m.flow.Unlock()

	if cred, ok := m.silent(ctx, clientID, tenantID); ok {
		return cred, nil
	}
	if err := ctx.Err(); err != nil {
		return model.Credential{}, err
	}
	return model.Credential{}, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
}

// silent returns an unexpired scope-matching credential, or redeems a refresh token.
// Misses are never errors.
func (m *TokenManager) silent(ctx context.Context, clientID, tenantID string) (model.Credential, bool) {
	accounts, err := m.store.Accounts(ctx, clientID, tenantID)
	if err != nil {
		m.log.Warn("token store lookup failed", zap.Error(err))
		return model.Credential{}, false
	}

	now := m.now()
	for _, c := range accounts {
		if c.HasScopes(m.scopes) && c.Valid(now) {
			m.metrics.ObserveAuth("silent", "success")
			return c, true
		}
	}

	for _, c := range accounts {
		if c.RefreshToken == "" || !c.HasScopes(m.scopes) {
			continue
		}
		fresh, err := m.idp.RefreshToken(ctx, clientID, tenantID, c.RefreshToken, m.scopes)
		if err != nil {
			if ctx.Err() != nil {
				return model.Credential{}, false
			}
			m.metrics.ObserveAuth("refresh", "failure")
			m.log.Debug("silent refresh failed", zap.String("account", c.Account.Username), zap.Error(err))
			_ = m.store.Remove(ctx, clientID, tenantID, c.Account)
			continue
		}
		if !fresh.HasScopes(m.scopes) {
			m.metrics.ObserveAuth("refresh", "failure")
			m.log.Debug("silent refresh narrowed scopes", zap.String("account", c.Account.Username), zap.Strings("granted", fresh.Scopes))
			_ = m.store.Remove(ctx, clientID, tenantID, c.Account)
			continue
		}
		if fresh.Account == (model.Account{}) {
			fresh.Account = c.Account
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = c.RefreshToken
		}
		m.cache(ctx, clientID, tenantID, fresh)
		m.metrics.ObserveAuth("refresh", "success")
		return fresh.Clone(), true
	}
	return model.Credential{}, false
}

// poll asks the token endpoint until a terminal answer, the challenge expiry, or cancellation.
func (m *TokenManager) poll(ctx context.Context, clientID, tenantID string, ch model.DeviceCodeChallenge) (model.Credential, error) {
	pollCtx, cancel := context.WithDeadline(ctx, ch.ExpiresAt)
	defer cancel()

	interval := max(ch.Interval, minInterval)
	for {
		remaining := ch.ExpiresAt.Sub(m.now())
		if remaining <= 0 {
			return model.Credential{}, fmt.Errorf("%w: no answer before the code expired", errs.ErrPollTimeout)
		}

		t := time.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return model.Credential{}, ctx.Err()
		case <-t.C:
		}
		if !m.now().Before(ch.ExpiresAt) {
			return model.Credential{}, fmt.Errorf("%w: no answer before the code expired", errs.ErrPollTimeout)
		}

		cred, err := m.idp.PollToken(pollCtx, clientID, tenantID, ch)
		switch {
		case err == nil:
			return cred, nil
		case errors.Is(err, identity.ErrAuthorizationPending):
		case errors.Is(err, identity.ErrSlowDown):
			interval += slowDownStep
		case ctx.Err() != nil:
			return model.Credential{}, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return model.Credential{}, fmt.Errorf("%w: no answer before the code expired", errs.ErrPollTimeout)
		default:
			return model.Credential{}, err
		}
	}
}

func (m *TokenManager) cache(ctx context.Context, clientID, tenantID string, cred model.Credential) {
	if err := m.store.Save(ctx, clientID, tenantID, cred); err != nil {
		m.log.Warn("token store save failed", zap.Error(err))
	}
}

func validateApp(clientID, tenantID string) error {
	if strings.TrimSpace(clientID) == "" || strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("%w: client id and tenant id are required", errs.ErrInvalidArgument)
	}
	return nil
}
