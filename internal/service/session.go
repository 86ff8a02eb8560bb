package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/model"
	"github.com/and161185/mdmkeeper/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// SessionStatus summarizes the session for front ends.
type SessionStatus struct {
	State     AuthState
	ClientID  string
	TenantID  string
	Account   model.Account
	ExpiresAt time.Time
	Devices   int
	FetchedAt time.Time
}

// Session is the operator-facing interactor: it remembers which application the
// operator logged in with and hands the current credential to the catalog and
// the executor.
type Session struct {
	auth    Authenticator
	catalog *DeviceCatalog
	actions *ActionExecutor
	journal repository.OutcomeRepository
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	clientID string
	tenantID string
	cred     model.Credential
}

// NewSession wires the services together. A nil journal discards outcomes.
func NewSession(auth Authenticator, catalog *DeviceCatalog, actions *ActionExecutor, journal repository.OutcomeRepository, log *zap.Logger) *Session {
	if journal == nil {
		journal = repository.NopOutcomes{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{auth: auth, catalog: catalog, actions: actions, journal: journal, log: log, now: time.Now}
}

// Login authenticates against (clientID, tenantID) and makes it the session's application.
func (s *Session) Login(ctx context.Context, clientID, tenantID string, notify ChallengeFunc) (model.Credential, error) {
	cred, err := s.auth.Authenticate(ctx, clientID, tenantID, notify)
	if err != nil {
		return model.Credential{}, err
	}
	s.mu.Lock()
	s.clientID, s.tenantID, s.cred = clientID, tenantID, cred
	s.mu.Unlock()
	return cred.Clone(), nil
}

// Credential returns a usable credential, renewing it silently when it has expired.
func (s *Session) Credential(ctx context.Context) (model.Credential, error) {
	s.mu.Lock()
	clientID, tenantID, cred := s.clientID, s.tenantID, s.cred
	s.mu.Unlock()

	if clientID == "" {
		return model.Credential{}, fmt.Errorf("%w: login required", errs.ErrUnauthorized)
	}
	if cred.Valid(s.now()) {
		return cred.Clone(), nil
	}

	fresh, err := s.auth.AcquireSilent(ctx, clientID, tenantID)
	if err != nil {
		return model.Credential{}, err
	}
	s.mu.Lock()
	if s.clientID == clientID && s.tenantID == tenantID {
		s.cred = fresh
	}
	s.mu.Unlock()
	s.log.Debug("credential renewed", zap.Time("expires_at", fresh.ExpiresAt))
	return fresh.Clone(), nil
}

// FetchDevices refreshes the catalog.
func (s *Session) FetchDevices(ctx context.Context, filter model.DeviceFilter) ([]model.DeviceRecord, error) {
	cred, err := s.Credential(ctx)
	if err != nil {
		return nil, err
	}
	return s.catalog.Fetch(ctx, cred, filter)
}

// Devices returns the catalog as of the last successful fetch.
func (s *Session) Devices() []model.DeviceRecord {
	return s.catalog.Snapshot()
}

// Device looks a device up in the catalog.
func (s *Session) Device(id string) (model.DeviceRecord, error) {
	d, ok := s.catalog.Lookup(id)
	if !ok {
		return model.DeviceRecord{}, fmt.Errorf("%w: device %q is not in the catalog", errs.ErrNotFound, id)
	}
	return d, nil
}

// ApplyAction runs the executor and journals the batch. A journal failure is
// logged and never fails the batch. On cancellation the partial batch is still
// journaled and returned with the context error.
func (s *Session) ApplyAction(ctx context.Context, operator string, kind model.ActionKind, deviceIDs []string, confirm ConfirmFunc) (model.ActionBatch, error) {
	cred, err := s.Credential(ctx)
	if err != nil {
		return model.ActionBatch{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.ActionBatch{}, fmt.Errorf("batch id: %w", err)
	}

	batch := model.ActionBatch{ID: id, Kind: kind, Operator: operator, StartedAt: s.now()}
	outcomes, applyErr := s.actions.Apply(ctx, cred, kind, deviceIDs, confirm)
	if outcomes == nil && applyErr != nil {
		return model.ActionBatch{}, applyErr
	}
	batch.Outcomes = outcomes
	batch.FinishedAt = s.now()

	if len(batch.Outcomes) > 0 {
		if err := s.journal.Record(context.WithoutCancel(ctx), batch); err != nil {
			s.log.Error("journal record failed", zap.Stringer("batch_id", batch.ID), zap.Error(err))
		}
	}
	s.log.Info("action batch finished",
		zap.Stringer("batch_id", batch.ID),
		zap.String("action", kind.String()),
		zap.String("operator", operator),
		zap.Int("requested", len(deviceIDs)),
		zap.Int("outcomes", len(batch.Outcomes)),
	)
	return batch, applyErr
}

// History returns the most recent journaled outcomes. limit <= 0 means the default.
func (s *Session) History(ctx context.Context, limit int) ([]model.OutcomeRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)
	return s.journal.Recent(ctx, limit)
}

// Status reports the authentication state and catalog size.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	st := SessionStatus{
		ClientID:  s.clientID,
		TenantID:  s.tenantID,
		Account:   s.cred.Account,
		ExpiresAt: s.cred.ExpiresAt,
	}
	s.mu.Unlock()
	st.State = s.auth.State()
	st.Devices = s.catalog.Len()
	st.FetchedAt = s.catalog.FetchedAt()
	return st
}
