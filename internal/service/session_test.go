package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/mdmkeeper/internal/errs"
	"github.com/and161185/mdmkeeper/internal/graph"
	"github.com/and161185/mdmkeeper/internal/model"
	"github.com/and161185/mdmkeeper/internal/repository/memory"
)

type fakeJournal struct {
	mu        sync.Mutex
	batches   []model.ActionBatch
	err       error
	lastLimit int
}

func (j *fakeJournal) Record(_ context.Context, b model.ActionBatch) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.batches = append(j.batches, b)
	return nil
}

func (j *fakeJournal) Recent(_ context.Context, limit int) ([]model.OutcomeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.lastLimit = limit
	var out []model.OutcomeRecord
	for i := len(j.batches) - 1; i >= 0; i-- {
		for seq, o := range j.batches[i].Outcomes {
			out = append(out, model.OutcomeRecord{BatchID: j.batches[i].ID, Seq: seq, Operator: j.batches[i].Operator, ActionOutcome: o})
		}
	}
	return out, nil
}

type sessionFixture struct {
	idp     *fakeIdP
	pager   *fakePager
	tr      *fakeTransport
	journal *fakeJournal
	s       *Session
}

func newSessionFixture(t *testing.T, cred model.Credential) *sessionFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	f := &sessionFixture{
		idp: &fakeIdP{
			challengeFn: quickChallenge(time.Second),
			pollFn:      func(int32) (model.Credential, error) { return cred, nil },
		},
		pager:   &fakePager{pages: map[string]graph.Page{"first": {Value: sampleDevices("dev", 3)}}},
		tr:      &fakeTransport{},
		journal: &fakeJournal{},
	}
	f.s = NewSession(
		NewTokenManager(f.idp, memory.NewTokenStore(), nil, log, nil),
		NewDeviceCatalog(f.pager, log, nil),
		NewActionExecutor(f.tr, 2, log, nil),
		f.journal,
		log,
	)
	return f
}

func TestSession_RequiresLogin(t *testing.T) {
	t.Parallel()

	f := newSessionFixture(t, issued("at"))

	_, err := f.s.FetchDevices(context.Background(), model.DeviceFilter{})
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = f.s.ApplyAction(context.Background(), "op", model.ActionSync, []string{"dev0"}, nil)
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Empty(t, f.tr.sent)
}

func TestSession_LoginFetchApplyHistory(t *testing.T) {
	t.Parallel()

	f := newSessionFixture(t, issued("at"))
	ctx := context.Background()

	var shown bool
	_, err := f.s.Login(ctx, "client", "tenant", func(model.DeviceCodeChallenge) { shown = true })
	require.NoError(t, err)
	require.True(t, shown)

	got, err := f.s.FetchDevices(ctx, model.DeviceFilter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, got, f.s.Devices())

	d, err := f.s.Device("dev1")
	require.NoError(t, err)
	require.Equal(t, "dev-name-1", d.DeviceName)
	_, err = f.s.Device("missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	f.tr.handle = func(_, path string) (int, []byte, error) {
		if path == "managedDevices/dev2/retire" {
			return http.StatusBadRequest, []byte(`{"error":{"message":"Not supported"}}`), nil
		}
		return http.StatusNoContent, nil, nil
	}
	batch, err := f.s.ApplyAction(ctx, "alice", model.ActionRetire, []string{"dev0", "dev1", "dev2"}, func(id string) bool { return id != "dev1" })
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, batch.ID)
	require.Equal(t, "alice", batch.Operator)
	require.Len(t, batch.Outcomes, 2)
	require.False(t, batch.FinishedAt.Before(batch.StartedAt))
	require.Len(t, f.journal.batches, 1)

	hist, err := f.s.History(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, defaultHistoryLimit, f.journal.lastLimit)
	require.Len(t, hist, 2)
	require.Equal(t, batch.ID, hist[0].BatchID)
	require.Equal(t, "Not supported", hist[1].Message)

	_, err = f.s.History(ctx, 1_000_000)
	require.NoError(t, err)
	require.Equal(t, maxHistoryLimit, f.journal.lastLimit)

	st := f.s.Status()
	require.Equal(t, StateAuthenticated, st.State)
	require.Equal(t, "client", st.ClientID)
	require.Equal(t, 3, st.Devices)
}

func TestSession_ExpiredCredentialRenewedSilently(t *testing.T) {
	t.Parallel()

	stale := issued("stale")
	stale.RefreshToken = "rt"
	stale.ExpiresAt = time.Now().Add(10 * time.Second) // inside the expiry skew

	f := newSessionFixture(t, stale)
	f.idp.refreshFn = func(rt string) (model.Credential, error) {
		require.Equal(t, "rt", rt)
		return issued("fresh"), nil
	}

	ctx := context.Background()
	_, err := f.s.Login(ctx, "client", "tenant", nil)
	require.NoError(t, err)

	_, err = f.s.FetchDevices(ctx, model.DeviceFilter{})
	require.NoError(t, err)
	require.EqualValues(t, 1, f.idp.refreshCalls.Load())
	require.EqualValues(t, 1, f.idp.challengeCalls.Load(), "renewal must not start a new device flow")

	cred, err := f.s.Credential(ctx)
	require.NoError(t, err)
	require.Equal(t, "fresh", cred.AccessToken)
	require.EqualValues(t, 1, f.idp.refreshCalls.Load())
}

func TestSession_ExpiredWithoutRefreshNeedsLogin(t *testing.T) {
	t.Parallel()

	stale := issued("stale")
	stale.ExpiresAt = time.Now().Add(time.Second)
	f := newSessionFixture(t, stale)

	_, err := f.s.Login(context.Background(), "client", "tenant", nil)
	require.NoError(t, err)

	_, err = f.s.FetchDevices(context.Background(), model.DeviceFilter{})
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestSession_JournalFailureDoesNotFailBatch(t *testing.T) {
	t.Parallel()

	f := newSessionFixture(t, issued("at"))
	f.journal.err = errors.New("db down")
	_, err := f.s.Login(context.Background(), "client", "tenant", nil)
	require.NoError(t, err)

	batch, err := f.s.ApplyAction(context.Background(), "op", model.ActionSync, []string{"a", "b"}, nil)
	require.NoError(t, err)
	require.Len(t, batch.Outcomes, 2)
	require.True(t, batch.Outcomes[0].Success)
}

func TestSession_AllDeclinedIsNotJournaled(t *testing.T) {
	t.Parallel()

	f := newSessionFixture(t, issued("at"))
	_, err := f.s.Login(context.Background(), "client", "tenant", nil)
	require.NoError(t, err)

	batch, err := f.s.ApplyAction(context.Background(), "op", model.ActionDelete, []string{"a"}, func(string) bool { return false })
	require.NoError(t, err)
	require.Empty(t, batch.Outcomes)
	require.Empty(t, f.journal.batches)
	require.Empty(t, f.tr.sent)
}
