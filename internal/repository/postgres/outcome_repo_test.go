package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/mdmkeeper/internal/model"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

const insPattern = `INSERT INTO action_outcomes \(batch_id, seq, operator, action, device_id, success, status_code, message, recorded_at\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7,\$8,\$9\)`

func sampleBatch() model.ActionBatch {
	return model.ActionBatch{
		ID:         uuid.Must(uuid.NewV7()),
		Kind:       model.ActionWipe,
		Operator:   "alice",
		StartedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 5, 1, 12, 0, 3, 0, time.UTC),
		Outcomes: []model.ActionOutcome{
			{DeviceID: "d1", Kind: model.ActionWipe, Success: true, StatusCode: 204},
			{DeviceID: "d2", Kind: model.ActionWipe, StatusCode: 403, Message: "Forbidden"},
		},
	}
}

func TestOutcomeRepo_Record_OK(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewOutcomeRepo(db)
	b := sampleBatch()

	mock.ExpectBegin()
	mock.ExpectExec(insPattern).
		WithArgs(b.ID, 0, "alice", "Wipe", "d1", true, 204, "", b.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insPattern).
		WithArgs(b.ID, 1, "alice", "Wipe", "d2", false, 403, "Forbidden", b.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Record(context.Background(), b))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeRepo_Record_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewOutcomeRepo(db)
	b := sampleBatch()

	mock.ExpectBegin()
	mock.ExpectExec(insPattern).
		WithArgs(b.ID, 0, "alice", "Wipe", "d1", true, 204, "", b.FinishedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(insPattern).
		WithArgs(b.ID, 1, "alice", "Wipe", "d2", false, 403, "Forbidden", b.FinishedAt).
		WillReturnError(errors.New("conn lost"))
	mock.ExpectRollback()

	err := r.Record(context.Background(), b)
	require.ErrorContains(t, err, "outcome[1]")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeRepo_Record_EmptyBatchIsNoop(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	require.NoError(t, NewOutcomeRepo(db).Record(context.Background(), model.ActionBatch{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutcomeRepo_Recent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewOutcomeRepo(db)

	id := uuid.Must(uuid.NewV7())
	at := time.Date(2024, 5, 1, 12, 0, 3, 0, time.UTC)
	cols := []string{"batch_id", "seq", "operator", "action", "device_id", "success", "status_code", "message", "recorded_at"}

	mock.ExpectQuery(`SELECT batch_id, seq, operator, action, device_id, success, status_code, message, recorded_at\s+FROM action_outcomes ORDER BY recorded_at DESC, batch_id, seq LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(id, 0, "alice", "Sync", "d1", true, 200, "", at).
			AddRow(id, 1, "alice", "Sync", "d2", false, 500, "Unknown error occurred", at))

	got, err := r.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, id, got[0].BatchID)
	require.Equal(t, model.ActionSync, got[1].Kind)
	require.Equal(t, 1, got[1].Seq)
	require.False(t, got[1].Success)
	require.Equal(t, "Unknown error occurred", got[1].Message)
	require.Equal(t, at, got[1].RecordedAt)
}

func TestOutcomeRepo_Recent_BadAction(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	cols := []string{"batch_id", "seq", "operator", "action", "device_id", "success", "status_code", "message", "recorded_at"}
	mock.ExpectQuery(`SELECT .* FROM action_outcomes`).
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(uuid.Must(uuid.NewV7()), 0, "bob", "Reboot", "d1", true, 200, "", time.Now()))

	_, err := NewOutcomeRepo(db).Recent(context.Background(), 5)
	require.ErrorContains(t, err, "unknown action")
}

func TestDB_Ping(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db := &DB{Pool: mock}

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.Error(t, db.Ping(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
