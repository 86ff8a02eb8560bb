package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/mdmkeeper/internal/model"
)

// OutcomeRepo implements OutcomeRepository using PostgreSQL.
type OutcomeRepo struct{ db *DB }

// NewOutcomeRepo constructs an outcome journal.
func NewOutcomeRepo(db *DB) *OutcomeRepo { return &OutcomeRepo{db: db} }

const insOutcome = `INSERT INTO action_outcomes (batch_id, seq, operator, action, device_id, success, status_code, message, recorded_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// Record inserts every outcome of the batch in one transaction.
func (r *OutcomeRepo) Record(ctx context.Context, batch model.ActionBatch) (err error) {
	if len(batch.Outcomes) == 0 {
		return nil
	}
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for seq, o := range batch.Outcomes {
		if _, err = tx.Exec(ctx, insOutcome,
			batch.ID, seq, batch.Operator, o.Kind.String(), o.DeviceID,
			o.Success, o.StatusCode, o.Message, batch.FinishedAt,
		); err != nil {
			return fmt.Errorf("outcome[%d]: %w", seq, err)
		}
	}
	return nil
}

// Recent returns up to limit outcomes, newest batch first.
func (r *OutcomeRepo) Recent(ctx context.Context, limit int) ([]model.OutcomeRecord, error) {
	const q = `SELECT batch_id, seq, operator, action, device_id, success, status_code, message, recorded_at
FROM action_outcomes ORDER BY recorded_at DESC, batch_id, seq LIMIT $1`
	rows, err := r.db.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.OutcomeRecord, 0, limit)
	for rows.Next() {
		var (
			rec    model.OutcomeRecord
			action string
		)
		if err := rows.Scan(&rec.BatchID, &rec.Seq, &rec.Operator, &action, &rec.DeviceID,
			&rec.Success, &rec.StatusCode, &rec.Message, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if rec.Kind, err = model.ParseActionKind(action); err != nil {
			return nil, fmt.Errorf("batch %s seq %d: %w", rec.BatchID, rec.Seq, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
