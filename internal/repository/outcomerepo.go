package repository

import (
	"context"

	"github.com/and161185/mdmkeeper/internal/model"
)

// OutcomeRepository journals the results of applied device actions.
type OutcomeRepository interface {
	// Record stores every outcome of the batch atomically.
	Record(ctx context.Context, batch model.ActionBatch) error

	// Recent returns up to limit records, newest batch first, in outcome order within a batch.
	Recent(ctx context.Context, limit int) ([]model.OutcomeRecord, error)
}

// NopOutcomes is the journal used when no database is configured.
type NopOutcomes struct{}

// Record discards the batch.
func (NopOutcomes) Record(context.Context, model.ActionBatch) error { return nil }

// Recent always returns an empty history.
func (NopOutcomes) Recent(context.Context, int) ([]model.OutcomeRecord, error) {
	return []model.OutcomeRecord{}, nil
}
