package ports

import (
	"context"

	"github.com/chainlens/chainlens/internal/core/domain"
)

// RecordStore abstracts the persistent storage for apps, records, and
// feedback rows (SQLite, DuckDB).
type RecordStore interface {
	// SaveApp persists or updates a wrapped-app definition.
	SaveApp(ctx context.Context, app domain.AppDefinition) error

	// GetApp retrieves an app definition by ID.
	GetApp(ctx context.Context, appID string) (domain.AppDefinition, error)

	// ListApps returns all known app definitions.
	ListApps(ctx context.Context) ([]domain.AppDefinition, error)

	// SaveRecord persists one finalized record.
	SaveRecord(ctx context.Context, rec *domain.Record) error

	// GetRecord retrieves a record with its full call list.
	GetRecord(ctx context.Context, recordID string) (*domain.Record, error)

	// ListRecords returns recent records, newest first, optionally filtered
	// by app ID.
	ListRecords(ctx context.Context, appID string, limit int) ([]*domain.Record, error)

	// Feedback definitions
	SaveFeedbackDef(ctx context.Context, def domain.FeedbackDef) error
	GetFeedbackDef(ctx context.Context, defID string) (domain.FeedbackDef, error)
	ListFeedbackDefs(ctx context.Context) ([]domain.FeedbackDef, error)

	// Feedback results (including pending markers written in deferred mode)
	SaveFeedbackResult(ctx context.Context, res domain.FeedbackResult) error
	ListFeedbackResults(ctx context.Context, recordID string) ([]domain.FeedbackResult, error)
	ListPendingFeedback(ctx context.Context, limit int) ([]domain.FeedbackResult, error)
}

// FeedbackRunner abstracts the feedback-evaluation subsystem. It consumes a
// completed record plus one definition and produces a scored result.
type FeedbackRunner interface {
	Evaluate(ctx context.Context, rec *domain.Record, def domain.FeedbackDef) (domain.FeedbackResult, error)
}
