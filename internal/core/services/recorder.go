package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chainlens/chainlens/internal/core/domain"
	"github.com/chainlens/chainlens/internal/core/ports"
)

// ErrNoCallsRecorded is returned when a root call completed but the call
// buffer stayed empty. The root component was not instrumented (or
// instrumentation was bypassed), so the record would be hollow.
var ErrNoCallsRecorded = errors.New("no calls were recorded: root component is not instrumented")

// RootFunc invokes the wrapped application's root method under the supplied
// context. The instrumentation proxies locate the recording through it.
type RootFunc func(ctx context.Context) (map[string]any, error)

// Recorder assembles one Record per root call: it installs a fresh recording
// into the context, runs the root, snapshots the call buffer, derives the
// main input/output, persists, and dispatches feedback per mode.
type Recorder struct {
	logger *slog.Logger
	store  ports.RecordStore
	runner ports.FeedbackRunner
	bus    *EventBus
	defs   []domain.FeedbackDef
	mode   domain.FeedbackMode
}

// RecorderOption configures optional recorder behavior.
type RecorderOption func(*Recorder)

// WithFeedback attaches feedback definitions and the dispatch mode. The
// runner may be nil only in none/deferred modes.
func WithFeedback(runner ports.FeedbackRunner, mode domain.FeedbackMode, defs ...domain.FeedbackDef) RecorderOption {
	return func(r *Recorder) {
		r.runner = runner
		r.mode = mode
		r.defs = defs
	}
}

// WithEventBus publishes record lifecycle events to the given bus.
func WithEventBus(bus *EventBus) RecorderOption {
	return func(r *Recorder) { r.bus = bus }
}

func NewRecorder(logger *slog.Logger, store ports.RecordStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		logger: logger,
		store:  store,
		mode:   domain.FeedbackModeNone,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CallWithRecord runs root under a fresh recording and returns its outputs
// together with the assembled record. The application's own error is
// recorded and returned unchanged; a failed call still yields a record.
func (r *Recorder) CallWithRecord(ctx context.Context, app domain.AppDefinition, root RootFunc) (map[string]any, *domain.Record, error) {
	recording := NewRecording()
	ctx = WithRecording(ctx, recording)

	recordID := uuid.NewString()
	if r.bus != nil {
		r.bus.Publish(Event{RecordID: recordID, AppID: app.AppID, Type: EventTypeRecordStart})
	}

	startedAt := time.Now().UTC()
	outputs, callErr := root(ctx)
	endedAt := time.Now().UTC()

	if recording.Len() == 0 {
		if callErr != nil {
			return outputs, nil, callErr
		}
		return outputs, nil, ErrNoCallsRecorded
	}

	rec := r.assemble(recordID, app, recording, callErr, startedAt, endedAt)

	if err := r.store.SaveRecord(ctx, rec); err != nil {
		r.logger.Error("failed to persist record", "record_id", rec.RecordID, "error", err)
		if callErr == nil {
			return outputs, rec, fmt.Errorf("persist record %s: %w", rec.RecordID, err)
		}
	}

	if r.bus != nil {
		r.bus.Publish(Event{RecordID: rec.RecordID, AppID: app.AppID, Type: EventTypeRecordEnd})
	}

	r.dispatchFeedback(ctx, rec)

	return outputs, rec, callErr
}

func (r *Recorder) assemble(recordID string, app domain.AppDefinition, recording *Recording, callErr error, startedAt, endedAt time.Time) *domain.Record {
	calls := recording.Snapshot()

	rec := &domain.Record{
		RecordID:  recordID,
		AppID:     app.AppID,
		Calls:     calls,
		Cost:      recording.Cost(),
		Tags:      app.Tags,
		Metadata:  app.Metadata,
		StartedAt: startedAt,
		EndedAt:   endedAt,
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	}

	// calls[0] started first, so it is the root invocation.
	rootCall := calls[0]
	rec.MainInput = mainString(rootCall.Args, "inputs", app.InputKeys)
	rec.MainOutput = mainString(rootCall.Returns, "outputs", app.OutputKeys)

	return rec
}

// mainString digs the first declared key out of the root call's recorded
// inputs or outputs map and renders it as text.
func mainString(payload map[string]any, field string, keys []string) string {
	if payload == nil || len(keys) == 0 {
		return ""
	}
	values, ok := payload[field].(map[string]any)
	if !ok {
		return ""
	}
	v, ok := values[keys[0]]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func (r *Recorder) dispatchFeedback(ctx context.Context, rec *domain.Record) {
	if len(r.defs) == 0 || r.mode == domain.FeedbackModeNone {
		return
	}

	switch r.mode {
	case domain.FeedbackModeWithApp:
		for _, def := range r.defs {
			r.evaluateOne(ctx, rec, def)
		}
	case domain.FeedbackModeWithAppThread:
		defs := r.defs
		go func() {
			// detached from the caller's context on purpose: evaluation
			// outlives the root call
			bg := context.Background()
			for _, def := range defs {
				r.evaluateOne(bg, rec, def)
			}
		}()
	case domain.FeedbackModeDeferred:
		for _, def := range r.defs {
			pending := domain.FeedbackResult{
				FeedbackResultID:     uuid.NewString(),
				RecordID:             rec.RecordID,
				FeedbackDefinitionID: def.FeedbackDefinitionID,
				Name:                 def.Name,
				Status:               domain.FeedbackStatusPending,
				LastTS:               time.Now().UTC(),
			}
			if err := r.store.SaveFeedbackResult(ctx, pending); err != nil {
				r.logger.Error("failed to enqueue deferred feedback",
					"record_id", rec.RecordID, "feedback", def.Name, "error", err)
			}
		}
	}
}

func (r *Recorder) evaluateOne(ctx context.Context, rec *domain.Record, def domain.FeedbackDef) {
	if r.runner == nil {
		r.logger.Warn("feedback mode requires a runner, skipping", "feedback", def.Name)
		return
	}

	res, err := r.runner.Evaluate(ctx, rec, def)
	if err != nil {
		res = domain.FeedbackResult{
			FeedbackResultID:     uuid.NewString(),
			RecordID:             rec.RecordID,
			FeedbackDefinitionID: def.FeedbackDefinitionID,
			Name:                 def.Name,
			Status:               domain.FeedbackStatusFailed,
			Error:                err.Error(),
		}
	} else {
		res.RecordID = rec.RecordID
		res.FeedbackDefinitionID = def.FeedbackDefinitionID
		if res.FeedbackResultID == "" {
			res.FeedbackResultID = uuid.NewString()
		}
		if res.Name == "" {
			res.Name = def.Name
		}
		res.Status = domain.FeedbackStatusDone
	}
	res.LastTS = time.Now().UTC()

	if err := r.store.SaveFeedbackResult(ctx, res); err != nil {
		r.logger.Error("failed to persist feedback result",
			"record_id", rec.RecordID, "feedback", def.Name, "error", err)
		return
	}

	if r.bus != nil {
		r.bus.Publish(Event{RecordID: rec.RecordID, AppID: rec.AppID, Type: EventTypeFeedbackDone, Data: def.Name})
	}
}
