package services

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chainlens/chainlens/internal/core/domain"
	"github.com/chainlens/chainlens/internal/core/ports"
)

// EvaluatorConfig defines the deferred-feedback worker's limits.
type EvaluatorConfig struct {
	MaxConcurrent int64
	PollInterval  time.Duration
	BatchSize     int
}

// FeedbackEvaluator drains pending feedback rows written in deferred mode
// and evaluates them through the runner, bounded by a weighted semaphore.
type FeedbackEvaluator struct {
	logger    *slog.Logger
	store     ports.RecordStore
	runner    ports.FeedbackRunner
	bus       *EventBus
	semaphore *semaphore.Weighted
	interval  time.Duration
	batch     int
}

func NewFeedbackEvaluator(logger *slog.Logger, store ports.RecordStore, runner ports.FeedbackRunner, bus *EventBus, cfg EvaluatorConfig) *FeedbackEvaluator {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = 4
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}

	return &FeedbackEvaluator{
		logger:    logger,
		store:     store,
		runner:    runner,
		bus:       bus,
		semaphore: semaphore.NewWeighted(limit),
		interval:  interval,
		batch:     batch,
	}
}

// Run polls for pending rows until the context is canceled.
func (e *FeedbackEvaluator) Run(ctx context.Context) {
	e.logger.Info("starting feedback evaluator", "interval", e.interval)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("stopping feedback evaluator")
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error("feedback poll failed", "error", err)
			}
		}
	}
}

// RunOnce drains one batch of pending rows. Each row is marked running
// before evaluation so a second evaluator does not pick it up.
func (e *FeedbackEvaluator) RunOnce(ctx context.Context) error {
	pending, err := e.store.ListPendingFeedback(ctx, e.batch)
	if err != nil {
		return err
	}

	for _, row := range pending {
		row.Status = domain.FeedbackStatusRunning
		row.LastTS = time.Now().UTC()
		if err := e.store.SaveFeedbackResult(ctx, row); err != nil {
			e.logger.Error("failed to claim feedback row", "feedback_result_id", row.FeedbackResultID, "error", err)
			continue
		}

		if err := e.semaphore.Acquire(ctx, 1); err != nil {
			return err
		}
		go func(row domain.FeedbackResult) {
			defer e.semaphore.Release(1)
			e.evaluate(ctx, row)
		}(row)
	}
	return nil
}

func (e *FeedbackEvaluator) evaluate(ctx context.Context, row domain.FeedbackResult) {
	rec, err := e.store.GetRecord(ctx, row.RecordID)
	if err != nil {
		e.fail(ctx, row, "load record: "+err.Error())
		return
	}
	def, err := e.store.GetFeedbackDef(ctx, row.FeedbackDefinitionID)
	if err != nil {
		e.fail(ctx, row, "load feedback definition: "+err.Error())
		return
	}

	res, err := e.runner.Evaluate(ctx, rec, def)
	if err != nil {
		e.fail(ctx, row, err.Error())
		return
	}

	res.FeedbackResultID = row.FeedbackResultID
	res.RecordID = row.RecordID
	res.FeedbackDefinitionID = row.FeedbackDefinitionID
	if res.Name == "" {
		res.Name = row.Name
	}
	res.Status = domain.FeedbackStatusDone
	res.LastTS = time.Now().UTC()

	if err := e.store.SaveFeedbackResult(ctx, res); err != nil {
		e.logger.Error("failed to persist feedback result", "feedback_result_id", row.FeedbackResultID, "error", err)
		return
	}

	if e.bus != nil {
		e.bus.Publish(Event{RecordID: row.RecordID, Type: EventTypeFeedbackDone, Data: res.Name})
	}
}

func (e *FeedbackEvaluator) fail(ctx context.Context, row domain.FeedbackResult, reason string) {
	row.Status = domain.FeedbackStatusFailed
	row.Error = reason
	row.LastTS = time.Now().UTC()
	if err := e.store.SaveFeedbackResult(ctx, row); err != nil {
		e.logger.Error("failed to persist feedback failure", "feedback_result_id", row.FeedbackResultID, "error", err)
	}
}
