// Package chainlens is the public surface: wrap a langchaingo chain once,
// then call it with or without recording.
package chainlens

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/chains"

	"github.com/chainlens/chainlens/internal/core/domain"
	"github.com/chainlens/chainlens/internal/core/ports"
	"github.com/chainlens/chainlens/internal/core/services"
	"github.com/chainlens/chainlens/internal/instrument"
)

// App is a wrapped application: the instrumented chain plus the recorder
// that turns its invocations into records.
type App struct {
	logger   *slog.Logger
	def      domain.AppDefinition
	chain    chains.Chain
	recorder *services.Recorder
}

type options struct {
	appID        string
	name         string
	tags         string
	metadata     map[string]any
	bus          *services.EventBus
	runner       ports.FeedbackRunner
	feedbackMode domain.FeedbackMode
	feedbackDefs []domain.FeedbackDef
}

type Option func(*options)

// WithAppID pins the app identity instead of generating one.
func WithAppID(id string) Option { return func(o *options) { o.appID = id } }

// WithName sets a human-readable app name.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithTags attaches tags copied onto every record.
func WithTags(tags string) Option { return func(o *options) { o.tags = tags } }

// WithMetadata attaches metadata copied onto every record.
func WithMetadata(md map[string]any) Option { return func(o *options) { o.metadata = md } }

// WithEventBus publishes record lifecycle events.
func WithEventBus(bus *services.EventBus) Option { return func(o *options) { o.bus = bus } }

// WithFeedback configures feedback definitions and the dispatch mode.
func WithFeedback(runner ports.FeedbackRunner, mode domain.FeedbackMode, defs ...domain.FeedbackDef) Option {
	return func(o *options) {
		o.runner = runner
		o.feedbackMode = mode
		o.feedbackDefs = defs
	}
}

// Wrap instruments the chain, persists the app definition (and any feedback
// definitions), and returns the ready-to-call App.
func Wrap(ctx context.Context, logger *slog.Logger, chain chains.Chain, store ports.RecordStore, opts ...Option) (*App, error) {
	o := &options{feedbackMode: domain.FeedbackModeNone}
	for _, opt := range opts {
		opt(o)
	}

	if o.appID == "" {
		o.appID = uuid.NewString()
	}
	if o.name == "" {
		o.name = o.appID
	}

	instrumented, err := instrument.Instrument(logger, chain)
	if err != nil {
		return nil, fmt.Errorf("instrument chain: %w", err)
	}

	def := domain.AppDefinition{
		AppID:      o.appID,
		Name:       o.name,
		InputKeys:  chain.GetInputKeys(),
		OutputKeys: chain.GetOutputKeys(),
		Tags:       o.tags,
		Metadata:   o.metadata,
	}
	if td := domain.DiscoverType(chain); td.Available() {
		def.RootClass = td.Name
	} else {
		logger.Warn("root type discovery unavailable", "reason", td.Reason)
	}

	if err := store.SaveApp(ctx, def); err != nil {
		return nil, fmt.Errorf("persist app definition: %w", err)
	}
	for _, fdef := range o.feedbackDefs {
		if err := store.SaveFeedbackDef(ctx, fdef); err != nil {
			return nil, fmt.Errorf("persist feedback definition %s: %w", fdef.Name, err)
		}
	}

	recorderOpts := []services.RecorderOption{}
	if o.bus != nil {
		recorderOpts = append(recorderOpts, services.WithEventBus(o.bus))
	}
	if o.feedbackMode != domain.FeedbackModeNone {
		recorderOpts = append(recorderOpts, services.WithFeedback(o.runner, o.feedbackMode, o.feedbackDefs...))
	}

	return &App{
		logger:   logger,
		def:      def,
		chain:    instrumented,
		recorder: services.NewRecorder(logger, store, recorderOpts...),
	}, nil
}

// Definition returns the persisted app identity.
func (a *App) Definition() domain.AppDefinition { return a.def }

// Chain exposes the instrumented root for direct framework use.
func (a *App) Chain() chains.Chain { return a.chain }

// Call invokes the app without recording. The proxies see no recording in
// the context and delegate with the inner components' exact semantics.
func (a *App) Call(ctx context.Context, inputs map[string]any, opts ...chains.ChainCallOption) (map[string]any, error) {
	return chains.Call(ctx, a.chain, inputs, opts...)
}

// CallWithRecord invokes the app under a fresh recording and returns the
// outputs together with the assembled record. The app's own error comes back
// unchanged alongside the record that captured it.
func (a *App) CallWithRecord(ctx context.Context, inputs map[string]any, opts ...chains.ChainCallOption) (map[string]any, *domain.Record, error) {
	return a.recorder.CallWithRecord(ctx, a.def, func(ctx context.Context) (map[string]any, error) {
		return chains.Call(ctx, a.chain, inputs, opts...)
	})
}
