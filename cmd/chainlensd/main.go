package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/chainlens/chainlens/internal/adapters/httpfeedback"
	"github.com/chainlens/chainlens/internal/adapters/sqlstore"
	"github.com/chainlens/chainlens/internal/config"
	"github.com/chainlens/chainlens/internal/core/services"
	"github.com/chainlens/chainlens/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting chainlens daemon")

	if err := run(logger); err != nil {
		logger.Error("daemon startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := sqlstore.Open(logger, cfg.DBDriver, cfg.DBPath, cfg.TablePrefix)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	if err := ensureSchema(ctx, logger, store, cfg.PriorPrefix); err != nil {
		return err
	}

	eventBus := services.NewEventBus(logger)

	g, gCtx := errgroup.WithContext(ctx)

	// Deferred feedback worker, active when an evaluator endpoint is set
	if url := os.Getenv("CHAINLENS_FEEDBACK_URL"); url != "" {
		runner := httpfeedback.NewRunner(logger, url)
		evaluator := services.NewFeedbackEvaluator(logger, store, runner, eventBus, services.EvaluatorConfig{
			MaxConcurrent: cfg.FeedbackWorkers,
			PollInterval:  cfg.FeedbackInterval,
		})
		g.Go(func() error {
			evaluator.Run(gCtx)
			return nil
		})
	}

	apiServer := kernel.NewServer(logger, eventBus, store)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// ensureSchema runs the revision guard, migrating a legacy store in place
// when one is found. Any other schema mismatch is fatal.
func ensureSchema(ctx context.Context, logger *slog.Logger, store *sqlstore.Store, priorPrefix string) error {
	err := store.CheckRevision(ctx, priorPrefix)
	if err == nil {
		return nil
	}

	var sve *sqlstore.SchemaVersionError
	if errors.As(err, &sve) && sve.Relation == sqlstore.RelationBehind {
		legacy, lerr := store.IsLegacy(ctx)
		if lerr != nil {
			return lerr
		}
		if legacy {
			logger.Info("legacy store detected, migrating")
			if merr := store.MigrateLegacy(ctx); merr != nil {
				return fmt.Errorf("legacy migration: %w", merr)
			}
			return store.CheckRevision(ctx, priorPrefix)
		}
		logger.Info("upgrading store schema", "from", sve.Current, "to", sve.Head)
		if uerr := store.Upgrade(ctx, sqlstore.HeadRevision()); uerr != nil {
			return fmt.Errorf("schema upgrade: %w", uerr)
		}
		return store.CheckRevision(ctx, priorPrefix)
	}

	return fmt.Errorf("schema check: %w", err)
}
