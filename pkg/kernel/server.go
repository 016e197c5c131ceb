// Package kernel serves the read-side HTTP API: apps, records, and feedback
// results, plus a live event stream per record.
package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chainlens/chainlens/internal/core/domain"
	"github.com/chainlens/chainlens/internal/core/services"
)

type Server struct {
	logger   *slog.Logger
	eventBus *services.EventBus
	store    interface {
		GetApp(ctx context.Context, appID string) (domain.AppDefinition, error)
		ListApps(ctx context.Context) ([]domain.AppDefinition, error)
		GetRecord(ctx context.Context, recordID string) (*domain.Record, error)
		ListRecords(ctx context.Context, appID string, limit int) ([]*domain.Record, error)
		ListFeedbackDefs(ctx context.Context) ([]domain.FeedbackDef, error)
		ListFeedbackResults(ctx context.Context, recordID string) ([]domain.FeedbackResult, error)
	}
}

func NewServer(
	logger *slog.Logger,
	eventBus *services.EventBus,
	store interface {
		GetApp(ctx context.Context, appID string) (domain.AppDefinition, error)
		ListApps(ctx context.Context) ([]domain.AppDefinition, error)
		GetRecord(ctx context.Context, recordID string) (*domain.Record, error)
		ListRecords(ctx context.Context, appID string, limit int) ([]*domain.Record, error)
		ListFeedbackDefs(ctx context.Context) ([]domain.FeedbackDef, error)
		ListFeedbackResults(ctx context.Context, recordID string) ([]domain.FeedbackResult, error)
	}) *Server {
	return &Server{logger: logger, eventBus: eventBus, store: store}
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/apps", s.handleListApps)
	mux.HandleFunc("GET /v1/apps/{id}", s.handleGetApp)
	mux.HandleFunc("GET /v1/records", s.handleListRecords)
	mux.HandleFunc("GET /v1/records/{id}", s.handleGetRecord)
	mux.HandleFunc("GET /v1/records/{id}/feedback", s.handleRecordFeedback)
	mux.HandleFunc("GET /v1/records/{id}/events", s.handleRecordSSE)
	mux.HandleFunc("GET /v1/events", s.handleBroadcastSSE)
	mux.HandleFunc("GET /v1/feedback_defs", s.handleListFeedbackDefs)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth is the liveness probe.
// GET /v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleListApps returns all wrapped app definitions.
// GET /v1/apps
func (s *Server) handleListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := s.store.ListApps(r.Context())
	if err != nil {
		s.logger.Error("failed to list apps", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if apps == nil {
		apps = []domain.AppDefinition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apps": apps, "count": len(apps)})
}

// handleGetApp returns one app definition.
// GET /v1/apps/{id}
func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := s.store.GetApp(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusNotFound
		if !isNotFound(err) {
			s.logger.Error("failed to get app", "error", err)
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleListRecords returns recent records, newest first.
// GET /v1/records?app_id=<id>&limit=50
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	records, err := s.store.ListRecords(r.Context(), r.URL.Query().Get("app_id"), limit)
	if err != nil {
		s.logger.Error("failed to list records", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []*domain.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// handleGetRecord returns a single record with its full call list.
// GET /v1/records/{id}
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.GetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		status := http.StatusNotFound
		if !isNotFound(err) {
			s.logger.Error("failed to get record", "error", err)
			status = http.StatusInternalServerError
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRecordFeedback returns all feedback results for one record.
// GET /v1/records/{id}/feedback
func (s *Server) handleRecordFeedback(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListFeedbackResults(r.Context(), r.PathValue("id"))
	if err != nil {
		s.logger.Error("failed to list feedback results", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if results == nil {
		results = []domain.FeedbackResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback": results, "count": len(results)})
}

// handleListFeedbackDefs returns all feedback definitions.
// GET /v1/feedback_defs
func (s *Server) handleListFeedbackDefs(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListFeedbackDefs(r.Context())
	if err != nil {
		s.logger.Error("failed to list feedback defs", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if defs == nil {
		defs = []domain.FeedbackDef{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"feedback_defs": defs, "count": len(defs)})
}

func isNotFound(err error) bool {
	// database/sql surfaces missing rows as ErrNoRows, wrapped by the store
	return errors.Is(err, sql.ErrNoRows)
}
