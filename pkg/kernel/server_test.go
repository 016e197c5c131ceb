package kernel

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainlens/chainlens/internal/core/domain"
	"github.com/chainlens/chainlens/internal/core/services"
)

type stubStore struct {
	apps     []domain.AppDefinition
	records  []*domain.Record
	defs     []domain.FeedbackDef
	feedback []domain.FeedbackResult
}

func (s *stubStore) GetApp(ctx context.Context, appID string) (domain.AppDefinition, error) {
	for _, a := range s.apps {
		if a.AppID == appID {
			return a, nil
		}
	}
	return domain.AppDefinition{}, sql.ErrNoRows
}

func (s *stubStore) ListApps(ctx context.Context) ([]domain.AppDefinition, error) {
	return s.apps, nil
}

func (s *stubStore) GetRecord(ctx context.Context, recordID string) (*domain.Record, error) {
	for _, r := range s.records {
		if r.RecordID == recordID {
			return r, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *stubStore) ListRecords(ctx context.Context, appID string, limit int) ([]*domain.Record, error) {
	var out []*domain.Record
	for _, r := range s.records {
		if appID == "" || r.AppID == appID {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubStore) ListFeedbackDefs(ctx context.Context) ([]domain.FeedbackDef, error) {
	return s.defs, nil
}

func (s *stubStore) ListFeedbackResults(ctx context.Context, recordID string) ([]domain.FeedbackResult, error) {
	var out []domain.FeedbackResult
	for _, f := range s.feedback {
		if f.RecordID == recordID {
			out = append(out, f)
		}
	}
	return out, nil
}

func newTestServer(store *stubStore) *httptest.Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := services.NewEventBus(logger)
	return httptest.NewServer(NewServer(logger, bus, store).Handler())
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	var body map[string]any
	status := getJSON(t, srv.URL+"/v1/health", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ListApps(t *testing.T) {
	store := &stubStore{apps: []domain.AppDefinition{{AppID: "app-1", Name: "qa"}}}
	srv := newTestServer(store)
	defer srv.Close()

	var body struct {
		Apps  []domain.AppDefinition `json:"apps"`
		Count int                    `json:"count"`
	}
	status := getJSON(t, srv.URL+"/v1/apps", &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Apps, 1)
	assert.Equal(t, "qa", body.Apps[0].Name)
}

func TestServer_GetApp_NotFound(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/apps/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_GetRecord(t *testing.T) {
	rec := &domain.Record{RecordID: "rec-1", AppID: "app-1", MainInput: "q", MainOutput: "a"}
	srv := newTestServer(&stubStore{records: []*domain.Record{rec}})
	defer srv.Close()

	var got domain.Record
	status := getJSON(t, srv.URL+"/v1/records/rec-1", &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "q", got.MainInput)

	resp, err := http.Get(srv.URL + "/v1/records/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListRecords_InvalidLimit(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/records?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RecordFeedback(t *testing.T) {
	store := &stubStore{feedback: []domain.FeedbackResult{
		{FeedbackResultID: "fr-1", RecordID: "rec-1", Name: "relevance", Status: domain.FeedbackStatusDone, Result: 0.9},
		{FeedbackResultID: "fr-2", RecordID: "rec-2", Name: "relevance", Status: domain.FeedbackStatusPending},
	}}
	srv := newTestServer(store)
	defer srv.Close()

	var body struct {
		Feedback []domain.FeedbackResult `json:"feedback"`
		Count    int                     `json:"count"`
	}
	status := getJSON(t, srv.URL+"/v1/records/rec-1/feedback", &body)
	assert.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "fr-1", body.Feedback[0].FeedbackResultID)
}

func TestServer_RecordSSE(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := services.NewEventBus(logger)
	srv := httptest.NewServer(NewServer(logger, bus, &stubStore{}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/records/rec-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the stream opens with a connected event, then relays published ones
	go func() {
		time.Sleep(50 * time.Millisecond)
		bus.Publish(services.Event{RecordID: "rec-1", AppID: "app-1", Type: services.EventTypeRecordEnd})
	}()

	buf := make([]byte, 4096)
	var received strings.Builder
	for !strings.Contains(received.String(), "event: connected") ||
		!strings.Contains(received.String(), "event: record_end") {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("stream ended early: %v (got %q)", err, received.String())
		}
		received.Write(buf[:n])
	}
}
