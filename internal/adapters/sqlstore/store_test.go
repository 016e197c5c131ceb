package sqlstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainlens/chainlens/internal/core/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

// newTestStore opens a file-backed SQLite store initialized at head.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(testLogger(), DriverSQLite, path, "cl_")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CheckRevision(context.Background(), ""))
	return s
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(testLogger(), "postgres", "whatever", "")
	require.Error(t, err)
}

func TestStore_AppRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	app := domain.AppDefinition{
		AppID:      "app-1",
		Name:       "qa",
		RootClass:  "chains.RetrievalQA",
		InputKeys:  []string{"question"},
		OutputKeys: []string{"text"},
		Tags:       "prod",
		Metadata:   map[string]any{"team": "search"},
	}
	require.NoError(t, s.SaveApp(ctx, app))

	got, err := s.GetApp(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, app, got)

	// upsert replaces, not duplicates
	app.Name = "qa-v2"
	require.NoError(t, s.SaveApp(ctx, app))
	apps, err := s.ListApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "qa-v2", apps[0].Name)
}

func TestStore_RecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := &domain.Record{
		RecordID:   "rec-1",
		AppID:      "app-1",
		MainInput:  "what?",
		MainOutput: "42",
		Calls: []domain.CallRecord{{
			CallID: "call-1",
			Stack:  []domain.CallFrame{{Method: domain.MethodID{Class: "Chain", Name: "Call"}}},
			Args:   map[string]any{"inputs": map[string]any{"question": "what?"}},
		}},
		Cost:      domain.Cost{Requests: 1, TotalTokens: 12},
		Tags:      "prod",
		Metadata:  map[string]any{"k": "v"},
		StartedAt: started,
		EndedAt:   started.Add(time.Second),
	}
	require.NoError(t, s.SaveRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, rec.MainInput, got.MainInput)
	assert.Equal(t, rec.MainOutput, got.MainOutput)
	assert.Equal(t, rec.Cost, got.Cost)
	require.Len(t, got.Calls, 1)
	assert.Equal(t, "call-1", got.Calls[0].CallID)
	assert.Equal(t, domain.MethodID{Class: "Chain", Name: "Call"}, got.Calls[0].Method())
	// epoch-seconds doubles keep sub-millisecond precision
	assert.WithinDuration(t, rec.StartedAt, got.StartedAt, time.Millisecond)
	assert.WithinDuration(t, rec.EndedAt, got.EndedAt, time.Millisecond)
}

func TestStore_ListRecordsFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, appID := range []string{"app-1", "app-1", "app-2"} {
		rec := &domain.Record{
			RecordID:  string(rune('a' + i)),
			AppID:     appID,
			StartedAt: base.Add(time.Duration(i) * time.Second),
			EndedAt:   base.Add(time.Duration(i+1) * time.Second),
		}
		require.NoError(t, s.SaveRecord(ctx, rec))
	}

	all, err := s.ListRecords(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	// newest first
	assert.Equal(t, "c", all[0].RecordID)

	app1, err := s.ListRecords(ctx, "app-1", 10)
	require.NoError(t, err)
	assert.Len(t, app1, 2)

	limited, err := s.ListRecords(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_FeedbackFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := domain.FeedbackDef{
		FeedbackDefinitionID: "fd-1",
		Name:                 "relevance",
		Implementation:       "http",
		Selectors:            map[string]any{"on": "main_output"},
	}
	require.NoError(t, s.SaveFeedbackDef(ctx, def))

	gotDef, err := s.GetFeedbackDef(ctx, "fd-1")
	require.NoError(t, err)
	assert.Equal(t, def, gotDef)

	defs, err := s.ListFeedbackDefs(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	pendingRow := domain.FeedbackResult{
		FeedbackResultID:     "fr-1",
		RecordID:             "rec-1",
		FeedbackDefinitionID: "fd-1",
		Name:                 "relevance",
		Status:               domain.FeedbackStatusPending,
		LastTS:               time.Now().UTC(),
	}
	require.NoError(t, s.SaveFeedbackResult(ctx, pendingRow))

	pending, err := s.ListPendingFeedback(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "fr-1", pending[0].FeedbackResultID)

	// transition to done via upsert
	pendingRow.Status = domain.FeedbackStatusDone
	pendingRow.Result = 0.7
	require.NoError(t, s.SaveFeedbackResult(ctx, pendingRow))

	pending, err = s.ListPendingFeedback(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	results, err := s.ListFeedbackResults(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.FeedbackStatusDone, results[0].Status)
	assert.Equal(t, 0.7, results[0].Result)
}

func TestIsMemoryPath(t *testing.T) {
	assert.True(t, IsMemoryPath(":memory:"))
	assert.True(t, IsMemoryPath("file:x?mode=memory&cache=shared"))
	assert.False(t, IsMemoryPath("chainlens.db"))
}
