package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainlens/chainlens/internal/core/domain"
)

func seedStore(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.SaveApp(ctx, domain.AppDefinition{
		AppID: "app-1", Name: "qa", InputKeys: []string{"question"}, OutputKeys: []string{"text"},
	}))
	require.NoError(t, s.SaveFeedbackDef(ctx, domain.FeedbackDef{
		FeedbackDefinitionID: "fd-1", Name: "relevance",
	}))
	now := time.Now().UTC()
	require.NoError(t, s.SaveRecord(ctx, &domain.Record{
		RecordID: "rec-1", AppID: "app-1", MainInput: "q", MainOutput: "a",
		Cost: domain.Cost{Requests: 1, TotalTokens: 10}, StartedAt: now, EndedAt: now.Add(time.Second),
	}))
	require.NoError(t, s.SaveFeedbackResult(ctx, domain.FeedbackResult{
		FeedbackResultID: "fr-1", RecordID: "rec-1", FeedbackDefinitionID: "fd-1",
		Name: "relevance", Status: domain.FeedbackStatusDone, Result: 0.8, LastTS: now,
	}))
}

func TestCopyStore(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)
	ctx := context.Background()
	seedStore(t, src)

	require.NoError(t, CopyStore(ctx, src, dst))

	app, err := dst.GetApp(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "qa", app.Name)

	rec, err := dst.GetRecord(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "q", rec.MainInput)
	assert.Equal(t, domain.Cost{Requests: 1, TotalTokens: 10}, rec.Cost)

	results, err := dst.ListFeedbackResults(ctx, "rec-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 0.8, results[0].Result)

	// source is untouched
	srcRecords, err := src.ListRecords(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, srcRecords, 1)
}

func TestCopyStore_TargetMustBeEmpty(t *testing.T) {
	src := newTestStore(t)
	dst := newTestStore(t)
	ctx := context.Background()
	seedStore(t, src)
	seedStore(t, dst)

	err := CopyStore(ctx, src, dst)
	assert.ErrorIs(t, err, ErrTargetNotEmpty)
}

func TestCopyStore_RequiresHeadRevisions(t *testing.T) {
	ctx := context.Background()

	stale := openAt(t, filepath.Join(t.TempDir(), "stale.db"), "cl_")
	require.NoError(t, stale.Upgrade(ctx, FirstRevision()))
	dst := newTestStore(t)

	err := CopyStore(ctx, stale, dst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source store is at revision")

	src := newTestStore(t)
	err = CopyStore(ctx, src, stale)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target store is at revision")
}

func TestCopyStore_DifferentPrefixes(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	seedStore(t, src)

	dst := openAt(t, filepath.Join(t.TempDir(), "dst.db"), "other_")
	require.NoError(t, dst.CheckRevision(ctx, ""))

	require.NoError(t, CopyStore(ctx, src, dst))

	app, err := dst.GetApp(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "qa", app.Name)
}
