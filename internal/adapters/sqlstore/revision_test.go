package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAt(t *testing.T, path, prefix string) *Store {
	t.Helper()
	s, err := Open(testLogger(), DriverSQLite, path, prefix)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckRevision_FreshStoreInitializesAtHead(t *testing.T) {
	s := openAt(t, filepath.Join(t.TempDir(), "fresh.db"), "cl_")
	ctx := context.Background()

	require.NoError(t, s.CheckRevision(ctx, ""))

	rev, err := s.currentRevision(ctx)
	require.NoError(t, err)
	assert.Equal(t, HeadRevision(), rev)

	// second check is a no-op
	require.NoError(t, s.CheckRevision(ctx, ""))
}

func TestCheckRevision_BehindStore(t *testing.T) {
	s := openAt(t, filepath.Join(t.TempDir(), "behind.db"), "cl_")
	ctx := context.Background()

	require.NoError(t, s.Upgrade(ctx, FirstRevision()))

	err := s.CheckRevision(ctx, "")
	var sve *SchemaVersionError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, RelationBehind, sve.Relation)
	assert.Equal(t, FirstRevision(), sve.Current)
	assert.Equal(t, HeadRevision(), sve.Head)

	// the documented remedy clears the error
	require.NoError(t, s.Upgrade(ctx, HeadRevision()))
	require.NoError(t, s.CheckRevision(ctx, ""))
}

func TestCheckRevision_AheadStore(t *testing.T) {
	s := openAt(t, filepath.Join(t.TempDir(), "ahead.db"), "cl_")
	ctx := context.Background()
	require.NoError(t, s.CheckRevision(ctx, ""))

	_, err := s.DB().ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET revision = '99'`, s.Table(versionTableBase)))
	require.NoError(t, err)

	err = s.CheckRevision(ctx, "")
	var sve *SchemaVersionError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, RelationAhead, sve.Relation)
	assert.Equal(t, "99", sve.Current)
}

func TestCheckRevision_ReconfiguredPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefix.db")
	ctx := context.Background()

	old := openAt(t, path, "old_")
	require.NoError(t, old.CheckRevision(ctx, ""))
	require.NoError(t, old.Close())

	renamed := openAt(t, path, "new_")
	err := renamed.CheckRevision(ctx, "")
	var sve *SchemaVersionError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, RelationReconfigured, sve.Relation)
	assert.Equal(t, "old_", sve.PriorPrefix)
}

func TestCheckRevision_AmbiguousPrefixes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "multi.db")
	ctx := context.Background()

	a := openAt(t, path, "a_")
	require.NoError(t, a.Upgrade(ctx, HeadRevision()))
	require.NoError(t, a.Close())

	b := openAt(t, path, "b_")
	require.NoError(t, b.Upgrade(ctx, HeadRevision()))
	require.NoError(t, b.Close())

	c := openAt(t, path, "c_")
	err := c.CheckRevision(ctx, "")
	var amb *AmbiguousConfigurationError
	require.ErrorAs(t, err, &amb)
	assert.ElementsMatch(t, []string{"a_", "b_"}, amb.Candidates)

	// naming the prior prefix disambiguates
	err = c.CheckRevision(ctx, "a_")
	var sve *SchemaVersionError
	require.ErrorAs(t, err, &sve)
	assert.Equal(t, RelationReconfigured, sve.Relation)
	assert.Equal(t, "a_", sve.PriorPrefix)
}

func TestUpgrade_UnknownTarget(t *testing.T) {
	s := openAt(t, filepath.Join(t.TempDir(), "x.db"), "cl_")
	require.Error(t, s.Upgrade(context.Background(), "42"))
}

func TestRevisions_Ordering(t *testing.T) {
	revs := Revisions()
	require.NotEmpty(t, revs)
	assert.Equal(t, FirstRevision(), revs[0])
	assert.Equal(t, HeadRevision(), revs[len(revs)-1])
	for i := 1; i < len(revs); i++ {
		assert.True(t, olderRevision(revs[i-1], revs[i]))
	}
}
