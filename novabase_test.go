package novabase

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novabase/novabase/internal/catalog"
	"github.com/novabase/novabase/internal/dbconfig"
)

func openTestDb(t *testing.T) *Db {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "test.db"), dbconfig.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCreateTableInsertGetCommitRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("users", []catalog.Column{
		{Name: "id", Type: "INT64", Flags: []string{catalog.FlagPK}},
		{Name: "name", Type: "TEXT"},
	}))
	require.NoError(t, wtx.Insert("users", 1, []byte("alice")))
	require.NoError(t, wtx.Insert("users", 2, []byte("bob")))
	require.NoError(t, wtx.Commit())

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Release()

	v, ok, err := snap.Get("users", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("alice"), v)

	v2, ok, err := snap.Get("users", 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("bob"), v2)
}

func TestInsertDuplicateKeyIsRejected(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	require.NoError(t, wtx.Insert("t", 1, []byte("a")))
	require.Error(t, wtx.Insert("t", 1, []byte("b")))
	require.NoError(t, wtx.Rollback())
}

func TestRollbackDiscardsCatalogAndRowChanges(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("ghost", nil))
	require.NoError(t, wtx.Insert("ghost", 1, []byte("x")))
	require.NoError(t, wtx.Rollback())

	wtx2, err := db.BeginWrite()
	require.NoError(t, err)
	_, ok := wtx2.Table("ghost")
	require.False(t, ok, "a rolled-back CreateTable must not be visible")
	require.NoError(t, wtx2.Rollback())
}

func TestUpdateAndDeleteRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	require.NoError(t, wtx.Insert("t", 1, []byte("v1")))
	require.NoError(t, wtx.Commit())

	wtx2, err := db.BeginWrite()
	require.NoError(t, err)
	found, err := wtx2.Update("t", 1, []byte("v2"))
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, wtx2.Commit())

	wtx3, err := db.BeginWrite()
	require.NoError(t, err)
	v, ok, err := wtx3.Get("t", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	deleted, err := wtx3.Delete("t", 1)
	require.NoError(t, err)
	require.True(t, deleted)
	require.NoError(t, wtx3.Commit())

	wtx4, err := db.BeginWrite()
	require.NoError(t, err)
	_, ok, err = wtx4.Get("t", 1)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, wtx4.Rollback())
}

func TestDropTableFreesPagesForReuse(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	for i := uint64(0); i < 50; i++ {
		require.NoError(t, wtx.Insert("t", i, []byte(fmt.Sprintf("row-%d", i))))
	}
	require.NoError(t, wtx.Commit())

	wtx2, err := db.BeginWrite()
	require.NoError(t, err)
	dropped, ok := wtx2.Table("t")
	require.True(t, ok)
	require.NoError(t, wtx2.DropTable("t"))
	require.NoError(t, wtx2.Commit())

	wtx3, err := db.BeginWrite()
	require.NoError(t, err)
	_, ok = wtx3.Table("t")
	require.False(t, ok)
	reused, err := wtx3.tx.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, dropped.RootPage, reused, "the dropped table's page must be handed out again")
	require.NoError(t, wtx3.Rollback())
}

func TestCreateViewTracksDependencyAndBlocksTableDrop(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	require.NoError(t, wtx.CreateView(catalog.ViewRecord{
		Name:         "v",
		SQLText:      "SELECT * FROM t",
		Dependencies: []string{"t"},
	}))
	require.Error(t, wtx.DropTable("t"), "dropping a table with a dependent view must be rejected")
	require.NoError(t, wtx.Commit())
}

func TestCursorReturnsRowsInAscendingKeyOrder(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	for _, k := range []uint64{30, 10, 20, 5} {
		require.NoError(t, wtx.Insert("t", k, []byte(fmt.Sprintf("%d", k))))
	}
	require.NoError(t, wtx.Commit())

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Release()

	cur, err := snap.Cursor("t", nil)
	require.NoError(t, err)
	var keys []uint64
	for {
		k, _, ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		keys = append(keys, k)
	}
	require.Equal(t, []uint64{5, 10, 20, 30}, keys)
}

func TestStatsReflectsActiveReaderAndWAL(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	require.NoError(t, wtx.Insert("t", 1, []byte("v")))
	require.NoError(t, wtx.Commit())

	require.Equal(t, 0, db.Stats().ReaderCount)

	snap, err := db.BeginRead()
	require.NoError(t, err)
	require.Equal(t, 1, db.Stats().ReaderCount)
	snap.Release()
	require.Equal(t, 0, db.Stats().ReaderCount)

	require.Greater(t, db.Stats().WALBytes, int64(0))
}

func TestCheckpointPreservesCommittedData(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	require.NoError(t, wtx.Insert("t", 1, []byte("v")))
	require.NoError(t, wtx.Commit())

	_, err = db.Checkpoint(false)
	require.NoError(t, err)

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Release()
	v, ok, err := snap.Get("t", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestCommitPastWALBytesThresholdTriggersAutomaticCheckpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opts := dbconfig.Default()
	opts.CheckpointWALBytesThreshold = 1 // force every commit over threshold
	opts.CheckpointInterval = 0          // isolate the WAL-size trigger
	db, err := Open(filepath.Join(dir, "test.db"), opts)
	require.NoError(t, err)
	defer db.Close()

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	require.NoError(t, wtx.Insert("t", 1, []byte("v")))
	require.NoError(t, wtx.Commit())

	// No client ever called db.Checkpoint: the commit itself must have
	// shrunk the WAL back down once it crossed the threshold.
	require.Less(t, db.Stats().WALBytes, int64(1024))

	snap, err := db.BeginRead()
	require.NoError(t, err)
	defer snap.Release()
	v, ok, err := snap.Get("t", 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestClosedDbRejectsNewTransactions(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)
	require.NoError(t, db.Close())

	_, err := db.BeginWrite()
	require.ErrorIs(t, err, ErrClosed)

	_, err = db.BeginRead()
	require.ErrorIs(t, err, ErrClosed)
}

func TestCompactRebuildsSparseTableTree(t *testing.T) {
	t.Parallel()

	db := openTestDb(t)

	wtx, err := db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, wtx.CreateTable("t", nil))
	for i := uint64(0); i < 200; i++ {
		require.NoError(t, wtx.Insert("t", i, []byte(fmt.Sprintf("row-%d", i))))
	}
	require.NoError(t, wtx.Commit())

	wtx2, err := db.BeginWrite()
	require.NoError(t, err)
	for i := uint64(0); i < 190; i++ {
		_, err := wtx2.Delete("t", i)
		require.NoError(t, err)
	}
	require.NoError(t, wtx2.Commit())

	wtx3, err := db.BeginWrite()
	require.NoError(t, err)
	compacted, err := wtx3.Compact("t", 0.9)
	require.NoError(t, err)
	require.True(t, compacted)
	for i := uint64(190); i < 200; i++ {
		_, ok, err := wtx3.Get("t", i)
		require.NoError(t, err)
		require.True(t, ok, "row %d must survive compaction", i)
	}
	require.NoError(t, wtx3.Commit())
}
