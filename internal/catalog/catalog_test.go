package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novabase/novabase/internal/btree"
)

const testPageSize = 256

type fakeIO struct {
	pages map[uint32][]byte
	next  uint32
}

func newFakeIO() *fakeIO {
	return &fakeIO{pages: map[uint32][]byte{}, next: 1}
}

func (f *fakeIO) ReadPage(pageID uint32) ([]byte, error) {
	return append([]byte(nil), f.pages[pageID]...), nil
}

func (f *fakeIO) WritePage(pageID uint32, image []byte) error {
	f.pages[pageID] = append([]byte(nil), image...)
	return nil
}

func (f *fakeIO) AllocatePage() (uint32, error) {
	id := f.next
	f.next++
	f.pages[id] = make([]byte, testPageSize)
	return id, nil
}

func (f *fakeIO) FreePage(pageID uint32) error { return nil }
func (f *fakeIO) PageSize() int                { return testPageSize }

func TestColumnEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	cols := []Column{
		{Name: "id", Type: "INTEGER", Flags: []string{FlagPK, FlagNotNull}},
		{Name: "email", Type: "TEXT", Flags: []string{FlagUnique}},
		{Name: "owner_id", Type: "INTEGER", Flags: []string{FlagRefPrefix + "users.id"}},
	}

	encoded := EncodeColumns(cols)
	decoded, err := DecodeColumns(encoded)
	require.NoError(t, err)
	require.Equal(t, cols, decoded)
}

func TestTableRecordEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tr := TableRecord{
		Name:      "users",
		RootPage:  7,
		NextRowID: 42,
		Columns: []Column{
			{Name: "id", Type: "INTEGER", Flags: []string{FlagPK}},
			{Name: "name", Type: "TEXT"},
		},
	}

	encoded := EncodeTable(tr)
	decoded, err := DecodeTable(encoded)
	require.NoError(t, err)
	require.Equal(t, tr, decoded)
}

func TestIndexRecordEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	ix := IndexRecord{
		Name:     "users_email_idx",
		Table:    "users",
		Columns:  []string{"email"},
		RootPage: 12,
		Kind:     "btree",
		Unique:   true,
	}

	encoded := EncodeIndex(ix)
	decoded, err := DecodeIndex(encoded)
	require.NoError(t, err)
	require.Equal(t, ix, decoded)
}

func TestViewRecordEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	v := ViewRecord{
		Name:         "active_users",
		SQLText:      "SELECT * FROM users WHERE active = 1",
		ColumnNames:  []string{"id", "name"},
		Dependencies: []string{"users"},
	}

	encoded := EncodeView(v)
	decoded, err := DecodeView(encoded)
	require.NoError(t, err)
	require.Equal(t, v, decoded)
}

func TestSaveAndLoadTableRoundTrip(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	c, err := Load(io, 0)
	require.NoError(t, err)

	dataRoot, err := btree.New(io).Insert(0, 1, []byte("row1"))
	require.NoError(t, err)

	err = c.SaveTable(TableRecord{Name: "users", RootPage: dataRoot, NextRowID: 2})
	require.NoError(t, err)
	require.True(t, c.HasTable("users"))

	reloaded, err := Load(io, c.Root())
	require.NoError(t, err)
	got, ok := reloaded.Table("users")
	require.True(t, ok)
	require.Equal(t, "users", got.Name)
	require.Equal(t, dataRoot, got.RootPage)
}

func TestDropTableRemovesRecord(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	c, err := Load(io, 0)
	require.NoError(t, err)

	require.NoError(t, c.SaveTable(TableRecord{Name: "t1", RootPage: 1, NextRowID: 1}))
	require.True(t, c.HasTable("t1"))

	require.NoError(t, c.DropTable("t1"))
	require.False(t, c.HasTable("t1"))

	reloaded, err := Load(io, c.Root())
	require.NoError(t, err)
	require.False(t, reloaded.HasTable("t1"))
}

func TestViewDependencyIndexTracksDependencies(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	c, err := Load(io, 0)
	require.NoError(t, err)

	require.NoError(t, c.SaveTable(TableRecord{Name: "users", RootPage: 1, NextRowID: 1}))
	require.NoError(t, c.SaveView(ViewRecord{Name: "v1", SQLText: "...", Dependencies: []string{"users"}}))

	require.Contains(t, c.Dependencies().DependentsOf("users"), "v1")
}

func TestRenameViewPreservesDefinitionAndRejectsConflicts(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	c, err := Load(io, 0)
	require.NoError(t, err)

	require.NoError(t, c.SaveView(ViewRecord{Name: "v1", SQLText: "SELECT 1"}))
	require.NoError(t, c.SaveTable(TableRecord{Name: "v2", RootPage: 1, NextRowID: 1}))

	err = c.RenameView("v1", "v2")
	require.Error(t, err, "renaming onto an existing table name must be rejected")

	require.NoError(t, c.RenameView("v1", "v1_renamed"))
	require.False(t, c.HasView("v1"))
	v, ok := c.View("v1_renamed")
	require.True(t, ok)
	require.Equal(t, "SELECT 1", v.SQLText)
}

func TestLoadRepairsNextRowIDAfterSimulatedCrash(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	dataTree := btree.New(io)
	dataRoot, err := dataTree.Insert(0, 1, []byte("row1"))
	require.NoError(t, err)
	dataRoot, err = dataTree.Insert(dataRoot, 2, []byte("row2"))
	require.NoError(t, err)
	dataRoot, err = dataTree.Insert(dataRoot, 9, []byte("row9"))
	require.NoError(t, err)

	c, err := Load(io, 0)
	require.NoError(t, err)
	// Simulate a crash that committed rows up to key 9 but never updated
	// the catalog's next_rowid past 1.
	require.NoError(t, c.SaveTable(TableRecord{Name: "events", RootPage: dataRoot, NextRowID: 1}))

	reloaded, err := Load(io, c.Root())
	require.NoError(t, err)
	tr, ok := reloaded.Table("events")
	require.True(t, ok)
	require.Equal(t, uint64(10), tr.NextRowID, "next_rowid must be repaired to max_key+1")
}

func TestHasTableOrViewDetectsBothNamespaces(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	c, err := Load(io, 0)
	require.NoError(t, err)

	require.NoError(t, c.SaveTable(TableRecord{Name: "t", RootPage: 1, NextRowID: 1}))
	require.NoError(t, c.SaveView(ViewRecord{Name: "v", SQLText: "..."}))

	require.True(t, c.HasTableOrView("t"))
	require.True(t, c.HasTableOrView("v"))
	require.False(t, c.HasTableOrView("missing"))
}
