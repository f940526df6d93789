package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/format"
)

const testPageSize = 128 // small so splits and overflow chains happen quickly

type fakeIO struct {
	pages    map[uint32][]byte
	freed    map[uint32]bool
	next     uint32
	pageSize int
}

func newFakeIO() *fakeIO { return newFakeIOWithPageSize(testPageSize) }

func newFakeIOWithPageSize(pageSize int) *fakeIO {
	return &fakeIO{pages: map[uint32][]byte{}, freed: map[uint32]bool{}, next: 1, pageSize: pageSize}
}

func (f *fakeIO) ReadPage(pageID uint32) ([]byte, error) {
	return append([]byte(nil), f.pages[pageID]...), nil
}

func (f *fakeIO) WritePage(pageID uint32, image []byte) error {
	f.pages[pageID] = append([]byte(nil), image...)
	delete(f.freed, pageID)
	return nil
}

func (f *fakeIO) AllocatePage() (uint32, error) {
	id := f.next
	f.next++
	f.pages[id] = make([]byte, f.pageSize)
	return id, nil
}

func (f *fakeIO) FreePage(pageID uint32) error {
	f.freed[pageID] = true
	return nil
}

func (f *fakeIO) PageSize() int { return f.pageSize }

func TestInsertFindRoundTrip(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 10, []byte("ten"))
	require.NoError(t, err)
	root, err = tr.Insert(root, 5, []byte("five"))
	require.NoError(t, err)
	root, err = tr.Insert(root, 20, []byte("twenty"))
	require.NoError(t, err)

	val, ok, err := tr.Find(root, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "five", string(val))

	val, ok, err = tr.Find(root, 20)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "twenty", string(val))

	_, ok, err = tr.Find(root, 999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 1, []byte("a"))
	require.NoError(t, err)

	_, err = tr.Insert(root, 1, []byte("b"))
	require.Error(t, err)
	require.True(t, dberr.Is(err, dberr.KindConstraint))
}

func TestInsertManyKeysForceSplitsAndStaysOrdered(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root := uint32(noPage)
	var err error
	const n = 500
	for i := 0; i < n; i++ {
		key := uint64((i*7 + 3) % 997) // scatter insertion order
		val := []byte(fmt.Sprintf("val-%d", key))
		existing, ok, ferr := tr.Find(root, key)
		require.NoError(t, ferr)
		if ok {
			_ = existing
			continue
		}
		root, err = tr.Insert(root, key, val)
		require.NoError(t, err)
	}

	c, err := tr.OpenCursor(root)
	require.NoError(t, err)

	var lastKey uint64
	var seenFirst bool
	count := 0
	for {
		key, val, ok, err := c.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		if seenFirst {
			require.Greater(t, key, lastKey, "cursor must yield strictly increasing keys")
		}
		require.Equal(t, fmt.Sprintf("val-%d", key), string(val))
		lastKey = key
		seenFirst = true
		count++
	}
	require.Greater(t, count, 100)
}

func TestOverflowSpillRoundTripsLargeValue(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	large := bytes.Repeat([]byte("payload-chunk-"), 50) // far bigger than the inline limit
	require.Greater(t, len(large), inlineLimit(testPageSize))

	root, err := tr.Insert(noPage, 1, large)
	require.NoError(t, err)

	got, ok, err := tr.Find(root, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, large, got)
}

func TestInlineLimitFollowsSpecFormulaAtProductionPageSizes(t *testing.T) {
	t.Parallel()

	// spec.md: the inline limit is min(512, page_size - 24), not a fraction
	// of page_size. At every valid page size (2048 and up) that caps out at 512.
	require.Equal(t, 512, inlineLimit(4096))
	require.Equal(t, 512, inlineLimit(8192))
	require.Equal(t, 512, inlineLimit(16384))
	require.Equal(t, 512, inlineLimit(2048))
}

func TestValueJustOverInlineLimitSpillsToOverflowAtProductionPageSize(t *testing.T) {
	t.Parallel()

	const prodPageSize = 4096
	io := newFakeIOWithPageSize(prodPageSize)
	tr := New(io)

	// 600 bytes exceeds the 512-byte spec limit but would have wrongly
	// stayed inline under a PageSize()/4 (1024-byte) threshold.
	value := bytes.Repeat([]byte("v"), 600)
	root, err := tr.Insert(noPage, 1, value)
	require.NoError(t, err)

	page, err := io.ReadPage(root)
	require.NoError(t, err)
	cells, _, err := format.DecodeLeafPage(page)
	require.NoError(t, err)
	require.Len(t, cells, 1)
	require.True(t, cells[0].Overflow, "600-byte value must spill to an overflow chain, not stay inline")

	got, ok, err := tr.Find(root, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, value, got)
}

func TestUpdateReplacesValueAndFreesOldOverflow(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	large := bytes.Repeat([]byte("x"), 200)
	root, err := tr.Insert(noPage, 1, large)
	require.NoError(t, err)

	newVal := []byte("small")
	root, found, err := tr.Update(root, 1, newVal)
	require.NoError(t, err)
	require.True(t, found)

	got, ok, err := tr.Find(root, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newVal, got)

	freedAny := false
	for _, f := range io.freed {
		if f {
			freedAny = true
		}
	}
	require.True(t, freedAny, "old overflow chain should have been freed")
}

func TestUpdateMissingKeyReportsNotFound(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 1, []byte("a"))
	require.NoError(t, err)

	_, found, err := tr.Update(root, 999, []byte("b"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteRemovesKey(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 1, []byte("a"))
	require.NoError(t, err)
	root, err = tr.Insert(root, 2, []byte("b"))
	require.NoError(t, err)

	_, deleted, err := tr.Delete(root, 1)
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := tr.Find(root, 1)
	require.NoError(t, err)
	require.False(t, ok)

	val, ok, err := tr.Find(root, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", string(val))
}

func TestDeleteKeyValueRejectsStaleExpectedValue(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 1, []byte("a"))
	require.NoError(t, err)

	_, deleted, err := tr.DeleteKeyValue(root, 1, []byte("wrong"))
	require.NoError(t, err)
	require.False(t, deleted)

	_, ok, err := tr.Find(root, 1)
	require.NoError(t, err)
	require.True(t, ok, "key must still be present since the expected value did not match")

	_, deleted, err = tr.DeleteKeyValue(root, 1, []byte("a"))
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestBulkBuildFromSortedProducesOrderedReadableTree(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	entries := make([]Entry, 0, 200)
	for i := 0; i < 200; i++ {
		entries = append(entries, Entry{Key: uint64(i), Value: []byte(fmt.Sprintf("v%d", i))})
	}

	root, err := tr.BulkBuildFromSorted(entries)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		val, ok, err := tr.Find(root, uint64(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("v%d", i), string(val))
	}
}

func TestOpenCursorAtStartsFromRequestedKey(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root := uint32(noPage)
	var err error
	for _, k := range []uint64{1, 3, 5, 7, 9, 11} {
		root, err = tr.Insert(root, k, []byte(fmt.Sprintf("%d", k)))
		require.NoError(t, err)
	}

	c, err := tr.OpenCursorAt(root, 6)
	require.NoError(t, err)

	key, _, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), key, "cursor should land on the smallest key >= 6")
}

func TestUtilizationReflectsPopulatedTree(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	used, capacity, err := tr.Utilization(noPage)
	require.NoError(t, err)
	require.Zero(t, used)
	require.Zero(t, capacity)

	root, err := tr.Insert(noPage, 1, []byte("hello"))
	require.NoError(t, err)

	used, capacity, err = tr.Utilization(root)
	require.NoError(t, err)
	require.Greater(t, used, int64(0))
	require.Greater(t, capacity, int64(0))
}

func TestNeedsCompactionDetectsSparseTree(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 1, []byte("x"))
	require.NoError(t, err)

	needs, err := tr.NeedsCompaction(root, 0.99)
	require.NoError(t, err)
	require.True(t, needs, "a single cell in one page is far below a 99% threshold")

	needs, err = tr.NeedsCompaction(root, 0.0001)
	require.NoError(t, err)
	require.False(t, needs)
}

func TestContainsMatchesFind(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	tr := New(io)

	root, err := tr.Insert(noPage, 42, []byte("v"))
	require.NoError(t, err)

	ok, err := tr.Contains(root, 42)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.Contains(root, 43)
	require.NoError(t, err)
	require.False(t, ok)
}
