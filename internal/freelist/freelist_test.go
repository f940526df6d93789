package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// fakeIO is an in-memory PageIO for exercising the allocator without a
// real pager/WAL.
type fakeIO struct {
	pages [][]byte
}

func (f *fakeIO) ReadPage(pageID uint32) ([]byte, error) {
	return append([]byte(nil), f.pages[pageID]...), nil
}

func (f *fakeIO) WritePage(pageID uint32, image []byte) error {
	f.pages[pageID] = append([]byte(nil), image...)
	return nil
}

func (f *fakeIO) Grow() (uint32, error) {
	id := uint32(len(f.pages))
	f.pages = append(f.pages, make([]byte, testPageSize))
	return id, nil
}

func newFakeIO() *fakeIO {
	return &fakeIO{pages: [][]byte{make([]byte, testPageSize)}} // page 0 = header
}

func TestAllocateGrowsWhenChainEmpty(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	var head uint32

	p1, head, err := Allocate(io, head)
	require.NoError(t, err)
	require.Equal(t, uint32(1), p1)

	p2, head, err := Allocate(io, head)
	require.NoError(t, err)
	require.Equal(t, uint32(2), p2)
	require.Equal(t, uint32(0), head)
}

func TestFreeThenAllocateReusesPage(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	var head uint32

	p1, head, err := Allocate(io, head)
	require.NoError(t, err)

	head, err = Free(io, head, p1, testPageSize)
	require.NoError(t, err)
	require.Equal(t, p1, head)

	reused, head, err := Allocate(io, head)
	require.NoError(t, err)
	require.Equal(t, p1, reused)
	require.Equal(t, uint32(0), head, "chain must be empty again after popping the only entry")
}

func TestFreeChainOrderIsLIFO(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	var head uint32
	p1, head, _ := Allocate(io, head)
	p2, head, _ := Allocate(io, head)
	p3, head, _ := Allocate(io, head)

	head, err := Free(io, head, p1, testPageSize)
	require.NoError(t, err)
	head, err = Free(io, head, p2, testPageSize)
	require.NoError(t, err)
	head, err = Free(io, head, p3, testPageSize)
	require.NoError(t, err)

	ids, err := Walk(io, head)
	require.NoError(t, err)
	require.Equal(t, []uint32{p3, p2, p1}, ids)
}

func TestFreeingPageZeroIsRejected(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	_, err := Free(io, 0, 0, testPageSize)
	require.Error(t, err)
}

func TestWalkDetectsCycle(t *testing.T) {
	t.Parallel()

	io := newFakeIO()
	io.pages = append(io.pages, make([]byte, testPageSize), make([]byte, testPageSize))
	// page 1 -> page 2 -> page 1 (cycle)
	bodyA := make([]byte, testPageSize)
	bodyB := make([]byte, testPageSize)
	putU32 := func(b []byte, v uint32) {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
		b[3] = byte(v >> 24)
	}
	putU32(bodyA, 2)
	putU32(bodyB, 1)
	io.pages[1] = bodyA
	io.pages[2] = bodyB

	_, err := Walk(io, 1)
	require.Error(t, err)
}
