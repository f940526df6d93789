// Package btree implements the on-disk B+Tree: a uint64-keyed, []byte-
// valued ordered map with unique keys, leaf-chain cursors, overflow spill
// for oversized values, and a utilization check used to flag when a tree
// would benefit from a rebuild.
//
// Grounded on the teacher's internal/btree/tree.go recursive
// insert-with-split shape (insertAt descending by level, splits reusing
// the original page id for the left half and allocating only the right
// half, root-split growing height by one) and internal.go's
// findChildIndex descent rule. Generalized from tree.go's fixed int64-key
// + heap.TID-pointer slotted pages to spec.md's uint64 -> []byte varint-
// cell pages (internal/format), with page-type-driven recursion replacing
// tree.go's separately-tracked height counter — a node's own type tag
// always says whether it is a leaf, so no parallel height bookkeeping can
// drift out of sync with it.
package btree

import (
	"bytes"
	"sort"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/format"
	"github.com/novabase/novabase/internal/overflow"
)

// noPage is the sentinel root value for an empty tree: no pages allocated yet.
const noPage uint32 = 0

// maxInlineValueLen is the hard cap on an inline leaf value, per spec.md's
// inline limit (min(512, page_size - 24)): values larger than that spill
// into an overflow chain instead of being inlined in a leaf cell.
const maxInlineValueLen = 512

// inlineLimit returns the largest value length this page size can inline,
// per spec.md's min(512, page_size - 24).
func inlineLimit(pageSize int) int {
	if limit := pageSize - 24; limit < maxInlineValueLen {
		return limit
	}
	return maxInlineValueLen
}

// PageIO is the page access surface the tree needs. internal/txn's write
// transaction implements it over the pager, the dirty overlay, and
// internal/freelist.
type PageIO interface {
	ReadPage(pageID uint32) ([]byte, error)
	WritePage(pageID uint32, image []byte) error
	AllocatePage() (uint32, error)
	FreePage(pageID uint32) error
	PageSize() int
}

// Entry is one (key, value) pair, used by BulkBuildFromSorted.
type Entry struct {
	Key   uint64
	Value []byte
}

// Tree is a stateless view over a B+Tree's pages: every mutating
// operation takes the current root and returns the (possibly new) root,
// since the caller — internal/catalog or the top-level engine — is what
// persists the root page id, not the tree itself.
type Tree struct {
	io PageIO
}

func New(io PageIO) *Tree { return &Tree{io: io} }

func (t *Tree) encodeValueCell(key uint64, value []byte) (format.LeafCell, error) {
	if len(value) > inlineLimit(t.io.PageSize()) {
		rootPageID, err := overflow.Write(t.io, value)
		if err != nil {
			return format.LeafCell{}, err
		}
		return format.LeafCell{Key: key, Overflow: true, OverflowRoot: rootPageID}, nil
	}
	return format.LeafCell{Key: key, Inline: append([]byte(nil), value...)}, nil
}

func (t *Tree) materializeValue(c format.LeafCell) ([]byte, error) {
	if c.Overflow {
		return overflow.Read(t.io, c.OverflowRoot)
	}
	return c.Inline, nil
}

// Find returns the value stored for key, if present.
func (t *Tree) Find(root uint32, key uint64) ([]byte, bool, error) {
	if root == noPage {
		return nil, false, nil
	}
	pageID := root
	for {
		page, err := t.io.ReadPage(pageID)
		if err != nil {
			return nil, false, err
		}
		typ, err := format.PageType(page)
		if err != nil {
			return nil, false, err
		}
		if typ == format.PageTypeLeaf {
			cells, _, err := format.DecodeLeafPage(page)
			if err != nil {
				return nil, false, err
			}
			idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key >= key })
			if idx >= len(cells) || cells[idx].Key != key {
				return nil, false, nil
			}
			val, err := t.materializeValue(cells[idx])
			return val, true, err
		}

		cells, rightChild, err := format.DecodeInternalPage(page)
		if err != nil {
			return nil, false, err
		}
		pageID = descendChild(cells, rightChild, key)
	}
}

// Contains reports whether key is present.
func (t *Tree) Contains(root uint32, key uint64) (bool, error) {
	_, ok, err := t.Find(root, key)
	return ok, err
}

// descendChild picks the child of an internal node responsible for key.
// cells are sorted ascending by Key; cells[i].Child holds keys < cells[i].Key,
// rightChild holds everything >= the largest cell key.
func descendChild(cells []format.InternalCell, rightChild uint32, key uint64) uint32 {
	idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key > key })
	if idx == len(cells) {
		return rightChild
	}
	return cells[idx].Child
}

// Insert adds (key, value). It returns a dberr.Constraint error if key
// already exists.
func (t *Tree) Insert(root uint32, key uint64, value []byte) (newRoot uint32, err error) {
	if root == noPage {
		page := make([]byte, t.io.PageSize())
		format.ResetLeafHeader(page, 0)
		pid, err := t.io.AllocatePage()
		if err != nil {
			return root, err
		}
		if err := t.io.WritePage(pid, page); err != nil {
			return root, err
		}
		root = pid
	}

	newLeft, splitKey, splitRight, split, err := t.insertAt(root, key, value)
	if err != nil {
		return root, err
	}
	if !split {
		return newLeft, nil
	}
	return t.growRoot(newLeft, splitKey, splitRight)
}

func (t *Tree) growRoot(leftChild uint32, splitKey uint64, rightChild uint32) (uint32, error) {
	rootID, err := t.io.AllocatePage()
	if err != nil {
		return leftChild, err
	}
	page := make([]byte, t.io.PageSize())
	if err := format.EncodeInternalPage(page, []format.InternalCell{{Key: splitKey, Child: leftChild}}, rightChild); err != nil {
		return leftChild, err
	}
	if err := t.io.WritePage(rootID, page); err != nil {
		return leftChild, err
	}
	return rootID, nil
}

func (t *Tree) insertAt(pageID uint32, key uint64, value []byte) (newPageID uint32, splitKey uint64, splitPageID uint32, split bool, err error) {
	page, err := t.io.ReadPage(pageID)
	if err != nil {
		return 0, 0, 0, false, err
	}
	typ, err := format.PageType(page)
	if err != nil {
		return 0, 0, 0, false, err
	}
	if typ == format.PageTypeLeaf {
		return t.insertLeaf(pageID, page, key, value)
	}
	return t.insertInternal(pageID, page, key, value)
}

func (t *Tree) insertLeaf(pageID uint32, page []byte, key uint64, value []byte) (uint32, uint64, uint32, bool, error) {
	cells, nextLeaf, err := format.DecodeLeafPage(page)
	if err != nil {
		return 0, 0, 0, false, err
	}

	idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key >= key })
	if idx < len(cells) && cells[idx].Key == key {
		return 0, 0, 0, false, dberr.Constraint("btree.Insert", "duplicate key")
	}

	newCell, err := t.encodeValueCell(key, value)
	if err != nil {
		return 0, 0, 0, false, err
	}

	cells = append(cells, format.LeafCell{})
	copy(cells[idx+1:], cells[idx:])
	cells[idx] = newCell

	return t.rewriteLeafOrSplit(pageID, cells, nextLeaf)
}

func (t *Tree) rewriteLeafOrSplit(pageID uint32, cells []format.LeafCell, nextLeaf uint32) (uint32, uint64, uint32, bool, error) {
	page := make([]byte, t.io.PageSize())
	if err := format.EncodeLeafPage(page, cells, nextLeaf); err == nil {
		if err := t.io.WritePage(pageID, page); err != nil {
			return 0, 0, 0, false, err
		}
		return pageID, 0, 0, false, nil
	}

	mid := len(cells) / 2
	if mid == 0 {
		mid = 1
	}
	leftCells := cells[:mid]
	rightCells := cells[mid:]

	rightID, err := t.io.AllocatePage()
	if err != nil {
		return 0, 0, 0, false, err
	}

	leftPage := make([]byte, t.io.PageSize())
	if err := format.EncodeLeafPage(leftPage, leftCells, rightID); err != nil {
		return 0, 0, 0, false, err
	}
	if err := t.io.WritePage(pageID, leftPage); err != nil {
		return 0, 0, 0, false, err
	}

	rightPage := make([]byte, t.io.PageSize())
	if err := format.EncodeLeafPage(rightPage, rightCells, nextLeaf); err != nil {
		return 0, 0, 0, false, err
	}
	if err := t.io.WritePage(rightID, rightPage); err != nil {
		return 0, 0, 0, false, err
	}

	return pageID, rightCells[0].Key, rightID, true, nil
}

func (t *Tree) insertInternal(pageID uint32, page []byte, key uint64, value []byte) (uint32, uint64, uint32, bool, error) {
	cells, rightChild, err := format.DecodeInternalPage(page)
	if err != nil {
		return 0, 0, 0, false, err
	}

	idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key > key })
	isRight := idx == len(cells)
	var childID uint32
	if isRight {
		childID = rightChild
	} else {
		childID = cells[idx].Child
	}

	newChildID, splitKey, splitChildID, split, err := t.insertAt(childID, key, value)
	if err != nil {
		return 0, 0, 0, false, err
	}

	if isRight {
		rightChild = newChildID
	} else {
		cells[idx].Child = newChildID
	}
	if split {
		cells, rightChild = applySplit(cells, rightChild, idx, isRight, splitKey, splitChildID)
	}

	return t.rewriteInternalOrSplit(pageID, cells, rightChild)
}

// applySplit inserts a new separator for a child that just split. The
// caller has already pointed rightChild/cells[idx].Child at the split's
// lower half (newChildID); applySplit adds a separator cell routing keys
// < splitKey to that lower half and repoints the upper half to
// splitChildID.
func applySplit(cells []format.InternalCell, rightChild uint32, idx int, isRight bool, splitKey uint64, splitChildID uint32) ([]format.InternalCell, uint32) {
	if isRight {
		return append(cells, format.InternalCell{Key: splitKey, Child: rightChild}), splitChildID
	}
	oldKey := cells[idx].Key
	lowerChild := cells[idx].Child
	cells[idx] = format.InternalCell{Key: splitKey, Child: lowerChild}
	tail := make([]format.InternalCell, 0, len(cells)-idx)
	tail = append(tail, format.InternalCell{Key: oldKey, Child: splitChildID})
	tail = append(tail, cells[idx+1:]...)
	cells = append(cells[:idx+1], tail...)
	return cells, rightChild
}

func (t *Tree) rewriteInternalOrSplit(pageID uint32, cells []format.InternalCell, rightChild uint32) (uint32, uint64, uint32, bool, error) {
	page := make([]byte, t.io.PageSize())
	if err := format.EncodeInternalPage(page, cells, rightChild); err == nil {
		if err := t.io.WritePage(pageID, page); err != nil {
			return 0, 0, 0, false, err
		}
		return pageID, 0, 0, false, nil
	}

	mid := len(cells) / 2
	leftCells := cells[:mid]
	leftRight := cells[mid].Child
	promotedKey := cells[mid].Key
	rightCells := append([]format.InternalCell(nil), cells[mid+1:]...)

	leftPage := make([]byte, t.io.PageSize())
	if err := format.EncodeInternalPage(leftPage, leftCells, leftRight); err != nil {
		return 0, 0, 0, false, err
	}
	if err := t.io.WritePage(pageID, leftPage); err != nil {
		return 0, 0, 0, false, err
	}

	rightID, err := t.io.AllocatePage()
	if err != nil {
		return 0, 0, 0, false, err
	}
	rightPage := make([]byte, t.io.PageSize())
	if err := format.EncodeInternalPage(rightPage, rightCells, rightChild); err != nil {
		return 0, 0, 0, false, err
	}
	if err := t.io.WritePage(rightID, rightPage); err != nil {
		return 0, 0, 0, false, err
	}

	return pageID, promotedKey, rightID, true, nil
}

// Update replaces the value stored for an existing key. found is false
// (no error) if key is absent.
func (t *Tree) Update(root uint32, key uint64, value []byte) (newRoot uint32, found bool, err error) {
	if root == noPage {
		return root, false, nil
	}
	newLeft, splitKey, splitRight, split, found, err := t.updateAt(root, key, value)
	if err != nil || !found {
		return root, found, err
	}
	if !split {
		return newLeft, true, nil
	}
	newRoot, err = t.growRoot(newLeft, splitKey, splitRight)
	return newRoot, true, err
}

func (t *Tree) updateAt(pageID uint32, key uint64, value []byte) (newPageID uint32, splitKey uint64, splitPageID uint32, split bool, found bool, err error) {
	page, err := t.io.ReadPage(pageID)
	if err != nil {
		return 0, 0, 0, false, false, err
	}
	typ, err := format.PageType(page)
	if err != nil {
		return 0, 0, 0, false, false, err
	}

	if typ == format.PageTypeLeaf {
		cells, nextLeaf, err := format.DecodeLeafPage(page)
		if err != nil {
			return 0, 0, 0, false, false, err
		}
		idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key >= key })
		if idx >= len(cells) || cells[idx].Key != key {
			return pageID, 0, 0, false, false, nil
		}
		if cells[idx].Overflow {
			if err := overflow.Free(t.io, cells[idx].OverflowRoot); err != nil {
				return 0, 0, 0, false, false, err
			}
		}
		newCell, err := t.encodeValueCell(key, value)
		if err != nil {
			return 0, 0, 0, false, false, err
		}
		cells[idx] = newCell
		p, sk, sp, sp2, err := t.rewriteLeafOrSplit(pageID, cells, nextLeaf)
		return p, sk, sp, sp2, true, err
	}

	cells, rightChild, err := format.DecodeInternalPage(page)
	if err != nil {
		return 0, 0, 0, false, false, err
	}
	idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key > key })
	isRight := idx == len(cells)
	var childID uint32
	if isRight {
		childID = rightChild
	} else {
		childID = cells[idx].Child
	}

	newChildID, splitKey, splitChildID, childSplit, found, err := t.updateAt(childID, key, value)
	if err != nil || !found {
		return pageID, 0, 0, false, found, err
	}

	if isRight {
		rightChild = newChildID
	} else {
		cells[idx].Child = newChildID
	}
	if childSplit {
		cells, rightChild = applySplit(cells, rightChild, idx, isRight, splitKey, splitChildID)
	}

	p, sk, sp, sp2, rerr := t.rewriteInternalOrSplit(pageID, cells, rightChild)
	return p, sk, sp, sp2, true, rerr
}

// Delete removes key if present. The root never changes on delete: only
// leaf cell counts shrink, so no tree page is ever freed or merged by this
// operation (see Utilization/NeedsCompaction for detecting when a rebuild
// would help). An overflow chain held by the deleted cell is freed.
func (t *Tree) Delete(root uint32, key uint64) (newRoot uint32, deleted bool, err error) {
	deleted, err = t.deleteAt(root, key, nil, false)
	return root, deleted, err
}

// DeleteKeyValue removes key only if its current value equals expected,
// used by callers (e.g. a secondary index entry) that must not delete a
// key that has since been overwritten with a different value.
func (t *Tree) DeleteKeyValue(root uint32, key uint64, expected []byte) (newRoot uint32, deleted bool, err error) {
	deleted, err = t.deleteAt(root, key, expected, true)
	return root, deleted, err
}

func (t *Tree) deleteAt(pageID uint32, key uint64, expected []byte, checkValue bool) (bool, error) {
	if pageID == noPage {
		return false, nil
	}
	page, err := t.io.ReadPage(pageID)
	if err != nil {
		return false, err
	}
	typ, err := format.PageType(page)
	if err != nil {
		return false, err
	}

	if typ == format.PageTypeLeaf {
		cells, nextLeaf, err := format.DecodeLeafPage(page)
		if err != nil {
			return false, err
		}
		idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key >= key })
		if idx >= len(cells) || cells[idx].Key != key {
			return false, nil
		}
		if checkValue {
			cur, err := t.materializeValue(cells[idx])
			if err != nil {
				return false, err
			}
			if !bytes.Equal(cur, expected) {
				return false, nil
			}
		}
		if cells[idx].Overflow {
			if err := overflow.Free(t.io, cells[idx].OverflowRoot); err != nil {
				return false, err
			}
		}
		cells = append(cells[:idx], cells[idx+1:]...)
		newPage := make([]byte, t.io.PageSize())
		if err := format.EncodeLeafPage(newPage, cells, nextLeaf); err != nil {
			return false, err
		}
		if err := t.io.WritePage(pageID, newPage); err != nil {
			return false, err
		}
		return true, nil
	}

	cells, rightChild, err := format.DecodeInternalPage(page)
	if err != nil {
		return false, err
	}
	childID := descendChild(cells, rightChild, key)
	return t.deleteAt(childID, key, expected, checkValue)
}

// Cursor iterates leaf cells in ascending key order, following next-leaf
// pointers across page boundaries.
type Cursor struct {
	t        *Tree
	cells    []format.LeafCell
	idx      int
	nextLeaf uint32
}

func (t *Tree) leftmostLeaf(root uint32) (uint32, error) {
	pageID := root
	for {
		page, err := t.io.ReadPage(pageID)
		if err != nil {
			return 0, err
		}
		typ, err := format.PageType(page)
		if err != nil {
			return 0, err
		}
		if typ == format.PageTypeLeaf {
			return pageID, nil
		}
		cells, rightChild, err := format.DecodeInternalPage(page)
		if err != nil {
			return 0, err
		}
		if len(cells) == 0 {
			pageID = rightChild
		} else {
			pageID = cells[0].Child
		}
	}
}

func (t *Tree) cursorAtLeaf(pageID uint32, idx int) (*Cursor, error) {
	page, err := t.io.ReadPage(pageID)
	if err != nil {
		return nil, err
	}
	cells, nextLeaf, err := format.DecodeLeafPage(page)
	if err != nil {
		return nil, err
	}
	return &Cursor{t: t, cells: cells, idx: idx, nextLeaf: nextLeaf}, nil
}

// OpenCursor positions a cursor at the smallest key in the tree.
func (t *Tree) OpenCursor(root uint32) (*Cursor, error) {
	if root == noPage {
		return &Cursor{}, nil
	}
	pid, err := t.leftmostLeaf(root)
	if err != nil {
		return nil, err
	}
	return t.cursorAtLeaf(pid, 0)
}

// OpenCursorAt positions a cursor at the smallest key >= key.
func (t *Tree) OpenCursorAt(root uint32, key uint64) (*Cursor, error) {
	if root == noPage {
		return &Cursor{}, nil
	}
	pageID := root
	for {
		page, err := t.io.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		typ, err := format.PageType(page)
		if err != nil {
			return nil, err
		}
		if typ == format.PageTypeLeaf {
			cells, _, err := format.DecodeLeafPage(page)
			if err != nil {
				return nil, err
			}
			idx := sort.Search(len(cells), func(i int) bool { return cells[i].Key >= key })
			return t.cursorAtLeaf(pageID, idx)
		}
		cells, rightChild, err := format.DecodeInternalPage(page)
		if err != nil {
			return nil, err
		}
		pageID = descendChild(cells, rightChild, key)
	}
}

// Next advances the cursor, returning ok=false once the tree is exhausted.
func (c *Cursor) Next() (key uint64, value []byte, ok bool, err error) {
	if c.t == nil {
		return 0, nil, false, nil
	}
	for c.idx >= len(c.cells) {
		if c.nextLeaf == 0 {
			return 0, nil, false, nil
		}
		page, err := c.t.io.ReadPage(c.nextLeaf)
		if err != nil {
			return 0, nil, false, err
		}
		cells, nextLeaf, err := format.DecodeLeafPage(page)
		if err != nil {
			return 0, nil, false, err
		}
		c.cells = cells
		c.nextLeaf = nextLeaf
		c.idx = 0
	}
	cell := c.cells[c.idx]
	c.idx++
	val, err := c.t.materializeValue(cell)
	if err != nil {
		return 0, nil, false, err
	}
	return cell.Key, val, true, nil
}

// BulkBuildFromSorted builds a fresh tree from entries, which must
// already be sorted ascending by Key with no duplicates. This is a
// straightforward sequential bulk-insert rather than a bottom-up packed
// loader: since entries arrive in order, every insert lands at the
// tree's rightmost leaf, and a full leaf is split at its midpoint, so
// every leaf except the last is left about half full. Leaves are not
// packed to capacity.
func (t *Tree) BulkBuildFromSorted(entries []Entry) (root uint32, err error) {
	root = noPage
	for _, e := range entries {
		root, err = t.Insert(root, e.Key, e.Value)
		if err != nil {
			return root, err
		}
	}
	return root, nil
}

func (t *Tree) walkPages(pageID uint32, fn func(typ byte, page []byte) error) error {
	if pageID == noPage {
		return nil
	}
	page, err := t.io.ReadPage(pageID)
	if err != nil {
		return err
	}
	typ, err := format.PageType(page)
	if err != nil {
		return err
	}
	if err := fn(typ, page); err != nil {
		return err
	}
	if typ == format.PageTypeInternal {
		cells, rightChild, err := format.DecodeInternalPage(page)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if err := t.walkPages(c.Child, fn); err != nil {
				return err
			}
		}
		if err := t.walkPages(rightChild, fn); err != nil {
			return err
		}
	}
	return nil
}

// Utilization sums encoded cell bytes against page body capacity across
// every page reachable from root.
func (t *Tree) Utilization(root uint32) (used, capacity int64, err error) {
	capacityPerPage := int64(t.io.PageSize() - format.BtreeHeaderLen)
	err = t.walkPages(root, func(typ byte, page []byte) error {
		capacity += capacityPerPage
		if typ == format.PageTypeLeaf {
			cells, _, derr := format.DecodeLeafPage(page)
			if derr != nil {
				return derr
			}
			for _, c := range cells {
				used += int64(format.EncodedLeafCellLen(c))
			}
			return nil
		}
		cells, _, derr := format.DecodeInternalPage(page)
		if derr != nil {
			return derr
		}
		for _, c := range cells {
			used += int64(format.EncodedInternalCellLen(c))
		}
		return nil
	})
	return used, capacity, err
}

// NeedsCompaction reports whether the tree's space utilization has
// dropped below threshold (a fraction in (0,1]), signaling that a
// BulkBuildFromSorted rebuild from a full scan would reclaim space.
func (t *Tree) NeedsCompaction(root uint32, threshold float64) (bool, error) {
	if root == noPage {
		return false, nil
	}
	used, capacity, err := t.Utilization(root)
	if err != nil {
		return false, err
	}
	if capacity == 0 {
		return false, nil
	}
	return float64(used)/float64(capacity) < threshold, nil
}

// DropTree frees every page reachable from root, including overflow
// chains hanging off leaf cells, for a caller (e.g. catalog.DropTable)
// that is discarding an entire table or index tree rather than deleting
// individual keys out of it.
func (t *Tree) DropTree(root uint32) error {
	err := t.walkPages(root, func(typ byte, page []byte) error {
		if typ != format.PageTypeLeaf {
			return nil
		}
		cells, _, err := format.DecodeLeafPage(page)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if c.Overflow {
				if err := overflow.Free(t.io, c.OverflowRoot); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var pages []uint32
	if err := t.collectPages(root, &pages); err != nil {
		return err
	}
	for _, pid := range pages {
		if err := t.io.FreePage(pid); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) collectPages(pageID uint32, out *[]uint32) error {
	if pageID == noPage {
		return nil
	}
	page, err := t.io.ReadPage(pageID)
	if err != nil {
		return err
	}
	typ, err := format.PageType(page)
	if err != nil {
		return err
	}
	*out = append(*out, pageID)
	if typ == format.PageTypeInternal {
		cells, rightChild, err := format.DecodeInternalPage(page)
		if err != nil {
			return err
		}
		for _, c := range cells {
			if err := t.collectPages(c.Child, out); err != nil {
				return err
			}
		}
		if err := t.collectPages(rightChild, out); err != nil {
			return err
		}
	}
	return nil
}
