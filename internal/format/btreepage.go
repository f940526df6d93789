package format

import (
	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/pkg/bx"
)

// Page type tags, per spec.md §6.
const (
	PageTypeInternal byte = 1
	PageTypeLeaf     byte = 2
)

// BtreeHeaderLen is the fixed 8-byte page header shared by internal and
// leaf pages: {type byte, reserved byte, cellCount u16, nextOrRight u32}.
const BtreeHeaderLen = 8

const btreeHeaderLen = BtreeHeaderLen

// LeafCell is one decoded leaf entry.
type LeafCell struct {
	Key          uint64
	Inline       []byte // nil when Overflow is true
	OverflowRoot uint32 // valid only when Overflow is true
	Overflow     bool
}

// InternalCell is one decoded internal entry: a routing key and its child page.
type InternalCell struct {
	Key   uint64
	Child uint32
}

// PageType reads the type tag of an already-loaded page buffer.
func PageType(page []byte) (byte, error) {
	if len(page) < btreeHeaderLen {
		return 0, dberr.Corruption("format.PageType", "page shorter than header")
	}
	return page[0], nil
}

// ResetLeafHeader zeroes page and stamps it as an empty leaf.
func ResetLeafHeader(page []byte, nextLeaf uint32) {
	clear(page)
	page[0] = PageTypeLeaf
	bx.PutU32(page[4:], nextLeaf)
}

// ResetInternalHeader zeroes page and stamps it as an empty internal node.
func ResetInternalHeader(page []byte, rightChild uint32) {
	clear(page)
	page[0] = PageTypeInternal
	bx.PutU32(page[4:], rightChild)
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// EncodeLeafCell appends the on-disk encoding of a leaf cell to dst.
// control = (length<<1)|0 for inline values, (overflowRoot<<1)|1 otherwise.
func EncodeLeafCell(dst []byte, c LeafCell) []byte {
	dst = AppendUvarint(dst, c.Key)
	if c.Overflow {
		dst = AppendUvarint(dst, (uint64(c.OverflowRoot)<<1)|1)
		return dst
	}
	dst = AppendUvarint(dst, uint64(len(c.Inline))<<1)
	dst = append(dst, c.Inline...)
	return dst
}

// EncodeInternalCell appends the on-disk encoding of an internal cell to dst.
func EncodeInternalCell(dst []byte, c InternalCell) []byte {
	dst = AppendUvarint(dst, c.Key)
	dst = AppendUvarint(dst, uint64(c.Child))
	return dst
}

// EncodeLeafPage serializes cellCount cells (already sorted by caller) plus
// the next-leaf pointer into page. Returns a dberr.Internal error if the
// encoding does not fit.
func EncodeLeafPage(page []byte, cells []LeafCell, nextLeaf uint32) error {
	ResetLeafHeader(page, nextLeaf)
	bx.PutU16(page[2:], uint16(len(cells)))

	body := page[btreeHeaderLen:btreeHeaderLen]
	for _, c := range cells {
		body = EncodeLeafCell(body, c)
	}
	if len(body) > len(page)-btreeHeaderLen {
		return dberr.Internalf("format.EncodeLeafPage", "encoded leaf body %d bytes exceeds page capacity %d", len(body), len(page)-btreeHeaderLen)
	}
	copy(page[btreeHeaderLen:], body)
	return nil
}

// EncodeInternalPage serializes cellCount cells plus the right-child
// pointer into page.
func EncodeInternalPage(page []byte, cells []InternalCell, rightChild uint32) error {
	ResetInternalHeader(page, rightChild)
	bx.PutU16(page[2:], uint16(len(cells)))

	body := page[btreeHeaderLen:btreeHeaderLen]
	for _, c := range cells {
		body = EncodeInternalCell(body, c)
	}
	if len(body) > len(page)-btreeHeaderLen {
		return dberr.Internalf("format.EncodeInternalPage", "encoded internal body %d bytes exceeds page capacity %d", len(body), len(page)-btreeHeaderLen)
	}
	copy(page[btreeHeaderLen:], body)
	return nil
}

// EncodedLeafCellLen returns the byte length EncodeLeafCell would produce,
// used by btree's Utilization to size pages without materializing bytes.
func EncodedLeafCellLen(c LeafCell) int {
	var tmp [MaxVarintLen]byte
	n := PutUvarint(tmp[:], c.Key)
	if c.Overflow {
		n += PutUvarint(tmp[:], (uint64(c.OverflowRoot)<<1)|1)
		return n
	}
	n += PutUvarint(tmp[:], uint64(len(c.Inline))<<1)
	return n + len(c.Inline)
}

// EncodedInternalCellLen returns the byte length EncodeInternalCell would produce.
func EncodedInternalCellLen(c InternalCell) int {
	var tmp [MaxVarintLen]byte
	n := PutUvarint(tmp[:], c.Key)
	n += PutUvarint(tmp[:], uint64(c.Child))
	return n
}

// DecodeLeafPage parses a leaf page's cells and next-leaf pointer.
func DecodeLeafPage(page []byte) (cells []LeafCell, nextLeaf uint32, err error) {
	if len(page) < btreeHeaderLen || page[0] != PageTypeLeaf {
		return nil, 0, dberr.Corruption("format.DecodeLeafPage", "not a leaf page")
	}
	count := int(bx.U16At(page, 2))
	nextLeaf = bx.U32At(page, 4)

	body := page[btreeHeaderLen:]
	cells = make([]LeafCell, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		key, n := Uvarint(body[off:])
		if n <= 0 {
			return nil, 0, dberr.Corruption("format.DecodeLeafPage", "truncated key varint")
		}
		off += n

		ctrl, n := Uvarint(body[off:])
		if n <= 0 {
			return nil, 0, dberr.Corruption("format.DecodeLeafPage", "truncated control varint")
		}
		off += n

		if ctrl&1 == 1 {
			cells = append(cells, LeafCell{Key: key, Overflow: true, OverflowRoot: uint32(ctrl >> 1)})
			continue
		}
		length := int(ctrl >> 1)
		if off+length > len(body) {
			return nil, 0, dberr.Corruption("format.DecodeLeafPage", "inline value out of bounds")
		}
		val := make([]byte, length)
		copy(val, body[off:off+length])
		off += length
		cells = append(cells, LeafCell{Key: key, Inline: val})
	}
	return cells, nextLeaf, nil
}

// DecodeInternalPage parses an internal page's cells and right-child pointer.
func DecodeInternalPage(page []byte) (cells []InternalCell, rightChild uint32, err error) {
	if len(page) < btreeHeaderLen || page[0] != PageTypeInternal {
		return nil, 0, dberr.Corruption("format.DecodeInternalPage", "not an internal page")
	}
	count := int(bx.U16At(page, 2))
	rightChild = bx.U32At(page, 4)

	body := page[btreeHeaderLen:]
	cells = make([]InternalCell, 0, count)
	off := 0
	for i := 0; i < count; i++ {
		key, n := Uvarint(body[off:])
		if n <= 0 {
			return nil, 0, dberr.Corruption("format.DecodeInternalPage", "truncated key varint")
		}
		off += n

		child, n := Uvarint(body[off:])
		if n <= 0 {
			return nil, 0, dberr.Corruption("format.DecodeInternalPage", "truncated child varint")
		}
		off += n

		cells = append(cells, InternalCell{Key: key, Child: uint32(child)})
	}
	return cells, rightChild, nil
}
