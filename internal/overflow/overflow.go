// Package overflow stores values too large for a single B+Tree leaf cell
// as a chain of linked pages, each holding a next-page pointer, a used-
// length field, and a chunk of the payload.
//
// Grounded on the teacher's internal/storage/overflow.go OverflowManager
// almost directly (next-pointer + length-prefixed chunking, allocate one
// page per chunk, walk the chain to read back), adapted to run on top of
// internal/freelist's page allocator (so overflow pages are reclaimed and
// reused, unlike the teacher's "count pages to find the next free slot"
// allocator) instead of a standalone FileSet+StorageManager pair.
package overflow

import (
	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/pkg/bx"
)

// Chain page layout: {nextPageID u32, usedLen u16, payload ...}.
const (
	offNext    = 0
	offLen     = 4
	headerSize = 6
	noNext     = 0
)

// PageIO is the page access surface overflow chains need: read/write by
// id, and an allocator that reuses freed pages (internal/txn implements
// this over internal/freelist and the active write transaction's dirty
// overlay).
type PageIO interface {
	ReadPage(pageID uint32) ([]byte, error)
	WritePage(pageID uint32, image []byte) error
	AllocatePage() (uint32, error)
	FreePage(pageID uint32) error
	PageSize() int
}

// Write stores value across as many chain pages as needed and returns the
// first page id of the chain (the B+Tree leaf cell's overflow root).
func Write(io PageIO, value []byte) (rootPageID uint32, err error) {
	pageSize := io.PageSize()
	payloadMax := pageSize - headerSize
	if payloadMax <= 0 {
		return 0, dberr.Internal("overflow.Write", "page size too small to hold an overflow chain header")
	}

	var firstID, prevID uint32
	var prevBody []byte
	havePrev := false

	offset := 0
	for {
		chunk := value[offset:]
		if len(chunk) > payloadMax {
			chunk = chunk[:payloadMax]
		}

		pageID, err := io.AllocatePage()
		if err != nil {
			return 0, err
		}
		body := make([]byte, pageSize)
		bx.PutU32(body[offNext:], noNext)
		bx.PutU16(body[offLen:], uint16(len(chunk)))
		copy(body[headerSize:], chunk)

		if havePrev {
			bx.PutU32(prevBody[offNext:], pageID)
			if err := io.WritePage(prevID, prevBody); err != nil {
				return 0, err
			}
		} else {
			firstID = pageID
		}

		prevID, prevBody, havePrev = pageID, body, true
		offset += len(chunk)

		if offset >= len(value) {
			break
		}
	}

	if err := io.WritePage(prevID, prevBody); err != nil {
		return 0, err
	}
	return firstID, nil
}

// Read walks the chain rooted at rootPageID and returns its full value.
func Read(io PageIO, rootPageID uint32) ([]byte, error) {
	pageSize := io.PageSize()
	payloadMax := pageSize - headerSize

	var out []byte
	pageID := rootPageID
	seen := map[uint32]bool{}
	for {
		if seen[pageID] {
			return nil, dberr.Corruption("overflow.Read", "cycle detected in overflow chain")
		}
		seen[pageID] = true

		body, err := io.ReadPage(pageID)
		if err != nil {
			return nil, err
		}
		if len(body) < headerSize {
			return nil, dberr.Corruption("overflow.Read", "overflow page shorter than chain header")
		}
		next := bx.U32At(body, offNext)
		used := int(bx.U16At(body, offLen))
		if used > payloadMax {
			return nil, dberr.Corruption("overflow.Read", "overflow chunk length exceeds page capacity")
		}
		out = append(out, body[headerSize:headerSize+used]...)

		if next == noNext {
			break
		}
		pageID = next
	}
	return out, nil
}

// Free walks the chain rooted at rootPageID and returns every page to the
// allocator.
func Free(io PageIO, rootPageID uint32) error {
	pageID := rootPageID
	seen := map[uint32]bool{}
	for {
		if seen[pageID] {
			return dberr.Corruption("overflow.Free", "cycle detected in overflow chain")
		}
		seen[pageID] = true

		body, err := io.ReadPage(pageID)
		if err != nil {
			return err
		}
		if len(body) < headerSize {
			return dberr.Corruption("overflow.Free", "overflow page shorter than chain header")
		}
		next := bx.U32At(body, offNext)
		if err := io.FreePage(pageID); err != nil {
			return err
		}
		if next == noNext {
			return nil
		}
		pageID = next
	}
}
