// Package freelist allocates and reclaims database pages. Free pages
// form a singly linked list threaded through the pages themselves (the
// DB header's FreelistHead field points at the chain's head); allocating
// pops the head, freeing pushes onto it, and growing the file is only
// ever a last resort when the chain is empty.
//
// Grounded on the teacher's internal/storage/overflow.go next-pointer
// chaining technique (OverflowManager.Write threading pages together via
// a next-page-id field written into each page's own header), applied here
// to a free-page stack instead of a value's overflow chain.
package freelist

import (
	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/pkg/bx"
)

// noNext marks the tail of the free chain. Page 0 is always the DB
// header and can never be freed, so 0 doubles safely as "no next".
const noNext uint32 = 0

// offNext is the only field a free page carries: the next free page id.
const offNext = 0

// PageIO is the minimal read/write/grow surface Allocate and Free need.
// The active write transaction (internal/txn) implements this over its
// dirty-page overlay and the pager, so every freelist mutation
// participates in the same WAL-backed commit/rollback as everything else.
type PageIO interface {
	ReadPage(pageID uint32) ([]byte, error)
	WritePage(pageID uint32, image []byte) error
	Grow() (newPageID uint32, err error)
}

// Allocate returns a page id to use, popping it off the free chain headed
// at head if non-empty, otherwise growing the file. It returns the
// chain's new head; the caller is responsible for persisting that value
// into the DB header as part of the same transaction.
func Allocate(io PageIO, head uint32) (pageID uint32, newHead uint32, err error) {
	if head == noNext {
		pageID, err = io.Grow()
		if err != nil {
			return 0, head, err
		}
		return pageID, head, nil
	}

	body, err := io.ReadPage(head)
	if err != nil {
		return 0, head, err
	}
	if len(body) < offNext+4 {
		return 0, head, dberr.Corruption("freelist.Allocate", "free page shorter than chain header")
	}
	next := bx.U32At(body, offNext)
	return head, next, nil
}

// Free pushes pageID onto the chain headed at head and returns the new
// head (pageID itself). The caller must persist the returned head into
// the DB header.
func Free(io PageIO, head uint32, pageID uint32, pageSize int) (newHead uint32, err error) {
	if pageID == 0 {
		return head, dberr.Internal("freelist.Free", "page 0 (the DB header) can never be freed")
	}
	body := make([]byte, pageSize)
	bx.PutU32(body[offNext:], head)
	if err := io.WritePage(pageID, body); err != nil {
		return head, err
	}
	return pageID, nil
}

// Walk returns every page id currently on the free chain headed at head,
// in pop order. Used by tests to assert the free chain and the B+Tree's
// allocated pages are disjoint.
func Walk(io PageIO, head uint32) ([]uint32, error) {
	var ids []uint32
	seen := map[uint32]bool{}
	cur := head
	for cur != noNext {
		if seen[cur] {
			return nil, dberr.Corruption("freelist.Walk", "cycle detected in free chain")
		}
		seen[cur] = true
		ids = append(ids, cur)

		body, err := io.ReadPage(cur)
		if err != nil {
			return nil, err
		}
		if len(body) < offNext+4 {
			return nil, dberr.Corruption("freelist.Walk", "free page shorter than chain header")
		}
		cur = bx.U32At(body, offNext)
	}
	return ids, nil
}
