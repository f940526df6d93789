package txn

import (
	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/format"
)

// ReadTxn is a lock-free snapshot reader: begin_read never blocks on the
// writer, per spec.md §4.9.
type ReadTxn struct {
	ctl      *Controller
	handle   *Handle
	snapshot uint64
}

// SnapshotLSN is the commit LSN this transaction's reads are pinned to: it
// sees exactly the transactions committed at or before this LSN.
func (r *ReadTxn) SnapshotLSN() uint64 { return r.snapshot }

// ReadPage returns pageID's image as of this transaction's snapshot.
func (r *ReadTxn) ReadPage(pageID uint32) ([]byte, error) {
	return r.ctl.pager.ReadSnapshot(pageID, r.snapshot)
}

// PageSize satisfies internal/btree.PageIO's read-only subset.
func (r *ReadTxn) PageSize() int { return r.ctl.pager.PageSize() }

// Header decodes the DB header as of this transaction's snapshot.
func (r *ReadTxn) Header() (format.Header, error) {
	img, err := r.ReadPage(0)
	if err != nil {
		return format.Header{}, err
	}
	return format.DecodeHeader(img)
}

// Release retires this reader's registration, letting checkpoint retire
// WAL frames it was pinning.
func (r *ReadTxn) Release() {
	r.ctl.registry.Release(r.handle)
}

// WritePage, AllocatePage, and FreePage exist only so ReadTxn satisfies
// the same PageIO shape internal/btree's read path (Find/Contains/cursor
// traversal) is declared against; a read transaction never calls the
// mutating path of internal/btree, so these always fail loudly instead
// of silently no-opping.
func (r *ReadTxn) WritePage(pageID uint32, image []byte) error {
	return dberr.Transaction("txn.ReadTxn.WritePage", "read transaction cannot write pages")
}

func (r *ReadTxn) AllocatePage() (uint32, error) {
	return 0, dberr.Transaction("txn.ReadTxn.AllocatePage", "read transaction cannot allocate pages")
}

func (r *ReadTxn) FreePage(pageID uint32) error {
	return dberr.Transaction("txn.ReadTxn.FreePage", "read transaction cannot free pages")
}
