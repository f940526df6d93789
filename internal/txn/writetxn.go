package txn

import (
	"sort"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/format"
	"github.com/novabase/novabase/internal/freelist"
)

type state int

const (
	stateWriting state = iota
	stateCommitting
	stateRollingBack
)

// WriteTxn is the single active write transaction. It implements the
// PageIO seam internal/freelist, internal/overflow, and internal/btree
// all need, backed by an in-memory dirty-page overlay: reads check the
// overlay first and fall back to the pager's committed image, so a
// writer always observes its own uncommitted writes (read-your-writes,
// spec.md §5) without the pager ever holding uncommitted data.
type WriteTxn struct {
	ctl        *Controller
	header     format.Header
	dirty      map[uint32][]byte
	nextPageID uint32
	st         state
	done       bool
}

// ReadPage returns pageID's image, preferring this transaction's own
// uncommitted write if one exists.
func (w *WriteTxn) ReadPage(pageID uint32) ([]byte, error) {
	if img, ok := w.dirty[pageID]; ok {
		return append([]byte(nil), img...), nil
	}
	return w.ctl.pager.ReadLatest(pageID)
}

// WritePage stages image as pageID's new content for this transaction.
func (w *WriteTxn) WritePage(pageID uint32, image []byte) error {
	if w.done {
		return dberr.Transaction("txn.WriteTxn.WritePage", "transaction already finished")
	}
	w.dirty[pageID] = append([]byte(nil), image...)
	return nil
}

// Grow allocates a brand new page id past every id the main file or WAL
// already knows about. The controller only advances its own counter past
// these ids on a successful Commit (see Commit), so a rolled-back Grow's
// id is simply handed out again by the next transaction.
func (w *WriteTxn) Grow() (uint32, error) {
	if w.done {
		return 0, dberr.Transaction("txn.WriteTxn.Grow", "transaction already finished")
	}
	id := w.nextPageID
	w.nextPageID++
	w.dirty[id] = make([]byte, w.ctl.pageSize)
	return id, nil
}

// AllocatePage satisfies internal/overflow.PageIO and internal/btree.PageIO
// by popping a page off the transaction's view of the freelist (falling
// back to Grow when it's empty).
func (w *WriteTxn) AllocatePage() (uint32, error) {
	pageID, newHead, err := freelist.Allocate(w, w.header.FreelistHead)
	if err != nil {
		return 0, err
	}
	w.header.FreelistHead = newHead
	return pageID, nil
}

// FreePage satisfies internal/overflow.PageIO and internal/btree.PageIO by
// pushing pageID onto the transaction's view of the freelist.
func (w *WriteTxn) FreePage(pageID uint32) error {
	newHead, err := freelist.Free(w, w.header.FreelistHead, pageID, w.ctl.pageSize)
	if err != nil {
		return err
	}
	w.header.FreelistHead = newHead
	return nil
}

// PageSize satisfies internal/overflow.PageIO and internal/btree.PageIO.
func (w *WriteTxn) PageSize() int { return w.ctl.pageSize }

// CatalogRoot returns the catalog B+Tree root this transaction started
// from (or the one most recently set via SetCatalogRoot).
func (w *WriteTxn) CatalogRoot() uint32 { return w.header.CatalogRoot }

// SetCatalogRoot records a new catalog tree root (e.g. after a root
// split) to persist into the DB header at commit.
func (w *WriteTxn) SetCatalogRoot(root uint32) { w.header.CatalogRoot = root }

// BumpSchemaCookie increments the DDL generation counter, per spec.md §6.
func (w *WriteTxn) BumpSchemaCookie() { w.header.SchemaCookie++ }

// Header returns the header state this transaction will commit, as of
// the most recent Set*/Bump* call.
func (w *WriteTxn) Header() format.Header { return w.header }

// Commit appends every dirty page (header last, so it carries the commit
// flag) as one WAL batch, fsyncs, invalidates the pager's cached copies,
// and releases the write lock. A failure during append or fsync rolls the
// batch back and surfaces the error, per spec.md §4.9's
// Committing -> RollingBack transition.
func (w *WriteTxn) Commit() error {
	if w.done {
		return nil
	}
	w.st = stateCommitting
	defer func() {
		w.done = true
		w.ctl.writeMu.Unlock()
	}()

	wb := w.ctl.wal.Begin()
	w.header.LastLSN = wb.LSN()

	ids := make([]uint32, 0, len(w.dirty))
	for id := range w.dirty {
		if id != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := wb.AppendPage(id, w.dirty[id]); err != nil {
			w.st = stateRollingBack
			_ = wb.Rollback()
			return err
		}
	}

	headerImg := make([]byte, w.ctl.pageSize)
	w.header.Encode(headerImg)
	if err := wb.AppendPage(0, headerImg); err != nil {
		w.st = stateRollingBack
		_ = wb.Rollback()
		return err
	}

	if err := wb.Commit(); err != nil {
		w.st = stateRollingBack
		_ = wb.Rollback()
		return err
	}

	for _, id := range ids {
		w.ctl.pager.Invalidate(id)
	}
	w.ctl.pager.Invalidate(0)
	w.ctl.nextPageID = w.nextPageID

	return nil
}

// Rollback discards every staged write and releases the write lock
// without touching the WAL (nothing was ever appended to it), per
// spec.md §4.9's Writing -> RollingBack -> Idle path.
func (w *WriteTxn) Rollback() error {
	if w.done {
		return nil
	}
	w.st = stateRollingBack
	w.done = true
	w.ctl.writeMu.Unlock()
	return nil
}
