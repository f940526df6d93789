package novabase

import (
	"github.com/novabase/novabase/internal/btree"
	"github.com/novabase/novabase/internal/catalog"
	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/txn"
)

// Snapshot is a lock-free read transaction pinned to the commit LSN
// current when it began, per spec.md §5.
type Snapshot struct {
	tx  *txn.ReadTxn
	cat *catalog.Catalog
}

func newSnapshot(tx *txn.ReadTxn) (*Snapshot, error) {
	hdr, err := tx.Header()
	if err != nil {
		tx.Release()
		return nil, err
	}
	cat, err := catalog.Load(tx, hdr.CatalogRoot)
	if err != nil {
		tx.Release()
		return nil, err
	}
	return &Snapshot{tx: tx, cat: cat}, nil
}

// SnapshotLSN is the commit LSN this reader's view is pinned to.
func (s *Snapshot) SnapshotLSN() uint64 { return s.tx.SnapshotLSN() }

// Release retires this reader, letting checkpoint reclaim WAL frames it
// was the last to need.
func (s *Snapshot) Release() { s.tx.Release() }

// Tables lists every table name visible in this snapshot.
func (s *Snapshot) Tables() []string { return s.cat.TableNames() }

// Get looks up key in table, per spec.md's B+Tree Find operation.
func (s *Snapshot) Get(table string, key uint64) ([]byte, bool, error) {
	t, ok := s.cat.Table(table)
	if !ok {
		return nil, false, dberr.Constraint("novabase.Snapshot.Get", "unknown table: "+table)
	}
	return btree.New(s.tx).Find(t.RootPage, key)
}

// Cursor opens an ascending cursor over table's rows starting at key (or
// the first row, if key is nil).
func (s *Snapshot) Cursor(table string, start *uint64) (*btree.Cursor, error) {
	t, ok := s.cat.Table(table)
	if !ok {
		return nil, dberr.Constraint("novabase.Snapshot.Cursor", "unknown table: "+table)
	}
	tree := btree.New(s.tx)
	if start == nil {
		return tree.OpenCursor(t.RootPage)
	}
	return tree.OpenCursorAt(t.RootPage, *start)
}

// Table returns table's catalog definition as of this snapshot.
func (s *Snapshot) Table(name string) (catalog.TableRecord, bool) { return s.cat.Table(name) }

// View returns view's catalog definition as of this snapshot.
func (s *Snapshot) View(name string) (catalog.ViewRecord, bool) { return s.cat.View(name) }

// Index returns index's catalog definition as of this snapshot.
func (s *Snapshot) Index(name string) (catalog.IndexRecord, bool) { return s.cat.Index(name) }
