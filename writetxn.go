package novabase

import (
	"github.com/novabase/novabase/internal/btree"
	"github.com/novabase/novabase/internal/catalog"
	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/txn"
)

// WriteTxn is the single active write transaction, exposing catalog_*
// operations and B+Tree operations keyed by root page id, per spec.md §6
// ("Through the write transaction: catalog_*, B+Tree operations keyed by
// root page id").
type WriteTxn struct {
	tx   *txn.WriteTxn
	cat  *catalog.Catalog
	tree *btree.Tree
	db   *Db
}

func newWriteTxn(db *Db, tx *txn.WriteTxn) (*WriteTxn, error) {
	cat, err := catalog.Load(tx, tx.CatalogRoot())
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	return &WriteTxn{tx: tx, cat: cat, tree: btree.New(tx), db: db}, nil
}

// Commit persists the catalog's current root (if it moved) into the DB
// header alongside every staged page, then commits the underlying write
// transaction. A commit that pushes the WAL past its configured size
// threshold triggers an automatic checkpoint, per spec.md §5.
func (w *WriteTxn) Commit() error {
	w.tx.SetCatalogRoot(w.cat.Root())
	if err := w.tx.Commit(); err != nil {
		return err
	}
	w.db.maybeAutoCheckpoint()
	return nil
}

// Rollback discards every staged write, including catalog mutations.
func (w *WriteTxn) Rollback() error { return w.tx.Rollback() }

// --- catalog_* operations, per spec.md §4.7 ---

// CreateTable registers a new, initially empty table.
func (w *WriteTxn) CreateTable(name string, columns []catalog.Column) error {
	if w.cat.HasTableOrView(name) {
		return dberr.Constraint("novabase.WriteTxn.CreateTable", "name already in use: "+name)
	}
	w.tx.BumpSchemaCookie()
	return w.cat.SaveTable(catalog.TableRecord{Name: name, RootPage: 0, NextRowID: 1, Columns: columns})
}

// DropTable removes a table definition and frees its entire data tree.
func (w *WriteTxn) DropTable(name string) error {
	t, ok := w.cat.Table(name)
	if !ok {
		return dberr.Constraint("novabase.WriteTxn.DropTable", "unknown table: "+name)
	}
	if dependents := w.cat.Dependencies().DependentsOf(name); len(dependents) > 0 {
		return dberr.Constraint("novabase.WriteTxn.DropTable", "table has dependent views: "+dependents[0])
	}
	if err := w.tree.DropTree(t.RootPage); err != nil {
		return err
	}
	w.tx.BumpSchemaCookie()
	return w.cat.DropTable(name)
}

// CreateIndex registers a new, initially empty index over table.
func (w *WriteTxn) CreateIndex(ix catalog.IndexRecord) error {
	if _, ok := w.cat.Index(ix.Name); ok {
		return dberr.Constraint("novabase.WriteTxn.CreateIndex", "index already exists: "+ix.Name)
	}
	if _, ok := w.cat.Table(ix.Table); !ok {
		return dberr.Constraint("novabase.WriteTxn.CreateIndex", "unknown table: "+ix.Table)
	}
	ix.RootPage = 0
	w.tx.BumpSchemaCookie()
	return w.cat.SaveIndex(ix)
}

// DropIndex removes an index definition and frees its tree.
func (w *WriteTxn) DropIndex(name string) error {
	ix, ok := w.cat.Index(name)
	if !ok {
		return dberr.Constraint("novabase.WriteTxn.DropIndex", "unknown index: "+name)
	}
	if err := w.tree.DropTree(ix.RootPage); err != nil {
		return err
	}
	w.tx.BumpSchemaCookie()
	return w.cat.DropIndex(name)
}

// CreateView registers a new view definition, recording its dependencies
// in the catalog's dependency index.
func (w *WriteTxn) CreateView(v catalog.ViewRecord) error {
	if w.cat.HasTableOrView(v.Name) {
		return dberr.Constraint("novabase.WriteTxn.CreateView", "name already in use: "+v.Name)
	}
	w.tx.BumpSchemaCookie()
	return w.cat.SaveView(v)
}

// DropView removes a view definition.
func (w *WriteTxn) DropView(name string) error {
	if dependents := w.cat.Dependencies().DependentsOf(name); len(dependents) > 0 {
		return dberr.Constraint("novabase.WriteTxn.DropView", "view has dependent views: "+dependents[0])
	}
	w.tx.BumpSchemaCookie()
	return w.cat.DropView(name)
}

// RenameView renames a view in place.
func (w *WriteTxn) RenameView(oldName, newName string) error {
	w.tx.BumpSchemaCookie()
	return w.cat.RenameView(oldName, newName)
}

func (w *WriteTxn) Table(name string) (catalog.TableRecord, bool) { return w.cat.Table(name) }
func (w *WriteTxn) View(name string) (catalog.ViewRecord, bool)   { return w.cat.View(name) }
func (w *WriteTxn) Index(name string) (catalog.IndexRecord, bool) { return w.cat.Index(name) }
func (w *WriteTxn) Tables() []string                              { return w.cat.TableNames() }

// --- row operations, keyed by table name (which resolves to the B+Tree
// root page id the catalog tracks for it) ---

// Insert adds a new row keyed by key to table, rejecting a duplicate key
// per spec.md's Constraint error kind.
func (w *WriteTxn) Insert(table string, key uint64, value []byte) error {
	t, ok := w.cat.Table(table)
	if !ok {
		return dberr.Constraint("novabase.WriteTxn.Insert", "unknown table: "+table)
	}
	newRoot, err := w.tree.Insert(t.RootPage, key, value)
	if err != nil {
		return err
	}
	t.RootPage = newRoot
	if key >= t.NextRowID {
		t.NextRowID = key + 1
	}
	return w.cat.SaveTable(t)
}

// NextRowID returns and reserves table's next auto-assigned row id.
func (w *WriteTxn) NextRowID(table string) (uint64, error) {
	t, ok := w.cat.Table(table)
	if !ok {
		return 0, dberr.Constraint("novabase.WriteTxn.NextRowID", "unknown table: "+table)
	}
	id := t.NextRowID
	t.NextRowID++
	if err := w.cat.SaveTable(t); err != nil {
		return 0, err
	}
	return id, nil
}

// Get looks up key in table.
func (w *WriteTxn) Get(table string, key uint64) ([]byte, bool, error) {
	t, ok := w.cat.Table(table)
	if !ok {
		return nil, false, dberr.Constraint("novabase.WriteTxn.Get", "unknown table: "+table)
	}
	return w.tree.Find(t.RootPage, key)
}

// Update replaces key's value in table.
func (w *WriteTxn) Update(table string, key uint64, value []byte) (bool, error) {
	t, ok := w.cat.Table(table)
	if !ok {
		return false, dberr.Constraint("novabase.WriteTxn.Update", "unknown table: "+table)
	}
	newRoot, found, err := w.tree.Update(t.RootPage, key, value)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	t.RootPage = newRoot
	return true, w.cat.SaveTable(t)
}

// Delete removes key from table.
func (w *WriteTxn) Delete(table string, key uint64) (bool, error) {
	t, ok := w.cat.Table(table)
	if !ok {
		return false, dberr.Constraint("novabase.WriteTxn.Delete", "unknown table: "+table)
	}
	newRoot, deleted, err := w.tree.Delete(t.RootPage, key)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}
	t.RootPage = newRoot
	return true, w.cat.SaveTable(t)
}

// Cursor opens an ascending cursor over table's rows starting at key (or
// the first row, if key is nil).
func (w *WriteTxn) Cursor(table string, start *uint64) (*btree.Cursor, error) {
	t, ok := w.cat.Table(table)
	if !ok {
		return nil, dberr.Constraint("novabase.WriteTxn.Cursor", "unknown table: "+table)
	}
	if start == nil {
		return w.tree.OpenCursor(t.RootPage)
	}
	return w.tree.OpenCursorAt(t.RootPage, *start)
}

// IndexInsert/IndexDeleteKeyValue operate on a secondary index's own tree,
// keyed by the index's own B+Tree root page id tracked in its IndexRecord.

// IndexInsert adds key -> value to a secondary index's tree.
func (w *WriteTxn) IndexInsert(indexName string, key uint64, value []byte) error {
	ix, ok := w.cat.Index(indexName)
	if !ok {
		return dberr.Constraint("novabase.WriteTxn.IndexInsert", "unknown index: "+indexName)
	}
	newRoot, err := w.tree.Insert(ix.RootPage, key, value)
	if err != nil {
		return err
	}
	ix.RootPage = newRoot
	return w.cat.SaveIndex(ix)
}

// IndexDeleteKeyValue removes key from a secondary index's tree only if
// its current value equals expected, per spec.md's CAS-style secondary
// index maintenance.
func (w *WriteTxn) IndexDeleteKeyValue(indexName string, key uint64, expected []byte) (bool, error) {
	ix, ok := w.cat.Index(indexName)
	if !ok {
		return false, dberr.Constraint("novabase.WriteTxn.IndexDeleteKeyValue", "unknown index: "+indexName)
	}
	newRoot, deleted, err := w.tree.DeleteKeyValue(ix.RootPage, key, expected)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}
	ix.RootPage = newRoot
	return true, w.cat.SaveIndex(ix)
}

// Compact rebuilds table's data tree via a full-scan bulk load when its
// space utilization has dropped below threshold, per spec.md §4.6's
// Utilization/NeedsCompaction properties.
func (w *WriteTxn) Compact(table string, threshold float64) (compacted bool, err error) {
	t, ok := w.cat.Table(table)
	if !ok {
		return false, dberr.Constraint("novabase.WriteTxn.Compact", "unknown table: "+table)
	}
	needs, err := w.tree.NeedsCompaction(t.RootPage, threshold)
	if err != nil || !needs {
		return false, err
	}

	cur, err := w.tree.OpenCursor(t.RootPage)
	if err != nil {
		return false, err
	}
	var entries []btree.Entry
	for {
		key, value, ok, err := cur.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		entries = append(entries, btree.Entry{Key: key, Value: value})
	}

	oldRoot := t.RootPage
	newRoot, err := w.tree.BulkBuildFromSorted(entries)
	if err != nil {
		return false, err
	}
	if err := w.tree.DropTree(oldRoot); err != nil {
		return false, err
	}
	t.RootPage = newRoot
	return true, w.cat.SaveTable(t)
}
