package catalog

import (
	"log/slog"

	"github.com/novabase/novabase/internal/btree"
	"github.com/novabase/novabase/internal/dberr"
)

// PageIO is the page access surface the catalog tree needs; structurally
// identical to btree.PageIO so any internal/txn write transaction that
// already implements one implements both.
type PageIO = btree.PageIO

// DependencyIndex maps an object name (table or view) to the set of view
// names that depend on it, per spec.md §4.7.
type DependencyIndex map[string]map[string]bool

func (d DependencyIndex) add(object, view string) {
	set, ok := d[object]
	if !ok {
		set = map[string]bool{}
		d[object] = set
	}
	set[view] = true
}

// DependentsOf returns the views that depend on object.
func (d DependencyIndex) DependentsOf(object string) []string {
	set := d[object]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// Catalog is the in-memory projection of the catalog B+Tree: every
// mutating method updates both the tree (via io) and these maps inside
// the caller's write transaction, and reports back the tree's (possibly
// new, on root split) root page id for the caller to persist in the DB
// header as part of the same transaction.
type Catalog struct {
	io   PageIO
	tree *btree.Tree
	root uint32

	tables  map[string]TableRecord
	indexes map[string]IndexRecord
	views   map[string]ViewRecord
	deps    DependencyIndex
}

// Root returns the catalog tree's current root page id, for the caller to
// persist in the DB header.
func (c *Catalog) Root() uint32 { return c.root }

func (c *Catalog) HasTable(name string) bool { _, ok := c.tables[name]; return ok }
func (c *Catalog) HasView(name string) bool  { _, ok := c.views[name]; return ok }

// HasTableOrView reports whether name conflicts with an existing table or
// view (indexes share no namespace with them per spec.md's separate key
// prefixes).
func (c *Catalog) HasTableOrView(name string) bool {
	return c.HasTable(name) || c.HasView(name)
}

func (c *Catalog) Table(name string) (TableRecord, bool) {
	t, ok := c.tables[name]
	return t, ok
}

func (c *Catalog) Index(name string) (IndexRecord, bool) {
	ix, ok := c.indexes[name]
	return ix, ok
}

func (c *Catalog) View(name string) (ViewRecord, bool) {
	v, ok := c.views[name]
	return v, ok
}

func (c *Catalog) Dependencies() DependencyIndex { return c.deps }

// TableNames lists every known table name, in no particular order.
func (c *Catalog) TableNames() []string {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	return names
}

// ViewNames lists every known view name, in no particular order.
func (c *Catalog) ViewNames() []string {
	names := make([]string, 0, len(c.views))
	for name := range c.views {
		names = append(names, name)
	}
	return names
}

// IndexNames lists every known index name, in no particular order.
func (c *Catalog) IndexNames() []string {
	names := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		names = append(names, name)
	}
	return names
}

// Load reconstructs a Catalog by a full scan of the catalog tree rooted
// at root (root==0 means an empty, freshly created database), then
// repairs each table's next_rowid against the actual max key present in
// its own data tree — this undoes a crash that committed data rows but
// lost the catalog's post-insert counter update, per spec.md §4.7.
func Load(io PageIO, root uint32) (*Catalog, error) {
	c := &Catalog{
		io:      io,
		tree:    btree.New(io),
		root:    root,
		tables:  map[string]TableRecord{},
		indexes: map[string]IndexRecord{},
		views:   map[string]ViewRecord{},
		deps:    DependencyIndex{},
	}

	cur, err := c.tree.OpenCursor(root)
	if err != nil {
		return nil, err
	}
	for {
		_, value, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if len(value) < 1 {
			return nil, dberr.Corruption("catalog.Load", "empty catalog record")
		}
		switch Kind(value[0]) {
		case KindTable:
			t, err := DecodeTable(value)
			if err != nil {
				return nil, err
			}
			c.tables[t.Name] = t
		case KindIndex:
			ix, err := DecodeIndex(value)
			if err != nil {
				return nil, err
			}
			c.indexes[ix.Name] = ix
		case KindView:
			v, err := DecodeView(value)
			if err != nil {
				return nil, err
			}
			c.views[v.Name] = v
		default:
			return nil, dberr.Corruption("catalog.Load", "unknown catalog record kind")
		}
	}

	c.rebuildDependencyIndex()

	if err := c.repairRowIDCounters(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) rebuildDependencyIndex() {
	c.deps = DependencyIndex{}
	for _, v := range c.views {
		for _, dep := range v.Dependencies {
			c.deps.add(dep, v.Name)
		}
	}
}

// repairRowIDCounters scans each table's data tree for its maximum key
// and bumps NextRowID to max_key+1 when the persisted counter lagged
// behind, per spec.md §4.7.
func (c *Catalog) repairRowIDCounters() error {
	dataTree := btree.New(c.io)
	for name, t := range c.tables {
		maxKey, found, err := maxLeafKey(dataTree, t.RootPage)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if t.NextRowID <= maxKey {
			slog.Warn("catalog: repairing next_rowid after crash", "table", name, "stored", t.NextRowID, "repaired", maxKey+1)
			t.NextRowID = maxKey + 1
			c.tables[name] = t
			if err := c.writeRecord(Key(KindTable, name), EncodeTable(t)); err != nil {
				return err
			}
		}
	}
	return nil
}

func maxLeafKey(tree *btree.Tree, root uint32) (uint64, bool, error) {
	cur, err := tree.OpenCursor(root)
	if err != nil {
		return 0, false, err
	}
	var max uint64
	found := false
	for {
		key, _, ok, err := cur.Next()
		if err != nil {
			return 0, false, err
		}
		if !ok {
			break
		}
		max = key
		found = true
	}
	return max, found, nil
}

func (c *Catalog) writeRecord(key uint64, value []byte) error {
	newRoot, found, err := c.tree.Update(c.root, key, value)
	if err != nil {
		return err
	}
	if found {
		c.root = newRoot
		return nil
	}
	newRoot, err = c.tree.Insert(c.root, key, value)
	if err != nil {
		return err
	}
	c.root = newRoot
	return nil
}

// SaveTable inserts or updates a table definition.
func (c *Catalog) SaveTable(t TableRecord) error {
	if err := c.writeRecord(Key(KindTable, t.Name), EncodeTable(t)); err != nil {
		return err
	}
	c.tables[t.Name] = t
	slog.Debug("catalog.SaveTable", "name", t.Name, "root_page", t.RootPage)
	return nil
}

// SaveIndex inserts or updates an index definition.
func (c *Catalog) SaveIndex(ix IndexRecord) error {
	if err := c.writeRecord(Key(KindIndex, ix.Name), EncodeIndex(ix)); err != nil {
		return err
	}
	c.indexes[ix.Name] = ix
	slog.Debug("catalog.SaveIndex", "name", ix.Name, "table", ix.Table)
	return nil
}

// SaveView inserts or updates a view definition and refreshes the
// dependency index.
func (c *Catalog) SaveView(v ViewRecord) error {
	if err := c.writeRecord(Key(KindView, v.Name), EncodeView(v)); err != nil {
		return err
	}
	c.views[v.Name] = v
	c.rebuildDependencyIndex()
	slog.Debug("catalog.SaveView", "name", v.Name)
	return nil
}

// DropTable removes a table definition. Callers are responsible for
// freeing the table's own data tree pages first (via btree.Tree's
// traversal helpers) within the same write transaction.
func (c *Catalog) DropTable(name string) error {
	if _, ok := c.tables[name]; !ok {
		return dberr.Constraint("catalog.DropTable", "table not found: "+name)
	}
	newRoot, deleted, err := c.tree.Delete(c.root, Key(KindTable, name))
	if err != nil {
		return err
	}
	if !deleted {
		return dberr.Internal("catalog.DropTable", "table record missing from tree despite in-memory presence")
	}
	c.root = newRoot
	delete(c.tables, name)
	return nil
}

// DropIndex removes an index definition.
func (c *Catalog) DropIndex(name string) error {
	if _, ok := c.indexes[name]; !ok {
		return dberr.Constraint("catalog.DropIndex", "index not found: "+name)
	}
	newRoot, deleted, err := c.tree.Delete(c.root, Key(KindIndex, name))
	if err != nil {
		return err
	}
	if !deleted {
		return dberr.Internal("catalog.DropIndex", "index record missing from tree despite in-memory presence")
	}
	c.root = newRoot
	delete(c.indexes, name)
	return nil
}

// DropView removes a view definition and refreshes the dependency index.
func (c *Catalog) DropView(name string) error {
	if _, ok := c.views[name]; !ok {
		return dberr.Constraint("catalog.DropView", "view not found: "+name)
	}
	newRoot, deleted, err := c.tree.Delete(c.root, Key(KindView, name))
	if err != nil {
		return err
	}
	if !deleted {
		return dberr.Internal("catalog.DropView", "view record missing from tree despite in-memory presence")
	}
	c.root = newRoot
	delete(c.views, name)
	c.rebuildDependencyIndex()
	return nil
}

// RenameView renames a view in place, preserving its definition.
func (c *Catalog) RenameView(oldName, newName string) error {
	v, ok := c.views[oldName]
	if !ok {
		return dberr.Constraint("catalog.RenameView", "view not found: "+oldName)
	}
	if c.HasTableOrView(newName) {
		return dberr.Constraint("catalog.RenameView", "name already in use: "+newName)
	}
	if err := c.DropView(oldName); err != nil {
		return err
	}
	v.Name = newName
	return c.SaveView(v)
}
