// Package catalog persists table, index, and view metadata as records in
// a dedicated B+Tree rooted from the DB header, per spec.md §4.7.
//
// Grounded on the teacher's internal/catalog/model.go TableMeta struct
// (name/root-page/column-list shape) generalized from a single
// JSON-on-disk TableMeta to the three record kinds spec.md names, each
// stored as a length-prefixed tuple inside the shared catalog tree
// instead of one file per table.
package catalog

import (
	"strings"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/format"
	"github.com/novabase/novabase/pkg/bx"
)

// Kind tags which of the three record shapes a catalog entry holds.
type Kind byte

const (
	KindTable Kind = 1
	KindIndex Kind = 2
	KindView  Kind = 3
)

// Key derives the catalog B+Tree key for a named object of the given kind,
// per spec.md: CRC32C("<kind>:<name>").
func Key(kind Kind, name string) uint64 {
	prefix := kindPrefix(kind)
	return uint64(format.ChecksumCastagnoli([]byte(prefix + ":" + name)))
}

func kindPrefix(kind Kind) string {
	switch kind {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	case KindView:
		return "view"
	default:
		return "unknown"
	}
}

// Column flag values, per spec.md §3 ("Catalog records").
const (
	FlagNotNull = "notnull"
	FlagUnique  = "unique"
	FlagPK      = "pk"
	FlagRefPrefix = "ref="
)

// Column is one column of a Table record.
type Column struct {
	Name  string
	Type  string
	Flags []string // notnull, unique, pk, ref=table.col
}

// EncodeColumns renders cols into spec.md's ";"-separated
// "name:TYPE[:flags]" textual form, so the on-disk column list matches
// the wire format a higher SQL layer would parse directly.
func EncodeColumns(cols []Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		seg := []string{c.Name, c.Type}
		seg = append(seg, c.Flags...)
		parts[i] = strings.Join(seg, ":")
	}
	return strings.Join(parts, ";")
}

// DecodeColumns parses the textual form EncodeColumns produces.
func DecodeColumns(s string) ([]Column, error) {
	if s == "" {
		return nil, nil
	}
	rawCols := strings.Split(s, ";")
	cols := make([]Column, 0, len(rawCols))
	for _, raw := range rawCols {
		parts := strings.Split(raw, ":")
		if len(parts) < 2 {
			return nil, dberr.Corruption("catalog.DecodeColumns", "malformed column entry: "+raw)
		}
		var flags []string
		if len(parts) > 2 {
			flags = append([]string(nil), parts[2:]...)
		}
		cols = append(cols, Column{Name: parts[0], Type: parts[1], Flags: flags})
	}
	return cols, nil
}

// TableRecord is a persisted table definition.
type TableRecord struct {
	Name      string
	RootPage  uint32
	NextRowID uint64
	Columns   []Column
}

// IndexRecord is a persisted index definition.
type IndexRecord struct {
	Name     string
	Table    string
	Columns  []string
	RootPage uint32
	Kind     string // "btree" or "trigram"
	Unique   bool
}

// ViewRecord is a persisted view definition.
type ViewRecord struct {
	Name         string
	SQLText      string
	ColumnNames  []string
	Dependencies []string
}

func appendU32(dst []byte, v uint32) []byte {
	var tmp [4]byte
	bx.PutU32(tmp[:], v)
	return append(dst, tmp[:]...)
}

func appendString(dst []byte, s string) []byte {
	dst = format.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(body []byte) (string, int, error) {
	n, m := format.Uvarint(body)
	if m <= 0 {
		return "", 0, dberr.Corruption("catalog.readString", "truncated length varint")
	}
	off := m
	if off+int(n) > len(body) {
		return "", 0, dberr.Corruption("catalog.readString", "string out of bounds")
	}
	return string(body[off : off+int(n)]), off + int(n), nil
}

func appendStrings(dst []byte, ss []string) []byte {
	dst = format.AppendUvarint(dst, uint64(len(ss)))
	for _, s := range ss {
		dst = appendString(dst, s)
	}
	return dst
}

func readStrings(body []byte) ([]string, int, error) {
	count, m := format.Uvarint(body)
	if m <= 0 {
		return nil, 0, dberr.Corruption("catalog.readStrings", "truncated count varint")
	}
	off := m
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, n, err := readString(body[off:])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
		off += n
	}
	return out, off, nil
}

// EncodeTable serializes a TableRecord.
func EncodeTable(t TableRecord) []byte {
	dst := []byte{byte(KindTable)}
	dst = appendString(dst, t.Name)
	dst = appendU32(dst, t.RootPage)
	dst = format.AppendUvarint(dst, t.NextRowID)
	dst = appendString(dst, EncodeColumns(t.Columns))
	return dst
}

// DecodeTable parses a TableRecord previously produced by EncodeTable.
func DecodeTable(data []byte) (TableRecord, error) {
	if len(data) < 1 || Kind(data[0]) != KindTable {
		return TableRecord{}, dberr.Corruption("catalog.DecodeTable", "not a table record")
	}
	body := data[1:]
	name, n, err := readString(body)
	if err != nil {
		return TableRecord{}, err
	}
	body = body[n:]

	if len(body) < 4 {
		return TableRecord{}, dberr.Corruption("catalog.DecodeTable", "truncated root page")
	}
	root := bx.U32At(body, 0)
	body = body[4:]

	nextRowID, n := format.Uvarint(body)
	if n <= 0 {
		return TableRecord{}, dberr.Corruption("catalog.DecodeTable", "truncated next_rowid")
	}
	body = body[n:]

	colsStr, _, err := readString(body)
	if err != nil {
		return TableRecord{}, err
	}
	cols, err := DecodeColumns(colsStr)
	if err != nil {
		return TableRecord{}, err
	}

	return TableRecord{Name: name, RootPage: root, NextRowID: nextRowID, Columns: cols}, nil
}

// EncodeIndex serializes an IndexRecord.
func EncodeIndex(ix IndexRecord) []byte {
	dst := []byte{byte(KindIndex)}
	dst = appendString(dst, ix.Name)
	dst = appendString(dst, ix.Table)
	dst = appendStrings(dst, ix.Columns)
	dst = appendU32(dst, ix.RootPage)
	dst = appendString(dst, ix.Kind)
	if ix.Unique {
		dst = append(dst, 1)
	} else {
		dst = append(dst, 0)
	}
	return dst
}

// DecodeIndex parses an IndexRecord previously produced by EncodeIndex.
func DecodeIndex(data []byte) (IndexRecord, error) {
	if len(data) < 1 || Kind(data[0]) != KindIndex {
		return IndexRecord{}, dberr.Corruption("catalog.DecodeIndex", "not an index record")
	}
	body := data[1:]

	name, n, err := readString(body)
	if err != nil {
		return IndexRecord{}, err
	}
	body = body[n:]

	table, n, err := readString(body)
	if err != nil {
		return IndexRecord{}, err
	}
	body = body[n:]

	cols, n, err := readStrings(body)
	if err != nil {
		return IndexRecord{}, err
	}
	body = body[n:]

	if len(body) < 4 {
		return IndexRecord{}, dberr.Corruption("catalog.DecodeIndex", "truncated root page")
	}
	root := bx.U32At(body, 0)
	body = body[4:]

	kind, n, err := readString(body)
	if err != nil {
		return IndexRecord{}, err
	}
	body = body[n:]

	if len(body) < 1 {
		return IndexRecord{}, dberr.Corruption("catalog.DecodeIndex", "truncated unique flag")
	}
	unique := body[0] == 1

	return IndexRecord{Name: name, Table: table, Columns: cols, RootPage: root, Kind: kind, Unique: unique}, nil
}

// EncodeView serializes a ViewRecord.
func EncodeView(v ViewRecord) []byte {
	dst := []byte{byte(KindView)}
	dst = appendString(dst, v.Name)
	dst = appendString(dst, v.SQLText)
	dst = appendStrings(dst, v.ColumnNames)
	dst = appendStrings(dst, v.Dependencies)
	return dst
}

// DecodeView parses a ViewRecord previously produced by EncodeView.
func DecodeView(data []byte) (ViewRecord, error) {
	if len(data) < 1 || Kind(data[0]) != KindView {
		return ViewRecord{}, dberr.Corruption("catalog.DecodeView", "not a view record")
	}
	body := data[1:]

	name, n, err := readString(body)
	if err != nil {
		return ViewRecord{}, err
	}
	body = body[n:]

	sql, n, err := readString(body)
	if err != nil {
		return ViewRecord{}, err
	}
	body = body[n:]

	colNames, n, err := readStrings(body)
	if err != nil {
		return ViewRecord{}, err
	}
	body = body[n:]

	deps, _, err := readStrings(body)
	if err != nil {
		return ViewRecord{}, err
	}

	return ViewRecord{Name: name, SQLText: sql, ColumnNames: colNames, Dependencies: deps}, nil
}
