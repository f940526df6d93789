package format

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/pkg/bx"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Magic identifies a novabase main database file.
var Magic = [8]byte{'N', 'O', 'V', 'A', 'B', 'A', 'S', 'E'}

const FormatVersion uint16 = 1

// Header offsets, per spec.md §6.
const (
	offMagic        = 0
	offVersion      = 8
	offPageSize     = 10
	offFreelistHead = 12
	offCatalogRoot  = 16
	offSchemaCookie = 20
	offLastLSN      = 24
	offChecksum     = 32
	headerCoveredLen = 32 // bytes 0..32 are covered by the checksum
)

// ValidPageSizes enumerates the page sizes the format supports.
var ValidPageSizes = map[int]bool{2048: true, 4096: true, 8192: true, 16384: true}

// Header is the decoded contents of page 0.
type Header struct {
	Version      uint16
	PageSize     int
	FreelistHead uint32
	CatalogRoot  uint32
	SchemaCookie uint32
	LastLSN      uint64
}

// NewHeader returns a fresh header for a database created with pageSize.
func NewHeader(pageSize int) Header {
	return Header{
		Version:      FormatVersion,
		PageSize:     pageSize,
		FreelistHead: 0,
		CatalogRoot:  0,
		SchemaCookie: 0,
		LastLSN:      0,
	}
}

// Encode writes h into a page-sized buffer (the rest is zeroed, per
// spec.md's "Reserved zero" tail field).
func (h Header) Encode(page []byte) {
	for i := range page {
		page[i] = 0
	}
	copy(page[offMagic:], Magic[:])
	binary.LittleEndian.PutUint16(page[offVersion:], h.Version)
	binary.LittleEndian.PutUint16(page[offPageSize:], uint16(h.PageSize))
	bx.PutU32(page[offFreelistHead:], h.FreelistHead)
	bx.PutU32(page[offCatalogRoot:], h.CatalogRoot)
	bx.PutU32(page[offSchemaCookie:], h.SchemaCookie)
	bx.PutU64(page[offLastLSN:], h.LastLSN)

	crc := crc32.Checksum(page[:headerCoveredLen], crc32cTable)
	bx.PutU32(page[offChecksum:], crc)
}

// DecodeHeader validates and decodes page 0.
func DecodeHeader(page []byte) (Header, error) {
	if len(page) < offChecksum+4 {
		return Header{}, dberr.Corruption("header.decode", "page too short for header")
	}
	if string(page[offMagic:offMagic+8]) != string(Magic[:]) {
		return Header{}, dberr.Corruption("header.decode", "bad magic")
	}

	version := binary.LittleEndian.Uint16(page[offVersion:])
	if version != FormatVersion {
		return Header{}, dberr.Corruption("header.decode", "unsupported format version")
	}

	wantCRC := bx.U32At(page, offChecksum)
	gotCRC := crc32.Checksum(page[:headerCoveredLen], crc32cTable)
	if wantCRC != gotCRC {
		return Header{}, dberr.Corruption("header.decode", "header checksum mismatch")
	}

	pageSize := int(binary.LittleEndian.Uint16(page[offPageSize:]))
	if !ValidPageSizes[pageSize] {
		return Header{}, dberr.Corruption("header.decode", "invalid page size")
	}

	return Header{
		Version:      version,
		PageSize:     pageSize,
		FreelistHead: bx.U32At(page, offFreelistHead),
		CatalogRoot:  bx.U32At(page, offCatalogRoot),
		SchemaCookie: bx.U32At(page, offSchemaCookie),
		LastLSN:      bx.U64At(page, offLastLSN),
	}, nil
}

// ChecksumCastagnoli exposes the CRC32C function used for the header,
// WAL frames, and catalog keys so callers never need their own table.
func ChecksumCastagnoli(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}
