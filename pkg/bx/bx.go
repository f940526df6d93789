// Package bx holds small little-endian byte/integer helpers shared by the
// format, WAL, overflow, freelist, and catalog packages.
package bx

import "encoding/binary"

var LE = binary.LittleEndian

func U16(b []byte) uint16 { return LE.Uint16(b) }
func U32(b []byte) uint32 { return LE.Uint32(b) }
func U64(b []byte) uint64 { return LE.Uint64(b) }

func PutU16(b []byte, v uint16) { LE.PutUint16(b, v) }
func PutU32(b []byte, v uint32) { LE.PutUint32(b, v) }
func PutU64(b []byte, v uint64) { LE.PutUint64(b, v) }

func U16At(b []byte, off int) uint16 { return U16(b[off:]) }
func U32At(b []byte, off int) uint32 { return U32(b[off:]) }
func U64At(b []byte, off int) uint64 { return U64(b[off:]) }
