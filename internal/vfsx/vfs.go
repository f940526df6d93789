// Package vfsx abstracts the file operations the storage core needs
// (open/read/write/fsync/truncate/close), serialized per file, so the
// core can be driven against an in-memory or fault-injecting backend in
// tests.
package vfsx

import (
	"io"
	"os"
	"sync"

	"github.com/novabase/novabase/internal/dberr"
)

// File is one open handle. All operations take an absolute offset; there
// is no shared cursor between callers.
type File interface {
	ReadAt(buf []byte, off int64) (int, error)
	WriteAt(buf []byte, off int64) (int, error)
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
	Close() error
}

// VFS opens files by path.
type VFS interface {
	Open(path string, create bool) (File, error)
	Remove(path string) error
}

// OSVFS is the default VFS, backed by the local filesystem.
type OSVFS struct{}

func (OSVFS) Open(path string, create bool) (File, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, dberr.IoErr("open", path, err)
	}
	return &osFile{f: f, path: path}, nil
}

func (OSVFS) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return dberr.IoErr("remove", path, err)
	}
	return nil
}

// osFile serializes every operation on one file under a single mutex, per
// the VFS contract: one file's I/O is internally serialized, independent
// of any other file.
type osFile struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func (o *osFile) ReadAt(buf []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return n, dberr.IoErr("read", o.path, err)
	}
	return n, nil
}

func (o *osFile) WriteAt(buf []byte, off int64) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, err := o.f.WriteAt(buf, off)
	if err != nil {
		return n, dberr.IoErr("write", o.path, err)
	}
	return n, nil
}

func (o *osFile) Sync() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.f.Sync(); err != nil {
		return dberr.IoErr("fsync", o.path, err)
	}
	return nil
}

func (o *osFile) Truncate(size int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.f.Truncate(size); err != nil {
		return dberr.IoErr("truncate", o.path, err)
	}
	return nil
}

func (o *osFile) Size() (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	info, err := o.f.Stat()
	if err != nil {
		return 0, dberr.IoErr("stat", o.path, err)
	}
	return info.Size(), nil
}

func (o *osFile) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.f.Close(); err != nil {
		return dberr.IoErr("close", o.path, err)
	}
	return nil
}
