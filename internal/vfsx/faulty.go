package vfsx

import (
	"sync"

	"github.com/novabase/novabase/internal/dberr"
)

// FaultSpec configures the failure a FaultyVFS injects.
type FaultSpec struct {
	// FailAfterWrites fails the N-th WriteAt call across all open files
	// (1-indexed); 0 disables this trigger.
	FailAfterWrites int
	// ShortWriteBytes, if >0, truncates the write that would otherwise
	// trigger FailAfterWrites to this many bytes instead of failing it
	// outright, simulating a torn write.
	ShortWriteBytes int
	// FailSyncAfter fails the N-th Sync call across all open files
	// (1-indexed); 0 disables this trigger.
	FailSyncAfter int
	// Err is returned by a triggered failure; defaults to a generic Io error.
	Err error
}

// FaultyVFS wraps another VFS and injects short writes, torn writes, or
// induced errors after a configured number of calls, per spec.md's VFS
// testability requirement.
type FaultyVFS struct {
	inner VFS
	spec  FaultSpec

	mu          sync.Mutex
	writeCalls  int
	syncCalls   int
}

func NewFaultyVFS(inner VFS, spec FaultSpec) *FaultyVFS {
	return &FaultyVFS{inner: inner, spec: spec}
}

func (v *FaultyVFS) Open(path string, create bool) (File, error) {
	f, err := v.inner.Open(path, create)
	if err != nil {
		return nil, err
	}
	return &faultyFile{v: v, inner: f, path: path}, nil
}

func (v *FaultyVFS) Remove(path string) error { return v.inner.Remove(path) }

func (v *FaultyVFS) err() error {
	if v.spec.Err != nil {
		return v.spec.Err
	}
	return dberr.IoErr("fault", "", errFaultInjected)
}

var errFaultInjected = &faultErr{}

type faultErr struct{}

func (*faultErr) Error() string { return "vfsx: injected fault" }

type faultyFile struct {
	v     *FaultyVFS
	inner File
	path  string
}

func (f *faultyFile) ReadAt(buf []byte, off int64) (int, error) {
	return f.inner.ReadAt(buf, off)
}

func (f *faultyFile) WriteAt(buf []byte, off int64) (int, error) {
	f.v.mu.Lock()
	f.v.writeCalls++
	trigger := f.v.spec.FailAfterWrites > 0 && f.v.writeCalls == f.v.spec.FailAfterWrites
	short := f.v.spec.ShortWriteBytes
	f.v.mu.Unlock()

	if trigger {
		if short > 0 && short < len(buf) {
			n, err := f.inner.WriteAt(buf[:short], off)
			if err != nil {
				return n, err
			}
			return n, f.v.err()
		}
		return 0, f.v.err()
	}
	return f.inner.WriteAt(buf, off)
}

func (f *faultyFile) Sync() error {
	f.v.mu.Lock()
	f.v.syncCalls++
	trigger := f.v.spec.FailSyncAfter > 0 && f.v.syncCalls == f.v.spec.FailSyncAfter
	f.v.mu.Unlock()

	if trigger {
		return f.v.err()
	}
	return f.inner.Sync()
}

func (f *faultyFile) Truncate(size int64) error { return f.inner.Truncate(size) }
func (f *faultyFile) Size() (int64, error)      { return f.inner.Size() }
func (f *faultyFile) Close() error              { return f.inner.Close() }
