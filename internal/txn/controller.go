package txn

import (
	"sync"

	"go.uber.org/multierr"

	"github.com/novabase/novabase/internal/format"
	"github.com/novabase/novabase/internal/pager"
	"github.com/novabase/novabase/internal/vfsx"
	"github.com/novabase/novabase/internal/wal"
)

// Controller owns the main file, the WAL, the page cache, and the reader
// registry, and serializes write transactions behind a single lock, per
// spec.md §4.9 ("Exactly one write transaction may be active at a time").
type Controller struct {
	main     vfsx.File
	wal      *wal.Manager
	pager    *pager.Pager
	registry *Registry
	pageSize int

	writeMu    sync.Mutex
	nextPageID uint32
}

// Open opens (or creates) the main database file and its WAL, and
// positions page allocation past anything either file already knows
// about.
func Open(vfs vfsx.VFS, dbPath, walPath string, pageSize, cachePages int) (*Controller, error) {
	main, err := vfs.Open(dbPath, true)
	if err != nil {
		return nil, err
	}
	size, err := main.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		hdr := format.NewHeader(pageSize)
		buf := make([]byte, pageSize)
		hdr.Encode(buf)
		if _, err := main.WriteAt(buf, 0); err != nil {
			return nil, err
		}
		if err := main.Sync(); err != nil {
			return nil, err
		}
		size = int64(pageSize)
	} else {
		buf := make([]byte, pageSize)
		if _, err := main.ReadAt(buf, 0); err != nil {
			return nil, err
		}
		hdr, err := format.DecodeHeader(buf)
		if err != nil {
			return nil, err
		}
		pageSize = hdr.PageSize
	}

	w, err := wal.Open(vfs, walPath, pageSize)
	if err != nil {
		return nil, err
	}

	mainPages := uint32(size / int64(pageSize))
	nextPageID := mainPages
	if afterWAL := w.MaxPageID() + 1; afterWAL > nextPageID {
		nextPageID = afterWAL
	}
	if nextPageID < 1 {
		nextPageID = 1
	}

	return &Controller{
		main:       main,
		wal:        w,
		pager:      pager.Open(main, w, pageSize, cachePages),
		registry:   NewRegistry(),
		pageSize:   pageSize,
		nextPageID: nextPageID,
	}, nil
}

// BeginRead takes a snapshot at the current durable LSN and registers it
// so checkpoint won't retire frames it might still need.
func (ctl *Controller) BeginRead() *ReadTxn {
	snapshot := ctl.wal.DurableLSN()
	h := ctl.registry.BeginRead(snapshot)
	return &ReadTxn{ctl: ctl, handle: h, snapshot: snapshot}
}

// BeginWrite blocks until the single write lock is free, then returns a
// WriteTxn positioned on the latest committed header.
func (ctl *Controller) BeginWrite() (*WriteTxn, error) {
	ctl.writeMu.Lock()

	headerImg, err := ctl.pager.ReadLatest(0)
	if err != nil {
		ctl.writeMu.Unlock()
		return nil, err
	}
	hdr, err := format.DecodeHeader(headerImg)
	if err != nil {
		ctl.writeMu.Unlock()
		return nil, err
	}

	return &WriteTxn{
		ctl:        ctl,
		header:     hdr,
		dirty:      map[uint32][]byte{},
		nextPageID: ctl.nextPageID,
		st:         stateWriting,
	}, nil
}

// Checkpoint flushes retireable WAL frames into the main file. It never
// retires a frame an active reader might still need unless
// forceTruncateOnTimeout is set, per spec.md §5 and SPEC_FULL.md §4
// ("force_truncate_on_timeout").
func (ctl *Controller) Checkpoint(forceTruncateOnTimeout bool) (retiredPages int, err error) {
	ctl.writeMu.Lock()
	defer ctl.writeMu.Unlock()

	keepAbove, hasReaders := ctl.registry.OldestActiveLSN()
	if !hasReaders || forceTruncateOnTimeout {
		keepAbove = ctl.wal.DurableLSN()
	}

	retiredPages, err = ctl.wal.Checkpoint(ctl.main, keepAbove)
	if err != nil {
		return retiredPages, err
	}
	ctl.pager.NoteCheckpoint(keepAbove)
	return retiredPages, nil
}

// Pager exposes the shared page cache, e.g. for Stats().
func (ctl *Controller) Pager() *pager.Pager { return ctl.pager }

// Registry exposes the reader registry, e.g. for Stats() and diagnostics.
func (ctl *Controller) Registry() *Registry { return ctl.registry }

// WALSize returns the current WAL file length in bytes.
func (ctl *Controller) WALSize() int64 { return ctl.wal.Size() }

// Close releases the main file and WAL handles, aggregating any failures.
func (ctl *Controller) Close() error {
	var err error
	if cerr := ctl.wal.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	if cerr := ctl.main.Close(); cerr != nil {
		err = multierr.Append(err, cerr)
	}
	return err
}
