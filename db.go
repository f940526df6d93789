// Package novabase is an embedded, single-file relational storage engine:
// a WAL-backed pager, a copy-on-commit B+Tree, and a catalog of table,
// index, and view definitions, reachable through snapshot read
// transactions and a single serialized write transaction.
package novabase

import (
	"errors"
	"time"

	"github.com/novabase/novabase/internal/dbconfig"
	"github.com/novabase/novabase/internal/txn"
	"github.com/novabase/novabase/internal/vfsx"
)

// ErrClosed is returned by any operation attempted on a Db after Close.
var ErrClosed = errors.New("novabase: database is closed")

// Options is the options argument to Open: cache_pages/cache_mb are
// mutually exclusive, page_size only takes effect when creating a new
// database file.
type Options = dbconfig.Options

// Db is a handle to an open database file and its WAL.
type Db struct {
	ctl    *txn.Controller
	closed bool

	// checkpointWALBytesThreshold and the ticker below are the two
	// automatic-checkpoint triggers from spec.md §5 ("Automatic
	// checkpoints are triggered by WAL size or elapsed-time thresholds").
	checkpointWALBytesThreshold int64
	stopTicker                  chan struct{}
}

// Open opens (or creates, if absent) the database file at path alongside
// its WAL sibling file "<path>-wal", per spec.md §6.
func Open(path string, opts Options) (*Db, error) {
	if opts.PageSize == 0 {
		d := dbconfig.Default()
		opts.PageSize = d.PageSize
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	ctl, err := txn.Open(vfsx.OSVFS{}, path, path+"-wal", opts.PageSize, opts.ResolvedCachePages())
	if err != nil {
		return nil, err
	}

	db := &Db{ctl: ctl, checkpointWALBytesThreshold: opts.CheckpointWALBytesThreshold}
	if opts.CheckpointInterval > 0 {
		db.stopTicker = make(chan struct{})
		go db.runCheckpointTicker(opts.CheckpointInterval)
	}
	return db, nil
}

// runCheckpointTicker is the elapsed-time half of automatic checkpointing:
// it fires a checkpoint every interval regardless of WAL size, until Close
// stops it. maybeAutoCheckpoint (called after every commit) is the
// WAL-size half.
func (db *Db) runCheckpointTicker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopTicker:
			return
		case <-ticker.C:
			_, _ = db.ctl.Checkpoint(false)
		}
	}
}

// maybeAutoCheckpoint runs a checkpoint if the WAL has grown past
// checkpointWALBytesThreshold. Called after every successful commit.
func (db *Db) maybeAutoCheckpoint() {
	if db.checkpointWALBytesThreshold <= 0 {
		return
	}
	if db.ctl.WALSize() >= db.checkpointWALBytesThreshold {
		_, _ = db.ctl.Checkpoint(false)
	}
}

// Close releases the underlying file handles. A Db must not be used
// afterward.
func (db *Db) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	if db.stopTicker != nil {
		close(db.stopTicker)
	}
	return db.ctl.Close()
}

// Checkpoint flushes retireable WAL frames into the main file, per
// spec.md §4.4 and §4.9.
func (db *Db) Checkpoint(forceTruncateOnTimeout bool) (retiredPages int, err error) {
	if db.closed {
		return 0, ErrClosed
	}
	return db.ctl.Checkpoint(forceTruncateOnTimeout)
}

// Stats reports reader count, WAL size, and cache effectiveness, per
// spec.md §6 ("stats(db) -> {reader_count, wal_bytes, cache_hits, ...}").
type Stats struct {
	ReaderCount int
	WALBytes    int64
	CacheHits   uint64
	CacheMisses uint64
	CachedPages int
}

func (db *Db) Stats() Stats {
	ps := db.ctl.Pager().Stats()
	return Stats{
		ReaderCount: db.ctl.Registry().ActiveCount(),
		WALBytes:    db.ctl.WALSize(),
		CacheHits:   ps.Hits,
		CacheMisses: ps.Misses,
		CachedPages: ps.CachedPages,
	}
}

// BeginRead opens a lock-free snapshot reader pinned to the current
// durable LSN, per spec.md §5 ("begin_read never blocks the writer").
func (db *Db) BeginRead() (*Snapshot, error) {
	if db.closed {
		return nil, ErrClosed
	}
	return newSnapshot(db.ctl.BeginRead())
}

// BeginWrite blocks until the single write transaction slot is free, per
// spec.md §4.9 ("exactly one write transaction may be active at a time").
func (db *Db) BeginWrite() (*WriteTxn, error) {
	if db.closed {
		return nil, ErrClosed
	}
	wtx, err := db.ctl.BeginWrite()
	if err != nil {
		return nil, err
	}
	return newWriteTxn(db, wtx)
}
