// Package txn serializes writers against a single write lock and tracks
// active readers' snapshot LSNs, per spec.md §4.8-§4.9. WriteTxn also
// implements the PageIO seams internal/freelist, internal/overflow, and
// internal/btree need, backed by a dirty-page overlay over internal/pager
// so a writer always observes its own uncommitted writes.
package txn

import (
	"sync"
	"time"

	uberatomic "go.uber.org/atomic"
)

// Handle identifies one registered reader.
type Handle struct {
	id          uint64
	SnapshotLSN uint64
}

type readerState struct {
	snapshotLSN uint64
	startedAt   time.Time
}

// LongReader describes a reader whose snapshot has been held longer than
// a diagnostic threshold, per spec.md §4.8.
type LongReader struct {
	SnapshotLSN uint64
	Age         time.Duration
}

// Registry tracks every active reader's snapshot LSN so checkpoint knows
// how far it can safely retire WAL frames.
type Registry struct {
	mu      sync.Mutex
	readers map[uint64]readerState
	nextID  uint64

	active uberatomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{readers: map[uint64]readerState{}}
}

// BeginRead registers a new reader at snapshotLSN and returns its handle.
func (r *Registry) BeginRead(snapshotLSN uint64) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.readers[id] = readerState{snapshotLSN: snapshotLSN, startedAt: time.Now()}
	r.active.Inc()
	return &Handle{id: id, SnapshotLSN: snapshotLSN}
}

// Release retires a reader's registration.
func (r *Registry) Release(h *Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.readers[h.id]; ok {
		delete(r.readers, h.id)
		r.active.Dec()
	}
}

// OldestActiveLSN returns the lowest snapshot LSN among active readers.
// ok is false when there are no active readers, meaning a checkpoint may
// retire everything up to the current durable LSN.
func (r *Registry) OldestActiveLSN() (lsn uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := true
	for _, st := range r.readers {
		if first || st.snapshotLSN < lsn {
			lsn = st.snapshotLSN
			first = false
		}
	}
	return lsn, !first
}

// ActiveCount returns the number of currently registered readers.
func (r *Registry) ActiveCount() int { return int(r.active.Load()) }

// LongReaders returns every active reader whose snapshot has been held
// for at least threshold, for diagnostics (spec.md §4.8).
func (r *Registry) LongReaders(threshold time.Duration) []LongReader {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var out []LongReader
	for _, st := range r.readers {
		age := now.Sub(st.startedAt)
		if age >= threshold {
			out = append(out, LongReader{SnapshotLSN: st.snapshotLSN, Age: age})
		}
	}
	return out
}
