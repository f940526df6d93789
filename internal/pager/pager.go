// Package pager fronts the main database file and the WAL with a bounded
// read cache, presenting callers a single ReadSnapshot/ReadLatest
// interface regardless of whether a page's current version lives in the
// WAL overlay or the main file.
//
// Grounded on the teacher's internal/bufferpool.GlobalPool (single shared
// cache keyed by page identity, CLOCK eviction, hit/miss accounting) but
// simplified: GlobalPool's frames are the only copy of a dirty page, so
// eviction must flush them; here the WAL is already the durability
// boundary for dirty data (see internal/wal and internal/txn), so this
// cache only ever holds committed images and eviction never needs to
// write anything back.
package pager

import (
	"sync"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/vfsx"
	"github.com/novabase/novabase/internal/wal"
	uberatomic "go.uber.org/atomic"
)

type frame struct {
	pageID uint32
	image  []byte
}

// Pager is the read path shared by the writer and every active reader.
type Pager struct {
	main     vfsx.File
	wal      *wal.Manager
	pageSize int

	mu     sync.Mutex
	frames []*frame
	table  map[uint32]int
	repl   *clockReplacer

	floorLSN uberatomic.Uint64
	hits     uberatomic.Uint64
	misses   uberatomic.Uint64
}

const defaultCapacityPages = 1024

// Open wires a Pager to the main file and WAL. capacityPages <= 0 uses a
// small default; real callers should size this from dbconfig's
// cache_pages/cache_mb option.
func Open(main vfsx.File, w *wal.Manager, pageSize, capacityPages int) *Pager {
	if capacityPages <= 0 {
		capacityPages = defaultCapacityPages
	}
	return &Pager{
		main:     main,
		wal:      w,
		pageSize: pageSize,
		frames:   make([]*frame, capacityPages),
		table:    make(map[uint32]int),
		repl:     newClockReplacer(capacityPages),
	}
}

func (p *Pager) PageSize() int { return p.pageSize }

// ReadSnapshot returns the page image visible to a reader whose snapshot
// LSN is `snapshot`: the newest WAL frame at or before it, or the main
// file's image if the WAL has nothing for this page at this snapshot.
//
// If the WAL has nothing AND the snapshot predates the checkpoint floor,
// the version this snapshot needed was already retired by a forced
// checkpoint (force_truncate_on_timeout, SPEC_FULL.md §4) and the read
// fails rather than silently returning data newer than the snapshot.
func (p *Pager) ReadSnapshot(pageID uint32, snapshot uint64) ([]byte, error) {
	img, ok, err := p.wal.Read(pageID, snapshot)
	if err != nil {
		return nil, err
	}
	if ok {
		return img, nil
	}

	if snapshot < p.floorLSN.Load() {
		return nil, dberr.Transaction("pager.ReadSnapshot", "snapshot's page version was reclaimed by a forced checkpoint")
	}
	return p.readMain(pageID)
}

// ReadLatest returns the most recently committed image of pageID, for the
// writer to build a new transaction on top of.
func (p *Pager) ReadLatest(pageID uint32) ([]byte, error) {
	return p.ReadSnapshot(pageID, p.wal.DurableLSN())
}

func (p *Pager) readMain(pageID uint32) ([]byte, error) {
	p.mu.Lock()
	if idx, ok := p.table[pageID]; ok {
		f := p.frames[idx]
		p.repl.touch(idx)
		p.hits.Inc()
		img := append([]byte(nil), f.image...)
		p.mu.Unlock()
		return img, nil
	}
	p.mu.Unlock()

	p.misses.Inc()
	buf := make([]byte, p.pageSize)
	if _, err := p.main.ReadAt(buf, int64(pageID)*int64(p.pageSize)); err != nil {
		return nil, err
	}
	p.cache(pageID, buf)
	return buf, nil
}

func (p *Pager) cache(pageID uint32, image []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, ok := p.table[pageID]; ok {
		p.frames[idx].image = append([]byte(nil), image...)
		p.repl.touch(idx)
		return
	}

	idx := p.freeSlotLocked()
	p.frames[idx] = &frame{pageID: pageID, image: append([]byte(nil), image...)}
	p.table[pageID] = idx
	p.repl.touch(idx)
	p.repl.setEvictable(idx, true)
}

// freeSlotLocked must be called with p.mu held.
func (p *Pager) freeSlotLocked() int {
	for i, f := range p.frames {
		if f == nil {
			return i
		}
	}
	if victim, ok := p.repl.evict(); ok {
		delete(p.table, p.frames[victim].pageID)
		p.frames[victim] = nil
		return victim
	}
	// Every slot pinned-equivalent (freshly touched, not yet marked
	// evictable): fall back to reclaiming slot 0 rather than growing
	// unboundedly. Harmless since this cache never owns the only copy of
	// a page's data.
	delete(p.table, p.frames[0].pageID)
	return 0
}

// Invalidate drops pageID from the cache, e.g. right after a commit wrote
// a fresh image for it.
func (p *Pager) Invalidate(pageID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.table[pageID]; ok {
		delete(p.table, pageID)
		p.frames[idx] = nil
		p.repl.remove(idx)
	}
}

// NoteCheckpoint records that the checkpoint just flushed every page last
// written at or before keepAboveLSN into the main file, and drops the
// whole cache so subsequent reads pick up fresh main-file bytes.
func (p *Pager) NoteCheckpoint(keepAboveLSN uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if keepAboveLSN > p.floorLSN.Load() {
		p.floorLSN.Store(keepAboveLSN)
	}
	for i := range p.frames {
		p.frames[i] = nil
	}
	p.table = make(map[uint32]int)
	p.repl = newClockReplacer(len(p.frames))
}

// Stats reports cache effectiveness, exposed through the top-level
// engine's Stats() (SPEC_FULL.md §5 — a plain counter struct, not a
// telemetry registry, since instrumentation/export is an explicit
// non-goal).
type Stats struct {
	Hits, Misses uint64
	CachedPages  int
}

func (p *Pager) Stats() Stats {
	p.mu.Lock()
	n := len(p.table)
	p.mu.Unlock()
	return Stats{Hits: p.hits.Load(), Misses: p.misses.Load(), CachedPages: n}
}
