// Package wal implements the append-only, checksum-chained write-ahead
// log: framed page images, an in-memory page->frame index, the commit
// protocol, rollback-by-truncate, checkpoint, and startup recovery.
//
// Grounded on the teacher's internal/wal/manager.go (frame layout, the
// bufio-based decode loop that tolerates a torn tail record, and
// replay-on-open), extended with a commit flag, a per-page frame list
// (so older versions survive for snapshot reads), and checkpoint/truncate.
package wal

import (
	"crypto/rand"
	"encoding/binary"
	"hash/crc32"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc/pool"
	uberatomic "go.uber.org/atomic"

	"github.com/novabase/novabase/internal/dberr"
	"github.com/novabase/novabase/internal/vfsx"
	"github.com/novabase/novabase/pkg/bx"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const walMagic uint32 = 0x4C41574E // "NWAL"

// checkpointFlushParallelism bounds the worker pool Checkpoint uses to
// flush retired pages back into the main file.
const checkpointFlushParallelism = 8

// walHeaderLen = magic(4) + pageSize(2) + reserved(8) + salt(4).
const walHeaderLen = 4 + 2 + 8 + 4

// frameFixedLen = pageID(4) + lsn(8) + flags(1) + checksum(4).
const frameFixedLen = 4 + 8 + 1 + 4

const flagCommit = byte(1)

// pendingFrame records where one committed frame's image lives in the WAL
// file and the LSN it was committed at.
type pendingFrame struct {
	offset int64
	lsn    uint64
}

// Manager owns one WAL file and the in-memory index built from it.
type Manager struct {
	vfs      vfsx.VFS
	f        vfsx.File
	path     string
	pageSize int

	mu       sync.Mutex
	salt     uint32
	tail     int64
	chainCRC uint32
	txnSeq   uint64
	index    map[uint32][]pendingFrame

	durableLSN uberatomic.Uint64
}

// Open opens (or creates) the WAL at path, running recovery if it already
// contains frames.
func Open(vfs vfsx.VFS, path string, pageSize int) (*Manager, error) {
	f, err := vfs.Open(path, true)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}

	m := &Manager{vfs: vfs, f: f, path: path, pageSize: pageSize, index: map[uint32][]pendingFrame{}}

	if size == 0 {
		m.salt = newSalt()
		if _, err := f.WriteAt(encodeWALHeader(pageSize, m.salt), 0); err != nil {
			return nil, err
		}
		if err := f.Sync(); err != nil {
			return nil, err
		}
		m.tail = walHeaderLen
		m.chainCRC = m.salt
		return m, nil
	}

	hdr := make([]byte, walHeaderLen)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		return nil, err
	}
	if bx.U32At(hdr, 0) != walMagic {
		return nil, dberr.Corruption("wal.Open", "bad WAL magic")
	}
	if gotPageSize := int(bx.U16At(hdr, 4)); gotPageSize != pageSize {
		return nil, dberr.Corruption("wal.Open", "WAL page size mismatch")
	}
	m.salt = bx.U32At(hdr, 14)

	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeWALHeader(pageSize int, salt uint32) []byte {
	buf := make([]byte, walHeaderLen)
	bx.PutU32(buf[0:], walMagic)
	bx.PutU16(buf[4:], uint16(pageSize))
	bx.PutU32(buf[14:], salt)
	return buf
}

func newSalt() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(0x9e3779b9)
	}
	return binary.LittleEndian.Uint32(b[:])
}

// recover replays every frame from the WAL header forward, accepting
// frames only while their checksum validates, and only publishing a
// transaction's frames once its commit frame is seen. A torn or missing
// commit frame invalidates everything after the last valid commit.
func (m *Manager) recover() error {
	offset := int64(walHeaderLen)
	chain := m.salt

	commitOffset := offset
	commitChain := chain
	index := map[uint32][]pendingFrame{}
	group := map[uint32]pendingFrame{}
	var lastLSN uint64

	for {
		pageID, lsn, commit, checksum, image, ok := readFrame(m.f, offset, m.pageSize, chain)
		if !ok {
			break
		}
		_ = image
		group[pageID] = pendingFrame{offset: offset, lsn: lsn}
		chain = checksum
		offset += frameFixedLen + int64(m.pageSize)

		if commit {
			for pid, pf := range group {
				index[pid] = append(index[pid], pf)
			}
			group = map[uint32]pendingFrame{}
			if lsn > lastLSN {
				lastLSN = lsn
			}
			commitOffset = offset
			commitChain = chain
		}
	}

	for _, list := range index {
		sort.Slice(list, func(i, j int) bool { return list[i].lsn < list[j].lsn })
	}

	m.index = index
	m.tail = commitOffset
	m.chainCRC = commitChain
	m.txnSeq = lastLSN
	m.durableLSN.Store(lastLSN)

	slog.Debug("wal.recover", "path", m.path, "lastLSN", lastLSN, "pages", len(index))
	return nil
}

func readFrame(f vfsx.File, offset int64, pageSize int, chainSeed uint32) (pageID uint32, lsn uint64, commit bool, checksum uint32, image []byte, ok bool) {
	hdr := make([]byte, frameFixedLen)
	n, err := f.ReadAt(hdr, offset)
	if err != nil || n < frameFixedLen {
		return
	}
	pageID = bx.U32At(hdr, 0)
	lsn = bx.U64At(hdr, 4)
	commit = hdr[12]&flagCommit == flagCommit
	checksum = bx.U32At(hdr, 13)

	image = make([]byte, pageSize)
	n, err = f.ReadAt(image, offset+frameFixedLen)
	if err != nil || n < pageSize {
		ok = false
		return
	}

	want := crc32.Update(chainSeed, crc32cTable, hdr[0:13])
	want = crc32.Update(want, crc32cTable, image)
	if want != checksum {
		ok = false
		return
	}
	ok = true
	return
}

func encodeFrame(pageID uint32, lsn uint64, commit bool, chainSeed uint32, image []byte) []byte {
	buf := make([]byte, frameFixedLen+len(image))
	bx.PutU32(buf[0:], pageID)
	bx.PutU64(buf[4:], lsn)
	if commit {
		buf[12] = flagCommit
	}
	copy(buf[frameFixedLen:], image)

	crc := crc32.Update(chainSeed, crc32cTable, buf[0:13])
	crc = crc32.Update(crc, crc32cTable, image)
	bx.PutU32(buf[13:], crc)
	return buf
}

func frameChecksumField(frame []byte) uint32 { return bx.U32At(frame, 13) }

// Read returns the page image visible to a reader with snapshot LSN
// `snapshot`, i.e. the newest committed frame for pageID with
// lsn <= snapshot. ok is false if no WAL frame covers this page at this
// snapshot (the caller should fall back to the main file image).
func (m *Manager) Read(pageID uint32, snapshot uint64) (image []byte, ok bool, err error) {
	m.mu.Lock()
	list := m.index[pageID]
	m.mu.Unlock()

	for i := len(list) - 1; i >= 0; i-- {
		if list[i].lsn <= snapshot {
			buf := make([]byte, m.pageSize)
			if _, err := m.f.ReadAt(buf, list[i].offset+frameFixedLen); err != nil {
				return nil, false, err
			}
			return buf, true, nil
		}
	}
	return nil, false, nil
}

// DurableLSN returns the highest LSN known to be committed and fsynced.
func (m *Manager) DurableLSN() uint64 { return m.durableLSN.Load() }

// MaxPageID returns the highest page id referenced by any indexed frame,
// or 0 if the WAL holds no frames. internal/txn uses this on open to
// resume page allocation past pages the WAL already knows about but that
// have not yet been checkpointed into the main file (and so aren't
// reflected in the main file's size).
func (m *Manager) MaxPageID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max uint32
	for pid := range m.index {
		if pid > max {
			max = pid
		}
	}
	return max
}

// Size returns the current WAL file length.
func (m *Manager) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tail
}

func (m *Manager) Close() error {
	return m.f.Close()
}

// bufferedFrame is the one frame a WriteBatch holds back so it can be
// re-emitted with the commit flag if it turns out to be the transaction's
// last write.
type bufferedFrame struct {
	pageID uint32
	image  []byte
}

// WriteBatch accumulates one write transaction's page images.
type WriteBatch struct {
	m           *Manager
	startOffset int64
	cursor      int64
	chain       uint32
	lsn         uint64
	frames      map[uint32]pendingFrame
	pending     *bufferedFrame
	done        bool
}

// Begin reserves the next LSN and starts a new write batch. Per spec.md
// §4.9, only one write batch may be open at a time; that serialization is
// enforced by the transaction controller, not here.
func (m *Manager) Begin() *WriteBatch {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.txnSeq++
	return &WriteBatch{
		m:           m,
		startOffset: m.tail,
		cursor:      m.tail,
		chain:       m.chainCRC,
		lsn:         m.txnSeq,
		frames:      map[uint32]pendingFrame{},
	}
}

// LSN returns the LSN this batch will commit at.
func (wb *WriteBatch) LSN() uint64 { return wb.lsn }

// AppendPage stages a page image for this transaction. The image is held
// back as the pending frame: the next AppendPage writes it without the
// commit flag, and Commit writes the last one with the commit flag set.
// Only Commit's final fsync makes the frames durable, and Rollback
// discards any frame already written by truncating the file back to the
// pre-transaction tail.
func (wb *WriteBatch) AppendPage(pageID uint32, image []byte) error {
	if len(image) != wb.m.pageSize {
		return dberr.Internalf("wal.AppendPage", "image is %d bytes, want %d", len(image), wb.m.pageSize)
	}
	if err := wb.flushPending(false); err != nil {
		return err
	}
	imgCopy := append([]byte(nil), image...)
	wb.pending = &bufferedFrame{pageID: pageID, image: imgCopy}
	return nil
}

func (wb *WriteBatch) flushPending(commit bool) error {
	if wb.pending == nil {
		return nil
	}
	frame := encodeFrame(wb.pending.pageID, wb.lsn, commit, wb.chain, wb.pending.image)
	n, err := wb.m.f.WriteAt(frame, wb.cursor)
	if err != nil {
		return err
	}
	wb.chain = frameChecksumField(frame)
	wb.frames[wb.pending.pageID] = pendingFrame{offset: wb.cursor, lsn: wb.lsn}
	wb.cursor += int64(n)
	wb.pending = nil
	return nil
}

// Commit flushes the final frame with the commit flag set, fsyncs, and
// atomically publishes the transaction's frames into the WAL index.
func (wb *WriteBatch) Commit() error {
	if wb.done {
		return nil
	}
	if len(wb.frames) == 0 && wb.pending == nil {
		wb.done = true
		return nil // empty transaction: nothing to make durable
	}
	if err := wb.flushPending(true); err != nil {
		return err
	}
	if err := wb.m.f.Sync(); err != nil {
		return err
	}

	wb.m.mu.Lock()
	for pid, pf := range wb.frames {
		wb.m.index[pid] = append(wb.m.index[pid], pf)
	}
	wb.m.tail = wb.cursor
	wb.m.chainCRC = wb.chain
	if wb.lsn > wb.m.durableLSN.Load() {
		wb.m.durableLSN.Store(wb.lsn)
	}
	wb.m.mu.Unlock()

	wb.done = true
	slog.Debug("wal.commit", "lsn", wb.lsn, "pages", len(wb.frames))
	return nil
}

// Rollback discards every frame written by this batch by truncating the
// WAL file back to the offset recorded at Begin. No fsync is required:
// if the process crashes before or after, recovery sees the same
// pre-transaction state either way.
func (wb *WriteBatch) Rollback() error {
	if wb.done {
		return nil
	}
	wb.done = true
	if wb.cursor == wb.startOffset {
		return nil
	}
	return wb.m.f.Truncate(wb.startOffset)
}

// Checkpoint writes every frame with lsn <= keepAboveLSN into main (one
// write per page, the newest such frame), fsyncs main, then rewrites the
// WAL to contain only the strictly newer frames and truncates it.
// keepAboveLSN must be the oldest active reader snapshot LSN (or the
// current durable LSN if there are no active readers); frames newer than
// it must survive because an active reader may still need them.
func (m *Manager) Checkpoint(main vfsx.File, keepAboveLSN uint64) (retiredPages int, err error) {
	type retireWrite struct {
		pid    uint32
		offset int64
	}

	m.mu.Lock()
	var toMain []retireWrite
	remaining := map[uint32][]pendingFrame{}
	for pid, entries := range m.index {
		split := 0
		for split < len(entries) && entries[split].lsn <= keepAboveLSN {
			split++
		}
		if split > 0 {
			toMain = append(toMain, retireWrite{pid: pid, offset: entries[split-1].offset})
		}
		if split < len(entries) {
			remaining[pid] = append([]pendingFrame(nil), entries[split:]...)
		}
	}
	m.mu.Unlock()

	// Each retired page targets a disjoint offset in main, so the read-then-
	// write pair for one page never touches another's bytes; a bounded
	// worker pool replaces a sequential loop here without adding a data race.
	flush := pool.New().WithMaxGoroutines(checkpointFlushParallelism).WithErrors()
	for _, w := range toMain {
		w := w
		flush.Go(func() error {
			image := make([]byte, m.pageSize)
			if _, err := m.f.ReadAt(image, w.offset+frameFixedLen); err != nil {
				return err
			}
			_, err := main.WriteAt(image, int64(w.pid)*int64(m.pageSize))
			return err
		})
	}
	if err := flush.Wait(); err != nil {
		return 0, err
	}
	if len(toMain) > 0 {
		if err := main.Sync(); err != nil {
			return 0, err
		}
	}

	type flat struct {
		pid uint32
		pf  pendingFrame
	}
	var flats []flat
	for pid, list := range remaining {
		for _, pf := range list {
			flats = append(flats, flat{pid, pf})
		}
	}
	sort.Slice(flats, func(i, j int) bool { return flats[i].pf.lsn < flats[j].pf.lsn })

	images := make([][]byte, len(flats))
	for i, fl := range flats {
		img := make([]byte, m.pageSize)
		if _, err := m.f.ReadAt(img, fl.pf.offset+frameFixedLen); err != nil {
			return len(toMain), err
		}
		images[i] = img
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newSaltV := newSalt()
	if _, err := m.f.WriteAt(encodeWALHeader(m.pageSize, newSaltV), 0); err != nil {
		return len(toMain), err
	}

	offset := int64(walHeaderLen)
	chain := newSaltV
	newIndex := map[uint32][]pendingFrame{}
	for i, fl := range flats {
		commit := i == len(flats)-1
		frame := encodeFrame(fl.pid, fl.pf.lsn, commit, chain, images[i])
		if _, err := m.f.WriteAt(frame, offset); err != nil {
			return len(toMain), err
		}
		chain = frameChecksumField(frame)
		newIndex[fl.pid] = append(newIndex[fl.pid], pendingFrame{offset: offset, lsn: fl.pf.lsn})
		offset += frameFixedLen + int64(m.pageSize)
	}
	if err := m.f.Sync(); err != nil {
		return len(toMain), err
	}
	if err := m.f.Truncate(offset); err != nil {
		return len(toMain), err
	}

	m.salt = newSaltV
	m.tail = offset
	m.chainCRC = chain
	m.index = newIndex

	slog.Debug("wal.checkpoint", "retiredPages", len(toMain), "keptFrames", len(flats), "keepAboveLSN", keepAboveLSN)
	return len(toMain), nil
}
