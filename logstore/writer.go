package logstore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/blocklayer/statehistory/internal/fsutil"
	"github.com/blocklayer/statehistory/internal/xlog"
	"github.com/blocklayer/statehistory/internal/xmetrics"
)

// numBufferedEntries is how many of the most recently written entries the
// writer keeps a direct offset for, so a reader asking for the tail of
// the log doesn't have to wait on the index file catching up.
const numBufferedEntries = 2

// writeJob is one unit of work submitted to the writer goroutine: either
// append a new entry or run a fixed-length in-place mutation of an
// already-written one.
type writeJob struct {
	kind jobKind

	// append fields
	blockID BlockID
	prevID  BlockID
	payload []byte

	// modify fields
	modifyBlockNum uint32
	modifyFn       func(w *PayloadWindow) error

	done chan error
}

type jobKind int

const (
	jobAppend jobKind = iota
	jobModify
	jobReindex
)

// recentEntry remembers where a just-written entry landed, serving reads
// of the freshest blocks without a round trip through the index file.
type recentEntry struct {
	blockNum uint32
	offset   int64
}

// writer owns every piece of mutable write-side state: the active
// segment's file handles, the fork-check tip, and the unbounded job
// queue. Only the run goroutine mutates the active segment and its tip
// after construction; callers enqueue jobs under mu, and reader
// goroutines read the active segment under tipMu's read lock.
type writer struct {
	name             string
	dir              string
	stride           uint32
	maxRetained      int
	archiveDir       string
	cat              *catalog
	logger           xlog.Logger

	entriesMeter  *xmetrics.Meter
	segmentsMeter *xmetrics.Meter
	bytesGauge    *xmetrics.Gauge

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*writeJob
	closed   bool
	faultErr error // latched by run once process returns a non-ErrForkMismatch error

	done chan struct{}

	// tipMu guards every field below against concurrent reads from
	// Snapshot, issued by coordinator goroutines while the writer
	// goroutine is (or isn't) processing a job.
	tipMu sync.RWMutex

	active          *logData
	activeIdx       *indexFile
	activeLogPath   string
	activeIndexPath string
	segmentFirst    uint32 // first block number of the active segment
	endBlock        uint32 // next block number to be appended anywhere
	lastBlockID     BlockID
	recent          []recentEntry

	buf []byte // scratch entry-framing buffer, reused across appendEntryAt calls
}

// newWriter constructs a writer around an already-recovered active
// segment. endBlock and lastBlockID reflect the tip established by
// recovery.
func newWriter(name, dir string, stride uint32, maxRetained int, archiveDir string, cat *catalog, logger xlog.Logger,
	active *logData, activeIdx *indexFile, logPath, indexPath string,
	segmentFirst, endBlock uint32, lastBlockID BlockID,
	entriesMeter, segmentsMeter *xmetrics.Meter, bytesGauge *xmetrics.Gauge) *writer {

	w := &writer{
		name:            name,
		dir:             dir,
		stride:          stride,
		maxRetained:     maxRetained,
		archiveDir:      archiveDir,
		cat:             cat,
		logger:          logger,
		entriesMeter:    entriesMeter,
		segmentsMeter:   segmentsMeter,
		bytesGauge:      bytesGauge,
		done:            make(chan struct{}),
		active:          active,
		activeIdx:       activeIdx,
		activeLogPath:   logPath,
		activeIndexPath: indexPath,
		segmentFirst:    segmentFirst,
		endBlock:        endBlock,
		lastBlockID:     lastBlockID,
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// submit enqueues job and blocks until the writer goroutine has
// processed it. The queue itself never blocks the caller; this method
// does, by waiting on job.done, which is how back-pressure is made
// visible without bounding the queue's capacity.
//
// A latched fault fails the caller immediately, before the job is ever
// enqueued: once process has raised anything other than a fork
// mismatch, the active segment's on-disk state can no longer be
// trusted (a partial appendEntryAt leaves the log longer than
// endBlock/activeIdx know about), so no further write is accepted.
func (w *writer) submit(job *writeJob) error {
	job.done = make(chan error, 1)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if w.faultErr != nil {
		err := fmt.Errorf("%w: %v", ErrWriterFaulted, w.faultErr)
		w.mu.Unlock()
		return err
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()
	w.cond.Signal()
	return <-job.done
}

// run is the sole goroutine that ever mutates active/activeIdx/endBlock.
func (w *writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		fault := w.faultErr
		w.mu.Unlock()

		if fault != nil {
			job.done <- fmt.Errorf("%w: %v", ErrWriterFaulted, fault)
			continue
		}

		err := w.process(job)
		if err != nil && !errors.Is(err, ErrForkMismatch) {
			w.mu.Lock()
			if w.faultErr == nil {
				w.faultErr = err
			}
			w.mu.Unlock()
		}
		job.done <- err
	}
}

// Snapshot returns the writer's current published tip: the active
// segment's first block, the next block number to be appended, and the
// id last written. Safe to call from any goroutine.
func (w *writer) Snapshot() (segmentFirst, endBlock uint32, lastBlockID BlockID) {
	w.tipMu.RLock()
	defer w.tipMu.RUnlock()
	return w.segmentFirst, w.endBlock, w.lastBlockID
}

// GetBlockID returns the block id for b if b falls within the active
// segment's current range.
func (w *writer) GetBlockID(b uint32) (BlockID, bool, error) {
	w.tipMu.RLock()
	defer w.tipMu.RUnlock()
	if b < w.segmentFirst || b >= w.endBlock {
		return BlockID{}, false, nil
	}
	off, err := w.activeIdx.ReadOffset(b)
	if err != nil {
		return BlockID{}, false, err
	}
	id, err := w.active.blockIDAt(off)
	if err != nil {
		return BlockID{}, false, err
	}
	return id, true, nil
}

// GetEntryHeader returns the decoded header for b if b falls within the
// active segment's current range.
func (w *writer) GetEntryHeader(b uint32) (entryHeader, bool, error) {
	w.tipMu.RLock()
	defer w.tipMu.RUnlock()
	if b < w.segmentFirst || b >= w.endBlock {
		return entryHeader{}, false, nil
	}
	off, err := w.activeIdx.ReadOffset(b)
	if err != nil {
		return entryHeader{}, false, err
	}
	h, err := w.active.readHeaderAt(off)
	if err != nil {
		return entryHeader{}, false, err
	}
	return h, true, nil
}

// ReadEntry returns the raw payload bytes and format version for b if b
// falls within the active segment's current range.
func (w *writer) ReadEntry(b uint32) (payload []byte, version uint32, found bool, err error) {
	w.tipMu.RLock()
	defer w.tipMu.RUnlock()
	if b < w.segmentFirst || b >= w.endBlock {
		return nil, 0, false, nil
	}
	off := int64(-1)
	for _, r := range w.recent {
		if r.blockNum == b {
			off = r.offset
		}
	}
	if off < 0 {
		off, err = w.activeIdx.ReadOffset(b)
		if err != nil {
			return nil, 0, false, err
		}
	}
	sr, ver, err := w.active.roStreamAt(off)
	if err != nil {
		return nil, 0, false, err
	}
	buf := make([]byte, sr.Size())
	if _, err := sr.ReadAt(buf, 0); err != nil {
		return nil, 0, false, err
	}
	return buf, ver, true, nil
}

// drain discards every job currently queued without running it, used by
// light_stop to shut down without flushing outstanding work.
func (w *writer) drain() {
	w.mu.Lock()
	pending := w.queue
	w.queue = nil
	w.mu.Unlock()
	for _, j := range pending {
		j.done <- ErrClosed
	}
}

// stop waits for every already-queued job to finish, then shuts the
// writer goroutine down.
func (w *writer) stop() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.done
}

// lightStop discards pending work and shuts the writer goroutine down
// without waiting for the queue to drain.
func (w *writer) lightStop() {
	w.drain()
	w.stop()
}

func (w *writer) process(job *writeJob) error {
	switch job.kind {
	case jobAppend:
		return w.processAppend(job)
	case jobModify:
		return w.processModify(job)
	case jobReindex:
		return w.processReindex()
	default:
		return fmt.Errorf("statehistory: unknown write job kind %d", job.kind)
	}
}

// processReindex forces the active segment's index to be rebuilt from
// its log, the same repair recovery performs automatically when the
// index is found missing or inconsistent. Used directly by the
// reindex CLI verb rather than going through a delete-the-file-and-
// reopen workaround.
func (w *writer) processReindex() error {
	w.tipMu.Lock()
	defer w.tipMu.Unlock()

	if err := w.activeIdx.Close(); err != nil {
		return err
	}
	got, err := rebuildIndex(w.active, w.activeIndexPath, w.segmentFirst)
	if err != nil {
		return err
	}
	if got != w.endBlock {
		return fmt.Errorf("%w: rebuilt index end block %d disagrees with tracked tip %d", ErrCorruptLog, got, w.endBlock)
	}
	idx, err := openIndexFile(w.activeIndexPath, w.segmentFirst, modeReadWrite)
	if err != nil {
		return err
	}
	w.activeIdx = idx
	w.recent = nil
	return nil
}

// processAppend implements store_entry: fork-mismatch rewind, the actual
// append, and stride-triggered segment rotation.
func (w *writer) processAppend(job *writeJob) error {
	w.tipMu.Lock()
	defer w.tipMu.Unlock()

	blockNum := blockNumOf(job.blockID)
	haveTip := w.endBlock > w.firstEverBlockNum()

	if haveTip && job.prevID != w.lastBlockID {
		if err := w.rewindToFork(blockNum); err != nil {
			return err
		}
		haveTip = w.endBlock > w.firstEverBlockNum()
	}
	if !haveTip {
		// First entry ever appended to this log: whatever block number
		// the caller chose becomes the active segment's origin.
		w.segmentFirst = blockNum
		w.activeIdx.firstBlockNum = blockNum
	} else if blockNum != w.endBlock {
		return fmt.Errorf("%w: appended block %d does not continue from %d", ErrForkMismatch, blockNum, w.endBlock)
	}

	off, err := w.active.size()
	if err != nil {
		return err
	}
	if err := w.appendEntryAt(off, job.blockID, job.payload); err != nil {
		return err
	}
	if err := w.activeIdx.Append(off); err != nil {
		return err
	}

	w.lastBlockID = job.blockID
	w.endBlock = blockNum + 1
	w.recent = append(w.recent, recentEntry{blockNum: blockNum, offset: off})
	if len(w.recent) > numBufferedEntries {
		w.recent = w.recent[len(w.recent)-numBufferedEntries:]
	}
	w.entriesMeter.Mark(1)
	w.bytesGauge.Inc(entrySize(int64(len(job.payload))) + indexEntrySize)

	if w.stride > 0 && w.endBlock-w.segmentFirst >= w.stride {
		return w.rotate()
	}
	return nil
}

// firstEverBlockNum returns the oldest block number this log has ever
// recorded, across retained segments and the active one.
func (w *writer) firstEverBlockNum() uint32 {
	if w.cat.NumSegments() > 0 {
		return w.cat.FirstBlockNum()
	}
	return w.segmentFirst
}

// appendEntryAt writes one full framed entry (header + payload +
// trailer) at off. The framing buffer is a writer-owned scratch slice
// reused across calls: appendEntryAt only ever runs on the single
// writer goroutine, so growing it in place needs no locking.
func (w *writer) appendEntryAt(off int64, id BlockID, payload []byte) error {
	h := entryHeader{Magic: shipMagic(CurrentVersion), BlockID: id, PayloadSize: uint64(len(payload))}
	total := int(entrySize(int64(len(payload))))
	w.buf = fsutil.Grow(w.buf[:0], total)
	buf := w.buf
	encodeHeader(buf, h)
	copy(buf[headerSize:], payload)
	trailer := buf[headerSize+len(payload):]
	le64(trailer, uint64(off))
	_, err := w.active.f.WriteAt(buf, off)
	return err
}

func le64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

// rewindToFork truncates the active segment back to just before
// forkBlockNum, discarding forkBlockNum and everything appended after it,
// then re-establishes last_block_id as the tip that remains. Retained
// segments are never touched: a fork reaching below the active segment's
// first block is rejected, since this implementation has no way to
// revise already-finalized segments.
func (w *writer) rewindToFork(forkBlockNum uint32) error {
	if forkBlockNum < w.segmentFirst {
		return fmt.Errorf("%w: fork point %d lies in an already retained segment", ErrForkMismatch, forkBlockNum)
	}
	w.logger.Warn("rewinding active segment on fork mismatch", "fork_block", forkBlockNum, "segment_first", w.segmentFirst)

	if forkBlockNum < w.endBlock {
		off, err := w.activeIdx.ReadOffset(forkBlockNum)
		if err != nil {
			return err
		}
		size, err := w.active.size()
		if err != nil {
			return err
		}
		if err := w.active.f.Truncate(off); err != nil {
			return err
		}
		if err := w.activeIdx.Truncate(forkBlockNum); err != nil {
			return err
		}
		w.bytesGauge.Dec(size - off + int64(w.endBlock-forkBlockNum)*indexEntrySize)
		w.endBlock = forkBlockNum
	}

	if w.endBlock > w.segmentFirst {
		prevOff, err := w.activeIdx.ReadOffset(w.endBlock - 1)
		if err != nil {
			return err
		}
		id, err := w.active.blockIDAt(prevOff)
		if err != nil {
			return err
		}
		w.lastBlockID = id
	} else if w.cat.NumSegments() > 0 {
		id, ok, err := w.cat.GetBlockID(w.cat.LastBlockNum())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: retained catalog missing its own last block", ErrCorruptLog)
		}
		w.lastBlockID = id
	} else {
		var zero BlockID
		w.lastBlockID = zero
	}

	kept := w.recent[:0]
	for _, r := range w.recent {
		if r.blockNum < forkBlockNum {
			kept = append(kept, r)
		}
	}
	w.recent = kept
	return nil
}

// rotate finalizes the active segment as a retained one and opens a
// fresh active segment starting at the current tip.
func (w *writer) rotate() error {
	if err := w.active.Close(); err != nil {
		return err
	}
	if err := w.activeIdx.Close(); err != nil {
		return err
	}

	lo, hi := w.segmentFirst, w.endBlock-1
	retainedLog := filepath.Join(w.dir, segmentName(w.name, lo, hi)+".log")
	retainedIndex := filepath.Join(w.dir, segmentName(w.name, lo, hi)+".index")
	if err := fsutil.Move(w.activeLogPath, retainedLog); err != nil {
		return err
	}
	if err := fsutil.Move(w.activeIndexPath, retainedIndex); err != nil {
		return err
	}
	w.cat.AddSegment(retainedLog, retainedIndex, lo, hi)
	w.segmentsMeter.Mark(1)
	w.logger.Info("rotated active segment", "name", w.name, "lo", lo, "hi", hi)

	if w.maxRetained > 0 {
		freed, err := w.cat.EnforceRetention(w.maxRetained, w.archiveDir)
		if err != nil {
			w.logger.Error("enforcing retention policy", "err", err)
		}
		w.bytesGauge.Dec(freed)
	}

	active, err := openLogData(w.activeLogPath, modeReadWrite)
	if err != nil {
		return err
	}
	idx, err := openIndexFile(w.activeIndexPath, w.endBlock, modeReadWrite)
	if err != nil {
		active.Close()
		return err
	}
	w.active = active
	w.activeIdx = idx
	w.segmentFirst = w.endBlock
	w.recent = nil
	return nil
}

// processModify implements modify_entry: the payload is rewritten
// in-place through a fixed-length window, so total entry size never
// changes.
func (w *writer) processModify(job *writeJob) error {
	w.tipMu.RLock()
	off, ok := w.offsetInActive(job.modifyBlockNum)
	w.tipMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: block %d is not in the active segment", ErrOutOfRange, job.modifyBlockNum)
	}
	win, _, err := w.active.rwStreamAt(off)
	if err != nil {
		return err
	}
	before := win.Size()
	if err := job.modifyFn(win); err != nil {
		return err
	}
	if win.Size() != before {
		return ErrLengthChanged
	}
	return nil
}

func (w *writer) offsetInActive(blockNum uint32) (int64, bool) {
	if blockNum < w.segmentFirst || blockNum >= w.endBlock {
		return 0, false
	}
	for _, r := range w.recent {
		if r.blockNum == blockNum {
			return r.offset, true
		}
	}
	off, err := w.activeIdx.ReadOffset(blockNum)
	if err != nil {
		return 0, false
	}
	return off, true
}
