// Package logstore implements a durable, append-only, per-block binary
// log: a self-describing container format with an in-line trailing
// offset for reverse traversal, a sidecar index for random access by
// block number, crash recovery, file rotation, and in-place payload
// pruning. It is the generic core that the traces and chainstate
// packages specialize.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blocklayer/statehistory/internal/xlog"
	"github.com/blocklayer/statehistory/internal/xmetrics"
)

// Config controls where a Log keeps its files and how it rotates them.
type Config struct {
	// Name is the filename stem: "<name>.log" / "<name>.index" for the
	// active segment, "<name>-<lo>-<hi>.log/.index" for retained ones.
	Name string

	// LogDir holds the active segment.
	LogDir string

	// RetainedDir holds historical segments. Defaults to LogDir.
	RetainedDir string

	// ArchiveDir receives segments dropped by retention. Empty means
	// delete them outright.
	ArchiveDir string

	// Stride is the number of blocks per segment before rotation. Zero
	// means never split.
	Stride uint32

	// MaxRetainedFiles caps the number of retained segments kept on
	// disk. Zero disables the cap entirely (no segment is ever dropped).
	// Defaults to 10 via DefaultConfig.
	MaxRetainedFiles int

	Logger xlog.Logger

	// Registry receives this log's Prometheus counters/gauges. Defaults
	// to a fresh, private registry per opened log.
	Registry *prometheus.Registry
}

// DefaultConfig returns a Config for name under logDir, with the
// package's defaults, matching spec.md §6's enumerated configuration
// options.
func DefaultConfig(name, logDir string) Config {
	return Config{
		Name:             name,
		LogDir:           logDir,
		RetainedDir:      logDir,
		Stride:           0,
		MaxRetainedFiles: 10,
	}
}

func (c Config) normalize() Config {
	if c.RetainedDir == "" {
		c.RetainedDir = c.LogDir
	}
	if c.Logger == nil {
		c.Logger = xlog.Root()
	}
	return c
}

// Log is the coordinator (C7): the public façade over the catalog of
// retained segments and the single active segment's write pipeline.
type Log struct {
	cfg    Config
	logger xlog.Logger
	lock   *flock.Flock

	registry *prometheus.Registry

	cat *catalog
	w   *writer

	activeLogPath   string
	activeIndexPath string

	closed bool
}

// Open opens or creates the log described by cfg: it loads the catalog
// of retained segments, opens (creating if necessary) the active
// segment, runs recovery against it, and starts the write pipeline.
func Open(cfg Config) (*Log, error) {
	cfg = cfg.normalize()
	if cfg.Name == "" || cfg.LogDir == "" {
		return nil, fmt.Errorf("statehistory: Config.Name and Config.LogDir are required")
	}
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.RetainedDir, 0755); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(cfg.LogDir, cfg.Name+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("statehistory: acquiring directory lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("statehistory: %s is already open by another process", cfg.LogDir)
	}

	l, err := openLocked(cfg, lock)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return l, nil
}

func openLocked(cfg Config, lock *flock.Flock) (*Log, error) {
	cat, err := loadCatalog(cfg.Name, cfg.RetainedDir)
	if err != nil {
		return nil, err
	}

	activeLogPath := filepath.Join(cfg.LogDir, cfg.Name+".log")
	activeIndexPath := filepath.Join(cfg.LogDir, cfg.Name+".index")

	segmentFirstHint, err := activeSegmentOriginHint(cat, activeLogPath)
	if err != nil {
		return nil, err
	}

	active, err := openLogData(activeLogPath, modeReadWrite)
	if err != nil {
		return nil, err
	}
	idx, err := openIndexFile(activeIndexPath, segmentFirstHint, modeReadWrite)
	if err != nil {
		active.Close()
		return nil, err
	}

	endBlock, err := recoverSegment(active, idx, activeIndexPath, segmentFirstHint, cfg.Logger)
	if err != nil {
		active.Close()
		idx.Close()
		return nil, err
	}

	if cfg.Stride > 0 && endBlock-segmentFirstHint >= cfg.Stride {
		cfg.Logger.Error("active segment is not shorter than the configured stride", "blocks", endBlock-segmentFirstHint, "stride", cfg.Stride)
		active.Close()
		idx.Close()
		return nil, fmt.Errorf("%w: active segment holds %d blocks, stride is %d", ErrStrideShrunk, endBlock-segmentFirstHint, cfg.Stride)
	}

	lastBlockID, err := resolveLastBlockID(cat, active, idx, segmentFirstHint, endBlock)
	if err != nil {
		active.Close()
		idx.Close()
		return nil, err
	}

	registry := cfg.Registry
	if registry == nil {
		registry = xmetrics.NewRegistry()
	}
	entriesMeter := xmetrics.NewMeter(registry, cfg.Name+"_entries_written", "entries written to the log")
	segmentsMeter := xmetrics.NewMeter(registry, cfg.Name+"_segments_rotated", "segments rotated out of the active file")
	bytesGauge := xmetrics.NewGauge(registry, cfg.Name+"_bytes", "total on-disk bytes across the active and retained segments")

	activeSize, err := active.size()
	if err != nil {
		active.Close()
		idx.Close()
		return nil, err
	}
	activeIndexSize, err := idx.Len()
	if err != nil {
		active.Close()
		idx.Close()
		return nil, err
	}
	retainedBytes, err := cat.TotalBytes()
	if err != nil {
		active.Close()
		idx.Close()
		return nil, err
	}
	bytesGauge.Set(activeSize + activeIndexSize*indexEntrySize + retainedBytes)

	w := newWriter(cfg.Name, cfg.RetainedDir, cfg.Stride, cfg.MaxRetainedFiles, cfg.ArchiveDir, cat, cfg.Logger,
		active, idx, activeLogPath, activeIndexPath,
		segmentFirstHint, endBlock, lastBlockID,
		entriesMeter, segmentsMeter, bytesGauge)

	return &Log{
		cfg:             cfg,
		logger:          cfg.Logger,
		lock:            lock,
		registry:        registry,
		cat:             cat,
		w:               w,
		activeLogPath:   activeLogPath,
		activeIndexPath: activeIndexPath,
	}, nil
}

// activeSegmentOriginHint returns the block number recovery should treat
// as the active segment's first block: the block right after the
// catalog's newest retained segment, or (if the catalog is empty) the
// active file's own first block if it already has data, or 0 for a
// brand-new log.
func activeSegmentOriginHint(cat *catalog, activeLogPath string) (uint32, error) {
	if cat.NumSegments() > 0 {
		return cat.LastBlockNum() + 1, nil
	}
	st, err := os.Stat(activeLogPath)
	if os.IsNotExist(err) || (err == nil && st.Size() == 0) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ld, err := openLogData(activeLogPath, modeReadOnly)
	if err != nil {
		return 0, err
	}
	defer ld.Close()
	return ld.firstBlockNum()
}

func resolveLastBlockID(cat *catalog, active *logData, idx *indexFile, segmentFirst, endBlock uint32) (BlockID, error) {
	if endBlock > segmentFirst {
		off, err := idx.ReadOffset(endBlock - 1)
		if err != nil {
			return BlockID{}, err
		}
		return active.blockIDAt(off)
	}
	if cat.NumSegments() > 0 {
		id, ok, err := cat.GetBlockID(cat.LastBlockNum())
		if err != nil {
			return BlockID{}, err
		}
		if !ok {
			return BlockID{}, fmt.Errorf("%w: retained catalog missing its own last block", ErrCorruptLog)
		}
		return id, nil
	}
	return BlockID{}, nil
}

// Registry returns the Prometheus registry this log's counters and
// gauges are registered against.
func (l *Log) Registry() *prometheus.Registry { return l.registry }

// SegmentInfo describes one retained segment for inspection tooling.
type SegmentInfo struct {
	FirstBlockNum, LastBlockNum uint32
	LogPath, IndexPath          string
}

// RetainedSegments returns the catalog's retained segments in ascending
// order, for use by inspection tooling; it does not include the active
// segment.
func (l *Log) RetainedSegments() []SegmentInfo {
	l.cat.mu.RLock()
	defer l.cat.mu.RUnlock()
	out := make([]SegmentInfo, len(l.cat.segments))
	for i, s := range l.cat.segments {
		out[i] = SegmentInfo{FirstBlockNum: s.lo, LastBlockNum: s.hi, LogPath: s.logPath, IndexPath: s.indexPath}
	}
	return out
}

// ActivePaths returns the on-disk paths of the active segment's log and
// index files.
func (l *Log) ActivePaths() (logPath, indexPath string) {
	return l.activeLogPath, l.activeIndexPath
}

// BeginEndBlockNums returns the half-open range of block numbers
// currently reachable through this log, across both retained segments
// and the active one.
func (l *Log) BeginEndBlockNums() (begin, end uint32) {
	segmentFirst, endBlock, _ := l.w.Snapshot()
	if l.cat.NumSegments() > 0 {
		return l.cat.FirstBlockNum(), endBlock
	}
	return segmentFirst, endBlock
}

// GetBlockID returns the block id recorded for b, if any.
func (l *Log) GetBlockID(b uint32) (BlockID, bool, error) {
	segmentFirst, endBlock, _ := l.w.Snapshot()
	if b >= segmentFirst && b < endBlock {
		return l.w.GetBlockID(b)
	}
	return l.cat.GetBlockID(b)
}

// GetEntryHeader returns the decoded header for b, if any.
func (l *Log) GetEntryHeader(b uint32) (entryHeader, bool, error) {
	segmentFirst, endBlock, _ := l.w.Snapshot()
	if b >= segmentFirst && b < endBlock {
		return l.w.GetEntryHeader(b)
	}
	return l.cat.GetEntryHeader(b)
}

// ReadEntry returns the raw on-disk payload bytes and format version
// for b.
func (l *Log) ReadEntry(b uint32) (payload []byte, version uint32, err error) {
	segmentFirst, endBlock, _ := l.w.Snapshot()
	if b >= segmentFirst && b < endBlock {
		payload, version, found, err := l.w.ReadEntry(b)
		if err != nil {
			return nil, 0, err
		}
		if found {
			return payload, version, nil
		}
	}
	payload, version, found, err := l.cat.GetEntry(b)
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, ErrOutOfRange
	}
	return payload, version, nil
}

// StoreEntry submits a new entry for id, whose parent is prevID, to the
// write pipeline. It returns once the writer goroutine has written (or
// rejected) the entry; the file is not synced to disk before it returns.
func (l *Log) StoreEntry(id, prevID BlockID, payload []byte) error {
	return l.w.submit(&writeJob{kind: jobAppend, blockID: id, prevID: prevID, payload: payload})
}

// ModifyEntry rewrites b's payload bytes in place through fn, which must
// not change the payload's byte length. b may be in the active segment
// or any retained one.
func (l *Log) ModifyEntry(b uint32, fn func(w *PayloadWindow) error) error {
	segmentFirst, endBlock, _ := l.w.Snapshot()
	if b >= segmentFirst && b < endBlock {
		return l.w.submit(&writeJob{kind: jobModify, modifyBlockNum: b, modifyFn: fn})
	}
	found, err := l.cat.ModifyEntry(b, fn)
	if err != nil {
		return err
	}
	if !found {
		return ErrOutOfRange
	}
	return nil
}

// Rebuild forces the active segment's index to be rebuilt from its log,
// the same repair recovery performs automatically at Open when the
// index is missing or inconsistent.
func (l *Log) Rebuild() error {
	return l.w.submit(&writeJob{kind: jobReindex})
}

// Stop drains outstanding writes, then releases the log's file handles
// and directory lock.
func (l *Log) Stop() error {
	return l.close(false)
}

// LightStop discards outstanding writes and releases the log's file
// handles and directory lock without waiting for them to flush.
func (l *Log) LightStop() error {
	return l.close(true)
}

func (l *Log) close(light bool) error {
	if l.closed {
		return nil
	}
	l.closed = true
	if light {
		l.w.lightStop()
	} else {
		l.w.stop()
	}
	l.w.active.Close()
	l.w.activeIdx.Close()
	l.cat.Close()
	return l.lock.Unlock()
}
