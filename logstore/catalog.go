package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/blocklayer/statehistory/internal/fsutil"
)

// openSegmentCacheSize bounds how many retained segments' file handles
// are held open at once, the same way the teacher's freezerTable bounds
// concurrently open data files rather than holding every segment open
// forever.
const openSegmentCacheSize = 8

// segmentRange describes one retained segment: the inclusive block range
// it covers and the paths to its log/index pair.
type segmentRange struct {
	lo, hi             uint32
	logPath, indexPath string
}

// catalog is the ordered collection of retained segments. It does not
// know about the active segment; the coordinator in log.go consults the
// catalog first and falls back to the active segment itself.
type catalog struct {
	mu          sync.RWMutex
	name        string
	retainedDir string
	segments    []segmentRange // sorted ascending by lo; disjoint, contiguous

	cache []*openSegment // small LRU, most-recently-used at the end
}

type openSegment struct {
	rng segmentRange
	ld  *logData
	idx *indexFile
}

var segmentFileRe = regexp.MustCompile(`^(.+)-(\d{8,})-(\d{8,})\.log$`)

// loadCatalog scans retainedDir for "<name>-<lo>-<hi>.log"/".index" pairs
// and returns them sorted by block range.
func loadCatalog(name, retainedDir string) (*catalog, error) {
	c := &catalog{name: name, retainedDir: retainedDir}
	entries, err := os.ReadDir(retainedDir)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentFileRe.FindStringSubmatch(e.Name())
		if m == nil || m[1] != name {
			continue
		}
		lo, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			continue
		}
		hi, err := strconv.ParseUint(m[3], 10, 32)
		if err != nil {
			continue
		}
		logPath := filepath.Join(retainedDir, e.Name())
		indexPath := logPath[:len(logPath)-len(".log")] + ".index"
		if _, err := os.Stat(indexPath); err != nil {
			continue
		}
		c.segments = append(c.segments, segmentRange{
			lo: uint32(lo), hi: uint32(hi), logPath: logPath, indexPath: indexPath,
		})
	}
	sort.Slice(c.segments, func(i, j int) bool { return c.segments[i].lo < c.segments[j].lo })
	for i := 1; i < len(c.segments); i++ {
		if c.segments[i].lo != c.segments[i-1].hi+1 {
			return nil, fmt.Errorf("%w: retained segments have a gap between %d and %d", ErrCorruptLog, c.segments[i-1].hi, c.segments[i].lo)
		}
	}
	return c, nil
}

// segmentName formats the filename stem (without extension) for a
// retained segment covering [lo, hi].
func segmentName(name string, lo, hi uint32) string {
	return fmt.Sprintf("%s-%08d-%08d", name, lo, hi)
}

// FirstBlockNum returns the smallest block number reachable through any
// segment, or 0 if the catalog is empty.
func (c *catalog) FirstBlockNum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.segments) == 0 {
		return 0
	}
	return c.segments[0].lo
}

// LastBlockNum returns the largest block number reachable through any
// segment, or 0 if the catalog is empty.
func (c *catalog) LastBlockNum() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.segments) == 0 {
		return 0
	}
	return c.segments[len(c.segments)-1].hi
}

// NumSegments returns the number of retained segments currently tracked.
func (c *catalog) NumSegments() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.segments)
}

// find returns the segment covering b, if any.
func (c *catalog) find(b uint32) (segmentRange, bool) {
	i := sort.Search(len(c.segments), func(i int) bool { return c.segments[i].hi >= b })
	if i < len(c.segments) && c.segments[i].lo <= b {
		return c.segments[i], true
	}
	return segmentRange{}, false
}

// open returns cached, opened views for rng, opening them on demand and
// evicting the least-recently-used entry if the cache is full.
func (c *catalog) open(rng segmentRange) (*logData, *indexFile, error) {
	for i, o := range c.cache {
		if o.rng == rng {
			c.cache = append(append(c.cache[:i], c.cache[i+1:]...), o)
			return o.ld, o.idx, nil
		}
	}
	ld, err := openLogData(rng.logPath, modeReadOnly)
	if err != nil {
		return nil, nil, err
	}
	idx, err := openIndexFile(rng.indexPath, rng.lo, modeReadOnly)
	if err != nil {
		ld.Close()
		return nil, nil, err
	}
	if len(c.cache) >= openSegmentCacheSize {
		evict := c.cache[0]
		c.cache = c.cache[1:]
		evict.ld.Close()
		evict.idx.Close()
	}
	c.cache = append(c.cache, &openSegment{rng: rng, ld: ld, idx: idx})
	return ld, idx, nil
}

// GetBlockID returns the block id for b if it falls within a retained
// segment.
func (c *catalog) GetBlockID(b uint32) (BlockID, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rng, ok := c.find(b)
	if !ok {
		return BlockID{}, false, nil
	}
	ld, idx, err := c.open(rng)
	if err != nil {
		return BlockID{}, false, err
	}
	off, err := idx.ReadOffset(b)
	if err != nil {
		return BlockID{}, false, err
	}
	id, err := ld.blockIDAt(off)
	if err != nil {
		return BlockID{}, false, err
	}
	return id, true, nil
}

// GetEntryHeader returns the decoded header for b if it falls within a
// retained segment.
func (c *catalog) GetEntryHeader(b uint32) (entryHeader, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rng, ok := c.find(b)
	if !ok {
		return entryHeader{}, false, nil
	}
	ld, idx, err := c.open(rng)
	if err != nil {
		return entryHeader{}, false, err
	}
	off, err := idx.ReadOffset(b)
	if err != nil {
		return entryHeader{}, false, err
	}
	h, err := ld.readHeaderAt(off)
	if err != nil {
		return entryHeader{}, false, err
	}
	return h, true, nil
}

// GetEntry returns the raw payload bytes and format version for b if it
// falls within a retained segment.
func (c *catalog) GetEntry(b uint32) (payload []byte, version uint32, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rng, found := c.find(b)
	if !found {
		return nil, 0, false, nil
	}
	ld, idx, err := c.open(rng)
	if err != nil {
		return nil, 0, false, err
	}
	off, err := idx.ReadOffset(b)
	if err != nil {
		return nil, 0, false, err
	}
	sr, ver, err := ld.roStreamAt(off)
	if err != nil {
		return nil, 0, false, err
	}
	buf := make([]byte, sr.Size())
	if _, err := sr.ReadAt(buf, 0); err != nil {
		return nil, 0, false, err
	}
	return buf, ver, true, nil
}

// rwViewFor opens a read-write view of the retained segment covering b,
// for modify_entry / pruning. Callers must close the returned views when
// done; they bypass the read cache since a write handle can't be shared.
func (c *catalog) rwViewFor(b uint32) (*logData, *indexFile, segmentRange, bool, error) {
	c.mu.RLock()
	rng, ok := c.find(b)
	c.mu.RUnlock()
	if !ok {
		return nil, nil, segmentRange{}, false, nil
	}
	ld, err := openLogData(rng.logPath, modeReadWrite)
	if err != nil {
		return nil, nil, segmentRange{}, false, err
	}
	idx, err := openIndexFile(rng.indexPath, rng.lo, modeReadOnly)
	if err != nil {
		ld.Close()
		return nil, nil, segmentRange{}, false, err
	}
	return ld, idx, rng, true, nil
}

// ModifyEntry runs fn against a fixed-length read-write window over b's
// payload if b falls within a retained segment, enforcing that fn does
// not change the payload's byte length. It reports whether b was found
// in a retained segment at all.
func (c *catalog) ModifyEntry(b uint32, fn func(*PayloadWindow) error) (found bool, err error) {
	ld, idx, _, ok, err := c.rwViewFor(b)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer ld.Close()
	defer idx.Close()

	off, err := idx.ReadOffset(b)
	if err != nil {
		return true, err
	}
	win, _, err := ld.rwStreamAt(off)
	if err != nil {
		return true, err
	}
	before := win.Size()
	if err := fn(win); err != nil {
		return true, err
	}
	if win.Size() != before {
		return true, ErrLengthChanged
	}
	return true, nil
}

// evict drops rng from the open-handle cache, if present, closing its
// file handles.
func (c *catalog) evict(rng segmentRange) {
	for i, o := range c.cache {
		if o.rng == rng {
			o.ld.Close()
			o.idx.Close()
			c.cache = append(c.cache[:i], c.cache[i+1:]...)
			return
		}
	}
}

// AddSegment registers a newly finalized retained segment. Called by the
// writer immediately after a split.
func (c *catalog) AddSegment(logPath, indexPath string, lo, hi uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segments = append(c.segments, segmentRange{lo: lo, hi: hi, logPath: logPath, indexPath: indexPath})
}

// EnforceRetention drops the oldest retained segments until at most
// maxRetainedFiles remain, archiving them to archiveDir (rename, falling
// back to copy+delete) or deleting them outright if archiveDir is empty.
// It returns the combined log+index byte size of every segment dropped,
// for the caller to subtract from its on-disk-bytes gauge.
func (c *catalog) EnforceRetention(maxRetainedFiles int, archiveDir string) (freedBytes int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.segments) > maxRetainedFiles {
		oldest := c.segments[0]
		c.evict(oldest)
		freedBytes += segmentPairSize(oldest)
		if archiveDir != "" {
			if err := fsutil.Move(oldest.logPath, filepath.Join(archiveDir, filepath.Base(oldest.logPath))); err != nil {
				return freedBytes, err
			}
			if err := fsutil.Move(oldest.indexPath, filepath.Join(archiveDir, filepath.Base(oldest.indexPath))); err != nil {
				return freedBytes, err
			}
		} else {
			if err := os.Remove(oldest.logPath); err != nil && !os.IsNotExist(err) {
				return freedBytes, err
			}
			if err := os.Remove(oldest.indexPath); err != nil && !os.IsNotExist(err) {
				return freedBytes, err
			}
		}
		c.segments = c.segments[1:]
	}
	return freedBytes, nil
}

// segmentPairSize returns rng's log and index file sizes on disk,
// combined. A file already gone is treated as zero rather than an
// error, since EnforceRetention calls this just before removing or
// archiving the very same files.
func segmentPairSize(rng segmentRange) int64 {
	var total int64
	for _, p := range [...]string{rng.logPath, rng.indexPath} {
		if st, err := os.Stat(p); err == nil {
			total += st.Size()
		}
	}
	return total
}

// TotalBytes sums the on-disk log+index size of every retained segment,
// used once at Open to seed the bytes-on-disk gauge.
func (c *catalog) TotalBytes() (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, rng := range c.segments {
		total += segmentPairSize(rng)
	}
	return total, nil
}

// Close releases every cached open segment handle.
func (c *catalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range c.cache {
		o.ld.Close()
		o.idx.Close()
	}
	c.cache = nil
}
