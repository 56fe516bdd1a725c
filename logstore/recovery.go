package logstore

import (
	"fmt"

	"github.com/blocklayer/statehistory/internal/xlog"
)

// maxTailScanBytes bounds the backward byte-by-byte search for a valid
// frame boundary at the tail of a log. Not named in the distilled spec,
// but recovery needs some bound to remain a total function against an
// arbitrarily garbled tail.
const maxTailScanBytes = 8 << 20

// recoverSegment implements spec §4.4's five-step recovery protocol
// against an already-open, read/write log view and its paired index
// file. It returns the block number one past the last good entry.
func recoverSegment(ld *logData, idx *indexFile, indexPath string, firstBlockNum uint32, logger xlog.Logger) (endBlock uint32, err error) {
	size, err := ld.size()
	if err != nil {
		return 0, err
	}

	// Step 1: empty-with-garbage.
	if size < headerSize+trailerSize {
		if size != 0 {
			logger.Warn("log shorter than one entry, treating as empty", "size", size)
			if err := ld.f.Truncate(0); err != nil {
				return 0, err
			}
		}
		if err := idx.Truncate(firstBlockNum); err != nil {
			return 0, err
		}
		return firstBlockNum, nil
	}

	// Step 2/3: trust the trailing start_pos, else walk backward, else
	// fall back to the index's last recorded offset.
	lastStart, ok, err := validTrailer(ld, size)
	if err != nil {
		return 0, err
	}
	if !ok {
		lastStart, ok = scanBackward(ld, size)
	}
	if !ok {
		lastStart, ok, err = lastIndexedOffset(idx)
		if err != nil {
			return 0, err
		}
	}
	if !ok {
		return 0, fmt.Errorf("%w: no valid entry boundary found within %d bytes of the tail", ErrCorruptLog, maxTailScanBytes)
	}

	// Walk forward from lastStart's entry to find its true end, then
	// truncate the log to that point if it was short.
	if lastStart+headerSize > size {
		logger.Warn("truncating torn tail header", "offset", lastStart, "file_size", size)
		if err := ld.f.Truncate(lastStart); err != nil {
			return 0, err
		}
		return recoverSegment(ld, idx, indexPath, firstBlockNum, logger)
	}
	h, err := ld.readHeaderAt(lastStart)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptLog, err)
	}
	want := lastStart + entrySize(int64(h.PayloadSize))
	if want > size {
		logger.Warn("truncating torn tail entry", "offset", lastStart, "expected_end", want, "file_size", size)
		// The last entry itself is torn; drop it and recover to the
		// previous one by recursing on a log truncated just before it.
		if err := ld.f.Truncate(lastStart); err != nil {
			return 0, err
		}
		return recoverSegment(ld, idx, indexPath, firstBlockNum, logger)
	}
	if want < size {
		logger.Warn("truncating dangling bytes after last valid entry", "discarded", size-want)
		if err := ld.f.Truncate(want); err != nil {
			return 0, err
		}
	}
	endBlock = blockNumOf(h.BlockID) + 1

	// Step 4: rebuild the index if it's missing, short, or inconsistent.
	needRebuild, err := indexNeedsRebuild(ld, idx, firstBlockNum, endBlock)
	if err != nil {
		return 0, err
	}
	if needRebuild {
		logger.Warn("rebuilding index from log", "path", indexPath)
		if err := idx.f.Close(); err != nil {
			return 0, err
		}
		got, err := rebuildIndex(ld, indexPath, firstBlockNum)
		if err != nil {
			return 0, err
		}
		if got != endBlock {
			return 0, fmt.Errorf("%w: rebuilt index end block %d disagrees with log tail %d", ErrCorruptLog, got, endBlock)
		}
		reopened, err := openIndexFile(indexPath, firstBlockNum, modeReadWrite)
		if err != nil {
			return 0, err
		}
		*idx = *reopened
	}
	return endBlock, nil
}

// validTrailer checks the spec's step-3 framing conditions against the
// entry implied by the file's last 8 bytes.
func validTrailer(ld *logData, size int64) (start int64, ok bool, err error) {
	var buf [trailerSize]byte
	if _, err := ld.f.ReadAt(buf[:], size-trailerSize); err != nil {
		return 0, false, err
	}
	start = int64(leUint64(buf[:]))
	if start < 0 || start+headerSize > size-trailerSize {
		return 0, false, nil
	}
	h, err := ld.readHeaderAt(start)
	if err != nil {
		return 0, false, nil
	}
	if start+entrySize(int64(h.PayloadSize)) != size {
		return 0, false, nil
	}
	return start, true, nil
}

// scanBackward walks byte-by-byte backward from the tail looking for an
// offset whose header+trailer frame is internally consistent with the
// file's actual size, bounded by maxTailScanBytes.
func scanBackward(ld *logData, size int64) (start int64, ok bool) {
	limit := size - maxTailScanBytes
	if limit < 0 {
		limit = 0
	}
	for candidate := size - headerSize - trailerSize; candidate >= limit; candidate-- {
		h, err := ld.readHeaderAt(candidate)
		if err != nil {
			continue
		}
		if candidate+entrySize(int64(h.PayloadSize)) == size {
			return candidate, true
		}
	}
	return 0, false
}

// lastIndexedOffset returns the offset of the last entry recorded in the
// index file, used as an authoritative tail when the log itself can't be
// walked back to a consistent frame.
func lastIndexedOffset(idx *indexFile) (start int64, ok bool, err error) {
	n, err := idx.Len()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	off, err := idx.ReadOffset(idx.firstBlockNum + uint32(n) - 1)
	if err != nil {
		return 0, false, err
	}
	return off, true, nil
}

// indexNeedsRebuild reports whether the index is missing, short, or
// inconsistent with the log's actual tail.
func indexNeedsRebuild(ld *logData, idx *indexFile, firstBlockNum, endBlock uint32) (bool, error) {
	want := int64(endBlock - firstBlockNum)
	got, err := idx.Len()
	if err != nil {
		return true, nil
	}
	if got != want {
		return true, nil
	}
	if want == 0 {
		return false, nil
	}
	lastOff, err := idx.ReadOffset(endBlock - 1)
	if err != nil {
		return true, nil
	}
	h, err := ld.readHeaderAt(lastOff)
	if err != nil {
		return true, nil
	}
	if blockNumOf(h.BlockID) != endBlock-1 {
		return true, nil
	}
	return false, nil
}
