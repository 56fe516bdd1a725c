package logstore

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/blocklayer/statehistory/internal/fsutil"
)

// indexEntrySize is the width of a single index slot: an 8-byte
// little-endian file offset.
const indexEntrySize = 8

// indexFile is a dense array of 8-byte little-endian offsets, one per
// contiguous block starting at firstBlockNum. Index entry k is the byte
// offset at which block firstBlockNum+k begins in the paired log file.
type indexFile struct {
	f             *os.File
	firstBlockNum uint32
}

func openIndexFile(path string, firstBlockNum uint32, m mode) (*indexFile, error) {
	var f *os.File
	var err error
	if m == modeReadWrite {
		f, err = fsutil.OpenForAppend(path)
	} else {
		f, err = fsutil.OpenReadOnly(path)
	}
	if err != nil {
		return nil, err
	}
	return &indexFile{f: f, firstBlockNum: firstBlockNum}, nil
}

func (x *indexFile) Close() error {
	if x == nil || x.f == nil {
		return nil
	}
	return x.f.Close()
}

// Len returns the number of offsets currently stored.
func (x *indexFile) Len() (int64, error) {
	st, err := x.f.Stat()
	if err != nil {
		return 0, err
	}
	if st.Size()%indexEntrySize != 0 {
		return 0, fmt.Errorf("%w: index size %d is not a multiple of %d", ErrCorruptLog, st.Size(), indexEntrySize)
	}
	return st.Size() / indexEntrySize, nil
}

// ReadOffset returns the log file offset at which blockNum's entry
// begins.
func (x *indexFile) ReadOffset(blockNum uint32) (int64, error) {
	if blockNum < x.firstBlockNum {
		return 0, ErrOutOfRange
	}
	var buf [indexEntrySize]byte
	at := int64(blockNum-x.firstBlockNum) * indexEntrySize
	if _, err := x.f.ReadAt(buf[:], at); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

// Append writes offset as the next index slot.
func (x *indexFile) Append(offset int64) error {
	var buf [indexEntrySize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(offset))
	_, err := x.f.Write(buf[:])
	return err
}

// Truncate shortens the index so that blockNum is the first block number
// no longer present (i.e. it keeps exactly blockNum-firstBlockNum
// entries).
func (x *indexFile) Truncate(blockNum uint32) error {
	if blockNum < x.firstBlockNum {
		blockNum = x.firstBlockNum
	}
	return fsutil.Truncate(x.f, int64(blockNum-x.firstBlockNum)*indexEntrySize)
}

// rebuildIndex recreates indexPath from scratch by linearly scanning ld
// from offset 0, the protocol described in spec §4.4 step 4. It returns
// the block number one past the last entry found.
func rebuildIndex(ld *logData, indexPath string, firstBlockNum uint32) (endBlock uint32, err error) {
	size, err := ld.size()
	if err != nil {
		return 0, err
	}
	tmp, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	defer tmp.Close()

	var (
		pos   int64
		block = firstBlockNum
		buf   [indexEntrySize]byte
	)
	for pos < size {
		h, err := ld.readHeaderAt(pos)
		if err != nil {
			return 0, fmt.Errorf("%w: rebuilding index at offset %d: %v", ErrCorruptLog, pos, err)
		}
		got := blockNumOf(h.BlockID)
		if got != block {
			return 0, fmt.Errorf("%w: expected block %d at offset %d, found %d", ErrCorruptLog, block, pos, got)
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(pos))
		if _, err := tmp.Write(buf[:]); err != nil {
			return 0, err
		}
		pos += entrySize(int64(h.PayloadSize))
		block++
	}
	if pos != size {
		return 0, fmt.Errorf("%w: trailing %d bytes do not form a whole entry", ErrCorruptLog, size-pos)
	}
	if err := tmp.Sync(); err != nil {
		return 0, err
	}
	return block, nil
}
