package logstore

import (
	"fmt"
	"io"
	"os"

	"github.com/blocklayer/statehistory/internal/fsutil"
)

// mode selects how a logData's underlying file is opened.
type mode int

const (
	modeReadOnly mode = iota
	modeReadWrite
)

// logData is a random-access byte window over one log file. The spec
// allows either memory mapping or buffered file I/O; this implementation
// uses plain os.File ReadAt/WriteAt, the same choice the teacher's
// freezerTable makes.
type logData struct {
	f    *os.File
	mode mode
}

// openLogData opens path with the given mode, creating it if it doesn't
// exist and m is modeReadWrite.
func openLogData(path string, m mode) (*logData, error) {
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
	return &logData{f: f, mode: m}, nil
}

func (ld *logData) Close() error {
	if ld == nil || ld.f == nil {
		return nil
	}
	return ld.f.Close()
}

func (ld *logData) size() (int64, error) {
	st, err := ld.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// readHeaderAt reads and decodes the header at pos.
func (ld *logData) readHeaderAt(pos int64) (entryHeader, error) {
	buf := make([]byte, headerSize)
	if _, err := ld.f.ReadAt(buf, pos); err != nil {
		return entryHeader{}, err
	}
	return decodeHeader(buf, true)
}

// firstBlockPosition is always 0: the active and every retained segment
// starts with its first entry at byte offset zero.
func (ld *logData) firstBlockPosition() int64 { return 0 }

// version returns the log-format version of the entry at the start of
// the file.
func (ld *logData) version() (uint32, error) {
	h, err := ld.readHeaderAt(ld.firstBlockPosition())
	if err != nil {
		return 0, err
	}
	return magicVersion(h.Magic), nil
}

// firstBlockNum returns the block number of the first entry in the file.
func (ld *logData) firstBlockNum() (uint32, error) {
	return ld.blockNumAt(ld.firstBlockPosition())
}

// blockNumAt returns the block number embedded in the header at pos,
// without copying the full 32-byte block id.
func (ld *logData) blockNumAt(pos int64) (uint32, error) {
	var buf [4]byte
	if _, err := ld.f.ReadAt(buf[:], pos+8); err != nil {
		return 0, err
	}
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]), nil
}

// blockIDAt returns the full block id of the entry at pos.
func (ld *logData) blockIDAt(pos int64) (BlockID, error) {
	var id BlockID
	if _, err := ld.f.ReadAt(id[:], pos+8); err != nil {
		return BlockID{}, err
	}
	return id, nil
}

// payloadSizeAt returns the payload_size field of the header at pos.
func (ld *logData) payloadSizeAt(pos int64) (int64, error) {
	var buf [8]byte
	if _, err := ld.f.ReadAt(buf[:], pos+40); err != nil {
		return 0, err
	}
	return int64(leUint64(buf[:])), nil
}

// roStreamAt returns a bounded reader over the payload bytes of the
// entry starting at pos, plus its format version.
func (ld *logData) roStreamAt(pos int64) (*io.SectionReader, uint32, error) {
	h, err := ld.readHeaderAt(pos)
	if err != nil {
		return nil, 0, err
	}
	sr := io.NewSectionReader(ld.f, pos+headerSize, int64(h.PayloadSize))
	return sr, magicVersion(h.Magic), nil
}

// rwStreamAt returns a read/write window over the payload bytes of the
// entry starting at pos, plus its format version. The window refuses
// reads or writes outside its bounds, which is what lets modify_entry
// enforce the fixed-length invariant.
func (ld *logData) rwStreamAt(pos int64) (*PayloadWindow, uint32, error) {
	if ld.mode != modeReadWrite {
		return nil, 0, fmt.Errorf("statehistory: rw_stream_at on a read-only log view")
	}
	h, err := ld.readHeaderAt(pos)
	if err != nil {
		return nil, 0, err
	}
	w := &PayloadWindow{f: ld.f, base: pos + headerSize, size: int64(h.PayloadSize)}
	return w, magicVersion(h.Magic), nil
}

// PayloadWindow is a fixed-length, offset-translated view over a single
// entry's payload bytes. It is the "fixed-length mutable window" design
// note §9 calls for: writes outside [0, size) are rejected, which is how
// modify_entry transforms are kept from growing or shrinking an entry.
type PayloadWindow struct {
	f    *os.File
	base int64
	size int64
}

// Size returns the payload length in bytes.
func (w *PayloadWindow) Size() int64 { return w.size }

func (w *PayloadWindow) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > w.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > w.size {
		p = p[:w.size-off]
	}
	return w.f.ReadAt(p, w.base+off)
}

func (w *PayloadWindow) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > w.size {
		return 0, fmt.Errorf("statehistory: write at %d len %d exceeds payload window of %d bytes", off, len(p), w.size)
	}
	return w.f.WriteAt(p, w.base+off)
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}
