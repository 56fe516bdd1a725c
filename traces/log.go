// Package traces specializes logstore.Log into the transaction-trace
// log: a per-block cache of in-flight traces that get serialized,
// optionally paired with their packed transaction bytes, compressed,
// and committed as one entry per block. Traces additionally support
// retroactive, length-preserving pruning of individual packed
// transaction bodies.
package traces

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/blocklayer/statehistory/internal/payloadcodec"
	"github.com/blocklayer/statehistory/logstore"
)

// pending is one accumulated (trace, optional packed transaction) pair
// for a transaction within a not-yet-committed block.
type pending struct {
	id      [32]byte
	trace   []byte
	packed  []byte // nil when no packed transaction is attached
}

// Log wraps a logstore.Log with the traces specialization described by
// spec.md §4.8.
type Log struct {
	core *logstore.Log

	mu     sync.Mutex
	caches map[uint32][]pending

	// Compression selects the codec applied to the serialized trace
	// blob of each entry. Defaults to payloadcodec.Zlib, matching the
	// original state-history plugin's own default.
	Compression payloadcodec.Codec

	// TraceDebugMode, when set, retains the packed transaction bytes
	// for every transaction added via AddTransaction, even ones not
	// flagged as included in the block, so replay/debug tooling can
	// recover full transaction bodies that production traces discard.
	TraceDebugMode bool
}

// Open opens (or creates) the underlying log store and wraps it as a
// traces log.
func Open(cfg logstore.Config) (*Log, error) {
	core, err := logstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Log{
		core:        core,
		caches:      make(map[uint32][]pending),
		Compression: payloadcodec.Zlib,
	}, nil
}

// BeginEndBlockNums delegates to the underlying log store.
func (l *Log) BeginEndBlockNums() (begin, end uint32) { return l.core.BeginEndBlockNums() }

// BlockStart clears any pending traces accumulated for block b, as if no
// AddTransaction calls had ever been made for it.
func (l *Log) BlockStart(b uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.caches, b)
}

// AddTransaction accumulates one (trace, optional packed transaction)
// pair for block b. included indicates whether the transaction made it
// into the block the trace describes; packed is kept only when included
// is true or TraceDebugMode is set. When packed is nil or not kept, the
// entry is stored as an id-only placeholder. Each call adds its own
// record: a later call for the same id does not fill in an earlier
// placeholder, so callers call this once per transaction with everything
// they have.
func (l *Log) AddTransaction(b uint32, id [32]byte, trace []byte, included bool, packed []byte) {
	p := pending{id: id, trace: trace}
	if included || l.TraceDebugMode {
		p.packed = packed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caches[b] = append(l.caches[b], p)
}

// Store serializes, compresses, and commits every trace accumulated for
// the block identified by id (whose parent is prevID), then clears the
// block's cache.
func (l *Log) Store(id, prevID logstore.BlockID) error {
	b := id.Num()
	l.mu.Lock()
	entries := l.caches[b]
	delete(l.caches, b)
	l.mu.Unlock()

	payload, err := encodeEntry(l.Compression, entries)
	if err != nil {
		return fmt.Errorf("traces: encoding entry for block %d: %w", b, err)
	}
	return l.core.StoreEntry(id, prevID, payload)
}

// GetLogEntry returns the raw, uncompressed-at-the-wrapper-level on-disk
// payload bytes for block b. Per spec.md §4.8 it does not decompress the
// trace blob embedded inside.
func (l *Log) GetLogEntry(b uint32) ([]byte, error) {
	raw, _, err := l.core.ReadEntry(b)
	return raw, err
}

// GetTraces decodes and returns the individual trace byte slices stored
// for block b, leaving the packed-transaction records alone.
func (l *Log) GetTraces(b uint32) ([][]byte, error) {
	raw, err := l.GetLogEntry(b)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4 {
		return nil, fmt.Errorf("traces: entry for block %d is too short", b)
	}
	blobLen := binary.LittleEndian.Uint32(raw[0:4])
	if uint32(len(raw)) < 4+blobLen {
		return nil, fmt.Errorf("traces: entry for block %d has a truncated trace blob", b)
	}
	return decodeTraceBlob(raw[4 : 4+blobLen])
}

// Stop and LightStop delegate to the underlying log store.
func (l *Log) Stop() error      { return l.core.Stop() }
func (l *Log) LightStop() error { return l.core.LightStop() }

// --- on-disk entry framing ---
//
// [ traceBlobLen:4 LE ][ compressed trace blob ][ recordCount:4 LE ][ records... ]
//
// The trace blob is the concatenation of every pending trace, each
// length-prefixed, run through Compression. It is never edited in
// place; only whole entries are rewritten via Store.
//
// Each record is fixed-length framed so prune_transactions can zero a
// packed transaction's bytes without touching any other record's
// offset or the entry's total on-disk size:
//
//	[ id:32 ][ pruned:1 ][ packedLen:4 LE ][ packed bytes, packedLen long ]

const recordHeaderSize = 32 + 1 + 4

func encodeEntry(codec payloadcodec.Codec, entries []pending) ([]byte, error) {
	traceBlob := make([]byte, 0, 256*len(entries))
	for _, p := range entries {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p.trace)))
		traceBlob = append(traceBlob, lenBuf[:]...)
		traceBlob = append(traceBlob, p.trace...)
	}
	compressed, err := payloadcodec.Encode(codec, traceBlob)
	if err != nil {
		return nil, err
	}

	recordsSize := 0
	for _, p := range entries {
		recordsSize += recordHeaderSize + len(p.packed)
	}

	out := make([]byte, 4+len(compressed)+4+recordsSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(compressed)))
	copy(out[4:], compressed)
	countOff := 4 + len(compressed)
	binary.LittleEndian.PutUint32(out[countOff:countOff+4], uint32(len(entries)))

	pos := countOff + 4
	for _, p := range entries {
		copy(out[pos:pos+32], p.id[:])
		out[pos+32] = 0 // not pruned
		binary.LittleEndian.PutUint32(out[pos+33:pos+37], uint32(len(p.packed)))
		copy(out[pos+37:], p.packed)
		pos += recordHeaderSize + len(p.packed)
	}
	return out, nil
}

// decodeTraceBlob decompresses framed and splits it into the individual
// trace byte slices, using the length prefixes encodeEntry wrote. framed
// already carries payloadcodec.Encode's leading codec-tag byte, written
// as part of the compressed blob itself.
func decodeTraceBlob(framed []byte) ([][]byte, error) {
	raw, _, err := payloadcodec.Decode(framed)
	if err != nil {
		return nil, err
	}
	var traces [][]byte
	for pos := 0; pos < len(raw); {
		if pos+4 > len(raw) {
			return nil, fmt.Errorf("traces: truncated trace blob")
		}
		n := int(binary.LittleEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if pos+n > len(raw) {
			return nil, fmt.Errorf("traces: truncated trace body")
		}
		traces = append(traces, raw[pos:pos+n])
		pos += n
	}
	return traces, nil
}
