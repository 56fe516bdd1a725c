// Package chainstate specializes logstore.Log into the per-block state
// delta log: each block commits a single compressed blob of table-row
// deltas, with no per-transaction structure and no pruning. It is the
// simpler of the two specializations, deliberately thinner than
// traces.Log.
package chainstate

import (
	"github.com/blocklayer/statehistory/internal/payloadcodec"
	"github.com/blocklayer/statehistory/logstore"
)

// Log wraps a logstore.Log with the chain-state specialization described
// by spec.md §4.9.
type Log struct {
	core *logstore.Log

	// Compression selects the codec applied to each block's delta blob.
	// Defaults to payloadcodec.Zstd: state deltas run larger and more
	// repetitive than individual traces, where zstd's ratio advantage
	// over zlib matters more than its slower decode.
	Compression payloadcodec.Codec
}

// Open opens (or creates) the underlying log store and wraps it as a
// chain-state log.
func Open(cfg logstore.Config) (*Log, error) {
	core, err := logstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Log{core: core, Compression: payloadcodec.Zstd}, nil
}

// BeginEndBlockNums delegates to the underlying log store.
func (l *Log) BeginEndBlockNums() (begin, end uint32) { return l.core.BeginEndBlockNums() }

// Store compresses deltas and commits them as the entry for the block
// identified by id, whose parent is prevID.
func (l *Log) Store(id, prevID logstore.BlockID, deltas []byte) error {
	payload, err := payloadcodec.Encode(l.Compression, deltas)
	if err != nil {
		return err
	}
	return l.core.StoreEntry(id, prevID, payload)
}

// GetLogEntry returns the decompressed table-row deltas committed for
// block b.
func (l *Log) GetLogEntry(b uint32) ([]byte, error) {
	raw, _, err := l.core.ReadEntry(b)
	if err != nil {
		return nil, err
	}
	deltas, _, err := payloadcodec.Decode(raw)
	if err != nil {
		return nil, err
	}
	return deltas, nil
}

// GetBlockID returns the block id recorded for b, if any.
func (l *Log) GetBlockID(b uint32) (logstore.BlockID, bool, error) { return l.core.GetBlockID(b) }

// Stop and LightStop delegate to the underlying log store.
func (l *Log) Stop() error      { return l.core.Stop() }
func (l *Log) LightStop() error { return l.core.LightStop() }
