package traces

import (
	"encoding/binary"
	"fmt"

	"github.com/blocklayer/statehistory/logstore"
)

// PruneTransactions zeroes the packed transaction bytes (but not the
// trace itself) for every id in ids that is present and not already
// pruned in block b's entry, flipping each matching record's pruned
// flag. It returns the subset of ids that this call did not prune (not
// present in the entry, or already pruned) so the caller
// can track which requests still need to be satisfied by an earlier
// block (packed transactions can be duplicated across a handful of
// blocks while a fork is still live).
func (l *Log) PruneTransactions(b uint32, ids [][32]byte) (remaining [][32]byte, err error) {
	want := make(map[[32]byte]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	modifyErr := l.core.ModifyEntry(b, func(w *logstore.PayloadWindow) error {
		var lenBuf [4]byte
		if _, err := w.ReadAt(lenBuf[:], 0); err != nil {
			return fmt.Errorf("traces: reading trace blob length: %w", err)
		}
		blobLen := int64(binary.LittleEndian.Uint32(lenBuf[:]))
		countOff := 4 + blobLen

		var countBuf [4]byte
		if _, err := w.ReadAt(countBuf[:], countOff); err != nil {
			return fmt.Errorf("traces: reading record count: %w", err)
		}
		count := int(binary.LittleEndian.Uint32(countBuf[:]))

		pos := countOff + 4
		for i := 0; i < count; i++ {
			var hdr [recordHeaderSize]byte
			if _, err := w.ReadAt(hdr[:], pos); err != nil {
				return fmt.Errorf("traces: reading record %d header: %w", i, err)
			}
			var id [32]byte
			copy(id[:], hdr[:32])
			pruned := hdr[32] != 0
			packedLen := int64(binary.LittleEndian.Uint32(hdr[33:37]))

			if want[id] && !pruned {
				hdr[32] = 1
				if _, err := w.WriteAt(hdr[32:33], pos+32); err != nil {
					return fmt.Errorf("traces: flagging record %d pruned: %w", i, err)
				}
				zeros := make([]byte, packedLen)
				if _, err := w.WriteAt(zeros, pos+recordHeaderSize); err != nil {
					return fmt.Errorf("traces: zeroing packed bytes of record %d: %w", i, err)
				}
				delete(want, id)
			}
			pos += recordHeaderSize + packedLen
		}
		return nil
	})
	if modifyErr != nil {
		return nil, modifyErr
	}

	for id := range want {
		remaining = append(remaining, id)
	}
	return remaining, nil
}
