package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func blockID(num uint32, tag byte) BlockID {
	var id BlockID
	id[0] = byte(num >> 24)
	id[1] = byte(num >> 16)
	id[2] = byte(num >> 8)
	id[3] = byte(num)
	id[31] = tag
	return id
}

func payloadFor(num uint32) []byte {
	return []byte{byte(num), byte(num >> 8), byte(num >> 16)}
}

func openTestLog(t *testing.T, dir string, stride uint32, maxRetained int) *Log {
	t.Helper()
	cfg := DefaultConfig("chain", dir)
	cfg.Stride = stride
	cfg.MaxRetainedFiles = maxRetained
	l, err := Open(cfg)
	require.NoError(t, err)
	return l
}

// S1 — empty log bootstrap.
func TestBootstrapEmptyLog(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()

	for n := uint32(10); n <= 12; n++ {
		prev := blockID(n-1, 0xAA)
		if n == 10 {
			prev = BlockID{}
		}
		require.NoError(t, l.StoreEntry(blockID(n, 0xAA), prev, payloadFor(n)))
	}

	begin, end := l.BeginEndBlockNums()
	require.Equal(t, uint32(10), begin)
	require.Equal(t, uint32(13), end)

	payload, _, err := l.ReadEntry(11)
	require.NoError(t, err)
	require.Equal(t, payloadFor(11), payload)
}

// S2 — tail recovery: a torn last entry is dropped and recovery is
// idempotent on the next open.
func TestTailRecoveryTornEntry(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	var prev BlockID
	for n := uint32(1); n <= 100; n++ {
		id := blockID(n, 0xBB)
		require.NoError(t, l.StoreEntry(id, prev, payloadFor(n)))
		prev = id
	}
	logPath, _ := l.ActivePaths()
	require.NoError(t, l.Stop())

	st, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, st.Size()-17))

	l2 := openTestLog(t, dir, 0, 10)
	_, end := l2.BeginEndBlockNums()
	require.Equal(t, uint32(100), end)
	payload, _, err := l2.ReadEntry(99)
	require.NoError(t, err)
	require.Equal(t, payloadFor(99), payload)
	require.NoError(t, l2.Stop())

	// Reopening again must be a no-op: no further truncation occurs.
	logPath3, _ := l2.ActivePaths()
	st2, err := os.Stat(logPath3)
	require.NoError(t, err)
	l3 := openTestLog(t, dir, 0, 10)
	defer l3.Stop()
	st3, err := os.Stat(logPath3)
	require.NoError(t, err)
	require.Equal(t, st2.Size(), st3.Size())
}

// S3 — index rebuild: deleting the index file reconstructs it from the
// log with identical read results.
func TestIndexRebuildAfterDelete(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	var prev BlockID
	for n := uint32(1); n <= 20; n++ {
		id := blockID(n, 0xCC)
		require.NoError(t, l.StoreEntry(id, prev, payloadFor(n)))
		prev = id
	}
	_, indexPath := l.ActivePaths()
	require.NoError(t, l.Stop())

	require.NoError(t, os.Remove(indexPath))

	l2 := openTestLog(t, dir, 0, 10)
	defer l2.Stop()
	for n := uint32(1); n <= 20; n++ {
		payload, _, err := l2.ReadEntry(n)
		require.NoError(t, err)
		require.Equal(t, payloadFor(n), payload)
	}
}

// S4 — split and retention.
func TestSplitAndRetention(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 10, 2)
	defer l.Stop()

	var prev BlockID
	for n := uint32(1); n <= 35; n++ {
		id := blockID(n, 0xDD)
		require.NoError(t, l.StoreEntry(id, prev, payloadFor(n)))
		prev = id
	}

	segs := l.RetainedSegments()
	require.Len(t, segs, 2)
	require.Equal(t, uint32(11), segs[0].FirstBlockNum)
	require.Equal(t, uint32(20), segs[0].LastBlockNum)
	require.Equal(t, uint32(21), segs[1].FirstBlockNum)
	require.Equal(t, uint32(30), segs[1].LastBlockNum)

	begin, end := l.BeginEndBlockNums()
	require.Equal(t, uint32(11), begin)
	require.Equal(t, uint32(36), end)
}

// S5 — fork resubmission truncates only from the forking block onward.
func TestForkRewindTruncatesFromForkPoint(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()

	var prev BlockID
	for n := uint32(1); n <= 60; n++ {
		id := blockID(n, 0xEE)
		require.NoError(t, l.StoreEntry(id, prev, payloadFor(n)))
		prev = id
	}

	// Resubmit block 50 on a different fork.
	forkPrev, ok, err := l.GetBlockID(49)
	require.NoError(t, err)
	require.True(t, ok)
	newID := blockID(50, 0xFF)
	require.NoError(t, l.StoreEntry(newID, forkPrev, []byte("forked-50")))

	_, end := l.BeginEndBlockNums()
	require.Equal(t, uint32(51), end)
	payload, _, err := l.ReadEntry(49)
	require.NoError(t, err)
	require.Equal(t, payloadFor(49), payload)
	payload, _, err = l.ReadEntry(50)
	require.NoError(t, err)
	require.Equal(t, []byte("forked-50"), payload)
}

// S6 / invariant 6 — pruning a payload in place never changes its
// on-disk length or the neighboring entries.
func TestModifyEntryPreservesLength(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()

	var prev BlockID
	for n := uint32(1); n <= 5; n++ {
		id := blockID(n, 0x11)
		require.NoError(t, l.StoreEntry(id, prev, payloadFor(n)))
		prev = id
	}

	before2, _, err := l.ReadEntry(2)
	require.NoError(t, err)
	before4, _, err := l.ReadEntry(4)
	require.NoError(t, err)

	require.NoError(t, l.ModifyEntry(3, func(w *PayloadWindow) error {
		zeros := make([]byte, w.Size())
		_, err := w.WriteAt(zeros, 0)
		return err
	}))

	after3, _, err := l.ReadEntry(3)
	require.NoError(t, err)
	require.Equal(t, make([]byte, len(payloadFor(3))), after3)

	after2, _, err := l.ReadEntry(2)
	require.NoError(t, err)
	after4, _, err := l.ReadEntry(4)
	require.NoError(t, err)
	require.Equal(t, before2, after2)
	require.Equal(t, before4, after4)
}

func TestModifyEntryRejectsLengthChange(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()
	require.NoError(t, l.StoreEntry(blockID(1, 0x22), BlockID{}, payloadFor(1)))

	err := l.ModifyEntry(1, func(w *PayloadWindow) error {
		_, err := w.WriteAt([]byte{0, 0, 0, 0}, 0)
		return err
	})
	require.Error(t, err)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := entryHeader{Magic: shipMagic(CurrentVersion), BlockID: blockID(42, 0x33), PayloadSize: 7}
	buf := make([]byte, headerSize)
	encodeHeader(buf, h)
	got, err := decodeHeader(buf, true)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDirectoryLockRejectsSecondOpen(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()

	_, err := Open(DefaultConfig("chain", dir))
	require.Error(t, err)
}

func TestOutOfRangeRead(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()
	require.NoError(t, l.StoreEntry(blockID(1, 0x44), BlockID{}, payloadFor(1)))

	_, _, err := l.ReadEntry(99)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestRebuildIndex(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()

	var prev BlockID
	for n := uint32(1); n <= 10; n++ {
		id := blockID(n, 0x55)
		require.NoError(t, l.StoreEntry(id, prev, payloadFor(n)))
		prev = id
	}

	require.NoError(t, l.Rebuild())

	for n := uint32(1); n <= 10; n++ {
		payload, _, err := l.ReadEntry(n)
		require.NoError(t, err)
		require.Equal(t, payloadFor(n), payload)
	}
}

func TestSegmentNameFormat(t *testing.T) {
	require.Equal(t, "chain-00000001-00000010", segmentName("chain", 1, 10))
}

func TestActivePathsReflectName(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, 0, 10)
	defer l.Stop()
	logPath, indexPath := l.ActivePaths()
	require.Equal(t, filepath.Join(dir, "chain.log"), logPath)
	require.Equal(t, filepath.Join(dir, "chain.index"), indexPath)
}
