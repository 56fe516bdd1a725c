package traces

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blocklayer/statehistory/internal/payloadcodec"
	"github.com/blocklayer/statehistory/logstore"
)

func blockID(num uint32, tag byte) logstore.BlockID {
	var id logstore.BlockID
	id[0] = byte(num >> 24)
	id[1] = byte(num >> 16)
	id[2] = byte(num >> 8)
	id[3] = byte(num)
	id[31] = tag
	return id
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(logstore.DefaultConfig("traces", t.TempDir()))
	require.NoError(t, err)
	return l
}

func TestStoreAndGetTraces(t *testing.T) {
	l := openTestLog(t)
	defer l.Stop()

	id1 := [32]byte{1}
	id2 := [32]byte{2}
	l.AddTransaction(5, id1, []byte("trace-one"), true, []byte("packed-one"))
	l.AddTransaction(5, id2, []byte("trace-two"), false, nil)

	require.NoError(t, l.Store(blockID(5, 0xAA), logstore.BlockID{}))

	traces, err := l.GetTraces(5)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("trace-one"), []byte("trace-two")}, traces)
}

func TestBlockStartClearsPendingTraces(t *testing.T) {
	l := openTestLog(t)
	defer l.Stop()

	l.AddTransaction(7, [32]byte{9}, []byte("stale"), true, []byte("packed"))
	l.BlockStart(7)
	l.AddTransaction(7, [32]byte{10}, []byte("fresh"), true, []byte("packed2"))

	require.NoError(t, l.Store(blockID(7, 0xBB), logstore.BlockID{}))
	traces, err := l.GetTraces(7)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("fresh")}, traces)
}

func TestPruneTransactionsPreservesEntryLength(t *testing.T) {
	l := openTestLog(t)
	defer l.Stop()

	id1 := [32]byte{1}
	id2 := [32]byte{2}
	l.AddTransaction(3, id1, []byte("trace-one"), true, []byte("packed-bytes-one"))
	l.AddTransaction(3, id2, []byte("trace-two"), true, []byte("packed-bytes-two"))
	require.NoError(t, l.Store(blockID(3, 0xCC), logstore.BlockID{}))

	before, err := l.GetLogEntry(3)
	require.NoError(t, err)

	remaining, err := l.PruneTransactions(3, [][32]byte{id1})
	require.NoError(t, err)
	require.Empty(t, remaining)

	after, err := l.GetLogEntry(3)
	require.NoError(t, err)
	require.Equal(t, len(before), len(after))
	require.NotEqual(t, before, after)

	// The trace text itself is untouched by pruning.
	traces, err := l.GetTraces(3)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("trace-one"), []byte("trace-two")}, traces)
}

func TestPruneTransactionsReportsMissingIDs(t *testing.T) {
	l := openTestLog(t)
	defer l.Stop()

	id1 := [32]byte{1}
	l.AddTransaction(1, id1, []byte("trace"), true, []byte("packed"))
	require.NoError(t, l.Store(blockID(1, 0xDD), logstore.BlockID{}))

	missing := [32]byte{0xFF}
	remaining, err := l.PruneTransactions(1, [][32]byte{id1, missing})
	require.NoError(t, err)
	require.Equal(t, [][32]byte{missing}, remaining)
}

func TestDefaultCompressionIsZlib(t *testing.T) {
	l := openTestLog(t)
	defer l.Stop()
	require.Equal(t, payloadcodec.Zlib, l.Compression)
}
