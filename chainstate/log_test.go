package chainstate

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

func TestStoreAndGetLogEntryRoundTrip(t *testing.T) {
	l, err := Open(logstore.DefaultConfig("state", t.TempDir()))
	require.NoError(t, err)
	defer l.Stop()

	deltas := []byte("table-row-deltas-for-block-one, repeated, repeated, repeated")
	require.NoError(t, l.Store(blockID(1, 0xAA), logstore.BlockID{}, deltas))

	got, err := l.GetLogEntry(1)
	require.NoError(t, err)
	require.Equal(t, deltas, got)
}

func TestDefaultCompressionIsZstd(t *testing.T) {
	l, err := Open(logstore.DefaultConfig("state", t.TempDir()))
	require.NoError(t, err)
	defer l.Stop()
	require.Equal(t, payloadcodec.Zstd, l.Compression)
}

func TestGetBlockID(t *testing.T) {
	l, err := Open(logstore.DefaultConfig("state", t.TempDir()))
	require.NoError(t, err)
	defer l.Stop()

	id := blockID(9, 0xBB)
	require.NoError(t, l.Store(id, logstore.BlockID{}, []byte("deltas")))

	got, ok, err := l.GetBlockID(9)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)
}
