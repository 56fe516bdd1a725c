package payloadcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw := []byte("some reasonably repetitive payload bytes, repetitive payload bytes")
	for _, codec := range []Codec{None, Zlib, Zstd, Snappy} {
		framed, err := Encode(codec, raw)
		require.NoError(t, err)
		require.Equal(t, byte(codec), framed[0])

		got, gotCodec, err := Decode(framed)
		require.NoError(t, err)
		require.Equal(t, codec, gotCodec)
		require.Equal(t, raw, got)
	}
}

func TestCodecString(t *testing.T) {
	require.Equal(t, "none", None.String())
	require.Equal(t, "zlib", Zlib.String())
	require.Equal(t, "zstd", Zstd.String())
	require.Equal(t, "snappy", Snappy.String())
}

func TestDecodeRejectsUnknownCodec(t *testing.T) {
	_, _, err := Decode([]byte{0xFF, 1, 2, 3})
	require.Error(t, err)
}

func TestDecodeRejectsEmptyInput(t *testing.T) {
	_, _, err := Decode(nil)
	require.Error(t, err)
}
