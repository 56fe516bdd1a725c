// Package payloadcodec wraps the handful of byte-transform codecs the
// traces and chain-state specializations use to compress entry
// payloads before handing them to the log store. The log store itself
// treats every payload as opaque bytes; compression only happens here,
// one layer up.
package payloadcodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Codec names a compression scheme. The encoded byte stream is prefixed
// with a single codec byte so get_log_entry's raw bytes remain
// self-describing even without consulting configuration.
type Codec byte

const (
	None Codec = iota
	Zlib
	Zstd
	Snappy
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Zlib:
		return "zlib"
	case Zstd:
		return "zstd"
	case Snappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

// Encode compresses raw under codec and prepends the one-byte codec tag.
func Encode(codec Codec, raw []byte) ([]byte, error) {
	var body []byte
	switch codec {
	case None:
		body = raw
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		body = enc.EncodeAll(raw, nil)
	case Snappy:
		body = snappy.Encode(nil, raw)
	default:
		return nil, fmt.Errorf("payloadcodec: unknown codec %d", codec)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(codec)
	copy(out[1:], body)
	return out, nil
}

// Decode reads the codec tag off framed and decompresses the remainder.
func Decode(framed []byte) ([]byte, Codec, error) {
	if len(framed) == 0 {
		return nil, None, fmt.Errorf("payloadcodec: empty framed payload")
	}
	codec := Codec(framed[0])
	body := framed[1:]
	switch codec {
	case None:
		return body, codec, nil
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, codec, err
		}
		defer r.Close()
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, codec, err
		}
		return raw, codec, nil
	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, codec, err
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(body, nil)
		if err != nil {
			return nil, codec, err
		}
		return raw, codec, nil
	case Snappy:
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, codec, err
		}
		return raw, codec, nil
	default:
		return nil, codec, fmt.Errorf("payloadcodec: unknown codec tag %d", framed[0])
	}
}
