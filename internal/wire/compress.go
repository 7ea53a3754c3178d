package wire

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// CompressorID identifies one of the four MongoDB-wire compressors
// negotiated inside an OP_COMPRESSED envelope.
type CompressorID byte

const (
	CompressorNoop   CompressorID = 0
	CompressorSnappy CompressorID = 1
	CompressorZlib   CompressorID = 2
	CompressorZstd   CompressorID = 3
)

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

// Decompress expands a compressed payload given its compressor id and the
// uncompressed size advertised by the OP_COMPRESSED envelope.
func Decompress(id CompressorID, data []byte, uncompressedSize int32) ([]byte, error) {
	switch id {
	case CompressorNoop:
		return data, nil
	case CompressorSnappy:
		out, err := snappy.Decode(make([]byte, 0, uncompressedSize), data)
		if err != nil {
			return nil, fmt.Errorf("wire: snappy decode: %w", err)
		}
		return out, nil
	case CompressorZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("wire: zlib reader: %w", err)
		}
		defer r.Close()
		out := make([]byte, 0, uncompressedSize)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, r); err != nil {
			return nil, fmt.Errorf("wire: zlib decode: %w", err)
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("wire: zstd decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unsupported compressor id %d", id)
	}
}

// Compress shrinks a payload with the given compressor, mirroring whatever
// compressor the client originally used for its request (spec.md §4.1:
// "may mirror compression on replies").
func Compress(id CompressorID, data []byte) ([]byte, error) {
	switch id {
	case CompressorNoop:
		return data, nil
	case CompressorSnappy:
		return snappy.Encode(nil, data), nil
	case CompressorZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressorZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("wire: unsupported compressor id %d", id)
	}
}
