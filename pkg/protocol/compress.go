package protocol

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/lostlove-net/llp/internal/constants"
	qerrors "github.com/lostlove-net/llp/internal/errors"
)

// Compression identifies the inner payload compression algorithm.
type Compression uint8

// Compression types
const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

// String returns the algorithm name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// IsValid reports whether c is a known algorithm.
func (c Compression) IsValid() bool {
	return c <= CompressionZstd
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(s string) (Compression, bool) {
	switch s {
	case "", "none":
		return CompressionNone, true
	case "lz4":
		return CompressionLZ4, true
	case "zstd":
		return CompressionZstd, true
	default:
		return CompressionNone, false
	}
}

// maxDecompressed bounds decompressor output so a small payload cannot
// expand past a packet's worth of data.
const maxDecompressed = constants.MaxPayloadSize

var lz4Writers = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var lz4Readers = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecompressed))
	})
	return zstdEnc, zstdDec, zstdErr
}

// Compress compresses data with algorithm c. When compression does not
// shrink the input, the original bytes are returned with CompressionNone.
func Compress(c Compression, data []byte) ([]byte, Compression, error) {
	if c == CompressionNone || len(data) == 0 {
		return data, CompressionNone, nil
	}

	var out []byte
	switch c {
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4Writers.Get().(*lz4.Writer)
		defer lz4Writers.Put(w)
		w.Reset(&buf)
		_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
		if _, err := w.Write(data); err != nil {
			return nil, CompressionNone, qerrors.NewCryptoError("lz4-compress", qerrors.ErrCompression)
		}
		if err := w.Close(); err != nil {
			return nil, CompressionNone, qerrors.NewCryptoError("lz4-compress", qerrors.ErrCompression)
		}
		out = buf.Bytes()
	case CompressionZstd:
		enc, _, err := zstdCodec()
		if err != nil {
			return nil, CompressionNone, qerrors.NewCryptoError("zstd-init", qerrors.ErrCompression)
		}
		out = enc.EncodeAll(data, make([]byte, 0, len(data)))
	default:
		return nil, CompressionNone, qerrors.ErrCompression
	}

	if len(out) >= len(data) {
		return data, CompressionNone, nil
	}
	return out, c, nil
}

// Decompress reverses Compress.
func Decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		r := lz4Readers.Get().(*lz4.Reader)
		defer lz4Readers.Put(r)
		r.Reset(bytes.NewReader(data))
		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(r, maxDecompressed+1))
		if err != nil || n > maxDecompressed {
			return nil, qerrors.NewCryptoError("lz4-decompress", qerrors.ErrCompression)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		_, dec, err := zstdCodec()
		if err != nil {
			return nil, qerrors.NewCryptoError("zstd-init", qerrors.ErrCompression)
		}
		out, err := dec.DecodeAll(data, nil)
		if err != nil || len(out) > maxDecompressed {
			return nil, qerrors.NewCryptoError("zstd-decompress", qerrors.ErrCompression)
		}
		return out, nil
	default:
		return nil, qerrors.ErrCompression
	}
}
