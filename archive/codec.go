package archive

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compression applied to a volume object's payload.
// The tag is stored as the first byte of the payload. These values are
// format constants; changing them breaks existing archives.
type Codec uint8

const (
	// CodecNone stores the body uncompressed. Objects written with
	// CodecNone are the only ones that support ranged reads without
	// materializing the whole object.
	CodecNone Codec = 0

	// CodecLZ4 is LZ4 block compression. Fast default for binary data.
	CodecLZ4 Codec = 1

	// CodecZstd is zstd at the default level. Better ratios for
	// text-like content.
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec from its string form, as used in config files
// and command-line flags.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadCodec, name)
	}
}

// zstdEncoder and zstdDecoder are shared across calls. Both are safe for
// concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("data is incompressible")

// EncodePayload frames data as a tagged payload: one codec byte followed by
// the (possibly compressed) body. When the requested codec cannot shrink
// the data it falls back to CodecNone, so the returned codec may differ
// from the requested one.
func EncodePayload(data []byte, c Codec) ([]byte, Codec, error) {
	body, err := compressBody(data, c)
	if errors.Is(err, errIncompressible) {
		c, body = CodecNone, data
	} else if err != nil {
		return nil, 0, err
	}
	payload := make([]byte, 1+len(body))
	payload[0] = byte(c)
	copy(payload[1:], body)
	return payload, c, nil
}

// DecodePayload reverses EncodePayload. decodedSize must match the original
// body length exactly; a mismatch is an error rather than a truncation.
func DecodePayload(payload []byte, decodedSize int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadCodec)
	}
	c, body := Codec(payload[0]), payload[1:]
	switch c {
	case CodecNone:
		if len(body) != decodedSize {
			return nil, fmt.Errorf("stored payload: size %d does not match expected %d", len(body), decodedSize)
		}
		return body, nil
	case CodecLZ4:
		dst := make([]byte, decodedSize)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != decodedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, decodedSize)
		}
		return dst, nil
	case CodecZstd:
		dst, err := zstdDecoder.DecodeAll(body, make([]byte, 0, decodedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(dst) != decodedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(dst), decodedSize)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrBadCodec, uint8(c))
	}
}

func compressBody(data []byte, c Codec) ([]byte, error) {
	switch c {
	case CodecNone:
		return data, nil
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil
	case CodecZstd:
		dst := zstdEncoder.EncodeAll(data, nil)
		if len(dst) >= len(data) {
			return nil, errIncompressible
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: tag %d", ErrBadCodec, uint8(c))
	}
}

// SelectCodec probes data with zstd and picks a codec by ratio: zstd above
// 1.5x, lz4 between 1.1x and 1.5x, none below that.
func SelectCodec(data []byte) Codec {
	if len(data) == 0 {
		return CodecNone
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return CodecZstd
	case ratio >= 1.1:
		return CodecLZ4
	default:
		return CodecNone
	}
}
