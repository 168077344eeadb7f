package cache

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies how a stored payload is compressed. Tags are
// persisted in entries, so the values must never change.
type CompressionTag uint8

const (
	// CompressionNone stores the payload as is. Used for payloads that are
	// already compressed (gzip'd archives, HDF, JPEG).
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression, chosen for payloads that
	// compress only moderately.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at the default level, chosen for text-like
	// payloads (CSV, JSON, RINEX, tenv3) which make up most archives.
	CompressionZstd CompressionTag = 2
)

// String returns the human-readable name of a compression tag.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecodeAllCapLimit(true))
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible is returned when compression would not shrink the data.
var errIncompressible = errors.New("data is incompressible")

// selectCompression probes the payload with zstd. A ratio of at least 1.5
// selects zstd, at least 1.1 selects the cheaper LZ4, anything below is
// stored uncompressed.
func selectCompression(data []byte) CompressionTag {
	if len(data) < 64 {
		return CompressionNone
	}

	compressed := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(compressed))

	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// compressAuto compresses data with the best tag for its content and falls
// back to CompressionNone when compression does not pay off.
func compressAuto(data []byte) ([]byte, CompressionTag, error) {
	tag := selectCompression(data)

	compressed, err := compress(data, tag)
	if err != nil {
		if errors.Is(err, errIncompressible) {
			return data, CompressionNone, nil
		}
		return nil, 0, err
	}
	return compressed, tag, nil
}

func compress(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil

	case CompressionLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

const (
	// lz4MaxRatio bounds how far an LZ4 block can expand.
	lz4MaxRatio = 255

	// EncodeAll leaves the content size out of the frame header only for
	// payloads shorter than this.
	zstdMinFCS = 256
)

// checkSize rejects a recorded size the compressed payload cannot decode
// to, before any buffer is allocated for it.
func checkSize(compressed []byte, tag CompressionTag, size int) error {
	if size < 0 {
		return fmt.Errorf("negative payload size %d", size)
	}

	switch tag {
	case CompressionLZ4:
		if size > lz4MaxRatio*len(compressed) {
			return fmt.Errorf("lz4 payload of %d bytes cannot expand to %d", len(compressed), size)
		}
	case CompressionZstd:
		var header zstd.Header
		if err := header.Decode(compressed); err != nil {
			return fmt.Errorf("zstd frame header: %w", err)
		}
		if !header.HasFCS {
			if size >= zstdMinFCS {
				return fmt.Errorf("zstd frame without content size cannot hold %d bytes", size)
			}
			return nil
		}
		if header.FrameContentSize != uint64(size) {
			return fmt.Errorf("zstd frame holds %d bytes, expected %d", header.FrameContentSize, size)
		}
	}
	return nil
}

// decompress reverses compress. The decoded length must equal size.
func decompress(compressed []byte, tag CompressionTag, size int) ([]byte, error) {
	if err := checkSize(compressed, tag, size); err != nil {
		return nil, err
	}

	switch tag {
	case CompressionNone:
		if len(compressed) != size {
			return nil, fmt.Errorf("uncompressed payload: size %d does not match expected %d", len(compressed), size)
		}
		return compressed, nil

	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
