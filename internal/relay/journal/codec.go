package journal

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifiers stored alongside each journal row.
const (
	compressionNone = "none"
	compressionZstd = "zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("journal: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("journal: init zstd decoder: %v", err))
	}
}

// compressThreshold is the payload size below which compression is skipped;
// tiny JSON events do not shrink enough to pay for the frame overhead.
const compressThreshold = 256

// compress returns the stored form of a payload and its compression tag.
func compress(payload []byte) ([]byte, string) {
	if len(payload) < compressThreshold {
		return payload, compressionNone
	}
	return encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2)), compressionZstd
}

// decompress restores a payload according to its compression tag.
func decompress(data []byte, compression string) ([]byte, error) {
	switch compression {
	case compressionZstd:
		return decoder.DecodeAll(data, nil)
	case compressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("journal: unsupported compression: %q", compression)
	}
}
