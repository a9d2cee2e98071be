// Package compression encodes record values with the codecs stored in each
// record's codec byte.
package compression

import (
	"fmt"
	"strings"
)

// Type identifies a value codec. Its numeric value is persisted in record frames.
type Type uint8

const (
	// None stores values as written
	None Type = iota
	// Snappy favours speed over ratio
	Snappy
	// Zstd gives the best ratio at a higher CPU cost
	Zstd
	// S2 is a faster, Snappy-compatible variant
	S2
)

// DefaultMinReductionPercent is the smallest saving worth storing compressed
const DefaultMinReductionPercent = 12

// String returns the string representation of the compression type
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known codec
func (t Type) Valid() bool {
	return t <= S2
}

// ParseType converts a codec name to a Type
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	default:
		return None, fmt.Errorf("unknown compression type: %q", name)
	}
}

// Compressor compresses values for one codec
type Compressor interface {
	// Compress compresses src into dst. The boolean reports whether the
	// result is compressed; when false the returned slice holds src as is.
	Compress(dst, src []byte) ([]byte, bool, error)

	// Decompress decompresses src into dst
	Decompress(dst, src []byte) ([]byte, error)

	// Type returns the compression type
	Type() Type
}

// NewCompressor creates a compressor for t. Results saving less than
// minReductionPercent of the input are stored uncompressed.
func NewCompressor(t Type, minReductionPercent uint8) (Compressor, error) {
	switch t {
	case None:
		return noneCompressor{}, nil
	case Snappy:
		return &snappyCompressor{minReductionPercent: minReductionPercent}, nil
	case Zstd:
		return newZstdCompressor(minReductionPercent), nil
	case S2:
		return &s2Compressor{minReductionPercent: minReductionPercent}, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

// Decompress decodes src written with codec t
func Decompress(dst, src []byte, t Type) ([]byte, error) {
	switch t {
	case None:
		return copyInto(dst, src), nil
	case Snappy:
		return decompressSnappy(dst, src)
	case Zstd:
		return decompressZstd(dst, src)
	case S2:
		return decompressS2(dst, src)
	default:
		return nil, fmt.Errorf("unknown compression type: %d", t)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return copyInto(dst, src), false, nil
}

func (noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return copyInto(dst, src), nil
}

func (noneCompressor) Type() Type {
	return None
}

// worthIt reports whether compressed saves at least minPercent of src
func worthIt(src, compressed []byte, minPercent uint8) bool {
	if len(src) == 0 {
		return false
	}
	reduction := (len(src) - len(compressed)) * 100 / len(src)
	return reduction >= int(minPercent) && len(compressed) < len(src)
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst
}
