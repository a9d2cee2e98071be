package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/sergey-melnychuk/yalskv/pkg/compression"
)

// Record kinds as stored in the frame
const (
	KindValue     = 1
	KindTombstone = 2
)

// Frame layout (little-endian):
//
//	keyLen u32 | key | kind u8 | codec u8 | valLen u32 | value | seq u64 | sum u64
//
// sum is the xxhash64 of every preceding byte of the frame.
const (
	keyLenSize = 4
	// kind + codec + valLen
	midSize = 1 + 1 + 4
	// seq + sum
	tailSize = 8 + 8

	// FrameOverhead is the size of a frame with an empty key and value
	FrameOverhead = keyLenSize + midSize + tailSize
)

var (
	ErrCorruptRecord  = errors.New("corrupt record")
	ErrRecordTooLarge = errors.New("record too large")
)

// Record is one logical write
type Record struct {
	Key       []byte
	Value     []byte
	Seq       uint64
	Tombstone bool
}

// Limits bound the sizes accepted when encoding and decoding
type Limits struct {
	MaxKeySize   int
	MaxValueSize int
}

// encoder builds frames, compressing values when worthwhile
type encoder struct {
	limits     Limits
	compressor compression.Compressor
	minSize    int
	scratch    []byte
}

// encode appends the frame of rec to dst[:0]
func (e *encoder) encode(dst []byte, rec Record) ([]byte, error) {
	if len(rec.Key) > e.limits.MaxKeySize {
		return nil, fmt.Errorf("%w: key of %d bytes", ErrRecordTooLarge, len(rec.Key))
	}
	if len(rec.Value) > e.limits.MaxValueSize {
		return nil, fmt.Errorf("%w: value of %d bytes", ErrRecordTooLarge, len(rec.Value))
	}

	kind := byte(KindValue)
	codec := compression.None
	value := rec.Value
	if rec.Tombstone {
		kind = KindTombstone
		value = nil
	} else if e.compressor != nil && e.compressor.Type() != compression.None && len(value) >= e.minSize {
		out, compressed, err := e.compressor.Compress(e.scratch[:0], value)
		if err != nil {
			return nil, fmt.Errorf("failed to compress value: %w", err)
		}
		e.scratch = out
		if compressed {
			codec = e.compressor.Type()
			value = out
		}
	}

	size := FrameOverhead + len(rec.Key) + len(value)
	if cap(dst) < size {
		dst = make([]byte, 0, size)
	}
	dst = dst[:0]
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Key)))
	dst = append(dst, rec.Key...)
	dst = append(dst, kind, byte(codec))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(value)))
	dst = append(dst, value...)
	dst = binary.LittleEndian.AppendUint64(dst, rec.Seq)
	dst = binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(dst))
	return dst, nil
}

// header is the parsed fixed part of a frame; value is still encoded
type header struct {
	key       []byte
	kind      byte
	codec     compression.Type
	value     []byte
	seq       uint64
	frameSize int
}

// peekKeyLen validates the key length prefix and returns the size of the
// prefix plus key plus the middle section.
func peekKeyLen(b []byte, limits Limits) (int, error) {
	keyLen := binary.LittleEndian.Uint32(b)
	if keyLen > uint32(limits.MaxKeySize) {
		return 0, fmt.Errorf("%w: key length %d exceeds limit", ErrCorruptRecord, keyLen)
	}
	return keyLenSize + int(keyLen) + midSize, nil
}

// peekValLen validates the middle section that ends b and returns the number
// of bytes left in the frame.
func peekValLen(b []byte, limits Limits) (int, error) {
	mid := b[len(b)-midSize:]
	if kind := mid[0]; kind != KindValue && kind != KindTombstone {
		return 0, fmt.Errorf("%w: unknown kind %d", ErrCorruptRecord, kind)
	}
	if codec := compression.Type(mid[1]); !codec.Valid() {
		return 0, fmt.Errorf("%w: unknown codec %d", ErrCorruptRecord, codec)
	}
	valLen := binary.LittleEndian.Uint32(mid[2:])
	if valLen > uint32(limits.MaxValueSize) {
		return 0, fmt.Errorf("%w: value length %d exceeds limit", ErrCorruptRecord, valLen)
	}
	return int(valLen) + tailSize, nil
}

// decodeFrame verifies and parses a complete frame. The returned header
// aliases frame.
func decodeFrame(frame []byte, limits Limits) (header, error) {
	if len(frame) < FrameOverhead {
		return header{}, fmt.Errorf("%w: short frame of %d bytes", ErrCorruptRecord, len(frame))
	}
	head, err := peekKeyLen(frame, limits)
	if err != nil {
		return header{}, err
	}
	if head+tailSize > len(frame) {
		return header{}, fmt.Errorf("%w: key overruns frame", ErrCorruptRecord)
	}
	rest, err := peekValLen(frame[:head], limits)
	if err != nil {
		return header{}, err
	}
	if head+rest != len(frame) {
		return header{}, fmt.Errorf("%w: frame length %d, expected %d", ErrCorruptRecord, len(frame), head+rest)
	}

	sumAt := len(frame) - 8
	if want, got := binary.LittleEndian.Uint64(frame[sumAt:]), xxhash.Sum64(frame[:sumAt]); want != got {
		return header{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	keyEnd := head - midSize
	valEnd := sumAt - 8
	h := header{
		key:       frame[keyLenSize:keyEnd],
		kind:      frame[keyEnd],
		codec:     compression.Type(frame[keyEnd+1]),
		value:     frame[head:valEnd],
		seq:       binary.LittleEndian.Uint64(frame[valEnd:sumAt]),
		frameSize: len(frame),
	}
	if h.kind == KindTombstone && len(h.value) != 0 {
		return header{}, fmt.Errorf("%w: tombstone carries a value", ErrCorruptRecord)
	}
	return h, nil
}

// record materializes h into a Record with copied key and decoded value
func (h header) record(limits Limits) (Record, error) {
	rec := Record{
		Key:       append([]byte(nil), h.key...),
		Seq:       h.seq,
		Tombstone: h.kind == KindTombstone,
	}
	if rec.Tombstone {
		return rec, nil
	}

	value, err := compression.Decompress(nil, h.value, h.codec)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if len(value) > limits.MaxValueSize {
		return Record{}, fmt.Errorf("%w: decoded value of %d bytes exceeds limit", ErrCorruptRecord, len(value))
	}
	if value == nil {
		value = []byte{}
	}
	rec.Value = value
	return rec, nil
}
