package segment

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/sergey-melnychuk/yalskv/pkg/index"
)

// Scanner reads the records of a segment in write order. It stops at the
// first frame that fails validation; Offset then reports the end of the last
// valid frame.
type Scanner struct {
	seg    *Segment
	reader *bufio.Reader
	offset int64 // end of the last valid frame
	frame  []byte
	head   header
	loc    index.Location
	err    error
	done   bool
}

// NewScanner creates a scanner over the bytes currently in seg
func NewScanner(seg *Segment) *Scanner {
	section := io.NewSectionReader(seg.file, 0, seg.Size())
	return &Scanner{
		seg:    seg,
		reader: bufio.NewReaderSize(section, 256*1024),
	}
}

// Next advances to the next record. It returns false at the end of the
// segment or on error; check Err to tell them apart.
func (sc *Scanner) Next() bool {
	if sc.done {
		return false
	}

	limits := sc.seg.opts.Limits
	sc.frame = sc.frame[:0]

	// Key length prefix. A clean EOF here is the normal end.
	if err := sc.fill(keyLenSize); err != nil {
		if err == io.EOF && len(sc.frame) == 0 {
			return sc.finish(nil)
		}
		return sc.finish(sc.torn(err))
	}
	head, err := peekKeyLen(sc.frame, limits)
	if err != nil {
		return sc.finish(err)
	}

	if err := sc.fill(head); err != nil {
		return sc.finish(sc.torn(err))
	}
	rest, err := peekValLen(sc.frame, limits)
	if err != nil {
		return sc.finish(err)
	}

	if err := sc.fill(head + rest); err != nil {
		return sc.finish(sc.torn(err))
	}
	h, err := decodeFrame(sc.frame, limits)
	if err != nil {
		return sc.finish(err)
	}

	sc.head = h
	sc.loc = index.Location{
		Segment:   sc.seg.gen,
		Offset:    sc.offset,
		Length:    uint32(len(sc.frame)),
		Seq:       h.seq,
		Tombstone: h.kind == KindTombstone,
	}
	sc.offset += int64(len(sc.frame))
	return true
}

// fill grows the frame buffer to n bytes from the reader
func (sc *Scanner) fill(n int) error {
	have := len(sc.frame)
	if cap(sc.frame) < n {
		grown := make([]byte, have, n)
		copy(grown, sc.frame)
		sc.frame = grown
	}
	sc.frame = sc.frame[:n]
	if _, err := io.ReadFull(sc.reader, sc.frame[have:]); err != nil {
		sc.frame = sc.frame[:have]
		return err
	}
	return nil
}

// torn classifies a short read: running out of bytes mid-frame is corruption
func (sc *Scanner) torn(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated frame at offset %d", ErrCorruptRecord, sc.offset)
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}

func (sc *Scanner) finish(err error) bool {
	sc.done = true
	sc.err = err
	return false
}

// Key returns the key of the current record. It is valid until Next.
func (sc *Scanner) Key() []byte {
	return sc.head.key
}

// Location returns the location of the current record
func (sc *Scanner) Location() index.Location {
	return sc.loc
}

// Record decodes the current record, including its value
func (sc *Scanner) Record() (Record, error) {
	return sc.head.record(sc.seg.opts.Limits)
}

// Offset returns the end of the last valid frame read so far
func (sc *Scanner) Offset() int64 {
	return sc.offset
}

// Err returns the error that stopped the scan, if any
func (sc *Scanner) Err() error {
	return sc.err
}

// Scan calls fn with the key and location of every record in seg. It
// returns the end of the last valid frame together with the error that
// stopped the scan; a corrupt tail yields an error wrapping ErrCorruptRecord.
func Scan(seg *Segment, fn func(key []byte, loc index.Location) error) (int64, error) {
	sc := NewScanner(seg)
	for sc.Next() {
		if err := fn(sc.Key(), sc.Location()); err != nil {
			return sc.Offset(), err
		}
	}
	return sc.Offset(), sc.Err()
}
