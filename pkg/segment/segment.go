// Package segment implements the append-only files records live in: the
// active log, sealed segments and reduce outputs.
package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/compression"
	"github.com/sergey-melnychuk/yalskv/pkg/config"
	"github.com/sergey-melnychuk/yalskv/pkg/index"
)

var (
	ErrIO     = errors.New("segment I/O error")
	ErrSealed = errors.New("segment is sealed")
	ErrClosed = errors.New("segment is closed")
)

// Options control how a segment writes and validates records
type Options struct {
	SyncMode        config.SyncMode
	SyncBytes       int64
	Compressor      compression.Compressor
	CompressMinSize int
	Limits          Limits
	Logger          log.Logger
}

// OptionsFromConfig derives segment options from the engine configuration
func OptionsFromConfig(cfg *config.Config, logger log.Logger) (Options, error) {
	codec, err := compression.ParseType(cfg.Compression)
	if err != nil {
		return Options{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	compressor, err := compression.NewCompressor(codec, compression.DefaultMinReductionPercent)
	if err != nil {
		return Options{}, err
	}
	if logger == nil {
		logger = log.NewDiscard()
	}
	return Options{
		SyncMode:        cfg.SyncMode,
		SyncBytes:       cfg.SyncBytes,
		Compressor:      compressor,
		CompressMinSize: cfg.CompressMinSize,
		Limits:          Limits{MaxKeySize: cfg.MaxKeySize, MaxValueSize: cfg.MaxValueSize},
		Logger:          logger.WithField("component", "segment"),
	}, nil
}

func (o Options) withDefaults() Options {
	if o.Limits.MaxKeySize <= 0 {
		o.Limits.MaxKeySize = 64 * 1024
	}
	if o.Limits.MaxValueSize <= 0 {
		o.Limits.MaxValueSize = 64 * 1024 * 1024
	}
	if o.Logger == nil {
		o.Logger = log.NewDiscard()
	}
	return o
}

// Segment is one file of records. Appends are serialized internally and
// reads may run concurrently with them.
type Segment struct {
	gen  uint64
	dir  string
	opts Options
	file *os.File

	mu       sync.Mutex // guards appends, seal, truncate and path
	path     string
	kind     FileKind
	enc      encoder
	buf      []byte
	unsynced int64

	size   atomic.Int64
	sealed atomic.Bool
	closed atomic.Bool
}

func newSegment(dir string, gen uint64, kind FileKind, file *os.File, size int64, opts Options) *Segment {
	opts = opts.withDefaults()
	s := &Segment{
		gen:  gen,
		dir:  dir,
		opts: opts,
		file: file,
		path: filepath.Join(dir, FileName(gen, kind)),
		kind: kind,
		enc: encoder{
			limits:     opts.Limits,
			compressor: opts.Compressor,
			minSize:    opts.CompressMinSize,
		},
	}
	s.size.Store(size)
	s.sealed.Store(kind == KindSealed)
	return s
}

// Create makes a new, empty active log for generation gen
func Create(dir string, gen uint64, opts Options) (*Segment, error) {
	return create(dir, gen, KindActive, opts)
}

// CreatePending makes a new reduce output for generation gen. It is invisible
// to recovery until sealed.
func CreatePending(dir string, gen uint64, opts Options) (*Segment, error) {
	return create(dir, gen, KindPending, opts)
}

func create(dir string, gen uint64, kind FileKind, opts Options) (*Segment, error) {
	path := filepath.Join(dir, FileName(gen, kind))
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := SyncDir(dir); err != nil {
		file.Close()
		return nil, err
	}
	return newSegment(dir, gen, kind, file, 0, opts), nil
}

// OpenActive reopens an existing active log for appending
func OpenActive(dir string, gen uint64, opts Options) (*Segment, error) {
	return open(dir, gen, KindActive, os.O_RDWR, opts)
}

// Open opens a sealed segment for reading
func Open(dir string, gen uint64, opts Options) (*Segment, error) {
	return open(dir, gen, KindSealed, os.O_RDONLY, opts)
}

func open(dir string, gen uint64, kind FileKind, flag int, opts Options) (*Segment, error) {
	path := filepath.Join(dir, FileName(gen, kind))
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return newSegment(dir, gen, kind, file, stat.Size(), opts), nil
}

// Gen returns the generation of the segment
func (s *Segment) Gen() uint64 {
	return s.gen
}

// Path returns the current file path
func (s *Segment) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Size returns the number of bytes of valid records in the segment
func (s *Segment) Size() int64 {
	return s.size.Load()
}

// Sealed reports whether the segment accepts no more appends
func (s *Segment) Sealed() bool {
	return s.sealed.Load()
}

// Append writes rec at the end of the segment. On failure no partial frame
// is left behind and the returned error wraps ErrIO.
func (s *Segment) Append(rec Record) (index.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return index.Location{}, ErrClosed
	}
	if s.sealed.Load() {
		return index.Location{}, ErrSealed
	}

	frame, err := s.enc.encode(s.buf, rec)
	if err != nil {
		return index.Location{}, err
	}
	s.buf = frame

	offset := s.size.Load()
	if _, err := s.file.WriteAt(frame, offset); err != nil {
		s.rollback(offset)
		return index.Location{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := s.syncAfterWrite(int64(len(frame))); err != nil {
		s.rollback(offset)
		return index.Location{}, err
	}

	s.size.Store(offset + int64(len(frame)))
	return index.Location{
		Segment:   s.gen,
		Offset:    offset,
		Length:    uint32(len(frame)),
		Seq:       rec.Seq,
		Tombstone: rec.Tombstone,
	}, nil
}

func (s *Segment) syncAfterWrite(n int64) error {
	switch s.opts.SyncMode {
	case config.SyncImmediate:
		return s.syncLocked()
	case config.SyncBatch:
		s.unsynced += n
		if s.unsynced >= s.opts.SyncBytes {
			return s.syncLocked()
		}
	}
	return nil
}

// rollback drops a failed append; mu must be held
func (s *Segment) rollback(offset int64) {
	if err := s.file.Truncate(offset); err != nil {
		s.opts.Logger.Error("failed to roll back segment %d to %d: %v", s.gen, offset, err)
	}
}

// Sync flushes written records to stable storage
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.syncLocked()
}

func (s *Segment) syncLocked() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	s.unsynced = 0
	return nil
}

// Read returns the record at loc, verifying its checksum
func (s *Segment) Read(loc index.Location) (Record, error) {
	if s.closed.Load() {
		return Record{}, ErrClosed
	}
	if loc.Segment != s.gen {
		return Record{}, fmt.Errorf("%w: location for segment %d read from %d", ErrCorruptRecord, loc.Segment, s.gen)
	}
	if loc.Offset < 0 || loc.Offset+int64(loc.Length) > s.size.Load() {
		return Record{}, fmt.Errorf("%w: location %v past end of segment", ErrCorruptRecord, loc)
	}

	frame := make([]byte, loc.Length)
	if _, err := s.file.ReadAt(frame, loc.Offset); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	h, err := decodeFrame(frame, s.opts.Limits)
	if err != nil {
		return Record{}, err
	}
	if h.seq != loc.Seq {
		return Record{}, fmt.Errorf("%w: expected seq %d, found %d", ErrCorruptRecord, loc.Seq, h.seq)
	}
	return h.record(s.opts.Limits)
}

// Seal makes the segment immutable: it is synced and renamed to its sealed
// name. The file handle stays open for reads.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.kind == KindSealed {
		return nil
	}

	if err := s.syncLocked(); err != nil {
		return err
	}
	sealedPath := filepath.Join(s.dir, FileName(s.gen, KindSealed))
	if err := os.Rename(s.path, sealedPath); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := SyncDir(s.dir); err != nil {
		return err
	}

	s.opts.Logger.Debug("sealed %s as %s (%d bytes)", filepath.Base(s.path), filepath.Base(sealedPath), s.size.Load())
	s.path = sealedPath
	s.kind = KindSealed
	s.sealed.Store(true)
	return nil
}

// Truncate cuts the segment at offset, which must be a record boundary
func (s *Segment) Truncate(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return ErrClosed
	}
	if s.kind == KindSealed {
		// Sealed segments are opened read-only
		if err := os.Truncate(s.path, offset); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	} else {
		if err := s.file.Truncate(offset); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if err := s.syncLocked(); err != nil {
			return err
		}
	}
	s.size.Store(offset)
	return nil
}

// Close releases the file handle
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Swap(true) {
		return nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// Remove closes the segment and deletes its file
func (s *Segment) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	path := s.Path()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}
