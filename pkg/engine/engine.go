// Package engine ties segments, the index and reduce together into an
// embedded key-value store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/config"
	"github.com/sergey-melnychuk/yalskv/pkg/index"
	"github.com/sergey-melnychuk/yalskv/pkg/reduce"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
	"github.com/sergey-melnychuk/yalskv/pkg/stats"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

// Ensure Engine can be reduced
var _ reduce.Store = (*Engine)(nil)

// Engine is a log-structured key-value store over one directory
type Engine struct {
	cfg    *config.Config
	dir    string
	opts   segment.Options
	retry  RetryConfig
	logger log.Logger
	stats  *stats.AtomicCollector
	tel    telemetry.Telemetry
	lock   *dirLock

	idx *index.Index
	gen atomic.Uint64

	// writeMu serializes writers and guards active and seq
	writeMu sync.Mutex
	active  *segment.Segment
	seq     uint64
	lastSeq atomic.Uint64

	// segMu guards segs; readers hold it across resolving and reading a key
	segMu sync.RWMutex
	segs  map[uint64]*segment.Segment

	coord  *reduce.Coordinator
	closed atomic.Bool
}

// OpenDir opens the engine in dir with the configuration persisted there,
// writing a default configuration on first use
func OpenDir(dir string, opts ...Option) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = config.NewDefaultConfig(dir)
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to save configuration: %w", err)
		}
	}
	return Open(cfg, opts...)
}

// Open opens the engine described by cfg, recovering whatever is on disk
func Open(cfg *config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		level, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
		}
		o.logger = log.NewStandardLogger(log.WithLevel(level))
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	lock, err := lockDir(cfg.Dir)
	if err != nil {
		return nil, err
	}

	segOpts, err := segment.OptionsFromConfig(cfg, o.logger)
	if err != nil {
		lock.release()
		return nil, err
	}

	e := &Engine{
		cfg:    cfg,
		dir:    cfg.Dir,
		opts:   segOpts,
		retry:  DefaultRetryConfig(cfg.WriteRetries),
		logger: o.logger.WithField("component", "engine"),
		stats:  o.stats,
		tel:    o.telemetry,
		lock:   lock,
		idx:    index.New(),
		segs:   make(map[uint64]*segment.Segment),
	}

	if err := e.recover(); err != nil {
		e.closeSegments()
		lock.release()
		return nil, fmt.Errorf("recovery failed: %w", err)
	}

	e.coord = reduce.NewCoordinator(reduce.CoordinatorOptions{
		Dir:              e.dir,
		Store:            e,
		Strategy:         reduce.NewStrategy(cfg),
		Executor:         reduce.NewExecutor(e.dir, segOpts, cfg.SizeLimit, e.NextGen, o.logger.WithField("component", "reduce")),
		SegmentThreshold: cfg.ReduceSegmentThreshold,
		Interval:         time.Duration(cfg.ReduceInterval) * time.Second,
		Logger:           o.logger,
		Stats:            e.stats,
		Telemetry:        e.tel,
	})
	if cfg.AutoReduce {
		e.coord.Start()
		e.coord.Notify(len(e.Sealed()))
	}
	return e, nil
}

// recover rebuilds the index from every segment on disk
func (e *Engine) recover() error {
	start := e.stats.StartRecovery()

	action, err := reduce.Recover(e.dir, e.logger)
	if err != nil {
		return err
	}
	if e.seq, err = reduce.ReadSeq(e.dir); err != nil {
		return err
	}

	files, err := segment.List(e.dir)
	if err != nil {
		return err
	}

	var (
		maxGen    uint64
		actives   []*segment.Segment
		recovered uint64
		truncated uint64
	)
	for _, f := range files {
		if f.Gen > maxGen {
			maxGen = f.Gen
		}

		var seg *segment.Segment
		switch f.Kind {
		case segment.KindSealed:
			seg, err = segment.Open(e.dir, f.Gen, e.opts)
		case segment.KindActive:
			seg, err = segment.OpenActive(e.dir, f.Gen, e.opts)
		default:
			e.logger.Warn("ignoring leftover reduce output %s", f.Path)
			continue
		}
		if err != nil {
			return err
		}
		e.segs[seg.Gen()] = seg
		if f.Kind == segment.KindActive {
			actives = append(actives, seg)
		}

		n, lost, err := e.replay(seg)
		if err != nil {
			return err
		}
		recovered += n
		truncated += lost
	}

	// The newest log keeps receiving writes; older ones are left over from
	// crashes between creating a log and sealing its predecessor.
	for i, seg := range actives {
		if i == len(actives)-1 {
			e.active = seg
			break
		}
		if err := seg.Seal(); err != nil {
			return err
		}
		e.logger.Info("sealed stray log %d", seg.Gen())
	}

	e.gen.Store(maxGen)
	e.lastSeq.Store(e.seq)
	if e.active == nil || e.active.Size() >= e.cfg.SizeLimit {
		if e.active != nil {
			if err := e.active.Seal(); err != nil {
				return err
			}
		}
		if err := e.openNextLocked(); err != nil {
			return err
		}
	}

	e.segMu.Lock()
	e.trackSegments()
	e.segMu.Unlock()
	e.stats.FinishRecovery(start, uint64(len(e.segs)), recovered, truncated)
	e.logger.Info("opened %s: %d segments, %d keys, %d records replayed, %d bytes truncated, next seq %d, reduce %s",
		e.dir, len(e.segs), e.idx.LiveLen(), recovered, truncated, e.seq+1, action)
	return nil
}

// replay applies the records of seg to the index, truncating a corrupt tail
func (e *Engine) replay(seg *segment.Segment) (uint64, uint64, error) {
	var n uint64
	end, err := segment.Scan(seg, func(key []byte, loc index.Location) error {
		n++
		if loc.Seq > e.seq {
			e.seq = loc.Seq
		}
		e.idx.Put(key, loc)
		return nil
	})
	if err == nil {
		return n, 0, nil
	}
	if !errors.Is(err, segment.ErrCorruptRecord) {
		return n, 0, fmt.Errorf("failed to scan segment %d: %w", seg.Gen(), err)
	}

	lost := seg.Size() - end
	e.logger.Warn("segment %d is corrupt after offset %d, truncating %d bytes: %v", seg.Gen(), end, lost, err)
	e.tel.RecordCounter(context.Background(), telemetry.MetricBytesTruncated, lost,
		attribute.Int64(telemetry.AttrSegment, int64(seg.Gen())),
		attribute.String(telemetry.AttrReason, "corrupt_tail"))
	if err := seg.Truncate(end); err != nil {
		return n, 0, err
	}
	return n, uint64(lost), nil
}

// Insert stores value under key
func (e *Engine) Insert(key, value []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.checkKey(key); err != nil {
		return err
	}
	if len(value) > e.cfg.MaxValueSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(value), e.cfg.MaxValueSize)
	}

	start := time.Now()
	err := e.write(segment.Record{Key: key, Value: value})
	e.observe(stats.OpInsert, start, len(key)+len(value), true, err)
	return err
}

// Remove deletes key by writing a tombstone. Removing a missing key is not an error.
func (e *Engine) Remove(key []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.checkKey(key); err != nil {
		return err
	}

	start := time.Now()
	err := e.write(segment.Record{Key: key, Tombstone: true})
	e.observe(stats.OpRemove, start, len(key), true, err)
	return err
}

func (e *Engine) checkKey(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > e.cfg.MaxKeySize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), e.cfg.MaxKeySize)
	}
	return nil
}

func (e *Engine) write(rec segment.Record) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if e.closed.Load() {
		return ErrEngineClosed
	}
	// A previous rollover sealed the log but failed to open the next one
	if e.active.Sealed() {
		if err := e.openNextLocked(); err != nil {
			return err
		}
	}

	rec.Seq = e.seq + 1
	var loc index.Location
	err := retryWithConfig(func() error {
		var err error
		loc, err = e.active.Append(rec)
		return err
	}, e.retry, isTransientIO)
	if err != nil {
		return err
	}

	e.seq = rec.Seq
	e.lastSeq.Store(rec.Seq)
	e.idx.Put(rec.Key, loc)

	if e.active.Size() >= e.cfg.SizeLimit {
		// The record is durable; a failed rollover is retried by the next write
		if err := e.rotateLocked("size_limit"); err != nil {
			e.logger.Error("failed to roll over log %d: %v", e.active.Gen(), err)
		}
	}
	return nil
}

// rotateLocked seals the active log and opens a new one; writeMu must be held
func (e *Engine) rotateLocked(reason string) error {
	old := e.active
	start := time.Now()
	err := old.Seal()
	if err == nil {
		err = e.openNextLocked()
	}

	e.observe(stats.OpSeal, start, 0, true, err)
	if err != nil {
		return err
	}

	e.logger.Debug("sealed log %d (%d bytes, %s)", old.Gen(), old.Size(), reason)
	e.tel.RecordCounter(context.Background(), telemetry.MetricSegmentsSealed, 1,
		attribute.Int64(telemetry.AttrSegment, int64(old.Gen())),
		attribute.String(telemetry.AttrReason, reason))
	if e.coord != nil {
		e.coord.Notify(len(e.Sealed()))
	}
	return nil
}

// openNextLocked creates a fresh active log; writeMu must be held
func (e *Engine) openNextLocked() error {
	next, err := segment.Create(e.dir, e.NextGen(), e.opts)
	if err != nil {
		return err
	}
	e.segMu.Lock()
	e.segs[next.Gen()] = next
	e.trackSegments()
	e.segMu.Unlock()

	e.active = next
	return nil
}

// Lookup returns the value of key. A missing or removed key is reported
// with found set to false and no error.
func (e *Engine) Lookup(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}

	start := time.Now()
	value, found, err := e.get(key)
	e.observe(stats.OpLookup, start, len(value), false, err)
	return value, found, err
}

// get resolves key through the index and reads its record
func (e *Engine) get(key []byte) ([]byte, bool, error) {
	e.segMu.RLock()
	defer e.segMu.RUnlock()

	if e.closed.Load() {
		return nil, false, ErrEngineClosed
	}
	loc, ok := e.idx.Get(key)
	if !ok || loc.Tombstone {
		return nil, false, nil
	}
	seg, ok := e.segs[loc.Segment]
	if !ok {
		return nil, false, fmt.Errorf("%w: key points at unknown segment %d", segment.ErrCorruptRecord, loc.Segment)
	}
	rec, err := seg.Read(loc)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %v: %w", loc, err)
	}
	return rec.Value, true, nil
}

// SortedScan iterates the live keys in [low, high] in ascending order. A nil
// bound is unbounded. The key set is captured now; values are read as the
// iterator reaches them.
func (e *Engine) SortedScan(low, high []byte) *Iterator {
	start := time.Now()

	var keys [][]byte
	var err error
	if e.closed.Load() {
		err = ErrEngineClosed
	} else {
		keys = e.idx.Keys(low, high)
	}
	e.observe(stats.OpScan, start, 0, false, err)
	return newIterator(e, keys, err)
}

// Reduce seals the active log when it holds records and merges sealed
// segments, waiting for a background reduce in flight to finish first
func (e *Engine) Reduce(ctx context.Context) (reduce.Stats, error) {
	if e.closed.Load() {
		return reduce.Stats{}, ErrEngineClosed
	}

	e.writeMu.Lock()
	var err error
	if e.active.Sealed() {
		err = e.openNextLocked()
	} else if e.active.Size() > 0 {
		err = e.rotateLocked("reduce")
	}
	e.writeMu.Unlock()
	if err != nil {
		return reduce.Stats{}, fmt.Errorf("failed to seal active log: %w", err)
	}

	return e.coord.Trigger(ctx)
}

// Len returns the number of live keys
func (e *Engine) Len() int {
	return e.idx.LiveLen()
}

// Stats returns operation counters together with the current shape of the store
func (e *Engine) Stats() map[string]interface{} {
	st := e.stats.GetStats()
	st["keys"] = e.idx.LiveLen()
	st["index_entries"] = e.idx.Len()
	st["last_seq"] = e.lastSeq.Load()

	e.segMu.RLock()
	st["sealed_segments"] = len(e.sealedLocked())
	e.segMu.RUnlock()

	if e.coord != nil {
		last := e.coord.LastStats()
		st["last_reduce"] = map[string]interface{}{
			"segments_merged":    last.SegmentsMerged,
			"segments_written":   last.SegmentsWritten,
			"records_read":       last.RecordsRead,
			"records_written":    last.RecordsWritten,
			"tombstones_dropped": last.TombstonesDropped,
			"records_lost":       last.RecordsLost,
			"bytes_reclaimed":    last.BytesReclaimed,
			"duration_ms":        last.Duration.Milliseconds(),
		}
	}
	return st
}

// Close stops background reduces, syncs the active log and releases the
// directory. It is safe to call more than once.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}

	e.coord.Stop()

	var errs []error
	e.writeMu.Lock()
	if err := e.active.Sync(); err != nil {
		errs = append(errs, err)
	}
	e.writeMu.Unlock()

	if err := e.closeSegments(); err != nil {
		errs = append(errs, err)
	}
	if err := e.lock.release(); err != nil {
		errs = append(errs, err)
	}
	e.logger.Info("closed %s at seq %d", e.dir, e.lastSeq.Load())
	return errors.Join(errs...)
}

func (e *Engine) closeSegments() error {
	e.segMu.Lock()
	defer e.segMu.Unlock()

	var errs []error
	for gen, seg := range e.segs {
		if err := seg.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(e.segs, gen)
	}
	return errors.Join(errs...)
}

// Sealed returns the sealed segments in generation order
func (e *Engine) Sealed() []*segment.Segment {
	e.segMu.RLock()
	defer e.segMu.RUnlock()
	return e.sealedLocked()
}

func (e *Engine) sealedLocked() []*segment.Segment {
	sealed := make([]*segment.Segment, 0, len(e.segs))
	for _, seg := range e.segs {
		if seg.Sealed() {
			sealed = append(sealed, seg)
		}
	}
	sort.Slice(sealed, func(i, j int) bool { return sealed[i].Gen() < sealed[j].Gen() })
	return sealed
}

// Index returns the key index
func (e *Engine) Index() *index.Index {
	return e.idx
}

// NextGen allocates a generation number
func (e *Engine) NextGen() uint64 {
	return e.gen.Add(1)
}

// Install makes reduce outputs readable
func (e *Engine) Install(outputs []*segment.Segment) {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	for _, seg := range outputs {
		e.segs[seg.Gen()] = seg
	}
	e.trackSegments()
}

// Retire drops reduce inputs once no lookup is reading them
func (e *Engine) Retire(inputs []*segment.Segment) {
	e.segMu.Lock()
	defer e.segMu.Unlock()
	for _, seg := range inputs {
		delete(e.segs, seg.Gen())
	}
	e.trackSegments()
}
