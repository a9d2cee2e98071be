package reduce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/index"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
	"github.com/sergey-melnychuk/yalskv/pkg/stats"
	"github.com/sergey-melnychuk/yalskv/pkg/telemetry"
)

// CoordinatorOptions holds configuration options for the coordinator
type CoordinatorOptions struct {
	Dir      string
	Store    Store
	Strategy Strategy
	Executor *Executor

	// SegmentThreshold is the sealed segment count that wakes the background worker
	SegmentThreshold int
	// Interval additionally runs a reduce periodically; zero disables it
	Interval time.Duration

	Logger    log.Logger
	Stats     stats.Collector
	Telemetry telemetry.Telemetry
}

// Coordinator runs reduces one at a time, in the background or on request
type Coordinator struct {
	dir       string
	store     Store
	strategy  Strategy
	executor  *Executor
	threshold int
	interval  time.Duration
	logger    log.Logger
	stats     stats.Collector
	tel       telemetry.Telemetry

	// sem holds one token; whoever takes it runs the reduce
	sem    chan struct{}
	failed error // set after a commit could not complete; guarded by sem

	notifyCh chan struct{}
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	lastMu sync.RWMutex
	last   Stats
}

// NewCoordinator creates a coordinator; Start launches its background worker
func NewCoordinator(opts CoordinatorOptions) *Coordinator {
	if opts.Strategy == nil {
		opts.Strategy = FullStrategy{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewDiscard()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNoop()
	}
	if opts.SegmentThreshold <= 0 {
		opts.SegmentThreshold = 4
	}

	c := &Coordinator{
		dir:       opts.Dir,
		store:     opts.Store,
		strategy:  opts.Strategy,
		executor:  opts.Executor,
		threshold: opts.SegmentThreshold,
		interval:  opts.Interval,
		logger:    opts.Logger.WithField("component", "reduce"),
		stats:     opts.Stats,
		tel:       opts.Telemetry,
		sem:       make(chan struct{}, 1),
		notifyCh:  make(chan struct{}, 1),
	}
	c.sem <- struct{}{}
	return c
}

// Start begins background reduces
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.stopCh = make(chan struct{})
	c.running = true

	c.wg.Add(1)
	go c.worker(ctx)
}

// Stop halts the background worker and waits for it, and for any reduce
// started by Trigger. A reduce past its commit point is allowed to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.running {
		c.running = false
		close(c.stopCh)
		c.cancel()
	}
	c.mu.Unlock()

	c.wg.Wait()
	<-c.sem
	c.sem <- struct{}{}
}

// Notify tells the coordinator how many sealed segments exist. It never blocks.
func (c *Coordinator) Notify(sealed int) {
	if sealed < c.threshold {
		return
	}
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()

	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.notifyCh:
			if len(c.store.Sealed()) < c.threshold {
				continue
			}
		case <-tick:
		}

		if _, err := c.TryTrigger(ctx); err != nil && err != ErrReduceRunning && ctx.Err() == nil {
			c.logger.Error("background reduce failed: %v", err)
			if c.stats != nil {
				c.stats.TrackError("reduce")
			}
		}
	}
}

// Trigger runs a reduce now, waiting for any reduce in flight to finish first
func (c *Coordinator) Trigger(ctx context.Context) (Stats, error) {
	select {
	case <-c.sem:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	defer func() { c.sem <- struct{}{} }()
	return c.run(ctx)
}

// TryTrigger runs a reduce unless one is already in flight, in which case it
// returns ErrReduceRunning
func (c *Coordinator) TryTrigger(ctx context.Context) (Stats, error) {
	select {
	case <-c.sem:
	default:
		return Stats{}, ErrReduceRunning
	}
	defer func() { c.sem <- struct{}{} }()
	return c.run(ctx)
}

// LastStats returns the stats of the most recent successful reduce
func (c *Coordinator) LastStats() Stats {
	c.lastMu.RLock()
	defer c.lastMu.RUnlock()
	return c.last
}

// run performs one reduce; the caller holds the sem token
func (c *Coordinator) run(ctx context.Context) (Stats, error) {
	if c.failed != nil {
		return Stats{}, fmt.Errorf("reduce disabled until reopen: %w", c.failed)
	}

	sealed := c.store.Sealed()
	inputs := c.strategy.Select(sealed)
	if len(inputs) == 0 {
		return Stats{}, nil
	}
	full := len(inputs) == len(sealed)

	start := time.Now()
	ctx, span := c.tel.StartSpan(ctx, "reduce.run",
		attribute.Int("reduce.inputs", len(inputs)),
		attribute.Bool("reduce.full", full))
	defer span.End()

	c.logger.Info("reducing %d segments [%s], full=%v", len(inputs), gensString(inputs), full)

	res, err := c.executor.Merge(ctx, inputs, full)
	if err != nil {
		c.fail(ctx, span, "merge", err)
		return Stats{}, fmt.Errorf("merge failed: %w", err)
	}

	if err := c.writeMarker(res); err != nil {
		c.fail(ctx, span, "marker", err)
		return Stats{}, fmt.Errorf("failed to write reduce marker: %w", err)
	}

	// Past the marker the reduce runs to completion or disables reduces
	if err := c.commit(res); err != nil {
		c.failed = err
		c.fail(ctx, span, "commit", err)
		return Stats{}, fmt.Errorf("commit failed: %w", err)
	}

	res.Stats.Duration = time.Since(start)
	c.record(context.WithoutCancel(ctx), res.Stats)
	return res.Stats, nil
}

// writeMarker is the commit point of a reduce. On failure the outputs are
// discarded and the store is left untouched.
func (c *Coordinator) writeMarker(res *Result) error {
	marker := &Marker{MaxSeq: res.MaxSeq}
	for _, in := range res.Inputs {
		marker.Inputs = append(marker.Inputs, in.Gen())
	}
	for _, out := range res.Outputs {
		marker.Outputs = append(marker.Outputs, out.Gen())
	}
	if err := WriteMarker(c.dir, marker); err != nil {
		for _, out := range res.Outputs {
			out.Remove()
		}
		RemoveMarker(c.dir)
		return err
	}
	return nil
}

// commit publishes the outputs of res and retires its inputs
func (c *Coordinator) commit(res *Result) error {
	for _, out := range res.Outputs {
		if err := out.Seal(); err != nil {
			return err
		}
	}
	c.store.Install(res.Outputs)

	idx := c.store.Index()
	for _, m := range res.Moves {
		idx.CompareAndSwap(m.Key, m.From, m.To)
	}
	for _, d := range res.Drops {
		idx.CompareAndDelete(d.Key, d.At)
	}
	if res.Damaged {
		res.Stats.RecordsLost = c.sweep(idx, res.Inputs)
	}

	// Dropped records may carry the highest seqs on disk
	if err := RaiseSeq(c.dir, res.MaxSeq); err != nil {
		return err
	}
	c.store.Retire(res.Inputs)

	// Inputs are in generation order, oldest first
	for _, in := range res.Inputs {
		if err := in.Remove(); err != nil {
			return err
		}
	}
	if err := segment.SyncDir(c.dir); err != nil {
		return err
	}
	return RemoveMarker(c.dir)
}

// sweep removes index entries still pointing into inputs. Only records in
// a corrupt tail can be left there after re-pointing.
func (c *Coordinator) sweep(idx *index.Index, inputs []*segment.Segment) int64 {
	gens := make(map[uint64]bool, len(inputs))
	for _, in := range inputs {
		gens[in.Gen()] = true
	}

	var lost int64
	it := idx.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		loc := it.Location()
		if gens[loc.Segment] && idx.CompareAndDelete(it.Key(), loc) {
			lost++
		}
	}
	if lost > 0 {
		c.logger.Error("reduce lost %d records to corrupt segments", lost)
	}
	return lost
}

// fail marks span failed and counts the failure by the stage it happened in
func (c *Coordinator) fail(ctx context.Context, span trace.Span, stage string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.tel.RecordCounter(context.WithoutCancel(ctx), telemetry.MetricReduceFailures, 1,
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeReduce),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentReduce),
		attribute.String(telemetry.AttrStatus, telemetry.StatusError),
		attribute.String(telemetry.AttrErrorType, stage))
}

func (c *Coordinator) record(ctx context.Context, st Stats) {
	c.lastMu.Lock()
	c.last = st
	c.lastMu.Unlock()

	c.logger.Info("reduce done in %s: %d -> %d segments, %d/%d records kept, %d tombstones dropped, %d bytes reclaimed",
		st.Duration, st.SegmentsMerged, st.SegmentsWritten, st.RecordsWritten, st.RecordsRead,
		st.TombstonesDropped, st.BytesReclaimed)

	if c.stats != nil {
		c.stats.TrackOperationWithLatency(stats.OpReduce, uint64(st.Duration.Nanoseconds()))
		c.stats.TrackReduce(uint64(st.SegmentsMerged), uint64(st.RecordsLost), st.BytesReclaimed)
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeReduce),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentReduce),
		attribute.String(telemetry.AttrStatus, telemetry.StatusSuccess),
	}
	c.tel.RecordHistogram(ctx, telemetry.MetricReduceDuration, st.Duration.Seconds(), attrs...)
	c.tel.RecordCounter(ctx, telemetry.MetricBytesReclaimed, st.BytesReclaimed, attrs[:2]...)
	if st.RecordsLost > 0 {
		c.tel.RecordCounter(ctx, telemetry.MetricRecordsLost, st.RecordsLost, attrs[:2]...)
	}
}
