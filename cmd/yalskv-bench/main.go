package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/config"
	"github.com/sergey-melnychuk/yalskv/pkg/engine"
	"github.com/sergey-melnychuk/yalskv/pkg/index"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

const (
	keySize   = 64
	valueSize = 64
)

var (
	// Command line flags
	numKeys     = flag.Int("n", 1000000, "Number of key-value pairs")
	sizeLimit   = flag.Int64("limit", config.DefaultSizeLimit, "Segment size limit in bytes")
	seed        = flag.Int64("seed", 42, "Seed for generated keys and values")
	dataDir     = flag.String("dir", "./benchmark-data", "Directory to store benchmark data")
	syncMode    = flag.String("sync", "none", "Sync mode: none, batch or immediate")
	compression = flag.String("compression", config.CompressionNone, "Value compression: none, snappy, zstd or s2")
	cpuProfile  = flag.String("cpu-profile", "", "Write CPU profile to file")
	resultsFile = flag.String("results", "", "CSV file to write results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}

	cfg := config.NewDefaultConfig(*dataDir)
	cfg.SizeLimit = *sizeLimit
	cfg.Compression = *compression
	cfg.AutoReduce = false
	mode, err := parseSyncMode(*syncMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	cfg.SyncMode = mode

	e, err := engine.Open(cfg, engine.WithLogger(log.NewStandardLogger(log.WithOutput(os.Stderr), log.WithLevel(log.LevelWarn))))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage engine: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("N=%d limit=%d\n", *numKeys, *sizeLimit)
	results, err := run(e, cfg, generate(*numKeys, *seed), *seed)
	if cerr := e.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Results saved to %s\n", *resultsFile)
	}
}

func parseSyncMode(name string) (config.SyncMode, error) {
	for _, m := range []config.SyncMode{config.SyncNone, config.SyncBatch, config.SyncImmediate} {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown sync mode %q", name)
}

type pair struct {
	key, value []byte
}

// generate returns n random key-value pairs, reproducible from seed
func generate(n int, seed int64) []pair {
	rng := rand.New(rand.NewSource(seed))
	data := make([]pair, n)
	for i := range data {
		buf := make([]byte, keySize+valueSize)
		rng.Read(buf)
		data[i] = pair{key: buf[:keySize:keySize], value: buf[keySize:]}
	}
	return data
}

// shuffled returns a permutation of data, reproducible from seed
func shuffled(data []pair, seed int64) []pair {
	out := append([]pair(nil), data...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// phase times fn and reports it the way every phase is reported
func phase(name string, n int, fn func() error) (BenchmarkResult, error) {
	start := time.Now()
	if err := fn(); err != nil {
		return BenchmarkResult{}, fmt.Errorf("%s: %w", name, err)
	}
	r := newResult(name, n, time.Since(start))
	fmt.Println(r)
	return r, nil
}

// countRecords scans every sealed segment in cfg.Dir and counts the records
// still on disk
func countRecords(cfg *config.Config) (records, segments int, bytes int64, err error) {
	opts, err := segment.OptionsFromConfig(cfg, log.NewDiscard())
	if err != nil {
		return 0, 0, 0, err
	}
	files, err := segment.List(cfg.Dir)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, f := range files {
		if f.Kind != segment.KindSealed {
			continue
		}
		seg, err := segment.Open(cfg.Dir, f.Gen, opts)
		if err != nil {
			return records, segments, bytes, err
		}
		_, err = segment.Scan(seg, func([]byte, index.Location) error {
			records++
			return nil
		})
		segments++
		bytes += seg.Size()
		seg.Close()
		if err != nil {
			return records, segments, bytes, err
		}
	}
	return records, segments, bytes, nil
}

func run(e *engine.Engine, cfg *config.Config, data []pair, seed int64) ([]BenchmarkResult, error) {
	n := len(data)
	var results []BenchmarkResult
	add := func(r BenchmarkResult, err error) error {
		if err == nil {
			results = append(results, r)
		}
		return err
	}

	err := add(phase("insert", n, func() error {
		for _, p := range data {
			if err := e.Insert(p.key, p.value); err != nil {
				return err
			}
		}
		return nil
	}))
	if err != nil {
		return results, err
	}

	if err := add(phase("reduce", n, func() error {
		_, err := e.Reduce(context.Background())
		return err
	})); err != nil {
		return results, err
	}

	mixed := shuffled(data, seed+1)
	found := make([][]byte, 0, n)
	if err := add(phase("lookup", n, func() error {
		for _, p := range mixed {
			value, _, err := e.Lookup(p.key)
			if err != nil {
				return err
			}
			found = append(found, value)
		}
		return nil
	})); err != nil {
		return results, err
	}
	for i, p := range mixed {
		if found[i] == nil {
			fmt.Fprintf(os.Stderr, "!found: key=%s\n", hex.EncodeToString(p.key))
		} else if string(found[i]) != string(p.value) {
			fmt.Fprintf(os.Stderr, "!match: key=%s\n", hex.EncodeToString(p.key))
		}
	}

	var keys [][]byte
	if err := add(phase("sorted", n, func() error {
		it := e.SortedScan(nil, nil)
		defer it.Close()
		for k := range it.All() {
			keys = append(keys, k)
		}
		return it.Err()
	})); err != nil {
		return results, err
	}
	for i := 1; i < len(keys); i++ {
		if string(keys[i-1]) >= string(keys[i]) {
			fmt.Printf("!sorted (i=%d):\n\tprev=%s\n\tnext=%s\n", i, hex.EncodeToString(keys[i-1]), hex.EncodeToString(keys[i]))
		}
	}
	if len(keys) != n {
		fmt.Fprintf(os.Stderr, "!count: expected %d keys, scanned %d\n", n, len(keys))
	}

	mixed = shuffled(data, seed+2)
	if err := add(phase("remove", n, func() error {
		for _, p := range mixed {
			if err := e.Remove(p.key); err != nil {
				return err
			}
		}
		return nil
	})); err != nil {
		return results, err
	}

	if err := add(phase("reduce", n, func() error {
		_, err := e.Reduce(context.Background())
		return err
	})); err != nil {
		return results, err
	}

	if left := e.Len(); left > 0 {
		fmt.Fprintf(os.Stderr, "!empty: %d keys\n", left)
	}
	records, segments, bytes, err := countRecords(cfg)
	if err != nil {
		return results, fmt.Errorf("count: %w", err)
	}
	if records > 0 {
		fmt.Fprintf(os.Stderr, "!empty: %d records in %d segments (%d bytes)\n", records, segments, bytes)
	}
	return results, nil
}
