package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// recordBytes is the payload of one operation: key, value and three 8-byte
// header words
const recordBytes = keySize + valueSize + 3*8

// BenchmarkResult stores the results of one benchmark phase
type BenchmarkResult struct {
	Phase      string
	Operations int
	Millis     int64
	OpsPerSec  int64
	KBPerSec   int64
	Timestamp  time.Time
}

func newResult(phase string, n int, elapsed time.Duration) BenchmarkResult {
	ms := elapsed.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return BenchmarkResult{
		Phase:      phase,
		Operations: n,
		Millis:     ms,
		OpsPerSec:  int64(n) * 1000 / ms,
		KBPerSec:   int64(n) * 1000 * recordBytes / ms / 1024,
		Timestamp:  time.Now(),
	}
}

// String formats the result as "phase: ok (ms=.. op=.. kb=..)"
func (r BenchmarkResult) String() string {
	return fmt.Sprintf("%s: ok (ms=%d op=%d kb=%d)", r.Phase, r.Millis, r.OpsPerSec, r.KBPerSec)
}

// SaveResultCSV saves benchmark results to a CSV file
func SaveResultCSV(results []BenchmarkResult, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"Timestamp", "Phase", "Operations", "Millis", "OpsPerSec", "KBPerSec"}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.Phase,
			strconv.Itoa(r.Operations),
			strconv.FormatInt(r.Millis, 10),
			strconv.FormatInt(r.OpsPerSec, 10),
			strconv.FormatInt(r.KBPerSec, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
