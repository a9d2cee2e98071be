package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpInsert)
	collector.TrackOperation(OpInsert)
	collector.TrackOperation(OpLookup)

	stats := collector.GetStats()

	if stats["insert_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 insert operations, got %v", stats["insert_ops"])
	}
	if stats["lookup_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 lookup operation, got %v", stats["lookup_ops"])
	}
	if _, exists := stats["last_insert_time"]; !exists {
		t.Errorf("Expected last_insert_time to exist in stats")
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpLookup, 300)
	collector.TrackOperationWithLatency(OpLookup, 100)
	collector.TrackOperationWithLatency(OpLookup, 200)

	stats := collector.GetStats()

	latencyStats, ok := stats["lookup_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected lookup_latency to be a map, got %T", stats["lookup_latency"])
	}
	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()
	const numGoroutines = 10
	const opsPerGoroutine = 999

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < opsPerGoroutine; j++ {
				switch j % 3 {
				case 0:
					collector.TrackOperation(OpInsert)
				case 1:
					collector.TrackOperation(OpLookup)
				case 2:
					collector.TrackOperationWithLatency(OpRemove, uint64(j))
				}
			}
		}()
	}
	wg.Wait()

	stats := collector.GetStats()
	expected := uint64(numGoroutines * opsPerGoroutine / 3)

	for _, key := range []string{"insert_ops", "lookup_ops", "remove_ops"} {
		if ops := stats[key].(uint64); ops != expected {
			t.Errorf("Expected %d for %s, got %v", expected, key, ops)
		}
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpInsert)
	collector.TrackOperation(OpLookup)
	collector.TrackError("io_error")

	lookupStats := collector.GetStatsFiltered("lookup")
	if _, exists := lookupStats["lookup_ops"]; !exists {
		t.Errorf("Expected lookup_ops in filtered stats")
	}
	if _, exists := lookupStats["insert_ops"]; exists {
		t.Errorf("Did not expect insert_ops in lookup-filtered stats")
	}

	errorStats := collector.GetStatsFiltered("error")
	errs, ok := errorStats["errors"].(map[string]uint64)
	if !ok || errs["io_error"] != 1 {
		t.Errorf("Expected one io_error, got %v", errorStats["errors"])
	}
}

func TestCollector_TrackBytesAndSegments(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackBytes(true, 1000)
	collector.TrackBytes(false, 500)
	collector.TrackSegments(3, 4096)

	stats := collector.GetStats()

	if n := stats["total_bytes_written"].(uint64); n != 1000 {
		t.Errorf("Expected 1000 bytes written, got %v", n)
	}
	if n := stats["total_bytes_read"].(uint64); n != 500 {
		t.Errorf("Expected 500 bytes read, got %v", n)
	}
	if n := stats["segment_count"].(int64); n != 3 {
		t.Errorf("Expected 3 segments, got %v", n)
	}
	if n := stats["segment_bytes"].(int64); n != 4096 {
		t.Errorf("Expected 4096 segment bytes, got %v", n)
	}
}

func TestCollector_TrackReduce(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackReduce(4, 0, 1<<20)
	collector.TrackReduce(2, 1, 512)

	reduceStats := collector.GetStats()["reduce"].(map[string]interface{})
	if runs := reduceStats["runs"].(uint64); runs != 2 {
		t.Errorf("Expected 2 runs, got %v", runs)
	}
	if merged := reduceStats["segments_merged"].(uint64); merged != 6 {
		t.Errorf("Expected 6 segments merged, got %v", merged)
	}
	if lost := reduceStats["records_lost"].(uint64); lost != 1 {
		t.Errorf("Expected 1 lost record, got %v", lost)
	}
	if reclaimed := reduceStats["bytes_reclaimed"].(int64); reclaimed != 1<<20+512 {
		t.Errorf("Expected %d bytes reclaimed, got %v", 1<<20+512, reclaimed)
	}
}

func TestCollector_RecoveryStats(t *testing.T) {
	collector := NewAtomicCollector()

	startTime := collector.StartRecovery()
	time.Sleep(10 * time.Millisecond)
	collector.FinishRecovery(startTime, 5, 1000, 17)

	recoveryStats, ok := collector.GetStats()["recovery"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected recovery stats to be a map")
	}
	if n := recoveryStats["segments_scanned"].(uint64); n != 5 {
		t.Errorf("Expected 5 segments scanned, got %v", n)
	}
	if n := recoveryStats["records_recovered"].(uint64); n != 1000 {
		t.Errorf("Expected 1000 records recovered, got %v", n)
	}
	if n := recoveryStats["bytes_truncated"].(uint64); n != 17 {
		t.Errorf("Expected 17 bytes truncated, got %v", n)
	}
	if _, exists := recoveryStats["duration_ms"]; !exists {
		t.Errorf("Expected recovery duration to be recorded")
	}
}
