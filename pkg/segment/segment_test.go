package segment

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sergey-melnychuk/yalskv/pkg/compression"
	"github.com/sergey-melnychuk/yalskv/pkg/config"
	"github.com/sergey-melnychuk/yalskv/pkg/index"
)

func testOptions() Options {
	return Options{SyncMode: config.SyncNone}
}

func createTestSegment(t *testing.T, opts Options) (*Segment, string) {
	t.Helper()
	dir := t.TempDir()
	seg, err := Create(dir, 1, opts)
	if err != nil {
		t.Fatalf("Failed to create segment: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg, dir
}

func TestFrameRoundTrip(t *testing.T) {
	enc := encoder{limits: Limits{MaxKeySize: 1024, MaxValueSize: 1024}}

	records := []Record{
		{Key: []byte("key"), Value: []byte("value"), Seq: 1},
		{Key: []byte("empty"), Value: []byte{}, Seq: 2},
		{Key: []byte("gone"), Seq: 3, Tombstone: true},
	}
	for _, rec := range records {
		frame, err := enc.encode(nil, rec)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if len(frame) != FrameOverhead+len(rec.Key)+len(rec.Value) {
			t.Errorf("unexpected frame size %d", len(frame))
		}

		h, err := decodeFrame(frame, enc.limits)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		got, err := h.record(enc.limits)
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
		if !bytes.Equal(got.Key, rec.Key) || !bytes.Equal(got.Value, rec.Value) ||
			got.Seq != rec.Seq || got.Tombstone != rec.Tombstone {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, rec)
		}
	}
}

func TestFrameLayout(t *testing.T) {
	enc := encoder{limits: Limits{MaxKeySize: 1024, MaxValueSize: 1024}}
	frame, err := enc.encode(nil, Record{Key: []byte("k"), Value: []byte("vv"), Seq: 7})
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		1, 0, 0, 0, // keyLen
		'k',
		KindValue, byte(compression.None),
		2, 0, 0, 0, // valLen
		'v', 'v',
		7, 0, 0, 0, 0, 0, 0, 0, // seq
	}
	if !bytes.Equal(frame[:len(want)], want) {
		t.Errorf("unexpected frame prefix: %v", frame[:len(want)])
	}
}

func TestFrameCorruption(t *testing.T) {
	limits := Limits{MaxKeySize: 1024, MaxValueSize: 1024}
	enc := encoder{limits: limits}
	frame, _ := enc.encode(nil, Record{Key: []byte("key"), Value: []byte("value"), Seq: 1})

	for i := range frame {
		damaged := append([]byte(nil), frame...)
		damaged[i] ^= 0x40
		if _, err := decodeFrame(damaged, limits); !errors.Is(err, ErrCorruptRecord) {
			t.Errorf("flipping byte %d was not detected: %v", i, err)
		}
	}

	if _, err := decodeFrame(frame[:len(frame)-1], limits); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("short frame not detected: %v", err)
	}
}

func TestEncodeLimits(t *testing.T) {
	enc := encoder{limits: Limits{MaxKeySize: 4, MaxValueSize: 4}}
	if _, err := enc.encode(nil, Record{Key: []byte("toolong"), Seq: 1}); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("expected ErrRecordTooLarge for key, got %v", err)
	}
	if _, err := enc.encode(nil, Record{Key: []byte("k"), Value: []byte("toolong"), Seq: 1}); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("expected ErrRecordTooLarge for value, got %v", err)
	}
}

func TestAppendRead(t *testing.T) {
	seg, _ := createTestSegment(t, testOptions())

	var locs []index.Location
	for i := 0; i < 100; i++ {
		rec := Record{
			Key:   []byte(fmt.Sprintf("key%03d", i)),
			Value: []byte(fmt.Sprintf("value%03d", i)),
			Seq:   uint64(i + 1),
		}
		loc, err := seg.Append(rec)
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if loc.Segment != 1 || loc.Seq != rec.Seq {
			t.Errorf("unexpected location %v", loc)
		}
		locs = append(locs, loc)
	}

	var end int64
	for i, loc := range locs {
		if loc.Offset != end {
			t.Errorf("record %d at offset %d, expected %d", i, loc.Offset, end)
		}
		end += int64(loc.Length)

		rec, err := seg.Read(loc)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(rec.Value) != fmt.Sprintf("value%03d", i) {
			t.Errorf("unexpected value %q", rec.Value)
		}
	}
	if seg.Size() != end {
		t.Errorf("size %d, expected %d", seg.Size(), end)
	}

	// A location with the wrong sequence number does not resolve.
	bad := locs[0]
	bad.Seq = 99
	if _, err := seg.Read(bad); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestCompressedValues(t *testing.T) {
	for _, typ := range []compression.Type{compression.Snappy, compression.Zstd, compression.S2} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := compression.NewCompressor(typ, compression.DefaultMinReductionPercent)
			if err != nil {
				t.Fatal(err)
			}
			opts := testOptions()
			opts.Compressor = c
			opts.CompressMinSize = 64
			seg, _ := createTestSegment(t, opts)

			value := bytes.Repeat([]byte("abcdefgh"), 512)
			loc, err := seg.Append(Record{Key: []byte("big"), Value: value, Seq: 1})
			if err != nil {
				t.Fatalf("Append failed: %v", err)
			}
			if int(loc.Length) >= len(value) {
				t.Errorf("expected compressed frame, got %d bytes", loc.Length)
			}
			small, err := seg.Append(Record{Key: []byte("small"), Value: []byte("tiny"), Seq: 2})
			if err != nil {
				t.Fatal(err)
			}
			if small.Length != uint32(FrameOverhead+len("small")+len("tiny")) {
				t.Errorf("small values should be stored raw, frame is %d bytes", small.Length)
			}

			rec, err := seg.Read(loc)
			if err != nil {
				t.Fatalf("Read failed: %v", err)
			}
			if !bytes.Equal(rec.Value, value) {
				t.Error("decompressed value mismatch")
			}
		})
	}
}

func TestSeal(t *testing.T) {
	seg, dir := createTestSegment(t, testOptions())

	loc, err := seg.Append(Record{Key: []byte("k"), Value: []byte("v"), Seq: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if !seg.Sealed() {
		t.Error("segment should report sealed")
	}

	if _, err := os.Stat(filepath.Join(dir, FileName(1, KindActive))); !os.IsNotExist(err) {
		t.Error("active log should be renamed away")
	}
	if _, err := os.Stat(filepath.Join(dir, FileName(1, KindSealed))); err != nil {
		t.Errorf("sealed file missing: %v", err)
	}

	if _, err := seg.Append(Record{Key: []byte("k2"), Value: []byte("v"), Seq: 2}); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed, got %v", err)
	}

	// The same handle still serves reads.
	rec, err := seg.Read(loc)
	if err != nil || string(rec.Value) != "v" {
		t.Errorf("read after seal: %v %q", err, rec.Value)
	}

	reopened, err := Open(dir, 1, testOptions())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer reopened.Close()
	if reopened.Size() != seg.Size() || !reopened.Sealed() {
		t.Errorf("reopened segment differs: size=%d sealed=%v", reopened.Size(), reopened.Sealed())
	}
}

func TestPendingSeal(t *testing.T) {
	dir := t.TempDir()
	seg, err := CreatePending(dir, 9, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Close()

	if _, err := seg.Append(Record{Key: []byte("k"), Value: []byte("v"), Seq: 1}); err != nil {
		t.Fatal(err)
	}
	if err := seg.Seal(); err != nil {
		t.Fatal(err)
	}

	files, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Kind != KindSealed || files[0].Gen != 9 {
		t.Errorf("unexpected files after sealing pending output: %+v", files)
	}
}

func TestScanAndTornTail(t *testing.T) {
	seg, dir := createTestSegment(t, testOptions())

	for i := 0; i < 10; i++ {
		if _, err := seg.Append(Record{Key: []byte(fmt.Sprintf("k%d", i)), Value: []byte("v"), Seq: uint64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	full := seg.Size()

	var n int
	end, err := Scan(seg, func(key []byte, loc index.Location) error {
		if string(key) != fmt.Sprintf("k%d", n) {
			t.Errorf("record %d has key %q", n, key)
		}
		n++
		return nil
	})
	if err != nil || end != full || n != 10 {
		t.Fatalf("clean scan: end=%d n=%d err=%v", end, n, err)
	}
	seg.Close()

	// Append half a frame of garbage and rescan.
	path := filepath.Join(dir, FileName(1, KindActive))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{3, 0, 0, 0, 'a', 'b'})
	f.Close()

	reopened, err := OpenActive(dir, 1, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	n = 0
	end, err = Scan(reopened, func([]byte, index.Location) error { n++; return nil })
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	if end != full || n != 10 {
		t.Errorf("expected 10 records ending at %d, got %d ending at %d", full, n, end)
	}

	if err := reopened.Truncate(end); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if _, err := Scan(reopened, func([]byte, index.Location) error { return nil }); err != nil {
		t.Errorf("scan after truncate: %v", err)
	}

	// Appends resume at the truncated end.
	loc, err := reopened.Append(Record{Key: []byte("next"), Value: []byte("v"), Seq: 11})
	if err != nil || loc.Offset != full {
		t.Errorf("append after truncate: loc=%v err=%v", loc, err)
	}
}

func TestScannerRecord(t *testing.T) {
	seg, _ := createTestSegment(t, testOptions())
	seg.Append(Record{Key: []byte("a"), Value: []byte("1"), Seq: 1})
	seg.Append(Record{Key: []byte("a"), Seq: 2, Tombstone: true})

	sc := NewScanner(seg)
	var got []Record
	for sc.Next() {
		rec, err := sc.Record()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rec)
	}
	if sc.Err() != nil {
		t.Fatal(sc.Err())
	}
	if len(got) != 2 || string(got[0].Value) != "1" || !got[1].Tombstone || got[1].Seq != 2 {
		t.Errorf("unexpected records: %+v", got)
	}
}

func TestFileNames(t *testing.T) {
	name := FileName(42, KindSealed)
	if name != "00000000000000000042.seg" {
		t.Errorf("unexpected name %q", name)
	}
	gen, kind, ok := ParseFileName(name)
	if !ok || gen != 42 || kind != KindSealed {
		t.Errorf("ParseFileName(%q) = %d %v %v", name, gen, kind, ok)
	}
	for _, bad := range []string{"OPTIONS", "42.seg", "0000000000000000004x.log", "00000000000000000042.tmp"} {
		if _, _, ok := ParseFileName(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}

	dir := t.TempDir()
	for _, n := range []string{FileName(3, KindActive), FileName(1, KindSealed), FileName(2, KindPending), "REDUCE", "LOCK"} {
		os.WriteFile(filepath.Join(dir, n), nil, 0644)
	}
	files, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 || files[0].Gen != 1 || files[1].Kind != KindPending || files[2].Kind != KindActive {
		t.Errorf("unexpected listing: %+v", files)
	}
}
