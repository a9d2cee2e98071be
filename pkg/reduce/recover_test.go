package reduce

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

func touch(t *testing.T, dir string, gen uint64, kind segment.FileKind) string {
	t.Helper()
	path := filepath.Join(dir, segment.FileName(gen, kind))
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := ReadMarker(dir)
	if err != nil || m != nil {
		t.Fatalf("expected no marker, got %v %v", m, err)
	}

	if err := WriteMarker(dir, &Marker{Inputs: []uint64{1, 2}, Outputs: []uint64{5}}); err != nil {
		t.Fatalf("WriteMarker failed: %v", err)
	}
	m, err = ReadMarker(dir)
	if err != nil {
		t.Fatalf("ReadMarker failed: %v", err)
	}
	if len(m.Inputs) != 2 || m.Inputs[1] != 2 || len(m.Outputs) != 1 || m.Outputs[0] != 5 {
		t.Errorf("unexpected marker: %+v", m)
	}

	if err := RemoveMarker(dir); err != nil {
		t.Fatal(err)
	}
	if err := RemoveMarker(dir); err != nil {
		t.Errorf("removing a missing marker should succeed: %v", err)
	}
}

func TestMarkerChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, MarkerFileName)

	// Valid JSON whose gens were altered after the checksum was taken.
	if err := WriteMarker(dir, &Marker{Inputs: []uint64{1}, Outputs: []uint64{3}}); err != nil {
		t.Fatal(err)
	}
	m, _ := ReadMarker(dir)
	m.Outputs = []uint64{4}
	data := []byte(`{"inputs":[1],"outputs":[4],"checksum":` + strconv.FormatUint(m.Checksum, 10) + `}`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMarker(dir); !errors.Is(err, ErrInvalidMarker) {
		t.Errorf("expected ErrInvalidMarker for altered marker, got %v", err)
	}

	if err := os.WriteFile(path, []byte("{trunc"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadMarker(dir); !errors.Is(err, ErrInvalidMarker) {
		t.Errorf("expected ErrInvalidMarker for torn marker, got %v", err)
	}
}

func TestRecoverNothing(t *testing.T) {
	dir := t.TempDir()
	seg := touch(t, dir, 1, segment.KindSealed)
	active := touch(t, dir, 2, segment.KindActive)

	action, err := Recover(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != RecoveryNone {
		t.Errorf("expected no recovery, got %s", action)
	}
	if !exists(seg) || !exists(active) {
		t.Error("recovery touched files it does not own")
	}
}

func TestRecoverRollsBack(t *testing.T) {
	dir := t.TempDir()
	in1 := touch(t, dir, 1, segment.KindSealed)
	in2 := touch(t, dir, 2, segment.KindSealed)
	out := touch(t, dir, 4, segment.KindPending)

	action, err := Recover(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != RecoveryRolledBack {
		t.Errorf("expected rollback, got %s", action)
	}
	if exists(out) {
		t.Error("uncommitted output should be deleted")
	}
	if !exists(in1) || !exists(in2) {
		t.Error("inputs of an uncommitted reduce must survive")
	}
}

func TestRecoverRollsForward(t *testing.T) {
	dir := t.TempDir()
	in1 := touch(t, dir, 1, segment.KindSealed)
	in2 := touch(t, dir, 2, segment.KindSealed)
	active := touch(t, dir, 3, segment.KindActive)
	touch(t, dir, 4, segment.KindPending)
	touch(t, dir, 5, segment.KindSealed) // already renamed before the crash
	stray := touch(t, dir, 6, segment.KindPending)

	if err := WriteMarker(dir, &Marker{Inputs: []uint64{1, 2}, Outputs: []uint64{4, 5}, MaxSeq: 17}); err != nil {
		t.Fatal(err)
	}

	action, err := Recover(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != RecoveryRolledForward {
		t.Errorf("expected roll forward, got %s", action)
	}
	if exists(in1) || exists(in2) {
		t.Error("inputs of a committed reduce should be deleted")
	}
	for _, gen := range []uint64{4, 5} {
		if !exists(filepath.Join(dir, segment.FileName(gen, segment.KindSealed))) {
			t.Errorf("output %d should be sealed", gen)
		}
	}
	if exists(stray) {
		t.Error("pending file not listed in the marker should be deleted")
	}
	if !exists(active) {
		t.Error("active log must be left alone")
	}
	if exists(filepath.Join(dir, MarkerFileName)) {
		t.Error("marker should be removed")
	}
	if seq, err := ReadSeq(dir); err != nil || seq != 17 {
		t.Errorf("expected seq 17 kept from the marker, got %d %v", seq, err)
	}

	// A second pass has nothing to do.
	if action, err := Recover(dir, nil); err != nil || action != RecoveryNone {
		t.Errorf("expected idempotent recovery, got %s %v", action, err)
	}
}

func TestRecoverMissingOutputs(t *testing.T) {
	dir := t.TempDir()
	in1 := touch(t, dir, 1, segment.KindSealed)
	in2 := touch(t, dir, 2, segment.KindSealed)
	out := touch(t, dir, 4, segment.KindPending)

	if err := WriteMarker(dir, &Marker{Inputs: []uint64{1, 2}, Outputs: []uint64{4, 5}}); err != nil {
		t.Fatal(err)
	}

	// Output 5 is gone but every input is intact: undo the reduce.
	action, err := Recover(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != RecoveryRolledBack {
		t.Errorf("expected rollback, got %s", action)
	}
	if !exists(in1) || !exists(in2) || exists(out) {
		t.Error("rollback should keep inputs and drop outputs")
	}
}

func TestRecoverInvalidMarker(t *testing.T) {
	dir := t.TempDir()
	in := touch(t, dir, 1, segment.KindSealed)
	out := touch(t, dir, 2, segment.KindPending)
	if err := os.WriteFile(filepath.Join(dir, MarkerFileName), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}

	action, err := Recover(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if action != RecoveryRolledBack {
		t.Errorf("expected rollback, got %s", action)
	}
	if !exists(in) || exists(out) {
		t.Error("untrusted marker should be treated as absent")
	}
	if exists(filepath.Join(dir, MarkerFileName)) {
		t.Error("untrusted marker should be removed")
	}
}

func TestSeqFile(t *testing.T) {
	dir := t.TempDir()

	if seq, err := ReadSeq(dir); err != nil || seq != 0 {
		t.Fatalf("expected no seq, got %d %v", seq, err)
	}
	if err := RaiseSeq(dir, 10); err != nil {
		t.Fatalf("RaiseSeq failed: %v", err)
	}
	if err := RaiseSeq(dir, 4); err != nil {
		t.Fatalf("RaiseSeq failed: %v", err)
	}
	if seq, err := ReadSeq(dir); err != nil || seq != 10 {
		t.Errorf("seq must never go down, got %d %v", seq, err)
	}

	path := filepath.Join(dir, SeqFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSeq(dir); !errors.Is(err, ErrInvalidSeq) {
		t.Errorf("expected ErrInvalidSeq, got %v", err)
	}
}
