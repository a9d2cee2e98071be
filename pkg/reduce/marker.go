package reduce

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

// MarkerFileName is the commit marker of a reduce. Its presence means the
// listed outputs are complete and the inputs are to be deleted.
const MarkerFileName = "REDUCE"

// Marker records a committed reduce until its inputs are gone
type Marker struct {
	Inputs   []uint64 `json:"inputs"`
	Outputs  []uint64 `json:"outputs"`
	MaxSeq   uint64   `json:"max_seq"` // highest seq in the inputs
	Checksum uint64   `json:"checksum"`
}

func (m *Marker) sum() uint64 {
	buf := make([]byte, 0, 8*(len(m.Inputs)+len(m.Outputs)+3))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Inputs)))
	for _, gen := range m.Inputs {
		buf = binary.LittleEndian.AppendUint64(buf, gen)
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Outputs)))
	for _, gen := range m.Outputs {
		buf = binary.LittleEndian.AppendUint64(buf, gen)
	}
	buf = binary.LittleEndian.AppendUint64(buf, m.MaxSeq)
	return xxhash.Sum64(buf)
}

// WriteMarker durably writes m into dir
func WriteMarker(dir string, m *Marker) error {
	m.Checksum = m.sum()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal reduce marker: %w", err)
	}

	return writeFileSync(dir, MarkerFileName, data)
}

// writeFileSync replaces dir/name with data through a synced temp file
func writeFileSync(dir, name string, data []byte) error {
	path := filepath.Join(dir, name)
	tempPath := path + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	return segment.SyncDir(dir)
}

// ReadMarker loads the marker in dir. It returns nil when there is none and
// ErrInvalidMarker when the file cannot be trusted.
func ReadMarker(dir string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %w", segment.ErrIO, err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMarker, err)
	}
	if m.Checksum != m.sum() {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidMarker)
	}
	return &m, nil
}

// RemoveMarker deletes the marker in dir, if any
func RemoveMarker(dir string) error {
	os.Remove(filepath.Join(dir, MarkerFileName+".tmp"))
	if err := os.Remove(filepath.Join(dir, MarkerFileName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	return segment.SyncDir(dir)
}
