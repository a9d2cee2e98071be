package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileKind tells sealed segments, active logs and reduce outputs apart
type FileKind int

const (
	// KindSealed is an immutable segment
	KindSealed FileKind = iota
	// KindActive is the log currently receiving appends
	KindActive
	// KindPending is a reduce output not yet committed
	KindPending
)

var extensions = map[FileKind]string{
	KindSealed:  ".seg",
	KindActive:  ".log",
	KindPending: ".rdc",
}

// String returns the file extension of the kind
func (k FileKind) String() string {
	if ext, ok := extensions[k]; ok {
		return ext
	}
	return fmt.Sprintf("FileKind(%d)", int(k))
}

// FileName returns the name of the file holding generation gen
func FileName(gen uint64, kind FileKind) string {
	return fmt.Sprintf("%020d%s", gen, extensions[kind])
}

// ParseFileName extracts the generation and kind from a segment file name
func ParseFileName(name string) (uint64, FileKind, bool) {
	ext := filepath.Ext(name)
	for kind, e := range extensions {
		if e != ext {
			continue
		}
		base := strings.TrimSuffix(name, ext)
		if len(base) != 20 {
			return 0, 0, false
		}
		gen, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		return gen, kind, true
	}
	return 0, 0, false
}

// FileInfo describes one segment file found on disk
type FileInfo struct {
	Gen  uint64
	Kind FileKind
	Path string
}

// List returns every segment file in dir sorted by generation
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		gen, kind, ok := ParseFileName(entry.Name())
		if !ok {
			continue
		}
		files = append(files, FileInfo{Gen: gen, Kind: kind, Path: filepath.Join(dir, entry.Name())})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Gen != files[j].Gen {
			return files[i].Gen < files[j].Gen
		}
		return files[i].Kind < files[j].Kind
	})
	return files, nil
}

// SyncDir flushes directory metadata so renames and creations survive a crash
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}
