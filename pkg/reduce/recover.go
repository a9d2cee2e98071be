package reduce

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/sergey-melnychuk/yalskv/pkg/common/log"
	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

// RecoveryAction tells what Recover did
type RecoveryAction int

const (
	// RecoveryNone means no reduce was interrupted
	RecoveryNone RecoveryAction = iota
	// RecoveryRolledBack means an uncommitted reduce was discarded
	RecoveryRolledBack
	// RecoveryRolledForward means a committed reduce was finished
	RecoveryRolledForward
)

func (a RecoveryAction) String() string {
	switch a {
	case RecoveryRolledBack:
		return "rolled back"
	case RecoveryRolledForward:
		return "rolled forward"
	default:
		return "none"
	}
}

// Recover brings dir to a state with no reduce in progress. Without a
// marker every pending output is deleted. With a valid marker the reduce
// is finished: outputs are renamed into place and inputs deleted oldest
// first. A marker that cannot be trusted is discarded with all pending outputs.
func Recover(dir string, logger log.Logger) (RecoveryAction, error) {
	if logger == nil {
		logger = log.NewDiscard()
	}

	files, err := segment.List(dir)
	if err != nil {
		return RecoveryNone, err
	}

	marker, err := ReadMarker(dir)
	if errors.Is(err, ErrInvalidMarker) {
		logger.Warn("discarding unreadable reduce marker: %v", err)
		marker = nil
	} else if err != nil {
		return RecoveryNone, err
	}

	if marker == nil {
		removed, err := removePending(files, nil)
		if err != nil {
			return RecoveryNone, err
		}
		if err := RemoveMarker(dir); err != nil {
			return RecoveryNone, err
		}
		if removed == 0 {
			return RecoveryNone, nil
		}
		logger.Info("rolled back interrupted reduce, removed %d pending outputs", removed)
		return RecoveryRolledBack, nil
	}

	return rollForward(dir, files, marker, logger)
}

func rollForward(dir string, files []segment.FileInfo, m *Marker, logger log.Logger) (RecoveryAction, error) {
	present := make(map[uint64]segment.FileKind, len(files))
	for _, f := range files {
		present[f.Gen] = f.Kind
	}

	missing := 0
	for _, gen := range m.Outputs {
		if kind, ok := present[gen]; !ok || (kind != segment.KindPending && kind != segment.KindSealed) {
			missing++
		}
	}
	if missing > 0 {
		inputsLeft := 0
		for _, gen := range m.Inputs {
			if present[gen] == segment.KindSealed {
				inputsLeft++
			}
		}
		if inputsLeft == len(m.Inputs) {
			// Nothing deleted yet, so discarding the reduce loses nothing
			logger.Warn("reduce marker lists %d missing outputs, rolling back", missing)
			return rollBackCommitted(dir, files, m)
		}
		logger.Error("reduce marker lists %d missing outputs after inputs were deleted", missing)
	}

	for _, gen := range m.Outputs {
		if present[gen] != segment.KindPending {
			continue
		}
		from := filepath.Join(dir, segment.FileName(gen, segment.KindPending))
		to := filepath.Join(dir, segment.FileName(gen, segment.KindSealed))
		if err := os.Rename(from, to); err != nil {
			return RecoveryNone, fmt.Errorf("%w: %w", segment.ErrIO, err)
		}
	}
	if err := segment.SyncDir(dir); err != nil {
		return RecoveryNone, err
	}

	if err := RaiseSeq(dir, m.MaxSeq); err != nil {
		return RecoveryNone, err
	}
	deleted, err := deleteInputs(dir, m.Inputs)
	if err != nil {
		return RecoveryNone, err
	}
	outputs := make(map[uint64]bool, len(m.Outputs))
	for _, gen := range m.Outputs {
		outputs[gen] = true
	}
	if _, err := removePending(files, outputs); err != nil {
		return RecoveryNone, err
	}
	if err := RemoveMarker(dir); err != nil {
		return RecoveryNone, err
	}

	logger.Info("rolled forward interrupted reduce: %d outputs, %d inputs deleted", len(m.Outputs), deleted)
	return RecoveryRolledForward, nil
}

// rollBackCommitted undoes a reduce whose outputs did not all survive
func rollBackCommitted(dir string, files []segment.FileInfo, m *Marker) (RecoveryAction, error) {
	outputs := make(map[uint64]bool, len(m.Outputs))
	for _, gen := range m.Outputs {
		outputs[gen] = true
	}
	for _, f := range files {
		if outputs[f.Gen] && f.Kind != segment.KindActive {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				return RecoveryNone, fmt.Errorf("%w: %w", segment.ErrIO, err)
			}
		}
	}
	if _, err := removePending(files, nil); err != nil {
		return RecoveryNone, err
	}
	if err := RemoveMarker(dir); err != nil {
		return RecoveryNone, err
	}
	return RecoveryRolledBack, nil
}

// deleteInputs removes the sealed segments of gens, oldest first
func deleteInputs(dir string, gens []uint64) (int, error) {
	sorted := slices.Clone(gens)
	slices.Sort(sorted)

	deleted := 0
	for _, gen := range sorted {
		path := filepath.Join(dir, segment.FileName(gen, segment.KindSealed))
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return deleted, fmt.Errorf("%w: %w", segment.ErrIO, err)
		}
		deleted++
	}
	if err := segment.SyncDir(dir); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// removePending deletes pending outputs not in keep
func removePending(files []segment.FileInfo, keep map[uint64]bool) (int, error) {
	removed := 0
	for _, f := range files {
		if f.Kind != segment.KindPending || keep[f.Gen] {
			continue
		}
		if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("%w: %w", segment.ErrIO, err)
		}
		removed++
	}
	return removed, nil
}

func gensString(segs []*segment.Segment) string {
	parts := make([]string, len(segs))
	for i, seg := range segs {
		parts[i] = fmt.Sprint(seg.Gen())
	}
	return strings.Join(parts, ",")
}
