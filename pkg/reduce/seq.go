package reduce

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/sergey-melnychuk/yalskv/pkg/segment"
)

// SeqFileName holds the highest sequence number that ever went into a reduce.
// Records a reduce drops take their seqs off disk, so the engine resumes from
// whichever is higher, this file or the segments it replays.
const SeqFileName = "SEQ"

// ReadSeq returns the seq stored in dir, or 0 when there is none
func ReadSeq(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, SeqFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %w", segment.ErrIO, err)
	}
	if len(data) != 16 {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidSeq, len(data))
	}
	if xxhash.Sum64(data[:8]) != binary.LittleEndian.Uint64(data[8:]) {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrInvalidSeq)
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}

// RaiseSeq stores seq in dir unless a higher one is already there
func RaiseSeq(dir string, seq uint64) error {
	cur, err := ReadSeq(dir)
	if err != nil {
		return err
	}
	if seq <= cur {
		return nil
	}
	buf := binary.LittleEndian.AppendUint64(make([]byte, 0, 16), seq)
	buf = binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
	return writeFileSync(dir, SeqFileName, buf)
}
