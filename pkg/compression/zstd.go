package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdCompressor keeps a pool of low-memory encoders
type zstdCompressor struct {
	minReductionPercent uint8
	encoderPool         sync.Pool
}

func newZstdCompressor(minReductionPercent uint8) *zstdCompressor {
	c := &zstdCompressor{minReductionPercent: minReductionPercent}
	c.encoderPool = sync.Pool{
		New: func() any {
			encoder, err := zstd.NewWriter(nil,
				zstd.WithEncoderLevel(zstd.SpeedDefault),
				zstd.WithLowerEncoderMem(true),
				zstd.WithWindowSize(1<<20),
			)
			if err != nil {
				panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
			}
			return encoder
		},
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	encoder := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(encoder)

	compressed := encoder.EncodeAll(src, dst[:0])
	if !worthIt(src, compressed, c.minReductionPercent) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return decompressZstd(dst, src)
}

func (c *zstdCompressor) Type() Type {
	return Zstd
}

var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// decompressZstd uses one shared decoder; DecodeAll is safe for concurrent use.
func decompressZstd(dst, src []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if decoderErr != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", decoderErr)
	}

	decompressed, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return decompressed, nil
}
