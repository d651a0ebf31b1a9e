package pgpage

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// NoopCompressor stores pages uncompressed; CompSz always equals Size for
// records it produces. Selected by compress-algorithm none (the default)
// and used in tests.
type NoopCompressor struct{}

func (NoopCompressor) Compress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

func (NoopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}

// ZstdCompressor is the zstd-backed Compressor, built on
// github.com/klauspost/compress/zstd. A single encoder/decoder pair is
// reused across calls; both are safe for concurrent use by multiple
// workers.
type ZstdCompressor struct {
	level zstd.EncoderLevel

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
}

// NewZstdCompressor builds a Compressor at the given compression level
// (1=fastest .. 4=best compression; anything else selects
// zstd.SpeedDefault), mirroring the coarse compression-level knob the
// catalog's backup control record stores per backup.
func NewZstdCompressor(level int) *ZstdCompressor {
	lvl := zstd.SpeedDefault
	switch level {
	case 1:
		lvl = zstd.SpeedFastest
	case 2:
		lvl = zstd.SpeedDefault
	case 3:
		lvl = zstd.SpeedBetterCompression
	case 4:
		lvl = zstd.SpeedBestCompression
	}
	return &ZstdCompressor{level: lvl}
}

func (z *ZstdCompressor) encoder() (*zstd.Encoder, error) {
	z.encOnce.Do(func() {
		z.enc, z.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level))
	})
	return z.enc, z.encErr
}

func (z *ZstdCompressor) decoder() (*zstd.Decoder, error) {
	z.decOnce.Do(func() {
		z.dec, z.decErr = zstd.NewReader(nil)
	})
	return z.dec, z.decErr
}

func (z *ZstdCompressor) Compress(dst, src []byte) ([]byte, error) {
	enc, err := z.encoder()
	if err != nil {
		return nil, fmt.Errorf("pgpage: building zstd encoder: %w", err)
	}
	return enc.EncodeAll(src, dst), nil
}

func (z *ZstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	dec, err := z.decoder()
	if err != nil {
		return nil, fmt.Errorf("pgpage: building zstd decoder: %w", err)
	}
	return dec.DecodeAll(src, dst)
}
