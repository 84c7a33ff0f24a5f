package dataset

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"

	"github.com/hupe1980/latentgo/shard"
)

// Batch is a fixed-size batch of decoded images.
//
// Images always has BatchSize entries; entries beyond Valid are zero
// padding added so that encoders see a constant batch shape. Padding is
// discarded after encoding and never folded into statistics. Samples
// holds only the Valid real samples, in shard order.
type Batch struct {
	Samples []Sample
	Images  [][]float32
	Valid   int
}

// Padded returns the number of padding entries in the batch.
func (b *Batch) Padded() int { return len(b.Images) - b.Valid }

// IteratorOptions configures a batch iterator.
type IteratorOptions struct {
	// BatchSize is the fixed batch size. Required, > 0.
	BatchSize int

	// ImageSize is the square target size images are scaled to. Required, > 0.
	ImageSize int

	// Limiter optionally throttles file reads (bytes per second).
	Limiter *rate.Limiter

	// OnDecodeError is invoked for each sample that fails to decode.
	// The sample is skipped; iteration continues.
	OnDecodeError func(Sample, error)
}

// Iterator yields the batches of one shard in a fixed deterministic
// order. Two iterators over the same corpus, shard and options always
// produce identical batch boundaries and sample ordering, which is what
// allows an interrupted worker to be restarted from scratch without
// corrupting the statistics merge.
type Iterator struct {
	corpus *Corpus
	shard  shard.Shard
	opts   IteratorOptions

	pos int
}

// NewIterator creates a batch iterator over the given shard of corpus.
func NewIterator(corpus *Corpus, sh shard.Shard, opts IteratorOptions) (*Iterator, error) {
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("dataset: batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.ImageSize <= 0 {
		return nil, fmt.Errorf("dataset: image size must be positive, got %d", opts.ImageSize)
	}
	for _, i := range sh.Indices {
		if i < 0 || i >= corpus.Len() {
			return nil, fmt.Errorf("dataset: shard index %d out of corpus range [0, %d)", i, corpus.Len())
		}
	}

	return &Iterator{corpus: corpus, shard: sh, opts: opts}, nil
}

// Next returns the next batch, or io.EOF when the shard is exhausted.
//
// Samples that fail to decode are reported via OnDecodeError and
// skipped; a batch is only short (padded) at the end of the shard.
func (it *Iterator) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := &Batch{
		Images: make([][]float32, it.opts.BatchSize),
	}

	for b.Valid < it.opts.BatchSize && it.pos < len(it.shard.Indices) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sample := it.corpus.Samples[it.shard.Indices[it.pos]]
		it.pos++

		img, err := it.load(ctx, sample)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			if it.opts.OnDecodeError != nil {
				it.opts.OnDecodeError(sample, err)
			}
			continue
		}

		b.Images[b.Valid] = img
		b.Samples = append(b.Samples, sample)
		b.Valid++
	}

	if b.Valid == 0 {
		return nil, io.EOF
	}

	// Zero tensors for trailing padding keep the batch shape constant.
	tensorLen := 3 * it.opts.ImageSize * it.opts.ImageSize
	for i := b.Valid; i < it.opts.BatchSize; i++ {
		b.Images[i] = make([]float32, tensorLen)
	}

	return b, nil
}

func (it *Iterator) load(ctx context.Context, sample Sample) ([]float32, error) {
	raw, err := os.ReadFile(sample.Path)
	if err != nil {
		return nil, &DecodeError{Sample: sample, cause: err}
	}

	if it.opts.Limiter != nil {
		if err := waitBytes(ctx, it.opts.Limiter, len(raw)); err != nil {
			return nil, err
		}
	}

	return decodeImage(raw, sample, it.opts.ImageSize)
}

// waitBytes charges n bytes against the limiter, honoring its burst.
func waitBytes(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Reset rewinds the iterator to the start of the shard.
func (it *Iterator) Reset() { it.pos = 0 }
