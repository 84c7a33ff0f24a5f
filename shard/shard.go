// Package shard partitions the enumerated dataset into disjoint,
// deterministic per-worker shards.
//
// Shard membership is a pure function of the global sample index and the
// worker count, so re-running a job with the same worker count reproduces
// identical shards. Together, the shards of a plan cover every index
// exactly once.
package shard

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidWorkerCount is returned when the worker count is not positive.
	ErrInvalidWorkerCount = errors.New("worker count must be positive")

	// ErrNegativeTotal is returned when the sample count is negative.
	ErrNegativeTotal = errors.New("sample count must not be negative")
)

// ErrWorkerOutOfRange indicates a worker index outside [0, Workers).
type ErrWorkerOutOfRange struct {
	Worker  int
	Workers int
}

func (e *ErrWorkerOutOfRange) Error() string {
	return fmt.Sprintf("worker index %d out of range [0, %d)", e.Worker, e.Workers)
}

// Strategy selects how global indices are assigned to workers.
type Strategy int

const (
	// Interleaved assigns index i to worker i mod W.
	Interleaved Strategy = iota

	// Contiguous assigns each worker one contiguous block of indices.
	// The first (N mod W) workers receive one extra index.
	Contiguous
)

func (s Strategy) String() string {
	switch s {
	case Interleaved:
		return "interleaved"
	case Contiguous:
		return "contiguous"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Plan describes a partition of N samples across W workers.
type Plan struct {
	Total    int // N, total number of samples
	Workers  int // W, number of workers
	Strategy Strategy
}

// Validate checks the plan parameters.
func (p Plan) Validate() error {
	if p.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkerCount, p.Workers)
	}
	if p.Total < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTotal, p.Total)
	}
	return nil
}

// Shard is the ordered set of global indices assigned to one worker.
type Shard struct {
	Worker  int
	Indices []int
}

// Len returns the number of samples in the shard.
func (s Shard) Len() int { return len(s.Indices) }

// Shard returns the shard for worker r.
func (p Plan) Shard(r int) (Shard, error) {
	if err := p.Validate(); err != nil {
		return Shard{}, err
	}
	if r < 0 || r >= p.Workers {
		return Shard{}, &ErrWorkerOutOfRange{Worker: r, Workers: p.Workers}
	}

	var indices []int

	switch p.Strategy {
	case Contiguous:
		base := p.Total / p.Workers
		extra := p.Total % p.Workers

		start := r*base + min(r, extra)
		size := base
		if r < extra {
			size++
		}

		indices = make([]int, 0, size)
		for i := start; i < start+size; i++ {
			indices = append(indices, i)
		}
	default: // Interleaved
		indices = make([]int, 0, (p.Total+p.Workers-1-r)/p.Workers)
		for i := r; i < p.Total; i += p.Workers {
			indices = append(indices, i)
		}
	}

	return Shard{Worker: r, Indices: indices}, nil
}

// Shards returns all W shards of the plan in worker order.
func (p Plan) Shards() ([]Shard, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	shards := make([]Shard, p.Workers)
	for r := 0; r < p.Workers; r++ {
		s, err := p.Shard(r)
		if err != nil {
			return nil, err
		}
		shards[r] = s
	}
	return shards, nil
}
