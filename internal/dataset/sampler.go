package dataset

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// SamplerOptions configures the multi-root record sampler.
type SamplerOptions struct {
	// Roots maps a data root to the record shards discovered beneath it.
	Roots      map[string][]string
	Seed       int64
	NumWorkers int
	PendingCap int
	// Passes bounds how many times every shard is visited. Zero streams
	// forever, reshuffling shard order on each pass.
	Passes int
}

// StartSampler launches the sampler pipeline. Samples arrive in an order
// that depends only on the shard contents and the seed, regardless of how
// many workers read shards concurrently.
func StartSampler(parent context.Context, opts SamplerOptions) (<-chan Sample, <-chan error, error) {
	total := 0
	for _, shards := range opts.Roots {
		total += len(shards)
	}
	if total == 0 {
		return nil, nil, errors.New("sampler: no record shards provided")
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.PendingCap <= 0 {
		opts.PendingCap = defaultPendingCap
	}

	ctx, cancel := context.WithCancel(parent)

	jobs := make(chan shardJob, opts.NumWorkers)
	cursors := make(chan shardCursor, opts.NumWorkers)
	out := make(chan Sample, opts.NumWorkers*2)
	errCh := make(chan error, 1)

	rng := rand.New(rand.NewSource(opts.Seed))
	go produceJobs(ctx, jobs, opts.Roots, opts.Passes, rng)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			openShards(ctx, jobs, cursors, opts.PendingCap)
		}()
	}
	go func() {
		wg.Wait()
		close(cursors)
	}()

	go func() {
		defer cancel()
		defer close(out)
		defer close(errCh)
		if err := mergeInOrder(ctx, cursors, out); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return out, errCh, nil
}

type shardJob struct {
	seq  int64
	path string
}

type shardCursor struct {
	seq     int64
	samples <-chan Sample
	errCh   <-chan error
}

func openShards(ctx context.Context, jobs <-chan shardJob, cursors chan<- shardCursor, pendingCap int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			samples, errCh := StreamShard(ctx, job.path, pendingCap)
			select {
			case <-ctx.Done():
				return
			case cursors <- shardCursor{seq: job.seq, samples: samples, errCh: errCh}:
			}
		}
	}
}

// mergeInOrder drains shard cursors strictly by job sequence number so the
// output order does not depend on worker scheduling.
func mergeInOrder(ctx context.Context, cursors <-chan shardCursor, out chan<- Sample) error {
	parked := make(map[int64]shardCursor)
	var next int64
	for {
		cursor, ok := parked[next]
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case c, open := <-cursors:
				if !open {
					return nil
				}
				parked[c.seq] = c
			}
			continue
		}
		if err := drainShard(ctx, cursor, out); err != nil {
			return err
		}
		delete(parked, next)
		next++
	}
}

func drainShard(ctx context.Context, cursor shardCursor, out chan<- Sample) error {
	for sample := range cursor.samples {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- sample:
		}
	}
	return <-cursor.errCh
}

func produceJobs(ctx context.Context, jobs chan<- shardJob, roots map[string][]string, passes int, rng *rand.Rand) {
	defer close(jobs)
	var seq int64
	for pass := 0; passes <= 0 || pass < passes; pass++ {
		for _, path := range interleaveRoots(roots, rng) {
			select {
			case <-ctx.Done():
				return
			case jobs <- shardJob{seq: seq, path: path}:
				seq++
			}
		}
	}
}

// interleaveRoots shuffles each root's shards with rng and then takes one
// shard per root in sorted root order until all are used.
func interleaveRoots(roots map[string][]string, rng *rand.Rand) []string {
	names := make([]string, 0, len(roots))
	queues := make(map[string][]string, len(roots))
	for root, shards := range roots {
		if len(shards) == 0 {
			continue
		}
		names = append(names, root)
		queues[root] = append([]string(nil), shards...)
	}
	sort.Strings(names)
	for _, root := range names {
		q := queues[root]
		rng.Shuffle(len(q), func(i, j int) { q[i], q[j] = q[j], q[i] })
	}

	var order []string
	for remaining := true; remaining; {
		remaining = false
		for _, root := range names {
			q := queues[root]
			if len(q) == 0 {
				continue
			}
			order = append(order, q[0])
			queues[root] = q[1:]
			remaining = true
		}
	}
	return order
}
