// Package tower dispatches shards to the compute engine, one invocation per
// device, and joins them at a barrier before aggregation.
package tower

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"tower-forge/internal/dataset"
	"tower-forge/internal/device"
	"tower-forge/internal/model"
)

// Result is one tower's output for a step.
type Result struct {
	Shard     int
	Device    device.Context
	Loss      float64
	Gradients model.GradientSet
}

// Executor binds a shard and a parameter snapshot to one engine call.
type Executor struct {
	Engine model.ComputeEngine
}

// Run invokes the engine once. Engine failures are returned unchanged.
func (e *Executor) Run(ctx context.Context, dev device.Context, shard dataset.Shard, params *model.Snapshot, training bool) (Result, error) {
	loss, grads, err := e.Engine.ComputeStep(ctx, dev, shard, params, training)
	if err != nil {
		return Result{}, err
	}
	return Result{Shard: shard.Index, Device: dev, Loss: loss, Gradients: grads}, nil
}

// RunAll runs shard i on devices[i] concurrently and waits for every tower
// before returning. Results are ordered by shard index. If any tower fails,
// the error of the lowest failing shard index is returned.
func RunAll(ctx context.Context, e *Executor, devices []device.Context, shards []dataset.Shard, params *model.Snapshot, training bool) ([]Result, error) {
	if len(devices) != len(shards) {
		return nil, errors.Errorf("tower: %d shards for %d devices", len(shards), len(devices))
	}
	results := make([]Result, len(shards))
	errs := make([]error, len(shards))

	var wg sync.WaitGroup
	wg.Add(len(shards))
	for i := range shards {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Run(ctx, devices[i], shards[i], params, training)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
