package model

import (
	"context"
	"fmt"

	"tower-forge/internal/dataset"
	"tower-forge/internal/device"
)

// ComputeEngine runs the forward/backward pass for one shard. The returned
// loss is a scalar and the gradients cover every trainable parameter.
type ComputeEngine interface {
	ComputeStep(ctx context.Context, dev device.Context, shard dataset.Shard, params *Snapshot, training bool) (float64, GradientSet, error)
}

// ComputeError is a device or numeric failure inside one tower.
type ComputeError struct {
	Device int
	Reason string
	Err    error
}

func (e *ComputeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("compute on device %d: %s: %v", e.Device, e.Reason, e.Err)
	}
	return fmt.Sprintf("compute on device %d: %s", e.Device, e.Reason)
}

func (e *ComputeError) Unwrap() error { return e.Err }
