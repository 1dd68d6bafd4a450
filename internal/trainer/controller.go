// Package trainer drives the synchronous data-parallel training loop: fetch
// a global batch, shard it across devices, run every tower, aggregate,
// apply one optimizer update, then report and checkpoint on cadence.
package trainer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"tower-forge/internal/aggregate"
	"tower-forge/internal/checkpoint"
	"tower-forge/internal/dataset"
	"tower-forge/internal/device"
	"tower-forge/internal/metrics"
	"tower-forge/internal/model"
	"tower-forge/internal/optimizer"
	"tower-forge/internal/schedule"
	"tower-forge/internal/tower"
)

// BatchSource yields global batches. dataset.Loader implements it.
type BatchSource interface {
	Next(ctx context.Context) (dataset.GlobalBatch, error)
}

// Config holds the loop knobs that stay fixed for a run.
type Config struct {
	TotalSteps  int64
	BatchSize   int
	Schedule    schedule.Schedule
	Clip        float64
	WeightDecay float64
	SaveSteps   int64
}

// StepStats describes one applied update.
type StepStats struct {
	Step         int64
	Loss         float64
	GradNorm     float64
	LearningRate float64
	Duration     time.Duration
}

// Options wires the collaborators. Checkpoints and Reporter are optional.
type Options struct {
	Source      BatchSource
	Engine      model.ComputeEngine
	Devices     []device.Context
	Optimizer   *optimizer.AdamW
	Checkpoints *checkpoint.Manager
	Reporter    *metrics.Reporter
	// InitCheckpoint warm-starts parameters when model_dir holds no
	// checkpoint of its own.
	InitCheckpoint string
	// OnStart runs once the loop state is restored, before the first step.
	OnStart func(checkpoint.TrainingState)
	// OnStep runs after every applied update, on the loop goroutine.
	OnStep func(StepStats)
}

// State is the controller's lifecycle position.
type State int32

const (
	Initializing State = iota
	Running
	Checkpointing
	Reporting
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "Initializing"
	case Running:
		return "Running"
	case Checkpointing:
		return "Checkpointing"
	case Reporting:
		return "Reporting"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Kind classifies why a run failed.
type Kind string

const (
	KindShard       Kind = "shard"
	KindInput       Kind = "input"
	KindCompute     Kind = "compute"
	KindAggregation Kind = "aggregation"
	KindNumerical   Kind = "numerical"
	KindCheckpoint  Kind = "checkpoint"
	KindCanceled    Kind = "canceled"
)

// FailedError is the terminal error of a run. Step is the number of
// updates applied before the failure.
type FailedError struct {
	Step     int64
	Kind     Kind
	GradNorm float64
	Err      error
}

func (e *FailedError) Error() string {
	if e.Kind == KindNumerical {
		return fmt.Sprintf("training failed at step %d (%s, gnorm %v): %v", e.Step, e.Kind, e.GradNorm, e.Err)
	}
	return fmt.Sprintf("training failed at step %d (%s): %v", e.Step, e.Kind, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Controller runs one training job. It is not reusable.
type Controller struct {
	cfg   Config
	opts  Options
	exec  *tower.Executor
	state atomic.Int32
	ts    checkpoint.TrainingState
}

// New validates the wiring. Shard divisibility is checked when Run starts.
func New(cfg Config, opts Options) (*Controller, error) {
	if cfg.TotalSteps <= 0 {
		return nil, errors.Errorf("trainer: total steps must be > 0 (got %d)", cfg.TotalSteps)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("trainer: batch size must be > 0 (got %d)", cfg.BatchSize)
	}
	if opts.Source == nil || opts.Engine == nil || opts.Optimizer == nil {
		return nil, errors.New("trainer: source, engine and optimizer are required")
	}
	if len(opts.Devices) == 0 {
		return nil, errors.New("trainer: no devices")
	}
	if cfg.Schedule.TotalSteps == 0 {
		cfg.Schedule.TotalSteps = int(cfg.TotalSteps)
	}
	c := &Controller{cfg: cfg, opts: opts, exec: &tower.Executor{Engine: opts.Engine}}
	c.state.Store(int32(Initializing))
	return c, nil
}

// State reports the current lifecycle state. Safe for concurrent use.
func (c *Controller) State() State { return State(c.state.Load()) }

// TrainingState returns the loop progress. Call it after Run returns.
func (c *Controller) TrainingState() checkpoint.TrainingState { return c.ts }

func (c *Controller) setState(s State) { c.state.Store(int32(s)) }

func (c *Controller) fail(kind Kind, gnorm float64, err error) error {
	c.setState(Failed)
	ferr := &FailedError{Step: c.ts.Step, Kind: kind, GradNorm: gnorm, Err: err}
	klog.ErrorS(err, "training failed", "step", c.ts.Step, "kind", kind)
	return ferr
}

// Run trains until TotalSteps updates have been applied. A canceled ctx
// stops the loop between steps; the step in flight always completes.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(Initializing)
	if kind, err := c.initialize(); err != nil {
		return c.fail(kind, 0, err)
	}
	c.setState(Running)
	if c.opts.OnStart != nil {
		c.opts.OnStart(c.ts)
	}
	klog.InfoS("training started", "step", c.ts.Step, "total_steps", c.cfg.TotalSteps,
		"devices", len(c.opts.Devices), "batch_size", c.cfg.BatchSize)

	for c.ts.Step < c.cfg.TotalSteps {
		if err := ctx.Err(); err != nil {
			return c.fail(KindCanceled, 0, err)
		}
		if err := c.step(ctx); err != nil {
			return err
		}
	}
	c.setState(Completed)
	klog.InfoS("training completed", "step", c.ts.Step, "last_checkpoint_step", c.ts.LastCheckpointStep)
	return nil
}

func (c *Controller) initialize() (Kind, error) {
	if err := dataset.CheckShardable(c.cfg.BatchSize, len(c.opts.Devices)); err != nil {
		return KindShard, err
	}
	params := c.opts.Optimizer.Parameters()
	if c.opts.Checkpoints != nil {
		path, ok, err := c.opts.Checkpoints.Latest()
		if err != nil {
			return KindCheckpoint, err
		}
		if ok {
			restored, err := c.opts.Checkpoints.Restore(path, params)
			if err != nil {
				return KindCheckpoint, err
			}
			if err := c.opts.Optimizer.Restore(restored.Optimizer); err != nil {
				return KindCheckpoint, &checkpoint.CorruptError{Path: path, Reason: err.Error()}
			}
			c.ts = restored.State
			klog.InfoS("restored checkpoint", "path", path, "step", c.ts.Step)
			return "", nil
		}
	}
	if c.opts.InitCheckpoint != "" {
		n, err := checkpoint.LoadParameters(c.opts.InitCheckpoint, params)
		if err != nil {
			return KindCheckpoint, err
		}
		klog.InfoS("warm start", "path", c.opts.InitCheckpoint, "parameters", n, "of", params.Len())
		return "", nil
	}
	klog.V(1).InfoS("starting from scratch", "parameters", params.Len(), "scalars", params.NumScalars())
	return "", nil
}

func (c *Controller) step(ctx context.Context) error {
	start := time.Now()
	batch, err := c.opts.Source.Next(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return c.fail(KindCanceled, 0, err)
		}
		return c.fail(KindInput, 0, err)
	}
	if batch.Size() != c.cfg.BatchSize {
		return c.fail(KindInput, 0, errors.Errorf("batch has %d examples, want %d", batch.Size(), c.cfg.BatchSize))
	}
	shards, err := dataset.Split(batch, len(c.opts.Devices))
	if err != nil {
		return c.fail(KindShard, 0, err)
	}
	dataTime := time.Since(start)

	computeStart := time.Now()
	params := c.opts.Optimizer.Parameters()
	snap := params.Snapshot()
	// Towers never observe a stop request; the step runs to completion.
	results, err := tower.RunAll(context.WithoutCancel(ctx), c.exec, c.opts.Devices, shards, snap, true)
	snap.Release()
	if err != nil {
		return c.fail(KindCompute, 0, err)
	}
	loss, grads, err := aggregate.Reduce(params.Specs(), results)
	if err != nil {
		return c.fail(KindAggregation, 0, err)
	}

	rate := c.cfg.Schedule.Rate(int(c.ts.Step))
	gnorm, err := c.opts.Optimizer.Apply(grads, rate, c.cfg.Clip, c.cfg.WeightDecay)
	if err != nil {
		var numErr *optimizer.NumericalInstabilityError
		if errors.As(err, &numErr) {
			return c.fail(KindNumerical, numErr.Norm, err)
		}
		return c.fail(KindAggregation, gnorm, err)
	}
	computeTime := time.Since(computeStart)

	c.ts.Step++
	c.ts.AccumulatedLoss += loss
	step := c.ts.Step

	if r := c.opts.Reporter; r != nil {
		r.Observe(c.cfg.BatchSize, dataTime, computeTime)
		if r.Due(step) {
			c.setState(Reporting)
		}
		r.Record(step, loss, gnorm, rate)
		c.setState(Running)
	}
	if c.opts.Checkpoints != nil && checkpoint.ShouldSave(step, c.cfg.SaveSteps) {
		c.setState(Checkpointing)
		c.save()
		c.setState(Running)
	}
	if c.opts.OnStep != nil {
		c.opts.OnStep(StepStats{Step: step, Loss: loss, GradNorm: gnorm, LearningRate: rate, Duration: time.Since(start)})
	}
	return nil
}

// save writes a checkpoint. A write failure costs at most one cadence of
// progress, so it is logged and the run continues.
func (c *Controller) save() {
	state := c.ts
	state.LastCheckpointStep = state.Step
	path, err := c.opts.Checkpoints.Save(state, c.opts.Optimizer.Parameters(), c.opts.Optimizer.State())
	if err != nil {
		klog.ErrorS(err, "checkpoint write failed, continuing", "step", state.Step)
		return
	}
	c.ts.LastCheckpointStep = state.Step
	klog.InfoS("saved checkpoint", "path", path, "step", state.Step)
}
