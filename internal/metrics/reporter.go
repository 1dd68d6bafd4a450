// Package metrics aggregates per-step scalars into periodic summaries and
// fans them out to sinks.
package metrics

import (
	"math"
	"time"

	"k8s.io/klog/v2"
)

// Summary is one emitted report.
type Summary struct {
	Step int64 `json:"step"`
	// Steps is how many updates the loss is averaged over.
	Steps        int     `json:"steps"`
	Loss         float64 `json:"loss"`
	Perplexity   float64 `json:"pplx"`
	BitsPerChar  float64 `json:"bpc"`
	GradNorm     float64 `json:"gnorm"`
	LearningRate float64 `json:"lr"`
	Throughput
}

// Sink receives summaries. A failing sink is logged and skipped.
type Sink interface {
	Emit(Summary) error
}

// ClampIterations bounds the report interval by the checkpoint cadence, so
// every window of cadence steps holds at least one report. Checkpoint steps
// are report steps only when iterations divides cadence.
func ClampIterations(iterations, cadence int64) int64 {
	if iterations <= 0 {
		iterations = 1
	}
	if cadence > 0 && iterations > cadence {
		return cadence
	}
	return iterations
}

// Reporter averages loss over the steps since its previous emission.
type Reporter struct {
	iterations int64
	sinks      []Sink
	window     Window

	lossSum float64
	count   int
}

// NewReporter emits every iterations steps, clamped to cadence.
func NewReporter(iterations, cadence int64, sinks ...Sink) *Reporter {
	return &Reporter{iterations: ClampIterations(iterations, cadence), sinks: sinks}
}

// Iterations is the effective report interval.
func (r *Reporter) Iterations() int64 { return r.iterations }

// Due reports whether Record will emit at step.
func (r *Reporter) Due(step int64) bool { return step%r.iterations == 0 }

// Observe records timing for the step about to be passed to Record.
func (r *Reporter) Observe(batchSize int, dataTime, computeTime time.Duration) {
	r.window.Record(batchSize, dataTime, computeTime)
}

// Record adds one step. When step falls on the report interval it returns
// the summary it emitted and resets the accumulator.
func (r *Reporter) Record(step int64, loss, gradNorm, rate float64) (Summary, bool) {
	r.lossSum += loss
	r.count++
	if !r.Due(step) {
		return Summary{}, false
	}

	mean := r.lossSum / float64(r.count)
	s := Summary{
		Step:         step,
		Steps:        r.count,
		Loss:         mean,
		Perplexity:   math.Exp(mean),
		BitsPerChar:  mean / math.Ln2,
		GradNorm:     gradNorm,
		LearningRate: rate,
		Throughput:   r.window.Snapshot(),
	}
	r.lossSum = 0
	r.count = 0

	for _, sink := range r.sinks {
		if err := sink.Emit(s); err != nil {
			klog.ErrorS(err, "metrics sink failed", "step", step)
		}
	}
	return s, true
}
