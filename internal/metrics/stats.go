package metrics

import "time"

// Window accumulates timing stats across the steps of one report interval.
type Window struct {
	examples int
	data     time.Duration
	compute  time.Duration
	steps    int
}

// Record adds one step's measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration) {
	w.examples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
}

// Snapshot returns aggregated throughput and resets the window.
func (w *Window) Snapshot() Throughput {
	snap := Throughput{}
	total := w.data + w.compute
	if total > 0 {
		snap.ExamplesPerSec = float64(w.examples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}

	w.examples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	return snap
}

// Throughput is the timing part of a summary.
type Throughput struct {
	ExamplesPerSec float64 `json:"examples_per_sec"`
	AvgDataMS      float64 `json:"avg_data_ms"`
	AvgComputeMS   float64 `json:"avg_compute_ms"`
}
