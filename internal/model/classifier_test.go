package model

import (
	"context"
	"math"
	"testing"

	"github.com/pkg/errors"

	"tower-forge/internal/dataset"
	"tower-forge/internal/device"
)

func tinyBatch(t *testing.T, labels ...float64) dataset.GlobalBatch {
	t.Helper()
	n := len(labels)
	ids := make([][]float64, n)
	mask := make([][]float64, n)
	seg := make([][]float64, n)
	lab := make([][]float64, n)
	for i := 0; i < n; i++ {
		ids[i] = []float64{float64(i % 5), float64((i + 2) % 5), 0}
		mask[i] = []float64{0, 0, 1}
		seg[i] = []float64{0, 1, 4}
		lab[i] = []float64{labels[i]}
	}
	batch, err := dataset.NewGlobalBatch(
		dataset.Feature{Name: dataset.FeatureInputIDs, Rows: ids},
		dataset.Feature{Name: dataset.FeatureInputMask, Rows: mask},
		dataset.Feature{Name: dataset.FeatureSegmentIDs, Rows: seg},
		dataset.Feature{Name: dataset.FeatureLabelIDs, Rows: lab},
	)
	if err != nil {
		t.Fatalf("NewGlobalBatch: %v", err)
	}
	return batch
}

func newTiny(t *testing.T, labels int) (*SequenceClassifier, *ParameterSet) {
	t.Helper()
	m, err := NewSequenceClassifier(ClassifierConfig{VocabSize: 5, HiddenSize: 4, NumLayers: 2, NumLabels: labels, InitStd: 0.5})
	if err != nil {
		t.Fatalf("NewSequenceClassifier: %v", err)
	}
	params, err := m.InitParameters(3)
	if err != nil {
		t.Fatalf("InitParameters: %v", err)
	}
	return m, params
}

func computeLoss(t *testing.T, m *SequenceClassifier, params *ParameterSet, batch dataset.GlobalBatch, training bool) (float64, GradientSet) {
	t.Helper()
	snap := params.Snapshot()
	defer snap.Release()
	loss, grads, err := m.ComputeStep(context.Background(), device.Context{}, dataset.Shard{Batch: batch}, snap, training)
	if err != nil {
		t.Fatalf("ComputeStep: %v", err)
	}
	return loss, grads
}

func TestClassifierGradientsMatchFiniteDifferences(t *testing.T) {
	for _, labels := range []int{3, 0} {
		m, params := newTiny(t, labels)
		targets := []float64{0, 2, 1, 1}
		if labels == 0 {
			targets = []float64{0.5, -1, 2, 0}
		}
		batch := tinyBatch(t, targets...)
		_, grads := computeLoss(t, m, params, batch, true)

		const eps = 1e-6
		for _, spec := range params.Specs() {
			values, _ := params.Values(spec.Name)
			for _, idx := range []int{0, spec.Size() - 1} {
				orig := values[idx]
				values[idx] = orig + eps
				if err := params.Load(spec.Name, values); err != nil {
					t.Fatalf("Load: %v", err)
				}
				plus, _ := computeLoss(t, m, params, batch, false)
				values[idx] = orig - eps
				if err := params.Load(spec.Name, values); err != nil {
					t.Fatalf("Load: %v", err)
				}
				minus, _ := computeLoss(t, m, params, batch, false)
				values[idx] = orig
				if err := params.Load(spec.Name, values); err != nil {
					t.Fatalf("Load: %v", err)
				}
				numeric := (plus - minus) / (2 * eps)
				analytic := grads[spec.Name][idx]
				if math.Abs(numeric-analytic) > 1e-5*math.Max(1, math.Abs(numeric)) {
					t.Fatalf("labels=%d %s[%d]: analytic %g numeric %g", labels, spec.Name, idx, analytic, numeric)
				}
			}
		}
	}
}

func TestClassifierLossIsPerExampleMean(t *testing.T) {
	m, params := newTiny(t, 3)
	full := tinyBatch(t, 0, 2, 1, 1)
	shards, err := dataset.Split(full, 2)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	whole, _ := computeLoss(t, m, params, full, false)
	a, _ := computeLoss(t, m, params, shards[0].Batch, false)
	b, _ := computeLoss(t, m, params, shards[1].Batch, false)
	if math.Abs(whole-(a+b)/2) > 1e-12 {
		t.Fatalf("whole=%v halves mean=%v", whole, (a+b)/2)
	}
}

func TestClassifierCoversEveryParameter(t *testing.T) {
	m, params := newTiny(t, 2)
	_, grads := computeLoss(t, m, params, tinyBatch(t, 0, 1), true)
	for _, spec := range params.Specs() {
		g, ok := grads[spec.Name]
		if !ok {
			t.Fatalf("missing gradient for %s", spec.Name)
		}
		if len(g) != spec.Size() {
			t.Fatalf("gradient %s has %d entries, want %d", spec.Name, len(g), spec.Size())
		}
	}
}

func TestClassifierRejectsOutOfVocabToken(t *testing.T) {
	m, params := newTiny(t, 2)
	batch := tinyBatch(t, 0, 1)
	ids, _ := batch.Feature(dataset.FeatureInputIDs)
	ids[1][0] = 99

	snap := params.Snapshot()
	defer snap.Release()
	_, _, err := m.ComputeStep(context.Background(), device.Context{Index: 3}, dataset.Shard{Batch: batch}, snap, true)
	var computeErr *ComputeError
	if !errors.As(err, &computeErr) {
		t.Fatalf("expected ComputeError, got %v", err)
	}
	if computeErr.Device != 3 {
		t.Fatalf("expected device 3, got %d", computeErr.Device)
	}
}

func TestClassifierThreadCountDoesNotChangeResult(t *testing.T) {
	m, params := newTiny(t, 3)
	batch := tinyBatch(t, 0, 2, 1, 1, 0, 2, 1)
	run := func(threads int) (float64, GradientSet) {
		snap := params.Snapshot()
		defer snap.Release()
		loss, grads, err := m.ComputeStep(context.Background(), device.Context{Threads: threads}, dataset.Shard{Batch: batch}, snap, true)
		if err != nil {
			t.Fatalf("ComputeStep threads=%d: %v", threads, err)
		}
		return loss, grads
	}
	wantLoss, wantGrads := run(1)
	for _, threads := range []int{2, 3, 7, 16} {
		loss, grads := run(threads)
		if math.Abs(loss-wantLoss) > 1e-12 {
			t.Fatalf("threads=%d: loss %v, want %v", threads, loss, wantLoss)
		}
		for name, want := range wantGrads {
			got := grads[name]
			if len(got) != len(want) {
				t.Fatalf("threads=%d %s: %d values, want %d", threads, name, len(got), len(want))
			}
			for i := range want {
				if math.Abs(got[i]-want[i]) > 1e-12 {
					t.Fatalf("threads=%d %s[%d]: %v, want %v", threads, name, i, got[i], want[i])
				}
			}
		}
	}
	again, _ := run(3)
	if l, _ := run(3); l != again {
		t.Fatalf("threads=3 not deterministic: %v vs %v", l, again)
	}
}

func TestClassifierReportsFirstBadExampleAcrossThreads(t *testing.T) {
	m, params := newTiny(t, 2)
	batch := tinyBatch(t, 0, 1, 0, 1, 0, 1)
	ids, _ := batch.Feature(dataset.FeatureInputIDs)
	ids[2][0] = 99
	ids[5][0] = 99

	snap := params.Snapshot()
	defer snap.Release()
	_, _, err := m.ComputeStep(context.Background(), device.Context{Index: 1, Threads: 3}, dataset.Shard{Batch: batch}, snap, true)
	var computeErr *ComputeError
	if !errors.As(err, &computeErr) {
		t.Fatalf("expected ComputeError, got %v", err)
	}
	if computeErr.Device != 1 || computeErr.Reason != "example 2" {
		t.Fatalf("expected device 1 example 2, got device %d %q", computeErr.Device, computeErr.Reason)
	}
}

func TestNewSequenceClassifierValidates(t *testing.T) {
	for _, cfg := range []ClassifierConfig{
		{VocabSize: 0, HiddenSize: 4, NumLabels: 2},
		{VocabSize: 4, HiddenSize: 0, NumLabels: 2},
		{VocabSize: 4, HiddenSize: 4, NumLabels: 1},
	} {
		if _, err := NewSequenceClassifier(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}
