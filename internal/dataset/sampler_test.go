package dataset

import (
	"context"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestInterleaveRootsDeterministic(t *testing.T) {
	roots := map[string][]string{
		"/rootA": {"/rootA/train-000000.tar", "/rootA/train-000002.tar"},
		"/rootB": {"/rootB/train-000001.tar"},
	}
	order1 := interleaveRoots(roots, rand.New(rand.NewSource(7)))
	order2 := interleaveRoots(roots, rand.New(rand.NewSource(7)))

	if !reflect.DeepEqual(order1, order2) {
		t.Fatalf("interleave order not deterministic: %v vs %v", order1, order2)
	}
	if len(order1) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(order1))
	}
	if filepath.Dir(order1[0]) == filepath.Dir(order1[1]) {
		t.Fatalf("expected alternating roots, got %v", order1)
	}
}

func samplerFixture(t *testing.T) SamplerOptions {
	temp := t.TempDir()
	rootA := filepath.Join(temp, "rootA")
	rootB := filepath.Join(temp, "rootB")
	writeRecordShard(t, filepath.Join(rootA, "train-000000.tar"), map[string]record{"a0": {ids: []int{1}, label: 0}})
	writeRecordShard(t, filepath.Join(rootA, "train-000002.tar"), map[string]record{"a1": {ids: []int{2}, label: 1}})
	writeRecordShard(t, filepath.Join(rootB, "train-000001.tar"), map[string]record{"b0": {ids: []int{3}, label: 2}})

	roots, err := DiscoverByRoot([]string{rootA, rootB}, "train")
	if err != nil {
		t.Fatalf("DiscoverByRoot: %v", err)
	}
	return SamplerOptions{Roots: roots, Seed: 123, NumWorkers: 2}
}

func TestSamplerDeterministicStream(t *testing.T) {
	opts := samplerFixture(t)

	run1 := collectSamples(t, opts, 6)
	run2 := collectSamples(t, opts, 6)

	if !reflect.DeepEqual(run1, run2) {
		t.Fatalf("sampler order not deterministic: %v vs %v", run1, run2)
	}
}

func TestSamplerStopsAfterPasses(t *testing.T) {
	opts := samplerFixture(t)
	opts.Passes = 2

	stream, errCh, err := StartSampler(context.Background(), opts)
	if err != nil {
		t.Fatalf("StartSampler: %v", err)
	}
	samples, err := drain(t, stream, errCh)
	if err != nil {
		t.Fatalf("sampler error: %v", err)
	}
	if len(samples) != 6 {
		t.Fatalf("expected 6 samples over 2 passes, got %d", len(samples))
	}
}

func TestSamplerRequiresShards(t *testing.T) {
	if _, _, err := StartSampler(context.Background(), SamplerOptions{}); err == nil {
		t.Fatal("expected error without shards")
	}
}

func collectSamples(t *testing.T, opts SamplerOptions, count int) []string {
	ctx, cancel := context.WithCancel(context.Background())
	stream, errCh, err := StartSampler(ctx, opts)
	if err != nil {
		t.Fatalf("StartSampler error: %v", err)
	}
	defer cancel()

	out := make([]string, 0, count)
	deadline := time.After(time.Second)
	for len(out) < count {
		select {
		case sample, ok := <-stream:
			if !ok {
				t.Fatalf("stream closed early; collected %d samples", len(out))
			}
			out = append(out, sample.Key)
		case err := <-errCh:
			if err != nil {
				t.Fatalf("sampler reported error: %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for samples")
		}
	}
	cancel()
	for err := range errCh {
		if err != nil {
			t.Fatalf("sampler emitted error after cancel: %v", err)
		}
	}
	return out
}
