package metrics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type recordingSink struct {
	got []Summary
	err error
}

func (r *recordingSink) Emit(s Summary) error {
	r.got = append(r.got, s)
	return r.err
}

func TestClampIterations(t *testing.T) {
	cases := []struct{ iterations, cadence, want int64 }{
		{100, 1000, 100},
		{1000, 100, 100},
		{0, 50, 1},
		{10, 0, 10},
		{30, 100, 30},
	}
	for _, tc := range cases {
		if got := ClampIterations(tc.iterations, tc.cadence); got != tc.want {
			t.Errorf("ClampIterations(%d, %d)=%d want %d", tc.iterations, tc.cadence, got, tc.want)
		}
	}
}

func TestClampedIntervalReportsInsideEveryCheckpointWindow(t *testing.T) {
	const cadence = 100
	for _, iterations := range []int64{1, 7, 30, 99, 100, 101, 250} {
		r := NewReporter(iterations, cadence)
		for start := int64(0); start < 5*cadence; start += cadence {
			reported := false
			for step := start + 1; step <= start+cadence; step++ {
				reported = reported || r.Due(step)
			}
			if !reported {
				t.Fatalf("iterations=%d: no report in steps (%d, %d]", iterations, start, start+cadence)
			}
		}
	}
	// 30 does not divide 100, so checkpoint step 100 itself is not a report step.
	if NewReporter(30, cadence).Due(cadence) {
		t.Fatal("step 100 should not be due with iterations 30")
	}
}

func TestReporterAveragesWindowAndResets(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(3, 100, sink)
	losses := []float64{1, 2, 3, 10, 20, 30}
	for i, loss := range losses {
		step := int64(i + 1)
		r.Observe(8, time.Millisecond, time.Millisecond)
		_, emitted := r.Record(step, loss, 0.5, 1e-3)
		if emitted != (step%3 == 0) {
			t.Fatalf("step %d emitted=%v", step, emitted)
		}
	}
	if len(sink.got) != 2 {
		t.Fatalf("got %d summaries want 2", len(sink.got))
	}
	if sink.got[0].Loss != 2 || sink.got[1].Loss != 20 {
		t.Fatalf("window means %v, %v want 2, 20", sink.got[0].Loss, sink.got[1].Loss)
	}
	s := sink.got[1]
	if s.Steps != 3 || s.Step != 6 {
		t.Fatalf("summary covers %d steps ending at %d", s.Steps, s.Step)
	}
	if math.Abs(s.Perplexity-math.Exp(20)) > 1e-6 || math.Abs(s.BitsPerChar-20/math.Ln2) > 1e-12 {
		t.Fatalf("derived metrics pplx=%v bpc=%v", s.Perplexity, s.BitsPerChar)
	}
	if math.Abs(s.ExamplesPerSec-4000) > 1e-6 {
		t.Fatalf("throughput=%v want 4000", s.ExamplesPerSec)
	}
}

func TestReporterClampedToCheckpointCadence(t *testing.T) {
	r := NewReporter(500, 200)
	if r.Iterations() != 200 {
		t.Fatalf("iterations=%d want 200", r.Iterations())
	}
	for step := int64(1); step <= 400; step++ {
		_, emitted := r.Record(step, 1, 0, 0)
		if step%200 == 0 && !emitted {
			t.Fatalf("no report at checkpoint step %d", step)
		}
	}
}

func TestReporterResumedMidWindow(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(10, 0, sink)
	for step := int64(15); step <= 20; step++ {
		r.Record(step, float64(step), 0, 0)
	}
	if len(sink.got) != 1 || sink.got[0].Steps != 6 || sink.got[0].Loss != 17.5 {
		t.Fatalf("unexpected summaries %+v", sink.got)
	}
}

func TestFailingSinkDoesNotStopOthers(t *testing.T) {
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	r := NewReporter(1, 0, bad, good)
	if _, ok := r.Record(1, 1, 1, 1); !ok {
		t.Fatal("expected emission")
	}
	if len(good.got) != 1 {
		t.Fatal("second sink skipped after first failed")
	}
}

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "metrics.jsonl")
	sink, err := OpenJSONL(path)
	if err != nil {
		t.Fatalf("OpenJSONL: %v", err)
	}
	r := NewReporter(2, 0, sink, LogSink{})
	for step := int64(1); step <= 4; step++ {
		r.Record(step, 0.5, 1, 2e-5)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var steps []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var s Summary
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		steps = append(steps, s.Step)
	}
	if len(steps) != 2 || steps[0] != 2 || steps[1] != 4 {
		t.Fatalf("steps %v want [2 4]", steps)
	}
}

func TestProgressSinkRenders(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgressSink(&buf, 10)
	if p.Current() != 0 {
		t.Fatalf("fresh bar at %d", p.Current())
	}
	p.Resume(6)
	if p.Current() != 6 {
		t.Fatalf("resumed bar at %d want 6", p.Current())
	}
	p.Advance(7)
	if p.Current() != 7 {
		t.Fatalf("advanced bar at %d want 7", p.Current())
	}
	if err := p.Emit(Summary{Step: 10, Loss: 0.1}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := p.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("progress bar wrote nothing")
	}
}
