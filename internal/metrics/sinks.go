package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// LogSink writes each summary as a structured log line.
type LogSink struct{}

func (LogSink) Emit(s Summary) error {
	klog.InfoS("train",
		"step", s.Step,
		"gnorm", fmt.Sprintf("%.2f", s.GradNorm),
		"lr", fmt.Sprintf("%8.6f", s.LearningRate),
		"loss", fmt.Sprintf("%.2f", s.Loss),
		"pplx", fmt.Sprintf("%.2f", s.Perplexity),
		"bpc", fmt.Sprintf("%.4f", s.BitsPerChar),
		"examples_per_sec", fmt.Sprintf("%.1f", s.ExamplesPerSec),
		"data_ms", fmt.Sprintf("%.1f", s.AvgDataMS),
		"compute_ms", fmt.Sprintf("%.1f", s.AvgComputeMS),
	)
	return nil
}

// JSONLSink appends one JSON object per summary to a file.
type JSONLSink struct {
	f   *os.File
	enc *json.Encoder
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create metrics dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &JSONLSink{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *JSONLSink) Emit(s Summary) error {
	return errors.Wrap(j.enc.Encode(s), "write summary")
}

func (j *JSONLSink) Close() error { return j.f.Close() }

// ProgressSink drives a terminal progress bar toward the final step.
type ProgressSink struct {
	bar *progressbar.ProgressBar
}

// NewProgressSink renders to w.
func NewProgressSink(w io.Writer, total int64) *ProgressSink {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("training"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionThrottle(65*time.Millisecond),
	)
	return &ProgressSink{bar: bar}
}

// Resume moves the bar to the step a restored run begins at.
func (p *ProgressSink) Resume(step int64) {
	_ = p.bar.Set64(step)
}

// Current is the step the bar shows.
func (p *ProgressSink) Current() int64 { return p.bar.State().CurrentNum }

// Advance moves the bar to step.
func (p *ProgressSink) Advance(step int64) {
	_ = p.bar.Set64(step)
}

func (p *ProgressSink) Emit(s Summary) error {
	p.bar.Describe(fmt.Sprintf("loss %.3f lr %.2e", s.Loss, s.LearningRate))
	return p.bar.Set64(s.Step)
}

// Finish completes the bar.
func (p *ProgressSink) Finish() error { return p.bar.Finish() }
