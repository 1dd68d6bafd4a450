package dataset

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrExhausted is returned once the sample stream has closed.
var ErrExhausted = errors.New("loader: sample stream exhausted")

// Loader packs streamed samples into fixed-size global batches.
type Loader struct {
	samples   <-chan Sample
	errs      <-chan error
	batchSize int
	seqLen    int
	skipped   int
}

// NewLoader reads from a sampler stream. Samples whose sequence length
// differs from seqLen are skipped.
func NewLoader(samples <-chan Sample, errs <-chan error, batchSize, seqLen int) *Loader {
	return &Loader{samples: samples, errs: errs, batchSize: batchSize, seqLen: seqLen}
}

// Skipped reports how many malformed samples have been dropped.
func (l *Loader) Skipped() int { return l.skipped }

// Next blocks until batchSize samples are available.
func (l *Loader) Next(ctx context.Context) (GlobalBatch, error) {
	ids := make([][]float64, 0, l.batchSize)
	mask := make([][]float64, 0, l.batchSize)
	seg := make([][]float64, 0, l.batchSize)
	labels := make([][]float64, 0, l.batchSize)
	for len(ids) < l.batchSize {
		select {
		case <-ctx.Done():
			return GlobalBatch{}, ctx.Err()
		case err, ok := <-l.errs:
			if !ok {
				l.errs = nil
				continue
			}
			if err != nil {
				return GlobalBatch{}, err
			}
		case sample, ok := <-l.samples:
			if !ok {
				// The sampler reports its error before closing the stream.
				select {
				case err := <-l.errs:
					if err != nil {
						return GlobalBatch{}, err
					}
				default:
				}
				return GlobalBatch{}, ErrExhausted
			}
			if len(sample.InputIDs) != l.seqLen {
				l.skipped++
				klog.V(2).InfoS("skipping sample", "key", sample.Key, "len", len(sample.InputIDs), "want", l.seqLen)
				continue
			}
			ids = append(ids, sample.InputIDs)
			mask = append(mask, sample.InputMask)
			seg = append(seg, sample.SegmentIDs)
			labels = append(labels, []float64{sample.Label})
		}
	}
	return NewGlobalBatch(
		Feature{Name: FeatureInputIDs, Rows: ids},
		Feature{Name: FeatureInputMask, Rows: mask},
		Feature{Name: FeatureSegmentIDs, Rows: seg},
		Feature{Name: FeatureLabelIDs, Rows: labels},
	)
}
