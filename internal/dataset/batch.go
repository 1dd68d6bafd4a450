package dataset

import (
	"fmt"

	"github.com/pkg/errors"
)

// Feature names produced by the record loader.
const (
	FeatureInputIDs   = "input_ids"
	FeatureInputMask  = "input_mask"
	FeatureSegmentIDs = "segment_ids"
	FeatureLabelIDs   = "label_ids"
)

// Feature is one named array of a batch. Rows[i] belongs to example i.
type Feature struct {
	Name string
	Rows [][]float64
}

// GlobalBatch is the full set of examples consumed by one optimizer step.
// Every feature shares the same leading dimension.
type GlobalBatch struct {
	features []Feature
	size     int
}

// NewGlobalBatch validates that all features agree on the leading dimension.
func NewGlobalBatch(features ...Feature) (GlobalBatch, error) {
	if len(features) == 0 {
		return GlobalBatch{}, errors.New("dataset: batch has no features")
	}
	size := len(features[0].Rows)
	seen := make(map[string]struct{}, len(features))
	for _, f := range features {
		if _, dup := seen[f.Name]; dup {
			return GlobalBatch{}, errors.Errorf("dataset: duplicate feature %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if len(f.Rows) != size {
			return GlobalBatch{}, errors.Errorf("dataset: feature %q has %d rows, want %d", f.Name, len(f.Rows), size)
		}
	}
	return GlobalBatch{features: features, size: size}, nil
}

// Size returns the leading dimension.
func (b GlobalBatch) Size() int { return b.size }

// Names returns feature names in batch order.
func (b GlobalBatch) Names() []string {
	out := make([]string, len(b.features))
	for i, f := range b.features {
		out[i] = f.Name
	}
	return out
}

// Feature returns the rows of the named feature.
func (b GlobalBatch) Feature(name string) ([][]float64, bool) {
	for _, f := range b.features {
		if f.Name == name {
			return f.Rows, true
		}
	}
	return nil, false
}

// slice returns rows [lo, hi) of every feature. The row slices are shared
// with b and capped so appends cannot leak into a neighbouring shard.
func (b GlobalBatch) slice(lo, hi int) GlobalBatch {
	features := make([]Feature, len(b.features))
	for i, f := range b.features {
		features[i] = Feature{Name: f.Name, Rows: f.Rows[lo:hi:hi]}
	}
	return GlobalBatch{features: features, size: hi - lo}
}

// Shard is the contiguous slice of a GlobalBatch assigned to one device.
type Shard struct {
	Index int
	Batch GlobalBatch
}

// ShardSizeError reports a batch that cannot be split evenly.
type ShardSizeError struct {
	BatchSize int
	NumShards int
}

func (e *ShardSizeError) Error() string {
	if e.NumShards <= 0 {
		return fmt.Sprintf("shard size: num shards must be > 0 (got %d)", e.NumShards)
	}
	return fmt.Sprintf("shard size: batch size %d is not divisible by %d shards", e.BatchSize, e.NumShards)
}

// CheckShardable returns a *ShardSizeError unless batchSize splits evenly
// into numShards.
func CheckShardable(batchSize, numShards int) error {
	if numShards <= 0 || batchSize%numShards != 0 {
		return &ShardSizeError{BatchSize: batchSize, NumShards: numShards}
	}
	return nil
}

// Split cuts batch into numShards contiguous shards. Shard i holds rows
// [i*per, (i+1)*per).
func Split(batch GlobalBatch, numShards int) ([]Shard, error) {
	if err := CheckShardable(batch.Size(), numShards); err != nil {
		return nil, err
	}
	per := batch.Size() / numShards
	shards := make([]Shard, numShards)
	for i := range shards {
		shards[i] = Shard{Index: i, Batch: batch.slice(i*per, (i+1)*per)}
	}
	return shards, nil
}
