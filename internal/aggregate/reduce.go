// Package aggregate reduces per-tower losses and gradients into the single
// pair the optimizer consumes.
package aggregate

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"

	"tower-forge/internal/model"
	"tower-forge/internal/tower"
)

// AggregationError reports a tower result that does not cover the declared
// parameter set.
type AggregationError struct {
	Shard  int
	Param  string
	Reason string
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregate: shard %d parameter %q: %s", e.Shard, e.Param, e.Reason)
}

// Reduce averages losses and gradients across towers. Summation runs in
// shard index order whatever order results arrive in. A single result is
// returned as is.
func Reduce(specs []model.Spec, results []tower.Result) (float64, model.GradientSet, error) {
	if len(results) == 0 {
		return 0, nil, &AggregationError{Shard: -1, Reason: "no tower results"}
	}
	ordered := append([]tower.Result(nil), results...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Shard < ordered[j].Shard })
	for _, r := range ordered {
		if err := check(specs, r); err != nil {
			return 0, nil, err
		}
	}
	if len(ordered) == 1 {
		return ordered[0].Loss, ordered[0].Gradients, nil
	}

	scale := 1 / float64(len(ordered))
	loss := 0.0
	for _, r := range ordered {
		loss += r.Loss
	}
	loss *= scale

	out := make(model.GradientSet, len(specs))
	for _, spec := range specs {
		sum := append([]float64(nil), ordered[0].Gradients[spec.Name]...)
		for _, r := range ordered[1:] {
			floats.Add(sum, r.Gradients[spec.Name])
		}
		floats.Scale(scale, sum)
		out[spec.Name] = sum
	}
	return loss, out, nil
}

func check(specs []model.Spec, r tower.Result) error {
	for _, spec := range specs {
		g, ok := r.Gradients[spec.Name]
		if !ok {
			return &AggregationError{Shard: r.Shard, Param: spec.Name, Reason: "missing gradient"}
		}
		if len(g) != spec.Size() {
			return &AggregationError{Shard: r.Shard, Param: spec.Name,
				Reason: fmt.Sprintf("gradient has %d entries, want %d", len(g), spec.Size())}
		}
	}
	return nil
}
