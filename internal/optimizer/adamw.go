// Package optimizer applies gradient updates to the canonical parameter set.
package optimizer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"tower-forge/internal/model"
)

// NumericalInstabilityError reports a non-finite global gradient norm. No
// parameter is written when it is returned.
type NumericalInstabilityError struct {
	Norm float64
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("optimizer: non-finite gradient norm %v", e.Norm)
}

// Options configures AdamW. Zero values take the defaults used by the
// fine-tuning recipes: beta1 0.9, beta2 0.999, epsilon 1e-8.
type Options struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64
	// NumLayers and LayerDecay enable layer-wise rate decay: a parameter
	// under layer_<l>/ is updated with rate*LayerDecay^(NumLayers-1-l).
	NumLayers  int
	LayerDecay float64
	// ExcludeFromDecay reports parameters that skip weight decay. Nil
	// selects ExcludeNormAndBias.
	ExcludeFromDecay func(name string) bool
}

// ExcludeNormAndBias skips layer-norm parameters and biases.
func ExcludeNormAndBias(name string) bool {
	return strings.Contains(name, "layer_norm") ||
		strings.Contains(name, "LayerNorm") ||
		strings.HasSuffix(name, "bias")
}

// Slot holds the Adam moments of one parameter.
type Slot struct {
	M []float64
	V []float64
}

// State is the optimizer-internal state persisted next to the parameters.
type State struct {
	Updates int64
	Slots   map[string]Slot
}

// AdamW is Adam with decoupled weight decay and no bias correction. It is
// the only writer of its ParameterSet.
type AdamW struct {
	params  *model.ParameterSet
	opts    Options
	slots   []Slot
	updates int64
	layerOf []int
}

var layerPattern = regexp.MustCompile(`(?:^|/)layer_(\d+)/`)

// New binds an optimizer to params with zeroed moments.
func New(params *model.ParameterSet, opts Options) *AdamW {
	if opts.Beta1 == 0 {
		opts.Beta1 = 0.9
	}
	if opts.Beta2 == 0 {
		opts.Beta2 = 0.999
	}
	if opts.Epsilon == 0 {
		opts.Epsilon = 1e-8
	}
	if opts.ExcludeFromDecay == nil {
		opts.ExcludeFromDecay = ExcludeNormAndBias
	}
	specs := params.Specs()
	a := &AdamW{
		params:  params,
		opts:    opts,
		slots:   make([]Slot, len(specs)),
		layerOf: make([]int, len(specs)),
	}
	for i, spec := range specs {
		a.slots[i] = Slot{M: make([]float64, spec.Size()), V: make([]float64, spec.Size())}
		a.layerOf[i] = -1
		if m := layerPattern.FindStringSubmatch(spec.Name); m != nil {
			a.layerOf[i], _ = strconv.Atoi(m[1])
		}
	}
	return a
}

// Parameters is the set this optimizer writes.
func (a *AdamW) Parameters() *model.ParameterSet { return a.params }

// Updates is the number of applied updates.
func (a *AdamW) Updates() int64 { return a.updates }

func (a *AdamW) rateScale(i int) float64 {
	l := a.layerOf[i]
	if l < 0 || a.opts.LayerDecay == 0 || a.opts.LayerDecay == 1 || a.opts.NumLayers <= 0 {
		return 1
	}
	return math.Pow(a.opts.LayerDecay, float64(a.opts.NumLayers-1-l))
}

// Apply performs one update and returns the global gradient norm measured
// before clipping. Gradients are rescaled by clip/norm when clip > 0 and the
// norm exceeds it. grads is not modified.
func (a *AdamW) Apply(grads model.GradientSet, rate, clip, weightDecay float64) (float64, error) {
	specs := a.params.Specs()
	sq := 0.0
	for _, spec := range specs {
		g, ok := grads[spec.Name]
		if !ok {
			return 0, errors.Errorf("optimizer: no gradient for %s", spec.Name)
		}
		if len(g) != spec.Size() {
			return 0, errors.Errorf("optimizer: gradient for %s has %d entries, want %d", spec, len(g), spec.Size())
		}
		sq += floats.Dot(g, g)
	}
	norm := math.Sqrt(sq)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm, &NumericalInstabilityError{Norm: norm}
	}
	scale := 1.0
	if clip > 0 && norm > clip {
		scale = clip / norm
	}

	b1, b2, eps := a.opts.Beta1, a.opts.Beta2, a.opts.Epsilon
	err := a.params.Update(func(i int, spec model.Spec, w []float64) {
		g := grads[spec.Name]
		slot := a.slots[i]
		lr := rate * a.rateScale(i)
		decay := weightDecay > 0 && !a.opts.ExcludeFromDecay(spec.Name)
		for j := range w {
			gj := g[j] * scale
			slot.M[j] = b1*slot.M[j] + (1-b1)*gj
			slot.V[j] = b2*slot.V[j] + (1-b2)*gj*gj
			update := slot.M[j] / (math.Sqrt(slot.V[j]) + eps)
			if decay {
				update += weightDecay * w[j]
			}
			w[j] -= lr * update
		}
	})
	if err != nil {
		return norm, err
	}
	a.updates++
	return norm, nil
}

// State returns a deep copy of the moments.
func (a *AdamW) State() State {
	specs := a.params.Specs()
	st := State{Updates: a.updates, Slots: make(map[string]Slot, len(specs))}
	for i, spec := range specs {
		st.Slots[spec.Name] = Slot{
			M: append([]float64(nil), a.slots[i].M...),
			V: append([]float64(nil), a.slots[i].V...),
		}
	}
	return st
}

// Restore replaces the moments. Every parameter must have a slot of the
// right size; missing slots leave the optimizer unchanged.
func (a *AdamW) Restore(st State) error {
	specs := a.params.Specs()
	next := make([]Slot, len(specs))
	for i, spec := range specs {
		s, ok := st.Slots[spec.Name]
		if !ok {
			return errors.Errorf("optimizer: no slot for %s", spec.Name)
		}
		if len(s.M) != spec.Size() || len(s.V) != spec.Size() {
			return errors.Errorf("optimizer: slot for %s has %d/%d entries, want %d", spec, len(s.M), len(s.V), spec.Size())
		}
		next[i] = Slot{M: append([]float64(nil), s.M...), V: append([]float64(nil), s.V...)}
	}
	a.slots = next
	a.updates = st.Updates
	return nil
}
