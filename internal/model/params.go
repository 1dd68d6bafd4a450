package model

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrSnapshotInFlight is returned when the parameter set is written while a
// tower still holds a snapshot of it.
var ErrSnapshotInFlight = errors.New("model: parameter write while snapshot in flight")

// Spec declares one trainable parameter.
type Spec struct {
	Name  string
	Shape []int
}

// Size is the number of scalars in the parameter.
func (s Spec) Size() int {
	n := 1
	for _, d := range s.Shape {
		n *= d
	}
	return n
}

// SameShape reports whether two specs describe equally shaped tensors.
func (s Spec) SameShape(o Spec) bool {
	if len(s.Shape) != len(o.Shape) {
		return false
	}
	for i := range s.Shape {
		if s.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

func (s Spec) String() string { return fmt.Sprintf("%s%v", s.Name, s.Shape) }

// ParameterSet is the canonical copy of the model parameters. Towers read it
// through snapshots; writes are refused while any snapshot is outstanding.
type ParameterSet struct {
	specs   []Spec
	index   map[string]int
	values  [][]float64
	readers atomic.Int64
}

// NewParameterSet allocates zeroed storage for specs, in declaration order.
func NewParameterSet(specs []Spec) (*ParameterSet, error) {
	p := &ParameterSet{
		specs:  make([]Spec, len(specs)),
		index:  make(map[string]int, len(specs)),
		values: make([][]float64, len(specs)),
	}
	for i, s := range specs {
		if s.Name == "" {
			return nil, errors.Errorf("model: parameter %d has no name", i)
		}
		if _, dup := p.index[s.Name]; dup {
			return nil, errors.Errorf("model: duplicate parameter %q", s.Name)
		}
		if s.Size() <= 0 {
			return nil, errors.Errorf("model: parameter %s has empty shape", s)
		}
		p.specs[i] = Spec{Name: s.Name, Shape: append([]int(nil), s.Shape...)}
		p.index[s.Name] = i
		p.values[i] = make([]float64, s.Size())
	}
	return p, nil
}

// Specs returns the declared parameters in order.
func (p *ParameterSet) Specs() []Spec {
	out := make([]Spec, len(p.specs))
	copy(out, p.specs)
	return out
}

// Len is the number of parameters.
func (p *ParameterSet) Len() int { return len(p.specs) }

// NumScalars is the total number of trainable scalars.
func (p *ParameterSet) NumScalars() int {
	n := 0
	for _, s := range p.specs {
		n += s.Size()
	}
	return n
}

// Lookup returns the spec of a named parameter.
func (p *ParameterSet) Lookup(name string) (Spec, bool) {
	i, ok := p.index[name]
	if !ok {
		return Spec{}, false
	}
	return p.specs[i], true
}

// Values returns a copy of the named parameter.
func (p *ParameterSet) Values(name string) ([]float64, bool) {
	i, ok := p.index[name]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), p.values[i]...), true
}

// Load overwrites the named parameter with values.
func (p *ParameterSet) Load(name string, values []float64) error {
	i, ok := p.index[name]
	if !ok {
		return errors.Errorf("model: unknown parameter %q", name)
	}
	if len(values) != len(p.values[i]) {
		return errors.Errorf("model: parameter %s wants %d values, got %d", p.specs[i], len(p.values[i]), len(values))
	}
	return p.Update(func(idx int, _ Spec, dst []float64) {
		if idx == i {
			copy(dst, values)
		}
	})
}

// Update calls fn once per parameter with writable storage, in declaration
// order. It fails with ErrSnapshotInFlight if a snapshot is outstanding.
func (p *ParameterSet) Update(fn func(i int, spec Spec, values []float64)) error {
	if n := p.readers.Load(); n != 0 {
		return errors.Wrapf(ErrSnapshotInFlight, "%d readers", n)
	}
	for i, s := range p.specs {
		fn(i, s, p.values[i])
	}
	return nil
}

// Snapshot hands out a read-only view. The caller must Release it once the
// tower that reads it has returned.
func (p *ParameterSet) Snapshot() *Snapshot {
	p.readers.Add(1)
	return &Snapshot{set: p}
}

// Snapshot is a read-only view of a ParameterSet for the duration of one step.
type Snapshot struct {
	set      *ParameterSet
	released atomic.Bool
}

// Specs returns the declared parameters in order.
func (s *Snapshot) Specs() []Spec { return s.set.Specs() }

// Value returns the named parameter's storage. Callers must not modify it.
func (s *Snapshot) Value(name string) ([]float64, bool) {
	i, ok := s.set.index[name]
	if !ok {
		return nil, false
	}
	return s.set.values[i], true
}

// Release ends the snapshot. Extra calls are no-ops.
func (s *Snapshot) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.set.readers.Add(-1)
	}
}

// GradientSet maps a parameter name to its gradient, laid out like the
// parameter's values.
type GradientSet map[string][]float64

