// Package checkpoint persists training progress as model.ckpt-<step> files
// in a model directory and restores the newest one on startup.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"tower-forge/internal/model"
	"tower-forge/internal/optimizer"
)

const (
	filePrefix = "model.ckpt-"
	metaSuffix = ".meta.json"

	slotM = "/adam_m"
	slotV = "/adam_v"
)

var ckptPattern = regexp.MustCompile(`^model\.ckpt-([0-9]+)$`)

// TrainingState is the loop progress carried across checkpoints.
type TrainingState struct {
	Step               int64
	AccumulatedLoss    float64
	LastCheckpointStep int64
}

// Fingerprint identifies the sharding a checkpoint was written under.
type Fingerprint struct {
	NumShards int `json:"num_shards"`
	BatchSize int `json:"batch_size"`
}

type metadata struct {
	Step               int64       `json:"step"`
	LastCheckpointStep int64       `json:"last_checkpoint_step"`
	AccumulatedLoss    float64     `json:"accumulated_loss"`
	Fingerprint        Fingerprint `json:"fingerprint"`
	CreatedAt          time.Time   `json:"created_at"`
}

// CorruptError reports a checkpoint that cannot be restored into the
// current model.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("checkpoint %s is corrupt: %s", e.Path, e.Reason)
}

// WriteError reports a storage failure while saving.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write checkpoint %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ShouldSave is true iff step > 0 and step is a multiple of cadence.
func ShouldSave(step, cadence int64) bool {
	return cadence > 0 && step > 0 && step%cadence == 0
}

// Restored is everything Restore recovers besides parameter values.
type Restored struct {
	Path      string
	State     TrainingState
	Optimizer optimizer.State
}

// Manager owns a model directory.
type Manager struct {
	dir         string
	maxSave     int
	fingerprint Fingerprint
}

// NewManager keeps at most maxSave checkpoints in dir; zero keeps all.
func NewManager(dir string, maxSave int, fp Fingerprint) *Manager {
	return &Manager{dir: dir, maxSave: maxSave, fingerprint: fp}
}

// Dir is the model directory.
func (m *Manager) Dir() string { return m.dir }

// Save writes the checkpoint for state.Step and evicts the oldest ones
// beyond maxSave. Failures are returned as *WriteError.
func (m *Manager) Save(state TrainingState, params *model.ParameterSet, opt optimizer.State) (string, error) {
	path := filepath.Join(m.dir, filePrefix+strconv.FormatInt(state.Step, 10))
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}

	p := payload{step: state.Step, updates: opt.Updates}
	for _, spec := range params.Specs() {
		values, _ := params.Values(spec.Name)
		p.params = append(p.params, tensor{name: spec.Name, shape: spec.Shape, data: values})
		if slot, ok := opt.Slots[spec.Name]; ok {
			p.slots = append(p.slots,
				tensor{name: spec.Name + slotM, shape: spec.Shape, data: slot.M},
				tensor{name: spec.Name + slotV, shape: spec.Shape, data: slot.V},
			)
		}
	}
	if err := writeAtomic(path, p.marshal()); err != nil {
		return "", &WriteError{Path: path, Err: err}
	}

	meta, err := json.MarshalIndent(metadata{
		Step:               state.Step,
		LastCheckpointStep: state.LastCheckpointStep,
		AccumulatedLoss:    state.AccumulatedLoss,
		Fingerprint:        m.fingerprint,
		CreatedAt:          time.Now().UTC(),
	}, "", "  ")
	if err == nil {
		err = writeAtomic(path+metaSuffix, meta)
	}
	if err != nil {
		// Without metadata the data file is never listed, so drop it now.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			klog.ErrorS(rmErr, "removing incomplete checkpoint", "path", path)
		}
		return "", &WriteError{Path: path, Err: err}
	}

	m.evict()
	return path, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename")
	}
	return nil
}

type entry struct {
	step int64
	path string
}

// list returns complete checkpoints (data and metadata present) by step.
func (m *Manager) list() ([]entry, error) {
	complete, _, err := m.scan()
	return complete, err
}

// scan splits the model.ckpt-<step> data files in the directory into
// complete checkpoints and orphans that have no metadata companion.
func (m *Manager) scan() (complete, orphans []entry, err error) {
	items, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrapf(err, "read model dir %s", m.dir)
	}
	for _, item := range items {
		match := ckptPattern.FindStringSubmatch(item.Name())
		if match == nil || item.IsDir() {
			continue
		}
		step, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		e := entry{step: step, path: filepath.Join(m.dir, item.Name())}
		if _, err := os.Stat(e.path + metaSuffix); err != nil {
			orphans = append(orphans, e)
			continue
		}
		complete = append(complete, e)
	}
	sort.Slice(complete, func(i, j int) bool { return complete[i].step < complete[j].step })
	return complete, orphans, nil
}

// evict removes orphaned data files left by failed saves, then the oldest
// complete checkpoints beyond maxSave.
func (m *Manager) evict() {
	all, orphans, err := m.scan()
	if err != nil {
		klog.ErrorS(err, "listing checkpoints for eviction", "dir", m.dir)
		return
	}
	for _, o := range orphans {
		if err := os.Remove(o.path); err != nil && !os.IsNotExist(err) {
			klog.ErrorS(err, "removing orphaned checkpoint", "path", o.path)
			continue
		}
		klog.V(1).InfoS("removed orphaned checkpoint", "path", o.path, "step", o.step)
	}
	if m.maxSave <= 0 {
		return
	}
	for len(all) > m.maxSave {
		old := all[0]
		all = all[1:]
		for _, p := range []string{old.path, old.path + metaSuffix} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				klog.ErrorS(err, "evicting checkpoint", "path", p)
			}
		}
		klog.V(1).InfoS("evicted checkpoint", "path", old.path, "step", old.step)
	}
}

// Latest returns the newest complete checkpoint in the model directory.
func (m *Manager) Latest() (string, bool, error) {
	all, err := m.list()
	if err != nil || len(all) == 0 {
		return "", false, err
	}
	return all[len(all)-1].path, true, nil
}

// Steps lists the steps of the retained checkpoints in ascending order.
func (m *Manager) Steps() ([]int64, error) {
	all, err := m.list()
	if err != nil {
		return nil, err
	}
	steps := make([]int64, len(all))
	for i, e := range all {
		steps[i] = e.step
	}
	return steps, nil
}

// Restore loads path into params and returns the saved loop and optimizer
// state. Nothing is written to params unless every declared parameter and
// its Adam slots match in shape, and the sharding fingerprint matches.
func (m *Manager) Restore(path string, params *model.ParameterSet) (Restored, error) {
	raw, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return Restored{}, errors.Wrapf(err, "read checkpoint metadata %s", path)
	}
	var meta metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Restored{}, &CorruptError{Path: path, Reason: "metadata: " + err.Error()}
	}
	if meta.Fingerprint != m.fingerprint {
		return Restored{}, &CorruptError{Path: path, Reason: fmt.Sprintf(
			"written for %d shards of batch %d, running %d shards of batch %d",
			meta.Fingerprint.NumShards, meta.Fingerprint.BatchSize, m.fingerprint.NumShards, m.fingerprint.BatchSize)}
	}

	p, err := readPayload(path)
	if err != nil {
		return Restored{}, err
	}
	if p.step != meta.Step {
		return Restored{}, &CorruptError{Path: path, Reason: fmt.Sprintf("data step %d, metadata step %d", p.step, meta.Step)}
	}

	specs := params.Specs()
	if len(p.params) != len(specs) {
		return Restored{}, &CorruptError{Path: path, Reason: fmt.Sprintf("%d stored parameters, model declares %d", len(p.params), len(specs))}
	}
	stored := index(p.params)
	slots := index(p.slots)
	st := optimizer.State{Updates: p.updates, Slots: make(map[string]optimizer.Slot, len(specs))}
	for _, spec := range specs {
		if err := checkTensor(path, spec, stored[spec.Name], spec.Name); err != nil {
			return Restored{}, err
		}
		mT, vT := slots[spec.Name+slotM], slots[spec.Name+slotV]
		if err := checkTensor(path, spec, mT, spec.Name+slotM); err != nil {
			return Restored{}, err
		}
		if err := checkTensor(path, spec, vT, spec.Name+slotV); err != nil {
			return Restored{}, err
		}
		st.Slots[spec.Name] = optimizer.Slot{M: mT.data, V: vT.data}
	}
	for _, spec := range specs {
		if err := params.Load(spec.Name, stored[spec.Name].data); err != nil {
			return Restored{}, err
		}
	}
	return Restored{
		Path: path,
		State: TrainingState{
			Step:               meta.Step,
			AccumulatedLoss:    meta.AccumulatedLoss,
			LastCheckpointStep: meta.LastCheckpointStep,
		},
		Optimizer: st,
	}, nil
}

// LoadParameters warm-starts params from a checkpoint written by any run.
// Parameters present in both are copied; others keep their values. It
// returns the number of parameters loaded.
func LoadParameters(path string, params *model.ParameterSet) (int, error) {
	p, err := readPayload(path)
	if err != nil {
		return 0, err
	}
	stored := index(p.params)
	var matched []model.Spec
	for _, spec := range params.Specs() {
		t, ok := stored[spec.Name]
		if !ok {
			klog.V(1).InfoS("warm start: parameter not in checkpoint", "name", spec.Name)
			continue
		}
		if err := checkTensor(path, spec, t, spec.Name); err != nil {
			return 0, err
		}
		matched = append(matched, spec)
	}
	for _, spec := range matched {
		if err := params.Load(spec.Name, stored[spec.Name].data); err != nil {
			return 0, err
		}
	}
	return len(matched), nil
}

func readPayload(path string) (payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return payload{}, errors.Wrapf(err, "read checkpoint %s", path)
	}
	p, err := unmarshalPayload(raw)
	if err != nil {
		return payload{}, &CorruptError{Path: path, Reason: err.Error()}
	}
	return p, nil
}

func index(ts []tensor) map[string]*tensor {
	out := make(map[string]*tensor, len(ts))
	for i := range ts {
		out[ts[i].name] = &ts[i]
	}
	return out
}

func checkTensor(path string, spec model.Spec, t *tensor, name string) error {
	if t == nil {
		return &CorruptError{Path: path, Reason: "missing " + name}
	}
	got := model.Spec{Name: name, Shape: t.shape}
	if !got.SameShape(spec) {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("%s has shape %v, model declares %v", name, t.shape, spec.Shape)}
	}
	if len(t.data) != spec.Size() {
		return &CorruptError{Path: path, Reason: fmt.Sprintf("%s has %d values, want %d", name, len(t.data), spec.Size())}
	}
	return nil
}
