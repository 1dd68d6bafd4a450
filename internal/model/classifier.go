package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"tower-forge/internal/dataset"
	"tower-forge/internal/device"
)

// NumSegments covers segment ids A, B, CLS, SEP and PAD.
const NumSegments = 5

// ClassifierConfig sizes a SequenceClassifier.
type ClassifierConfig struct {
	VocabSize  int
	HiddenSize int
	NumLayers  int
	// NumLabels is the class count; zero selects a regression head.
	NumLabels int
	InitStd   float64
}

// SequenceClassifier mean-pools token and segment embeddings over unmasked
// positions, runs them through NumLayers tanh layers and projects to logits.
// Loss is the per-example mean of softmax cross-entropy, or of squared
// error for regression.
type SequenceClassifier struct {
	cfg ClassifierConfig
}

// NewSequenceClassifier validates cfg and fills defaults.
func NewSequenceClassifier(cfg ClassifierConfig) (*SequenceClassifier, error) {
	if cfg.VocabSize <= 0 {
		return nil, errors.Errorf("classifier: vocab size must be > 0 (got %d)", cfg.VocabSize)
	}
	if cfg.HiddenSize <= 0 {
		return nil, errors.Errorf("classifier: hidden size must be > 0 (got %d)", cfg.HiddenSize)
	}
	if cfg.NumLabels < 0 || cfg.NumLabels == 1 {
		return nil, errors.Errorf("classifier: num labels must be 0 (regression) or >= 2 (got %d)", cfg.NumLabels)
	}
	if cfg.NumLayers <= 0 {
		cfg.NumLayers = 1
	}
	if cfg.InitStd <= 0 {
		cfg.InitStd = 0.02
	}
	return &SequenceClassifier{cfg: cfg}, nil
}

const (
	wordEmbedding = "model/transformer/word_embedding"
	segEmbedding  = "model/transformer/seg_embedding"
	logitKernel   = "model/classification/logit/kernel"
	logitBias     = "model/classification/logit/bias"
)

func layerKernel(l int) string { return fmt.Sprintf("model/transformer/layer_%d/ff/kernel", l) }
func layerBias(l int) string   { return fmt.Sprintf("model/transformer/layer_%d/ff/bias", l) }

func (m *SequenceClassifier) outputs() int {
	if m.cfg.NumLabels == 0 {
		return 1
	}
	return m.cfg.NumLabels
}

// NumLayers is the number of hidden layers, used for layer-wise decay.
func (m *SequenceClassifier) NumLayers() int { return m.cfg.NumLayers }

// Specs lists the trainable parameters.
func (m *SequenceClassifier) Specs() []Spec {
	h := m.cfg.HiddenSize
	specs := []Spec{
		{Name: wordEmbedding, Shape: []int{m.cfg.VocabSize, h}},
		{Name: segEmbedding, Shape: []int{NumSegments, h}},
	}
	for l := 0; l < m.cfg.NumLayers; l++ {
		specs = append(specs,
			Spec{Name: layerKernel(l), Shape: []int{h, h}},
			Spec{Name: layerBias(l), Shape: []int{h}},
		)
	}
	return append(specs,
		Spec{Name: logitKernel, Shape: []int{m.outputs(), h}},
		Spec{Name: logitBias, Shape: []int{m.outputs()}},
	)
}

// InitParameters draws kernels and embeddings from N(0, InitStd); biases
// start at zero.
func (m *SequenceClassifier) InitParameters(seed int64) (*ParameterSet, error) {
	params, err := NewParameterSet(m.Specs())
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	err = params.Update(func(_ int, spec Spec, values []float64) {
		if len(spec.Shape) < 2 {
			return
		}
		for i := range values {
			values[i] = rng.NormFloat64() * m.cfg.InitStd
		}
	})
	if err != nil {
		return nil, err
	}
	return params, nil
}

type classifierWeights struct {
	word, seg []float64
	kernels   [][]float64
	biases    [][]float64
	logitK    []float64
	logitB    []float64
}

func (m *SequenceClassifier) weights(params *Snapshot) (classifierWeights, error) {
	get := func(name string) ([]float64, error) {
		v, ok := params.Value(name)
		if !ok {
			return nil, errors.Errorf("snapshot missing %s", name)
		}
		return v, nil
	}
	var w classifierWeights
	var err error
	if w.word, err = get(wordEmbedding); err != nil {
		return w, err
	}
	if w.seg, err = get(segEmbedding); err != nil {
		return w, err
	}
	for l := 0; l < m.cfg.NumLayers; l++ {
		k, err := get(layerKernel(l))
		if err != nil {
			return w, err
		}
		b, err := get(layerBias(l))
		if err != nil {
			return w, err
		}
		w.kernels = append(w.kernels, k)
		w.biases = append(w.biases, b)
	}
	if w.logitK, err = get(logitKernel); err != nil {
		return w, err
	}
	if w.logitB, err = get(logitBias); err != nil {
		return w, err
	}
	return w, nil
}

// ComputeStep implements ComputeEngine. With training false only the loss
// is computed and the gradient set is empty.
func (m *SequenceClassifier) ComputeStep(ctx context.Context, dev device.Context, shard dataset.Shard, params *Snapshot, training bool) (float64, GradientSet, error) {
	fail := func(reason string, err error) (float64, GradientSet, error) {
		return 0, nil, &ComputeError{Device: dev.Index, Reason: reason, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return fail("canceled", err)
	}
	w, err := m.weights(params)
	if err != nil {
		return fail("bind parameters", err)
	}
	ids, okIDs := shard.Batch.Feature(dataset.FeatureInputIDs)
	mask, okMask := shard.Batch.Feature(dataset.FeatureInputMask)
	segs, okSeg := shard.Batch.Feature(dataset.FeatureSegmentIDs)
	labels, okLabels := shard.Batch.Feature(dataset.FeatureLabelIDs)
	if !okIDs || !okMask || !okSeg || !okLabels {
		return fail("missing feature", errors.Errorf("have %v", shard.Batch.Names()))
	}
	n := shard.Batch.Size()
	if n == 0 {
		return fail("empty shard", nil)
	}

	specs := params.Specs()
	inv := 1.0 / float64(n)
	workers := min(max(dev.Threads, 1), n)
	per := (n + workers - 1) / workers
	workers = (n + per - 1) / per

	// Each worker owns a contiguous run of examples and its own gradient
	// buffers; partial sums are merged in worker order.
	parts := make([]chunk, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for c := range parts {
		go func(c int) {
			defer wg.Done()
			lo, hi := c*per, min((c+1)*per, n)
			parts[c] = m.accumulate(w, specs, ids[lo:hi], mask[lo:hi], segs[lo:hi], labels[lo:hi], lo, inv, training)
		}(c)
	}
	wg.Wait()

	totalLoss := 0.0
	var grads GradientSet
	if training {
		grads = make(GradientSet, len(specs))
		for _, spec := range specs {
			grads[spec.Name] = make([]float64, spec.Size())
		}
	}
	for _, part := range parts {
		if part.err != nil {
			return fail(fmt.Sprintf("example %d", part.failedAt), part.err)
		}
		totalLoss += part.loss
		for name, g := range part.grads {
			floats.Add(grads[name], g)
		}
	}

	loss := totalLoss * inv
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return fail("non-finite loss", errors.Errorf("loss=%v", loss))
	}
	if grads == nil {
		grads = GradientSet{}
	}
	return loss, grads, nil
}

type chunk struct {
	loss     float64
	grads    GradientSet
	failedAt int
	err      error
}

// accumulate runs forward and, when training, backward over one run of
// examples. offset is the index of the first example in the shard.
func (m *SequenceClassifier) accumulate(w classifierWeights, specs []Spec, ids, mask, segs, labels [][]float64, offset int, inv float64, training bool) chunk {
	var out chunk
	if training {
		out.grads = make(GradientSet, len(specs))
		for _, spec := range specs {
			out.grads[spec.Name] = make([]float64, spec.Size())
		}
	}
	h := m.cfg.HiddenSize
	nOut := m.outputs()
	for i := range ids {
		ex, err := m.parseExample(ids[i], mask[i], segs[i], labels[i])
		if err != nil {
			out.failedAt, out.err = offset+i, err
			return out
		}
		// acts[l] is the input to layer l; acts[L] feeds the logit head.
		acts := make([][]float64, m.cfg.NumLayers+1)
		acts[0] = m.pool(w, ex)
		for l := 0; l < m.cfg.NumLayers; l++ {
			next := make([]float64, h)
			for j := 0; j < h; j++ {
				next[j] = math.Tanh(floats.Dot(w.kernels[l][j*h:(j+1)*h], acts[l]) + w.biases[l][j])
			}
			acts[l+1] = next
		}
		top := acts[m.cfg.NumLayers]
		logits := make([]float64, nOut)
		for c := 0; c < nOut; c++ {
			logits[c] = floats.Dot(w.logitK[c*h:(c+1)*h], top) + w.logitB[c]
		}

		loss, dLogits := m.lossAndGrad(logits, ex.label)
		out.loss += loss
		if !training {
			continue
		}
		floats.Scale(inv, dLogits)
		m.backward(w, out.grads, ex, acts, dLogits)
	}
	return out
}

type example struct {
	tokens []int
	segs   []int
	label  float64
}

func (m *SequenceClassifier) parseExample(ids, mask, segs, label []float64) (example, error) {
	if len(mask) != len(ids) || len(segs) != len(ids) {
		return example{}, errors.Errorf("feature lengths differ (ids=%d mask=%d seg=%d)", len(ids), len(mask), len(segs))
	}
	if len(label) != 1 {
		return example{}, errors.Errorf("want one label, got %d", len(label))
	}
	ex := example{label: label[0]}
	for t, id := range ids {
		// input_mask is 1 on padding.
		if mask[t] > 0.5 {
			continue
		}
		tok, seg := int(id), int(segs[t])
		if tok < 0 || tok >= m.cfg.VocabSize {
			return example{}, errors.Errorf("token id %d out of vocab %d", tok, m.cfg.VocabSize)
		}
		if seg < 0 || seg >= NumSegments {
			return example{}, errors.Errorf("segment id %d out of range", seg)
		}
		ex.tokens = append(ex.tokens, tok)
		ex.segs = append(ex.segs, seg)
	}
	if m.cfg.NumLabels > 0 {
		c := int(ex.label)
		if float64(c) != ex.label || c < 0 || c >= m.cfg.NumLabels {
			return example{}, errors.Errorf("label %v out of range [0,%d)", ex.label, m.cfg.NumLabels)
		}
	}
	return ex, nil
}

func (m *SequenceClassifier) pool(w classifierWeights, ex example) []float64 {
	h := m.cfg.HiddenSize
	pooled := make([]float64, h)
	if len(ex.tokens) == 0 {
		return pooled
	}
	for t, tok := range ex.tokens {
		floats.Add(pooled, w.word[tok*h:(tok+1)*h])
		floats.Add(pooled, w.seg[ex.segs[t]*h:(ex.segs[t]+1)*h])
	}
	floats.Scale(1/float64(len(ex.tokens)), pooled)
	return pooled
}

func (m *SequenceClassifier) lossAndGrad(logits []float64, label float64) (float64, []float64) {
	if m.cfg.NumLabels == 0 {
		diff := logits[0] - label
		return diff * diff, []float64{2 * diff}
	}
	probs := softmax(logits)
	c := int(label)
	loss := -math.Log(math.Max(probs[c], 1e-300))
	probs[c] -= 1
	return loss, probs
}

func (m *SequenceClassifier) backward(w classifierWeights, grads GradientSet, ex example, acts [][]float64, dLogits []float64) {
	h := m.cfg.HiddenSize
	top := acts[m.cfg.NumLayers]
	gK, gB := grads[logitKernel], grads[logitBias]
	dAct := make([]float64, h)
	for c, g := range dLogits {
		gB[c] += g
		floats.AddScaled(gK[c*h:(c+1)*h], g, top)
		floats.AddScaled(dAct, g, w.logitK[c*h:(c+1)*h])
	}
	for l := m.cfg.NumLayers - 1; l >= 0; l-- {
		out := acts[l+1]
		gK, gB := grads[layerKernel(l)], grads[layerBias(l)]
		dIn := make([]float64, h)
		for j := 0; j < h; j++ {
			dPre := dAct[j] * (1 - out[j]*out[j])
			gB[j] += dPre
			floats.AddScaled(gK[j*h:(j+1)*h], dPre, acts[l])
			floats.AddScaled(dIn, dPre, w.kernels[l][j*h:(j+1)*h])
		}
		dAct = dIn
	}
	if len(ex.tokens) == 0 {
		return
	}
	floats.Scale(1/float64(len(ex.tokens)), dAct)
	gWord, gSeg := grads[wordEmbedding], grads[segEmbedding]
	for t, tok := range ex.tokens {
		floats.Add(gWord[tok*h:(tok+1)*h], dAct)
		floats.Add(gSeg[ex.segs[t]*h:(ex.segs[t]+1)*h], dAct)
	}
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	floats.Scale(1/sum, out)
	return out
}
