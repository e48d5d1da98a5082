// Package model implements the sequence classification network: an encoder
// producing one vector per utterance, a ReLU pre-classifier and a linear
// head with one logit per label.
package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

// FeatureSource embeds raw texts with a frozen pretrained encoder.
type FeatureSource interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dim() int
}

// Param is a named weight tensor, row-major, with its gradient.
type Param struct {
	Name  string    `json:"name"`
	Rows  int       `json:"rows"`
	Cols  int       `json:"cols"`
	Data  []float64 `json:"data"`
	Grad  []float64 `json:"-"`
	Decay bool      `json:"-"`
	// Pretrained marks weights loaded from an earlier run. Freshly
	// initialized weights train at the head learning rate.
	Pretrained bool `json:"-"`
}

func newParam(name string, rows, cols int, decay bool) *Param {
	return &Param{
		Name:  name,
		Rows:  rows,
		Cols:  cols,
		Data:  make([]float64, rows*cols),
		Grad:  make([]float64, rows*cols),
		Decay: decay,
	}
}

func (p *Param) row(i int) []float64     { return p.Data[i*p.Cols : (i+1)*p.Cols] }
func (p *Param) gradRow(i int) []float64 { return p.Grad[i*p.Cols : (i+1)*p.Cols] }

func (p *Param) clone() *Param {
	c := *p
	c.Data = append([]float64(nil), p.Data...)
	c.Grad = make([]float64, len(p.Grad))
	return &c
}

// Model is the classifier. Only the trainer mutates its weights; after
// training it is safe for concurrent reads.
type Model struct {
	cfg      Config
	labels   dataset.LabelSpace
	features FeatureSource

	embed *Param // nil for the hub encoder
	preW  *Param
	preB  *Param
	clsW  *Param
	clsB  *Param
}

// New creates a freshly initialized model. labels fixes the id↔name mapping
// baked into the model; cfg.NumLabels is taken from it.
func New(cfg Config, labels dataset.LabelSpace, features FeatureSource) (*Model, error) {
	cfg.NumLabels = labels.Len()
	if cfg.Encoder == EncoderHub {
		if features == nil {
			return nil, fmt.Errorf("hub encoder needs a feature source")
		}
		cfg.FeatureDim = features.Dim()
	}
	if cfg.InitializerRange <= 0 {
		cfg.InitializerRange = DefaultInitializerRange
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model{cfg: cfg, labels: labels, features: features}
	m.allocate()

	rng := rand.New(rand.NewSource(cfg.Seed))
	for _, p := range m.Params() {
		if !p.Decay {
			continue // biases start at zero
		}
		for i := range p.Data {
			p.Data[i] = rng.NormFloat64() * cfg.InitializerRange
		}
	}
	if m.embed != nil {
		floats.Scale(0, m.embed.row(cfg.PadID))
	}
	return m, nil
}

func (m *Model) allocate() {
	h := m.cfg.HiddenSize
	if m.cfg.Encoder == EncoderEmbedding {
		m.embed = newParam("embeddings.word_embeddings.weight", m.cfg.VocabSize, h, true)
	}
	m.preW = newParam("pre_classifier.weight", h, m.cfg.pooledDim(), true)
	m.preB = newParam("pre_classifier.bias", 1, h, false)
	m.clsW = newParam("classifier.weight", m.cfg.NumLabels, h, true)
	m.clsB = newParam("classifier.bias", 1, m.cfg.NumLabels, false)
}

// Config returns the model config.
func (m *Model) Config() Config { return m.cfg }

// Labels returns the label space baked into the model.
func (m *Model) Labels() dataset.LabelSpace { return m.labels }

// Params returns all trainable tensors in a fixed order.
func (m *Model) Params() []*Param {
	var ps []*Param
	if m.embed != nil {
		ps = append(ps, m.embed)
	}
	return append(ps, m.preW, m.preB, m.clsW, m.clsB)
}

// NumParams returns the number of trainable scalars.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.Params() {
		n += len(p.Data)
	}
	return n
}

// EstimateTrainingBytes approximates peak training memory: weights,
// gradients and two optimizer moments, plus per-token activations.
func (m *Model) EstimateTrainingBytes(batchSize int) uint64 {
	const activationFactor = 4
	weights := uint64(m.NumParams()) * 8 * 4
	acts := uint64(batchSize) * uint64(m.cfg.MaxLength) * uint64(m.cfg.HiddenSize) * 8 * activationFactor
	return weights + acts
}

// CheckLabels fails with LabelSpaceMismatchError when expected differs from
// the model's label space.
func (m *Model) CheckLabels(expected dataset.LabelSpace) error {
	if !m.labels.Equal(expected) {
		return &LabelSpaceMismatchError{Expected: expected.Labels(), Got: m.labels.Labels()}
	}
	return nil
}

// Clone returns a deep copy of the weights sharing the feature source.
func (m *Model) Clone() *Model {
	c := &Model{cfg: m.cfg, labels: m.labels, features: m.features}
	if m.embed != nil {
		c.embed = m.embed.clone()
	}
	c.preW, c.preB = m.preW.clone(), m.preB.clone()
	c.clsW, c.clsB = m.clsW.clone(), m.clsB.clone()
	return c
}

// CopyWeightsFrom overwrites the weights with other's. Shapes and label
// spaces must match.
func (m *Model) CopyWeightsFrom(other *Model) error {
	if err := m.CheckLabels(other.labels); err != nil {
		return err
	}
	dst, src := m.Params(), other.Params()
	if len(dst) != len(src) {
		return fmt.Errorf("encoder mismatch: %s vs %s", m.cfg.Encoder, other.cfg.Encoder)
	}
	for i := range dst {
		if dst[i].Rows != src[i].Rows || dst[i].Cols != src[i].Cols {
			return fmt.Errorf("shape mismatch for %s: %dx%d vs %dx%d",
				dst[i].Name, dst[i].Rows, dst[i].Cols, src[i].Rows, src[i].Cols)
		}
		copy(dst[i].Data, src[i].Data)
	}
	return nil
}

// ZeroGrad clears accumulated gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		floats.Scale(0, p.Grad)
	}
}

// Output holds the logits of a batch and the activations Backward needs.
type Output struct {
	Logits [][]float64

	pooled [][]float64
	hidden [][]float64
	counts []float64
	batch  []tokenizer.Encoding
}

// Forward runs the network over a batch.
func (m *Model) Forward(ctx context.Context, batch []tokenizer.Encoding) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pooled, counts, err := m.encode(ctx, batch)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Logits: make([][]float64, len(batch)),
		pooled: pooled,
		hidden: make([][]float64, len(batch)),
		counts: counts,
		batch:  batch,
	}
	for b, p := range pooled {
		h := dense(m.preW, m.preB, p)
		for j := range h {
			if h[j] < 0 {
				h[j] = 0
			}
		}
		out.hidden[b] = h
		out.Logits[b] = dense(m.clsW, m.clsB, h)
	}
	return out, nil
}

func (m *Model) encode(ctx context.Context, batch []tokenizer.Encoding) ([][]float64, []float64, error) {
	if m.cfg.Encoder == EncoderHub {
		texts := make([]string, len(batch))
		for i, enc := range batch {
			texts[i] = enc.Text
		}
		vecs, err := m.features.Embed(ctx, texts)
		if err != nil {
			return nil, nil, fmt.Errorf("embed batch: %w", err)
		}
		for i, v := range vecs {
			if len(v) != m.cfg.FeatureDim {
				return nil, nil, fmt.Errorf("feature %d has width %d, want %d", i, len(v), m.cfg.FeatureDim)
			}
		}
		return vecs, nil, nil
	}

	pooled := make([][]float64, len(batch))
	counts := make([]float64, len(batch))
	for b, enc := range batch {
		p := make([]float64, m.cfg.HiddenSize)
		var n float64
		for t, id := range enc.IDs {
			if enc.AttentionMask[t] == 0 {
				continue
			}
			if id < 0 || id >= m.cfg.VocabSize {
				return nil, nil, fmt.Errorf("token id %d outside vocabulary of %d", id, m.cfg.VocabSize)
			}
			floats.Add(p, m.embed.row(id))
			n++
		}
		if n > 0 {
			floats.Scale(1/n, p)
		}
		pooled[b], counts[b] = p, n
	}
	return pooled, counts, nil
}

func dense(w, bias *Param, x []float64) []float64 {
	out := make([]float64, w.Rows)
	for j := range out {
		out[j] = floats.Dot(w.row(j), x) + bias.Data[j]
	}
	return out
}

// Backward accumulates the gradients of the mean cross-entropy of out
// against labelIDs and returns that loss.
func (m *Model) Backward(out *Output, labelIDs []int) (float64, error) {
	if len(labelIDs) != len(out.Logits) {
		return 0, fmt.Errorf("got %d labels for %d logits", len(labelIDs), len(out.Logits))
	}
	scale := 1 / float64(len(labelIDs))
	var loss float64

	for b, logits := range out.Logits {
		y := labelIDs[b]
		if y < 0 || y >= m.cfg.NumLabels {
			return 0, fmt.Errorf("label id %d out of range", y)
		}

		lse := floats.LogSumExp(logits)
		loss += lse - logits[y]

		dz := make([]float64, len(logits))
		for k, z := range logits {
			dz[k] = math.Exp(z-lse) * scale
		}
		dz[y] -= scale

		h := out.hidden[b]
		dh := make([]float64, len(h))
		for k, g := range dz {
			floats.AddScaled(m.clsW.gradRow(k), g, h)
			m.clsB.Grad[k] += g
			floats.AddScaled(dh, g, m.clsW.row(k))
		}
		for j := range dh {
			if h[j] <= 0 {
				dh[j] = 0
			}
		}

		p := out.pooled[b]
		dp := make([]float64, len(p))
		for j, g := range dh {
			if g == 0 {
				continue
			}
			floats.AddScaled(m.preW.gradRow(j), g, p)
			m.preB.Grad[j] += g
			floats.AddScaled(dp, g, m.preW.row(j))
		}

		if m.embed == nil || out.counts[b] == 0 {
			continue
		}
		inv := 1 / out.counts[b]
		enc := out.batch[b]
		for t, id := range enc.IDs {
			if enc.AttentionMask[t] == 1 {
				floats.AddScaled(m.embed.gradRow(id), inv, dp)
			}
		}
	}
	return loss * scale, nil
}

// Loss returns the mean cross-entropy of logits against labelIDs.
func Loss(logits [][]float64, labelIDs []int) float64 {
	if len(logits) == 0 {
		return 0
	}
	var sum float64
	for b, z := range logits {
		sum += floats.LogSumExp(z) - z[labelIDs[b]]
	}
	return sum / float64(len(logits))
}

// Softmax converts one row of logits into probabilities.
func Softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	probs := make([]float64, len(logits))
	for i, z := range logits {
		probs[i] = math.Exp(z - lse)
	}
	return probs
}

// Probabilities runs Forward and applies Softmax per row.
func (m *Model) Probabilities(ctx context.Context, batch []tokenizer.Encoding) ([][]float64, error) {
	out, err := m.Forward(ctx, batch)
	if err != nil {
		return nil, err
	}
	probs := make([][]float64, len(out.Logits))
	for i, z := range out.Logits {
		probs[i] = Softmax(z)
	}
	return probs, nil
}
