package model

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

func testLabels(t *testing.T, names ...string) dataset.LabelSpace {
	t.Helper()
	ls, err := dataset.NewLabelSpace(names)
	require.NoError(t, err)
	return ls
}

func testConfig() Config {
	return Config{
		Encoder:          EncoderEmbedding,
		VocabSize:        10,
		HiddenSize:       4,
		MaxLength:        5,
		InitializerRange: 0.5,
		Seed:             3,
	}
}

func testBatch() []tokenizer.Encoding {
	return []tokenizer.Encoding{
		{Text: "a b", IDs: []int{2, 5, 6, 3, 0}, AttentionMask: []int{1, 1, 1, 1, 0}},
		{Text: "c", IDs: []int{2, 7, 3, 0, 0}, AttentionMask: []int{1, 1, 1, 0, 0}},
		{Text: "a c c", IDs: []int{2, 5, 7, 7, 3}, AttentionMask: []int{1, 1, 1, 1, 1}},
	}
}

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(testConfig(), testLabels(t, "greet", "bye", "fees"), nil)
	require.NoError(t, err)
	return m
}

func TestNewTakesNumLabelsFromLabelSpace(t *testing.T) {
	m := newTestModel(t)
	assert.Equal(t, 3, m.Config().NumLabels)
	assert.Equal(t, 3, m.clsW.Rows)
	assert.Equal(t, []string{"greet", "bye", "fees"}, m.Labels().Labels())

	// pad row is zero
	for _, v := range m.embed.row(0) {
		assert.Zero(t, v)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(testConfig(), testLabels(t, "only"), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Encoder = EncoderHub
	_, err = New(cfg, testLabels(t, "a", "b"), nil)
	assert.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	m := newTestModel(t)
	out, err := m.Forward(context.Background(), testBatch())
	require.NoError(t, err)
	require.Len(t, out.Logits, 3)
	for _, row := range out.Logits {
		assert.Len(t, row, 3)
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	m := newTestModel(t)
	probs, err := m.Probabilities(context.Background(), testBatch())
	require.NoError(t, err)
	for _, row := range probs {
		var sum float64
		for _, p := range row {
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}

	assert.InDeltaSlice(t, []float64{0.5, 0.5}, Softmax([]float64{1000, 1000}), 1e-12)
}

// TestBackwardMatchesNumericalGradient compares the analytic gradient of
// every weight with a central difference of the loss.
func TestBackwardMatchesNumericalGradient(t *testing.T) {
	ctx := context.Background()
	m := newTestModel(t)
	batch := testBatch()
	labels := []int{0, 1, 2}

	out, err := m.Forward(ctx, batch)
	require.NoError(t, err)
	m.ZeroGrad()
	loss, err := m.Backward(out, labels)
	require.NoError(t, err)
	assert.InDelta(t, Loss(out.Logits, labels), loss, 1e-12)

	lossAt := func() float64 {
		o, err := m.Forward(ctx, batch)
		require.NoError(t, err)
		return Loss(o.Logits, labels)
	}

	const eps = 1e-6
	for _, p := range m.Params() {
		for i := range p.Data {
			orig := p.Data[i]
			p.Data[i] = orig + eps
			up := lossAt()
			p.Data[i] = orig - eps
			down := lossAt()
			p.Data[i] = orig

			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, p.Grad[i], 1e-5, "%s[%d]", p.Name, i)
		}
	}
}

func TestBackwardRejectsBadLabels(t *testing.T) {
	m := newTestModel(t)
	out, err := m.Forward(context.Background(), testBatch())
	require.NoError(t, err)

	_, err = m.Backward(out, []int{0})
	assert.Error(t, err)
	_, err = m.Backward(out, []int{0, 1, 9})
	assert.Error(t, err)
}

func TestForwardRejectsUnknownToken(t *testing.T) {
	m := newTestModel(t)
	_, err := m.Forward(context.Background(), []tokenizer.Encoding{
		{IDs: []int{2, 42, 3}, AttentionMask: []int{1, 1, 1}},
	})
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	m := newTestModel(t)
	c := m.Clone()
	c.clsW.Data[0] += 1
	assert.NotEqual(t, m.clsW.Data[0], c.clsW.Data[0])

	require.NoError(t, m.CopyWeightsFrom(c))
	assert.Equal(t, c.clsW.Data, m.clsW.Data)
}

func TestSaveLoadReproducesLogits(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	m := newTestModel(t)
	require.NoError(t, m.Save(fs, "/run/model"))

	back, err := Load(fs, "/run/model", nil)
	require.NoError(t, err)
	assert.True(t, m.Labels().Equal(back.Labels()))
	assert.Equal(t, m.Config(), back.Config())

	a, err := m.Forward(ctx, testBatch())
	require.NoError(t, err)
	b, err := back.Forward(ctx, testBatch())
	require.NoError(t, err)
	assert.Equal(t, a.Logits, b.Logits)
}

func TestWarmStartLabelMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	prev := newTestModel(t)
	require.NoError(t, prev.Save(fs, "/prev"))

	other, err := New(testConfig(), testLabels(t, "greet", "fees", "bye"), nil)
	require.NoError(t, err)

	err = other.WarmStart(fs, "/prev")
	var mismatch *LabelSpaceMismatchError
	require.True(t, errors.As(err, &mismatch), "got %v", err)
	assert.Equal(t, []string{"greet", "fees", "bye"}, mismatch.Expected)
	assert.Equal(t, []string{"greet", "bye", "fees"}, mismatch.Got)

	same, err := New(testConfig(), testLabels(t, "greet", "bye", "fees"), nil)
	require.NoError(t, err)
	require.NoError(t, same.WarmStart(fs, "/prev"))
	assert.Equal(t, prev.clsW.Data, same.clsW.Data)
}

func TestWarmStartMarksPretrained(t *testing.T) {
	fs := afero.NewMemMapFs()
	prev := newTestModel(t)
	require.NoError(t, prev.Save(fs, "/prev"))

	m := newTestModel(t)
	for _, p := range m.Params() {
		assert.False(t, p.Pretrained, p.Name)
	}
	require.NoError(t, m.WarmStart(fs, "/prev"))
	for _, p := range m.Params() {
		assert.True(t, p.Pretrained, p.Name)
	}
}

type constFeatures struct{ dim int }

func (c constFeatures) Dim() int { return c.dim }
func (c constFeatures) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v := make([]float64, c.dim)
		for j := range v {
			v[j] = math.Sin(float64(len(text) + j))
		}
		out[i] = v
	}
	return out, nil
}

func TestHubEncoder(t *testing.T) {
	cfg := testConfig()
	cfg.Encoder = EncoderHub
	feats := constFeatures{dim: 6}

	m, err := New(cfg, testLabels(t, "a", "b"), feats)
	require.NoError(t, err)
	assert.Nil(t, m.embed)
	assert.Equal(t, 6, m.Config().FeatureDim)
	assert.Equal(t, 6, m.preW.Cols)

	out, err := m.Forward(context.Background(), testBatch())
	require.NoError(t, err)
	m.ZeroGrad()
	_, err = m.Backward(out, []int{0, 1, 0})
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, m.Save(fs, "/hub"))
	_, err = Load(fs, "/hub", nil)
	assert.Error(t, err)
	back, err := Load(fs, "/hub", feats)
	require.NoError(t, err)
	assert.Equal(t, m.preW.Data, back.preW.Data)
}

func TestEstimateTrainingBytes(t *testing.T) {
	m := newTestModel(t)
	small := m.EstimateTrainingBytes(1)
	large := m.EstimateTrainingBytes(64)
	assert.Greater(t, large, small)
	assert.GreaterOrEqual(t, small, uint64(m.NumParams()*32))
}
