package training

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/storage"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

func toyExamples(copies int) []dataset.Example {
	base := []dataset.Example{
		{Utterance: "hi", Intent: "greeting"},
		{Utterance: "hello there", Intent: "greeting"},
		{Utterance: "bye", Intent: "farewell"},
		{Utterance: "see you", Intent: "farewell"},
	}
	var out []dataset.Example
	for i := 0; i < copies; i++ {
		out = append(out, base...)
	}
	return out
}

func fastHyperparameters() Hyperparameters {
	hp := DefaultHyperparameters()
	hp.LearningRate = 0.05
	hp.HeadLearningRate = 0.05
	hp.WeightDecay = 0
	hp.Epochs = 40
	hp.TrainBatchSize = 4
	hp.EvalBatchSize = 4
	hp.LoggingSteps = 0
	return hp
}

type fixture struct {
	model *model.Model
	tok   *tokenizer.Tokenizer
	train []tokenizer.Labeled
	test  []tokenizer.Labeled
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	ds, err := dataset.Load(toyExamples(3), dataset.DefaultSplitConfig())
	require.NoError(t, err)

	cfg := tokenizer.Config{MaxLength: 8, Lowercase: true, StripAccents: true}
	var corpus []string
	for _, ex := range ds.Examples {
		corpus = append(corpus, ex.Utterance)
	}
	tok, err := tokenizer.New(tokenizer.BuildVocab(corpus, cfg), cfg)
	require.NoError(t, err)

	train, err := tok.EncodeExamples(ctx, ds.Split.Train, ds.Labels, 4)
	require.NoError(t, err)
	test, err := tok.EncodeExamples(ctx, ds.Split.Test, ds.Labels, 4)
	require.NoError(t, err)

	m, err := model.New(model.Config{
		Checkpoint: "builtin",
		Encoder:    model.EncoderEmbedding,
		VocabSize:  tok.Vocab().Size(),
		HiddenSize: 16,
		MaxLength:  cfg.MaxLength,
		PadID:      tok.PadID(),
		Seed:       7,
	}, ds.Labels, nil)
	require.NoError(t, err)

	return &fixture{model: m, tok: tok, train: train, test: test}
}

func snapshot(m *model.Model) [][]float64 {
	var out [][]float64
	for _, p := range m.Params() {
		out = append(out, append([]float64(nil), p.Data...))
	}
	return out
}

func TestDefaultHyperparameters(t *testing.T) {
	hp := DefaultHyperparameters()
	require.NoError(t, hp.Validate())
	assert.Equal(t, 2e-5, hp.LearningRate)
	assert.Equal(t, 5e-2, hp.HeadLearningRate)
	assert.Equal(t, 8, hp.TrainBatchSize)
	assert.Equal(t, 3, hp.Epochs)
	assert.Equal(t, 0.01, hp.WeightDecay)
	assert.True(t, hp.LoadBestModelAtEnd)
	assert.False(t, hp.GreaterIsBetter())

	hp.MetricForBestModel = MetricAccuracy
	assert.True(t, hp.GreaterIsBetter())
}

func TestHyperparametersValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Hyperparameters)
	}{
		{"zero learning rate", func(hp *Hyperparameters) { hp.LearningRate = 0 }},
		{"zero head learning rate", func(hp *Hyperparameters) { hp.HeadLearningRate = 0 }},
		{"zero batch", func(hp *Hyperparameters) { hp.TrainBatchSize = 0 }},
		{"zero epochs", func(hp *Hyperparameters) { hp.Epochs = 0 }},
		{"negative decay", func(hp *Hyperparameters) { hp.WeightDecay = -1 }},
		{"unknown strategy", func(hp *Hyperparameters) { hp.EvalStrategy = "steps" }},
		{"mismatched strategies", func(hp *Hyperparameters) { hp.SaveStrategy = StrategyNo }},
		{"unknown metric", func(hp *Hyperparameters) { hp.MetricForBestModel = "bleu" }},
		{"bad memory limit", func(hp *Hyperparameters) { hp.MemoryLimit = "lots" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hp := DefaultHyperparameters()
			tt.modify(&hp)
			err := hp.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidHyperparameters))
		})
	}

	hp := DefaultHyperparameters()
	hp.LoadBestModelAtEnd = false
	hp.EvalStrategy = StrategyNo
	assert.NoError(t, hp.Validate())

	hp.MemoryLimit = "2 MB"
	n, err := hp.MemoryLimitBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(2_000_000), n)
}

func TestScheduler(t *testing.T) {
	s := NewScheduler(1, 2, 6)
	assert.InDelta(t, 0, s.LR(0), 1e-12)
	assert.InDelta(t, 0.5, s.LR(1), 1e-12)
	assert.InDelta(t, 1, s.LR(2), 1e-12)
	assert.InDelta(t, 0.25, s.LR(5), 1e-12)
	assert.InDelta(t, 0, s.LR(6), 1e-12)

	flat := NewScheduler(0.1, 0, 4)
	assert.InDelta(t, 0.1, flat.LR(0), 1e-12)
	assert.InDelta(t, 0.025, flat.LR(3), 1e-12)
}

func TestAdamWStep(t *testing.T) {
	hp := DefaultHyperparameters()
	hp.WeightDecay = 0.1

	weight := &model.Param{Name: "w", Rows: 1, Cols: 1, Data: []float64{1}, Grad: []float64{0.5}, Decay: true}
	bias := &model.Param{Name: "b", Rows: 1, Cols: 1, Data: []float64{1}, Grad: []float64{0.5}}

	NewAdamW(hp).Step([]*model.Param{weight, bias}, 0.1)

	// The first Adam step moves each parameter by lr in the direction
	// opposite to its gradient; only the weight is decayed.
	assert.InDelta(t, 0.99-0.1, weight.Data[0], 1e-6)
	assert.InDelta(t, 0.9, bias.Data[0], 1e-6)
}

func TestParamGroupLearningRates(t *testing.T) {
	hp := DefaultHyperparameters()
	hp.WeightDecay = 0

	encoder := &model.Param{Name: "e", Rows: 1, Cols: 1, Data: []float64{1}, Grad: []float64{0.5}, Pretrained: true}
	head := &model.Param{Name: "h", Rows: 1, Cols: 1, Data: []float64{1}, Grad: []float64{0.5}}

	groups := paramGroups([]*model.Param{encoder, head}, hp, 0.5)
	require.Len(t, groups, 2)
	assert.Equal(t, []*model.Param{encoder}, groups[0].Params)
	assert.InDelta(t, hp.LearningRate*0.5, groups[0].LR, 1e-15)
	assert.Equal(t, []*model.Param{head}, groups[1].Params)
	assert.InDelta(t, hp.HeadLearningRate*0.5, groups[1].LR, 1e-15)

	NewAdamW(hp).StepGroups(groups...)
	assert.InDelta(t, 1-hp.LearningRate*0.5, encoder.Data[0], 1e-9)
	assert.InDelta(t, 1-hp.HeadLearningRate*0.5, head.Data[0], 1e-9)
}

func TestClipGradNorm(t *testing.T) {
	a := &model.Param{Grad: []float64{3}}
	b := &model.Param{Grad: []float64{4}}

	norm := ClipGradNorm([]*model.Param{a, b}, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 0.6, a.Grad[0], 1e-6)
	assert.InDelta(t, 0.8, b.Grad[0], 1e-6)

	norm = ClipGradNorm([]*model.Param{a, b}, 10)
	assert.InDelta(t, 1, norm, 1e-6)
	assert.InDelta(t, 0.6, a.Grad[0], 1e-6)
}

func TestComputeReport(t *testing.T) {
	labels, err := dataset.NewLabelSpace([]string{"a", "b", "c"})
	require.NoError(t, err)

	report, err := ComputeReport(labels, []int{0, 0, 1, 1, 2, 2}, []int{0, 1, 1, 1, 2, 0})
	require.NoError(t, err)

	assert.Equal(t, [][]int{{1, 1, 0}, {0, 2, 0}, {1, 0, 1}}, report.Confusion)
	assert.InDelta(t, 4.0/6, report.Accuracy, 1e-12)
	assert.Equal(t, 4, report.Correct)

	a, b, c := report.Classes[0], report.Classes[1], report.Classes[2]
	assert.InDelta(t, 0.5, a.Precision, 1e-12)
	assert.InDelta(t, 0.5, a.Recall, 1e-12)
	assert.InDelta(t, 2.0/3, b.Precision, 1e-12)
	assert.InDelta(t, 1, b.Recall, 1e-12)
	assert.InDelta(t, 0.8, b.F1, 1e-12)
	assert.InDelta(t, 1, c.Precision, 1e-12)
	assert.InDelta(t, 2.0/3, c.F1, 1e-12)
	assert.InDelta(t, (0.5+0.8+2.0/3)/3, report.MacroAvg.F1, 1e-12)
	assert.Equal(t, 2, c.Support)

	out := report.String()
	assert.Contains(t, out, "macro avg")
	assert.Contains(t, out, "weighted avg")
}

func TestComputeReportNeverPredicted(t *testing.T) {
	labels, err := dataset.NewLabelSpace([]string{"a", "b"})
	require.NoError(t, err)

	report, err := ComputeReport(labels, []int{0, 1}, []int{0, 0})
	require.NoError(t, err)
	assert.Zero(t, report.Classes[1].Precision)
	assert.Zero(t, report.Classes[1].Recall)
	assert.Zero(t, report.Classes[1].F1)

	_, err = ComputeReport(labels, []int{0}, []int{0, 1})
	assert.Error(t, err)
	_, err = ComputeReport(labels, []int{0}, []int{5})
	assert.Error(t, err)
}

func TestEvaluateIsRepeatable(t *testing.T) {
	f := newFixture(t)
	before := snapshot(f.model)

	ev := NewEvaluator(3)
	r1, err := ev.Evaluate(context.Background(), f.model, f.test)
	require.NoError(t, err)
	r2, err := ev.Evaluate(context.Background(), f.model, f.test)
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, before, snapshot(f.model))
	assert.Equal(t, len(f.test), r1.Total)

	_, err = ev.Evaluate(context.Background(), f.model, nil)
	assert.Error(t, err)
}

func TestTrainLearnsToyData(t *testing.T) {
	f := newFixture(t)
	store := storage.NewStore(afero.NewMemMapFs(), "/artifacts")
	hp := fastHyperparameters()
	hp.SaveTotalLimit = 1

	trainer := NewTrainer(TrainerConfig{RunID: "run-1", Store: store}, hp)
	run, err := trainer.Train(context.Background(), f.model, f.train, f.test)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	require.Len(t, run.History, hp.Epochs)
	assert.Less(t, run.History[len(run.History)-1].TrainingLoss, run.History[0].TrainingLoss)
	assert.Nil(t, run.Divergence)
	assert.Equal(t, hp.Epochs*((len(f.train)+3)/4), run.TotalSteps)

	// Only the best checkpoint survives pruning.
	require.Len(t, run.Checkpoints, 1)
	assert.Equal(t, run.BestCheckpoint, run.Checkpoints[0])
	assert.True(t, store.Exists(filepath.Join("run-1", storage.CheckpointsDir, filepath.Base(run.BestCheckpoint), model.WeightsFile)))

	// The restored weights are those of the best epoch.
	report, err := NewEvaluator(4).Evaluate(context.Background(), f.model, f.test)
	require.NoError(t, err)
	assert.InDelta(t, run.BestMetric, report.Loss, 1e-9)
	assert.Equal(t, 1.0, report.Accuracy)
	assert.Contains(t, run.Summary(), "best epoch")
}

func TestTrainResourceExhaustion(t *testing.T) {
	f := newFixture(t)
	before := snapshot(f.model)
	hp := fastHyperparameters()
	hp.MemoryLimit = "1KB"

	run, err := NewTrainer(TrainerConfig{RunID: "run-1"}, hp).Train(context.Background(), f.model, f.train, f.test)
	var re *ResourceExhaustionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, uint64(1000), re.Limit)
	assert.Greater(t, re.Required, re.Limit)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 0, run.TotalSteps)
	assert.Equal(t, before, snapshot(f.model))
}

func TestTrainCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := NewTrainer(TrainerConfig{}, fastHyperparameters()).Train(ctx, f.model, f.train, f.test)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, run.Status)
}

func TestTrainRejectsInvalidHyperparameters(t *testing.T) {
	f := newFixture(t)
	hp := fastHyperparameters()
	hp.Epochs = 0

	_, err := NewTrainer(TrainerConfig{}, hp).Train(context.Background(), f.model, f.train, f.test)
	assert.ErrorIs(t, err, ErrInvalidHyperparameters)
}

type recordingCallback struct {
	begins, ends, epochs, steps int
}

func (c *recordingCallback) OnTrainBegin(context.Context, *TrainingRun)       { c.begins++ }
func (c *recordingCallback) OnTrainEnd(context.Context, *TrainingRun)         { c.ends++ }
func (c *recordingCallback) OnEpochBegin(context.Context, int)                {}
func (c *recordingCallback) OnEpochEnd(context.Context, EpochHistory)         { c.epochs++ }
func (c *recordingCallback) OnStepEnd(context.Context, int, float64, float64) { c.steps++ }

func TestTrainCallbacks(t *testing.T) {
	f := newFixture(t)
	hp := fastHyperparameters()
	hp.Epochs = 2
	hp.LoadBestModelAtEnd = false
	hp.EvalStrategy = StrategyNo
	hp.SaveStrategy = StrategyNo

	cb := &recordingCallback{}
	trainer := NewTrainer(TrainerConfig{}, hp)
	trainer.AddCallback(cb)
	run, err := trainer.Train(context.Background(), f.model, f.train, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, cb.begins)
	assert.Equal(t, 1, cb.ends)
	assert.Equal(t, 2, cb.epochs)
	assert.Equal(t, run.TotalSteps, cb.steps)
	assert.Zero(t, run.BestEpoch)
	assert.Empty(t, run.Checkpoints)
}

func TestCheckDivergence(t *testing.T) {
	assert.Nil(t, checkDivergence([]EpochHistory{{TrainingLoss: 1}}))
	assert.Nil(t, checkDivergence([]EpochHistory{{TrainingLoss: 1}, {TrainingLoss: 0.5}}))

	w := checkDivergence([]EpochHistory{{TrainingLoss: 0.5}, {TrainingLoss: 0.4}, {TrainingLoss: 0.7}})
	require.NotNil(t, w)
	assert.Equal(t, 3, w.Epochs)
	assert.InDelta(t, 0.7, w.LastLoss, 1e-12)
	assert.Contains(t, w.Error(), "did not decrease")
}
