package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/oarkflow/intent-classifier/pkg/log"
	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CheckpointStore persists per-epoch model snapshots.
type CheckpointStore interface {
	SaveCheckpoint(runID string, epoch int, m *model.Model) (string, error)
	RemoveCheckpoint(path string) error
}

// TrainerConfig configures the trainer.
type TrainerConfig struct {
	RunID  string
	Store  CheckpointStore
	Logger log.Logger
}

// Trainer fine-tunes a model. It is the only component that mutates model
// weights.
type Trainer struct {
	config      TrainerConfig
	hyperparams Hyperparameters
	evaluator   *Evaluator
	callbacks   []TrainingCallback
	logger      log.Logger
}

// TrainingCallback is called during training.
type TrainingCallback interface {
	OnTrainBegin(ctx context.Context, run *TrainingRun)
	OnTrainEnd(ctx context.Context, run *TrainingRun)
	OnEpochBegin(ctx context.Context, epoch int)
	OnEpochEnd(ctx context.Context, history EpochHistory)
	OnStepEnd(ctx context.Context, step int, loss, lr float64)
}

// TrainingRun represents a complete training run.
type TrainingRun struct {
	RunID       string          `json:"run_id"`
	Checkpoint  string          `json:"checkpoint"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     time.Time       `json:"ended_at"`
	Hyperparams Hyperparameters `json:"hyperparams"`

	History        []EpochHistory `json:"training_history"`
	TotalSteps     int            `json:"total_steps"`
	BestEpoch      int            `json:"best_epoch"`
	BestMetric     float64        `json:"best_metric"`
	BestCheckpoint string         `json:"best_checkpoint,omitempty"`
	Checkpoints    []string       `json:"checkpoints"`

	Divergence *DivergenceWarning `json:"divergence,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`

	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// EpochHistory stores metrics for each epoch. Epochs are numbered from 1.
type EpochHistory struct {
	Epoch        int     `json:"epoch"`
	TrainingLoss float64 `json:"training_loss"`
	EvalLoss     float64 `json:"eval_loss,omitempty"`
	EvalAccuracy float64 `json:"eval_accuracy,omitempty"`
	EvalF1Macro  float64 `json:"eval_f1_macro,omitempty"`
	// LearningRate is the head learning rate of the epoch's last step.
	LearningRate float64   `json:"learning_rate"`
	Checkpoint   string    `json:"checkpoint,omitempty"`
	Duration     float64   `json:"duration_secs"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewTrainer creates a new trainer.
func NewTrainer(config TrainerConfig, hyperparams Hyperparameters) *Trainer {
	logger := config.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Trainer{
		config:      config,
		hyperparams: hyperparams,
		evaluator:   NewEvaluator(hyperparams.EvalBatchSize),
		logger:      logger,
	}
}

// AddCallback adds a training callback.
func (t *Trainer) AddCallback(cb TrainingCallback) {
	t.callbacks = append(t.callbacks, cb)
}

// CheckResources compares the model's estimated training footprint with the
// configured memory limit.
func (t *Trainer) CheckResources(m *model.Model) error {
	limit, err := t.hyperparams.MemoryLimitBytes()
	if err != nil || limit == 0 {
		return err
	}
	required := m.EstimateTrainingBytes(t.hyperparams.TrainBatchSize)
	if required > limit {
		return &ResourceExhaustionError{Required: required, Limit: limit}
	}
	return nil
}

// Train runs the training loop over train, evaluating on eval after every
// epoch when the evaluation strategy asks for it. With LoadBestModelAtEnd
// the weights of the best epoch are restored before returning.
func (t *Trainer) Train(ctx context.Context, m *model.Model, train, eval []tokenizer.Labeled) (*TrainingRun, error) {
	hp := t.hyperparams
	run := &TrainingRun{
		RunID:       t.config.RunID,
		Checkpoint:  m.Config().Checkpoint,
		StartedAt:   time.Now(),
		Hyperparams: hp,
		Checkpoints: make([]string, 0),
		Status:      StatusRunning,
	}
	fail := func(err error) (*TrainingRun, error) {
		run.Status = StatusFailed
		run.ErrorMessage = err.Error()
		run.EndedAt = time.Now()
		return run, err
	}

	if err := hp.Validate(); err != nil {
		return fail(err)
	}
	if len(train) == 0 {
		return fail(fmt.Errorf("training split is empty"))
	}
	if hp.EvalStrategy == StrategyEpoch && len(eval) == 0 {
		return fail(fmt.Errorf("evaluation strategy %q needs a non-empty evaluation split", hp.EvalStrategy))
	}
	if err := t.CheckResources(m); err != nil {
		return fail(err)
	}
	t.logger.Infof(ctx, "training %d params (~%s) on %d examples, evaluating on %d",
		m.NumParams(), humanize.Bytes(m.EstimateTrainingBytes(hp.TrainBatchSize)), len(train), len(eval))

	for _, cb := range t.callbacks {
		cb.OnTrainBegin(ctx, run)
	}
	defer func() {
		for _, cb := range t.callbacks {
			cb.OnTrainEnd(ctx, run)
		}
	}()

	rng := rand.New(rand.NewSource(hp.Seed))
	stepsPerEpoch := (len(train) + hp.TrainBatchSize - 1) / hp.TrainBatchSize
	scheduler := NewScheduler(1, hp.WarmupSteps, stepsPerEpoch*hp.Epochs)
	optimizer := NewAdamW(hp)
	params := m.Params()

	var best *model.Model
	step := 0

	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		epochStart := time.Now()
		for _, cb := range t.callbacks {
			cb.OnEpochBegin(ctx, epoch)
		}

		order := rng.Perm(len(train))
		var epochLoss, lr float64
		for s := 0; s < stepsPerEpoch; s++ {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}

			idx := order[s*hp.TrainBatchSize : min((s+1)*hp.TrainBatchSize, len(order))]
			batch := make([]tokenizer.Encoding, len(idx))
			labels := make([]int, len(idx))
			for i, j := range idx {
				batch[i] = train[j].Encoding
				labels[i] = train[j].LabelID
			}

			m.ZeroGrad()
			out, err := m.Forward(ctx, batch)
			if err != nil {
				return fail(err)
			}
			loss, err := m.Backward(out, labels)
			if err != nil {
				return fail(err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				return fail(fmt.Errorf("%w at epoch %d step %d", ErrNonFiniteLoss, epoch, step))
			}
			ClipGradNorm(params, hp.MaxGradNorm)
			factor := scheduler.LR(step)
			optimizer.StepGroups(paramGroups(params, hp, factor)...)
			lr = hp.HeadLearningRate * factor
			step++

			epochLoss += loss
			for _, cb := range t.callbacks {
				cb.OnStepEnd(ctx, step, loss, lr)
			}
		}

		history := EpochHistory{
			Epoch:        epoch,
			TrainingLoss: epochLoss / float64(stepsPerEpoch),
			LearningRate: lr,
		}

		var report *Report
		if hp.EvalStrategy == StrategyEpoch {
			var err error
			if report, err = t.evaluator.Evaluate(ctx, m, eval); err != nil {
				return fail(err)
			}
			history.EvalLoss = report.Loss
			history.EvalAccuracy = report.Accuracy
			history.EvalF1Macro = report.MacroAvg.F1
		}

		if hp.SaveStrategy == StrategyEpoch && t.config.Store != nil {
			path, err := t.config.Store.SaveCheckpoint(run.RunID, epoch, m)
			if err != nil {
				return fail(fmt.Errorf("save checkpoint for epoch %d: %w", epoch, err))
			}
			history.Checkpoint = path
			run.Checkpoints = append(run.Checkpoints, path)
		}

		if report != nil {
			metric, err := report.Metric(hp.MetricForBestModel)
			if err != nil {
				return fail(err)
			}
			if best == nil || t.improved(metric, run.BestMetric) {
				run.BestEpoch = epoch
				run.BestMetric = metric
				run.BestCheckpoint = history.Checkpoint
				best = m.Clone()
			}
		}
		t.pruneCheckpoints(ctx, run)

		history.Duration = time.Since(epochStart).Seconds()
		history.Timestamp = time.Now()
		run.History = append(run.History, history)
		for _, cb := range t.callbacks {
			cb.OnEpochEnd(ctx, history)
		}
	}
	run.TotalSteps = step

	if hp.LoadBestModelAtEnd && best != nil {
		if err := m.CopyWeightsFrom(best); err != nil {
			return fail(err)
		}
		t.logger.Infof(ctx, "restored weights of epoch %d (%s=%.4f)", run.BestEpoch, hp.MetricForBestModel, run.BestMetric)
	}

	if w := checkDivergence(run.History); w != nil {
		run.Divergence = w
		run.Warnings = append(run.Warnings, w.Error())
		t.logger.Warn(ctx, w.Error())
	}

	run.Status = StatusCompleted
	run.EndedAt = time.Now()
	return run, nil
}

func (t *Trainer) improved(current, best float64) bool {
	if t.hyperparams.GreaterIsBetter() {
		return current > best
	}
	return current < best
}

// pruneCheckpoints keeps at most SaveTotalLimit checkpoints, never removing
// the best one.
func (t *Trainer) pruneCheckpoints(ctx context.Context, run *TrainingRun) {
	limit := t.hyperparams.SaveTotalLimit
	if limit <= 0 || t.config.Store == nil {
		return
	}
	for len(run.Checkpoints) > limit {
		victim := -1
		for i, path := range run.Checkpoints {
			if path != run.BestCheckpoint {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		path := run.Checkpoints[victim]
		if err := t.config.Store.RemoveCheckpoint(path); err != nil {
			t.logger.Warnf(ctx, "remove checkpoint %s: %v", path, err)
		}
		run.Checkpoints = append(run.Checkpoints[:victim], run.Checkpoints[victim+1:]...)
	}
}

func checkDivergence(history []EpochHistory) *DivergenceWarning {
	if len(history) < 2 {
		return nil
	}
	first, last := history[0].TrainingLoss, history[len(history)-1].TrainingLoss
	if last < first {
		return nil
	}
	return &DivergenceWarning{FirstLoss: first, LastLoss: last, Epochs: len(history)}
}

// Summary renders a short text summary of the run.
func (r *TrainingRun) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s) %s in %s\n", r.RunID, r.Checkpoint, r.Status, r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(&b, "  epochs=%d steps=%d lr=%g head_lr=%g batch=%d\n",
		len(r.History), r.TotalSteps, r.Hyperparams.LearningRate, r.Hyperparams.HeadLearningRate, r.Hyperparams.TrainBatchSize)
	for _, h := range r.History {
		fmt.Fprintf(&b, "  epoch %d: train_loss=%.4f", h.Epoch, h.TrainingLoss)
		if r.Hyperparams.EvalStrategy == StrategyEpoch {
			fmt.Fprintf(&b, " eval_loss=%.4f eval_accuracy=%.4f", h.EvalLoss, h.EvalAccuracy)
		}
		b.WriteString("\n")
	}
	if r.BestEpoch > 0 {
		fmt.Fprintf(&b, "  best epoch %d (%s=%.4f)\n", r.BestEpoch, r.Hyperparams.MetricForBestModel, r.BestMetric)
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&b, "  warning: %s\n", w)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(&b, "  error: %s\n", r.ErrorMessage)
	}
	return b.String()
}

// LoggingCallback logs training progress through the structured logger.
type LoggingCallback struct {
	Logger       log.Logger
	LoggingSteps int
	Epochs       int
}

func (c *LoggingCallback) OnTrainBegin(ctx context.Context, run *TrainingRun) {
	c.Logger.Infof(ctx, "training started: epochs=%d batch=%d lr=%g",
		run.Hyperparams.Epochs, run.Hyperparams.TrainBatchSize, run.Hyperparams.LearningRate)
}

func (c *LoggingCallback) OnTrainEnd(ctx context.Context, run *TrainingRun) {
	c.Logger.Infof(ctx, "training %s after %d steps", run.Status, run.TotalSteps)
}

func (c *LoggingCallback) OnEpochBegin(ctx context.Context, epoch int) {
	c.Logger.Debugf(ctx, "epoch %d/%d", epoch, c.Epochs)
}

func (c *LoggingCallback) OnEpochEnd(ctx context.Context, h EpochHistory) {
	c.Logger.Infof(ctx, "epoch %d/%d: train_loss=%.4f eval_loss=%.4f eval_accuracy=%.4f (%.1fs)",
		h.Epoch, c.Epochs, h.TrainingLoss, h.EvalLoss, h.EvalAccuracy, h.Duration)
}

func (c *LoggingCallback) OnStepEnd(ctx context.Context, step int, loss, lr float64) {
	if c.LoggingSteps > 0 && step%c.LoggingSteps == 0 {
		c.Logger.Infof(ctx, "step %d: loss=%.4f lr=%.3g", step, loss, lr)
	}
}
