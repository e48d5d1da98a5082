package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Evaluation and save strategies.
const (
	StrategyEpoch = "epoch"
	StrategyNo    = "no"
)

// Metrics usable as MetricForBestModel.
const (
	MetricLoss       = "loss"
	MetricAccuracy   = "accuracy"
	MetricF1Macro    = "f1_macro"
	MetricF1Weighted = "f1_weighted"
)

// ErrInvalidHyperparameters wraps every Validate failure.
var ErrInvalidHyperparameters = errors.New("invalid hyperparameters")

// Hyperparameters defines all tunable training parameters.
type Hyperparameters struct {
	// Optimization. LearningRate applies to pretrained weights,
	// HeadLearningRate to weights that start from random initialization.
	LearningRate     float64 `json:"learning_rate" mapstructure:"learning_rate"`
	HeadLearningRate float64 `json:"head_learning_rate" mapstructure:"head_learning_rate"`
	WeightDecay      float64 `json:"weight_decay" mapstructure:"weight_decay"`
	WarmupSteps      int     `json:"warmup_steps" mapstructure:"warmup_steps"`
	MaxGradNorm      float64 `json:"max_grad_norm" mapstructure:"max_grad_norm"`
	AdamBeta1        float64 `json:"adam_beta1" mapstructure:"adam_beta1"`
	AdamBeta2        float64 `json:"adam_beta2" mapstructure:"adam_beta2"`
	AdamEpsilon      float64 `json:"adam_epsilon" mapstructure:"adam_epsilon"`

	// Batch settings
	TrainBatchSize int `json:"per_device_train_batch_size" mapstructure:"per_device_train_batch_size"`
	EvalBatchSize  int `json:"per_device_eval_batch_size" mapstructure:"per_device_eval_batch_size"`

	// Schedule
	Epochs       int    `json:"num_train_epochs" mapstructure:"num_train_epochs"`
	EvalStrategy string `json:"evaluation_strategy" mapstructure:"evaluation_strategy"`
	SaveStrategy string `json:"save_strategy" mapstructure:"save_strategy"`
	LoggingSteps int    `json:"logging_steps" mapstructure:"logging_steps"`
	Seed         int64  `json:"seed" mapstructure:"seed"`

	// Checkpoint selection
	LoadBestModelAtEnd bool   `json:"load_best_model_at_end" mapstructure:"load_best_model_at_end"`
	MetricForBestModel string `json:"metric_for_best_model" mapstructure:"metric_for_best_model"`
	SaveTotalLimit     int    `json:"save_total_limit" mapstructure:"save_total_limit"`

	// MemoryLimit caps the estimated training footprint, e.g. "512MB".
	// Empty disables the check.
	MemoryLimit string `json:"memory_limit,omitempty" mapstructure:"memory_limit"`
}

// DefaultHyperparameters returns the settings of the reference fine-tuning
// run: 3 epochs, batch 8, lr 2e-5, per-epoch evaluation and saving. The
// freshly initialized head trains at 5e-2.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		LearningRate:       2e-5,
		HeadLearningRate:   5e-2,
		WeightDecay:        0.01,
		WarmupSteps:        0,
		MaxGradNorm:        1.0,
		AdamBeta1:          0.9,
		AdamBeta2:          0.999,
		AdamEpsilon:        1e-8,
		TrainBatchSize:     8,
		EvalBatchSize:      8,
		Epochs:             3,
		EvalStrategy:       StrategyEpoch,
		SaveStrategy:       StrategyEpoch,
		LoggingSteps:       50,
		Seed:               42,
		LoadBestModelAtEnd: true,
		MetricForBestModel: MetricLoss,
	}
}

// GreaterIsBetter reports the direction of MetricForBestModel.
func (hp Hyperparameters) GreaterIsBetter() bool {
	return hp.MetricForBestModel != MetricLoss
}

// MemoryLimitBytes parses MemoryLimit. Zero means no limit.
func (hp Hyperparameters) MemoryLimitBytes() (uint64, error) {
	if strings.TrimSpace(hp.MemoryLimit) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(hp.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("%w: memory_limit %q: %v", ErrInvalidHyperparameters, hp.MemoryLimit, err)
	}
	return n, nil
}

// Validate validates hyperparameters.
func (hp Hyperparameters) Validate() error {
	var problems []string
	if hp.LearningRate <= 0 || hp.HeadLearningRate <= 0 {
		problems = append(problems, "learning rates must be positive")
	}
	if hp.TrainBatchSize <= 0 || hp.EvalBatchSize <= 0 {
		problems = append(problems, "batch sizes must be positive")
	}
	if hp.Epochs <= 0 {
		problems = append(problems, "num_train_epochs must be positive")
	}
	if hp.WeightDecay < 0 {
		problems = append(problems, "weight_decay must not be negative")
	}
	if hp.WarmupSteps < 0 {
		problems = append(problems, "warmup_steps must not be negative")
	}
	if hp.AdamBeta1 < 0 || hp.AdamBeta1 >= 1 || hp.AdamBeta2 < 0 || hp.AdamBeta2 >= 1 {
		problems = append(problems, "adam betas must be in [0, 1)")
	}
	for _, s := range []struct{ name, value string }{
		{"evaluation_strategy", hp.EvalStrategy},
		{"save_strategy", hp.SaveStrategy},
	} {
		if s.value != StrategyEpoch && s.value != StrategyNo {
			problems = append(problems, fmt.Sprintf("%s must be %q or %q", s.name, StrategyEpoch, StrategyNo))
		}
	}
	switch hp.MetricForBestModel {
	case MetricLoss, MetricAccuracy, MetricF1Macro, MetricF1Weighted:
	default:
		problems = append(problems, fmt.Sprintf("unknown metric_for_best_model %q", hp.MetricForBestModel))
	}
	if hp.LoadBestModelAtEnd && (hp.EvalStrategy == StrategyNo || hp.EvalStrategy != hp.SaveStrategy) {
		problems = append(problems, "load_best_model_at_end requires matching evaluation and save strategies")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidHyperparameters, strings.Join(problems, "; "))
	}
	_, err := hp.MemoryLimitBytes()
	return err
}

// Export exports hyperparameters to JSON.
func (hp Hyperparameters) Export() (string, error) {
	data, err := json.MarshalIndent(hp, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Scheduler yields a linear warmup followed by a linear decay to zero. With
// a base of 1 it yields the factor applied to every learning rate.
type Scheduler struct {
	base       float64
	warmup     int
	totalSteps int
}

// NewScheduler creates a scheduler over totalSteps optimizer steps.
func NewScheduler(base float64, warmup, totalSteps int) *Scheduler {
	return &Scheduler{base: base, warmup: warmup, totalSteps: totalSteps}
}

// LR returns the learning rate for the zero-based step.
func (s *Scheduler) LR(step int) float64 {
	if step < s.warmup {
		return s.base * float64(step) / float64(s.warmup)
	}
	remaining := s.totalSteps - step
	if remaining <= 0 {
		return 0
	}
	return s.base * float64(remaining) / float64(max(1, s.totalSteps-s.warmup))
}
