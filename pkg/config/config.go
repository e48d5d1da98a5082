// Package config loads the service and pipeline settings with viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oarkflow/intent-classifier/pkg/chat"
	"github.com/oarkflow/intent-classifier/pkg/dataset"
	"github.com/oarkflow/intent-classifier/pkg/log"
	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/training"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig
	HTTPServer  HTTPServerConfig
	Logger      LoggerConfig

	Dataset   DatasetConfig
	Model     ModelConfig
	Training  training.Hyperparameters
	Inference InferenceConfig
	Pipeline  PipelineConfig
	Output    OutputConfig
	Chat      ChatConfig

	// File is the config file that was read, empty when none was found.
	File string
}

type EnvironmentConfig struct {
	Name string
}

type HTTPServerConfig struct {
	Port            int
	Mode            string
	RateLimitPerMin int
	AllowedOrigins  []string
}

type LoggerConfig struct {
	Level        string
	Mode         string
	Encoding     string
	ColorEnabled bool
}

type DatasetConfig struct {
	Path            string
	UtteranceColumn string
	IntentColumn    string
	TestSize        float64
	Seed            int64
}

type ModelConfig struct {
	Checkpoint        string
	Encoder           string
	EncoderRepository string
	HiddenSize        int
	MaxLength         int
	Lowercase         bool
	CacheDir          string
	HubToken          string
	InitFrom          string
	InitializerRange  float64
	Seed              int64
}

type InferenceConfig struct {
	ConfidenceFloor float64
	CacheSize       int
	BatchSize       int
	// Run selects the run served by /classify and used by predict: a run
	// id or "latest".
	Run string
}

type PipelineConfig struct {
	Queries         []string
	EncodeBatchSize int
}

type OutputConfig struct {
	Dir string
}

type ChatConfig struct {
	Rules    []chat.Rule
	Fallback string
}

// ZapConfig returns the logger settings.
func (c *Config) ZapConfig() log.ZapConfig {
	return log.ZapConfig{
		Level:        c.Logger.Level,
		Mode:         c.Logger.Mode,
		Encoding:     c.Logger.Encoding,
		ColorEnabled: c.Logger.ColorEnabled,
	}
}

// TrainingPipeline builds the training pipeline settings.
func (c *Config) TrainingPipeline() training.PipelineConfig {
	mc := model.DefaultConfig()
	mc.Checkpoint = c.Model.Checkpoint
	mc.Encoder = c.Model.Encoder
	mc.HiddenSize = c.Model.HiddenSize
	mc.MaxLength = c.Model.MaxLength
	mc.Seed = c.Model.Seed
	if c.Model.InitializerRange > 0 {
		mc.InitializerRange = c.Model.InitializerRange
	}

	pc := training.DefaultPipelineConfig()
	pc.DataPath = c.Dataset.Path
	pc.Columns = dataset.LoadOptions{
		UtteranceColumn: c.Dataset.UtteranceColumn,
		IntentColumn:    c.Dataset.IntentColumn,
	}
	pc.Split = dataset.SplitConfig{TestSize: c.Dataset.TestSize, Seed: c.Dataset.Seed}
	pc.Model = mc
	pc.Lowercase = c.Model.Lowercase
	pc.CacheDir = c.Model.CacheDir
	pc.HubToken = c.Model.HubToken
	pc.EncoderRepository = c.Model.EncoderRepository
	pc.InitFrom = c.Model.InitFrom
	pc.Hyperparams = c.Training
	pc.ConfidenceFloor = c.Inference.ConfidenceFloor
	pc.CacheSize = c.Inference.CacheSize
	if len(c.Pipeline.Queries) > 0 {
		pc.Queries = c.Pipeline.Queries
	}
	if c.Pipeline.EncodeBatchSize > 0 {
		pc.EncodeBatchSize = c.Pipeline.EncodeBatchSize
	}
	return pc
}

// Responder builds the chat responder from the configured rules.
func (c *Config) Responder() (*chat.Responder, error) {
	rules := c.Chat.Rules
	if len(rules) == 0 {
		rules = chat.DefaultRules()
	}
	return chat.NewResponder(rules, c.Chat.Fallback)
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var problems []string
	if c.HTTPServer.Port <= 0 || c.HTTPServer.Port > 65535 {
		problems = append(problems, fmt.Sprintf("http_server.port %d out of range", c.HTTPServer.Port))
	}
	if c.Dataset.TestSize <= 0 || c.Dataset.TestSize >= 1 {
		problems = append(problems, "dataset.test_size must be in (0, 1)")
	}
	if c.Model.Encoder != model.EncoderEmbedding && c.Model.Encoder != model.EncoderHub {
		problems = append(problems, fmt.Sprintf("model.encoder must be %q or %q", model.EncoderEmbedding, model.EncoderHub))
	}
	if c.Model.Checkpoint == "" {
		problems = append(problems, "model.checkpoint is required")
	}
	if c.Inference.ConfidenceFloor < 0 || c.Inference.ConfidenceFloor > 1 {
		problems = append(problems, "inference.confidence_floor must be in [0, 1]")
	}
	if c.Output.Dir == "" {
		problems = append(problems, "output.dir is required")
	}
	if err := c.Training.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
