package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/oarkflow/intent-classifier/pkg/chat"
	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/training"
)

// ConfigLoader reads config.yaml, environment variables and bound flags.
type ConfigLoader struct {
	v      *viper.Viper
	path   string
	config *Config
	mu     sync.RWMutex
}

// NewConfigLoader creates a loader. An empty path searches ./config, . and
// /etc/intent/ for config.yaml.
func NewConfigLoader(path string) *ConfigLoader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/intent/")
	}
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	return &ConfigLoader{v: v, path: path}
}

// Viper exposes the underlying instance so commands can bind flags.
func (cl *ConfigLoader) Viper() *viper.Viper { return cl.v }

// Load reads the configuration. A missing config file is not an error.
func (cl *ConfigLoader) Load() (*Config, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	v := cl.v
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cl.path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{File: v.ConfigFileUsed()}

	cfg.Environment.Name = v.GetString("environment.name")
	cfg.HTTPServer.Port = v.GetInt("http_server.port")
	cfg.HTTPServer.Mode = v.GetString("http_server.mode")
	cfg.HTTPServer.RateLimitPerMin = v.GetInt("http_server.rate_limit_per_min")
	cfg.HTTPServer.AllowedOrigins = splitList(v.GetStringSlice("http_server.allowed_origins"))

	cfg.Logger.Level = v.GetString("logger.level")
	cfg.Logger.Mode = v.GetString("logger.mode")
	cfg.Logger.Encoding = v.GetString("logger.encoding")
	cfg.Logger.ColorEnabled = v.GetBool("logger.color_enabled")

	cfg.Dataset.Path = v.GetString("dataset.path")
	cfg.Dataset.UtteranceColumn = v.GetString("dataset.utterance_column")
	cfg.Dataset.IntentColumn = v.GetString("dataset.intent_column")
	cfg.Dataset.TestSize = v.GetFloat64("dataset.test_size")
	cfg.Dataset.Seed = v.GetInt64("dataset.seed")

	cfg.Model.Checkpoint = v.GetString("model.checkpoint")
	cfg.Model.Encoder = v.GetString("model.encoder")
	cfg.Model.EncoderRepository = v.GetString("model.encoder_repository")
	cfg.Model.HiddenSize = v.GetInt("model.hidden_size")
	cfg.Model.MaxLength = v.GetInt("model.max_length")
	cfg.Model.Lowercase = v.GetBool("model.lowercase")
	cfg.Model.CacheDir = v.GetString("model.cache_dir")
	cfg.Model.HubToken = v.GetString("model.hub_token")
	if token := v.GetString("hf_token"); cfg.Model.HubToken == "" && token != "" {
		cfg.Model.HubToken = token
	}
	cfg.Model.InitFrom = v.GetString("model.init_from")
	cfg.Model.InitializerRange = v.GetFloat64("model.initializer_range")
	cfg.Model.Seed = v.GetInt64("model.seed")

	// Unmarshal goes through AllSettings, so defaults and env overrides of
	// single keys are merged into the decoded sections.
	var sections struct {
		Training training.Hyperparameters `mapstructure:"training"`
		Chat     struct {
			Rules []chat.Rule `mapstructure:"rules"`
		} `mapstructure:"chat"`
	}
	if err := v.Unmarshal(&sections); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Training = sections.Training

	cfg.Inference.ConfidenceFloor = v.GetFloat64("inference.confidence_floor")
	cfg.Inference.CacheSize = v.GetInt("inference.cache_size")
	cfg.Inference.BatchSize = v.GetInt("inference.batch_size")
	cfg.Inference.Run = v.GetString("inference.run")

	cfg.Pipeline.Queries = v.GetStringSlice("pipeline.queries")
	cfg.Pipeline.EncodeBatchSize = v.GetInt("pipeline.encode_batch_size")

	cfg.Output.Dir = v.GetString("output.dir")

	cfg.Chat.Rules = sections.Chat.Rules
	cfg.Chat.Fallback = v.GetString("chat.fallback")

	cl.config = cfg
	return cfg, nil
}

// GetConfig returns the last loaded configuration.
func (cl *ConfigLoader) GetConfig() *Config {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.config
}

// Reload reloads the configuration from disk.
func (cl *ConfigLoader) Reload() error {
	_, err := cl.Load()
	return err
}

// Load reads the configuration from path, or from the default search path
// when path is empty.
func Load(path string) (*Config, error) {
	return NewConfigLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment.name", "development")
	v.SetDefault("http_server.port", 8000)
	v.SetDefault("http_server.mode", "debug")
	v.SetDefault("http_server.rate_limit_per_min", 0)
	v.SetDefault("http_server.allowed_origins", []string{"*"})
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.mode", "development")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.color_enabled", true)

	v.SetDefault("dataset.path", "intents.csv")
	v.SetDefault("dataset.utterance_column", "utterance")
	v.SetDefault("dataset.intent_column", "intent")
	v.SetDefault("dataset.test_size", 0.2)
	v.SetDefault("dataset.seed", 42)

	v.SetDefault("model.checkpoint", model.DefaultCheckpoint)
	v.SetDefault("model.encoder", model.EncoderHub)
	v.SetDefault("model.encoder_repository", "")
	v.SetDefault("model.hidden_size", 64)
	v.SetDefault("model.max_length", 128)
	v.SetDefault("model.lowercase", true)
	v.SetDefault("model.cache_dir", "")
	v.SetDefault("model.hub_token", "")
	v.SetDefault("model.init_from", "")
	v.SetDefault("model.initializer_range", 0.02)
	v.SetDefault("model.seed", 42)

	hp := training.DefaultHyperparameters()
	v.SetDefault("training.learning_rate", hp.LearningRate)
	v.SetDefault("training.head_learning_rate", hp.HeadLearningRate)
	v.SetDefault("training.weight_decay", hp.WeightDecay)
	v.SetDefault("training.warmup_steps", hp.WarmupSteps)
	v.SetDefault("training.max_grad_norm", hp.MaxGradNorm)
	v.SetDefault("training.adam_beta1", hp.AdamBeta1)
	v.SetDefault("training.adam_beta2", hp.AdamBeta2)
	v.SetDefault("training.adam_epsilon", hp.AdamEpsilon)
	v.SetDefault("training.per_device_train_batch_size", hp.TrainBatchSize)
	v.SetDefault("training.per_device_eval_batch_size", hp.EvalBatchSize)
	v.SetDefault("training.num_train_epochs", hp.Epochs)
	v.SetDefault("training.evaluation_strategy", hp.EvalStrategy)
	v.SetDefault("training.save_strategy", hp.SaveStrategy)
	v.SetDefault("training.logging_steps", hp.LoggingSteps)
	v.SetDefault("training.seed", hp.Seed)
	v.SetDefault("training.load_best_model_at_end", hp.LoadBestModelAtEnd)
	v.SetDefault("training.metric_for_best_model", hp.MetricForBestModel)
	v.SetDefault("training.save_total_limit", hp.SaveTotalLimit)
	v.SetDefault("training.memory_limit", hp.MemoryLimit)

	v.SetDefault("inference.confidence_floor", 0.0)
	v.SetDefault("inference.cache_size", 1024)
	v.SetDefault("inference.batch_size", 32)
	v.SetDefault("inference.run", "latest")

	v.SetDefault("pipeline.queries", training.DefaultQueries)
	v.SetDefault("pipeline.encode_batch_size", 64)

	v.SetDefault("output.dir", "./distilbert-intent-classifier")

	v.SetDefault("chat.fallback", "Fallback Error")
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(raw []string) []string {
	var out []string
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
