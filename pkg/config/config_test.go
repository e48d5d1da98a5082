package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oarkflow/intent-classifier/pkg/chat"
	"github.com/oarkflow/intent-classifier/pkg/training"
)

const sampleYAML = `
environment:
  name: staging
http_server:
  port: 9090
  allowed_origins: ["http://localhost:5173"]
dataset:
  path: data/intents.csv
  test_size: 0.25
model:
  checkpoint: builtin
  encoder: embedding
  hidden_size: 32
training:
  learning_rate: 0.001
  head_learning_rate: 0.05
  num_train_epochs: 10
  per_device_train_batch_size: 16
  metric_for_best_model: accuracy
  memory_limit: 256MB
inference:
  confidence_floor: 0.6
chat:
  rules:
    - match: fee
      reply: Fees are due on the 10th.
  fallback: Sorry?
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.File)
	assert.Equal(t, 8000, cfg.HTTPServer.Port)
	assert.Equal(t, []string{"*"}, cfg.HTTPServer.AllowedOrigins)
	assert.Equal(t, "sentence-transformers/all-MiniLM-L6-v2", cfg.Model.Checkpoint)
	assert.Equal(t, "hub", cfg.Model.Encoder)
	assert.Equal(t, 0.01, cfg.Training.HeadLearningRate)
	assert.Equal(t, 128, cfg.Model.MaxLength)
	assert.Equal(t, 0.2, cfg.Dataset.TestSize)
	assert.Equal(t, training.DefaultHyperparameters(), cfg.Training)
	assert.Equal(t, "./distilbert-intent-classifier", cfg.Output.Dir)
	assert.Equal(t, training.DefaultQueries, cfg.Pipeline.Queries)

	r, err := cfg.Responder()
	require.NoError(t, err)
	assert.Equal(t, chat.DefaultRules(), r.Rules())
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "staging", cfg.Environment.Name)
	assert.Equal(t, 9090, cfg.HTTPServer.Port)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.HTTPServer.AllowedOrigins)
	assert.Equal(t, 0.001, cfg.Training.LearningRate)
	assert.Equal(t, 0.05, cfg.Training.HeadLearningRate)
	assert.Equal(t, 10, cfg.Training.Epochs)
	assert.Equal(t, 16, cfg.Training.TrainBatchSize)
	assert.Equal(t, 8, cfg.Training.EvalBatchSize)
	assert.Equal(t, "256MB", cfg.Training.MemoryLimit)
	assert.True(t, cfg.Training.GreaterIsBetter())

	r, err := cfg.Responder()
	require.NoError(t, err)
	assert.Equal(t, "Fees are due on the 10th.", r.Reply("FEE?"))
	assert.Equal(t, "Sorry?", r.Reply("hello"))

	pc := cfg.TrainingPipeline()
	assert.Equal(t, "data/intents.csv", pc.DataPath)
	assert.Equal(t, "builtin", pc.Model.Checkpoint)
	assert.Equal(t, "embedding", pc.Model.Encoder)
	assert.Equal(t, 32, pc.Model.HiddenSize)
	assert.Equal(t, 0.25, pc.Split.TestSize)
	assert.Equal(t, 0.6, pc.ConfidenceFloor)
	assert.Equal(t, cfg.Training, pc.Hyperparams)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_SERVER_PORT", "7000")
	t.Setenv("TRAINING_NUM_TRAIN_EPOCHS", "5")
	t.Setenv("HF_TOKEN", "hf_secret")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.HTTPServer.Port)
	assert.Equal(t, 5, cfg.Training.Epochs)
	assert.Equal(t, "hf_secret", cfg.Model.HubToken)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cfg.Model.Encoder = "transformer"
	cfg.Inference.ConfidenceFloor = 2
	cfg.Training.Epochs = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "model.encoder")
	assert.Contains(t, err.Error(), "confidence_floor")
	assert.Contains(t, err.Error(), "num_train_epochs")
}

func TestLoaderReload(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	cl := NewConfigLoader(path)
	_, err := cl.Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cl.GetConfig().HTTPServer.Port)

	require.NoError(t, os.WriteFile(path, []byte("http_server:\n  port: 9191\n"), 0o644))
	require.NoError(t, cl.Reload())
	assert.Equal(t, 9191, cl.GetConfig().HTTPServer.Port)
}
