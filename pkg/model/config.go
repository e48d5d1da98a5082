package model

import (
	"fmt"
	"strings"
)

// Encoder kinds.
const (
	// EncoderEmbedding is a trainable token embedding table with masked mean pooling.
	EncoderEmbedding = "embedding"
	// EncoderHub uses a frozen pretrained encoder as a feature source.
	EncoderHub = "hub"
)

// DefaultInitializerRange is the standard deviation of initial weights.
const DefaultInitializerRange = 0.02

// DefaultCheckpoint is the pretrained sentence encoder whose vocabulary
// tokenizes the dataset and whose ONNX export produces the features.
const DefaultCheckpoint = "sentence-transformers/all-MiniLM-L6-v2"

// Config describes the shape of a Model.
type Config struct {
	Checkpoint       string  `json:"checkpoint"`
	Encoder          string  `json:"encoder"`
	VocabSize        int     `json:"vocab_size"`
	HiddenSize       int     `json:"hidden_size"`
	FeatureDim       int     `json:"feature_dim,omitempty"`
	MaxLength        int     `json:"max_length"`
	NumLabels        int     `json:"num_labels"`
	PadID            int     `json:"pad_token_id"`
	InitializerRange float64 `json:"initializer_range"`
	Seed             int64   `json:"seed"`
}

// DefaultConfig returns a classification head over the frozen default
// checkpoint.
func DefaultConfig() Config {
	return Config{
		Checkpoint:       DefaultCheckpoint,
		Encoder:          EncoderHub,
		HiddenSize:       64,
		MaxLength:        128,
		InitializerRange: DefaultInitializerRange,
		Seed:             42,
	}
}

// Validate checks the config before weights are allocated.
func (c Config) Validate() error {
	var problems []string
	switch c.Encoder {
	case EncoderEmbedding:
		if c.VocabSize <= 0 {
			problems = append(problems, "vocab_size must be positive")
		} else if c.PadID < 0 || c.PadID >= c.VocabSize {
			problems = append(problems, fmt.Sprintf("pad_token_id %d outside vocabulary", c.PadID))
		}
	case EncoderHub:
		if c.FeatureDim <= 0 {
			problems = append(problems, "feature_dim must be positive for the hub encoder")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown encoder %q", c.Encoder))
	}
	if c.HiddenSize <= 0 {
		problems = append(problems, "hidden_size must be positive")
	}
	if c.NumLabels < 2 {
		problems = append(problems, "num_labels must be at least 2")
	}
	if c.MaxLength < 2 {
		problems = append(problems, "max_length must be at least 2")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid model config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// pooledDim is the width of the vector fed to the pre-classifier.
func (c Config) pooledDim() int {
	if c.Encoder == EncoderHub {
		return c.FeatureDim
	}
	return c.HiddenSize
}
