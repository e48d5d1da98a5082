package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/spf13/afero"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
)

// Files written by Save.
const (
	ConfigFile  = "config.json"
	LabelsFile  = "labels.json"
	WeightsFile = "weights.sz"
)

// Save writes config.json, labels.json and the snappy-compressed weights
// into dir.
func (m *Model) Save(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	if err := writeJSON(fs, filepath.Join(dir, ConfigFile), m.cfg); err != nil {
		return err
	}
	if err := writeJSON(fs, filepath.Join(dir, LabelsFile), m.labels); err != nil {
		return err
	}

	raw, err := json.Marshal(m.Params())
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(dir, WeightsFile), snappy.Encode(nil, raw), 0o644); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	return nil
}

// Load restores a model written by Save. features is required for models
// saved with the hub encoder.
func Load(fs afero.Fs, dir string, features FeatureSource) (*Model, error) {
	var cfg Config
	if err := readJSON(fs, filepath.Join(dir, ConfigFile), &cfg); err != nil {
		return nil, err
	}
	var labels dataset.LabelSpace
	if err := readJSON(fs, filepath.Join(dir, LabelsFile), &labels); err != nil {
		return nil, err
	}
	if labels.Len() != cfg.NumLabels {
		return nil, fmt.Errorf("config has %d labels, labels.json has %d", cfg.NumLabels, labels.Len())
	}
	if cfg.Encoder == EncoderHub {
		if features == nil {
			return nil, fmt.Errorf("model in %s needs a feature source", dir)
		}
		if features.Dim() != cfg.FeatureDim {
			return nil, fmt.Errorf("feature source width %d, model expects %d", features.Dim(), cfg.FeatureDim)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	compressed, err := afero.ReadFile(fs, filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress weights: %w", err)
	}
	var saved []*Param
	if err := json.Unmarshal(raw, &saved); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}

	m := &Model{cfg: cfg, labels: labels, features: features}
	m.allocate()
	params := m.Params()
	if len(saved) != len(params) {
		return nil, fmt.Errorf("weights file has %d tensors, want %d", len(saved), len(params))
	}
	for i, p := range params {
		s := saved[i]
		if s.Name != p.Name || len(s.Data) != len(p.Data) {
			return nil, fmt.Errorf("tensor %d: got %s with %d values, want %s with %d",
				i, s.Name, len(s.Data), p.Name, len(p.Data))
		}
		copy(p.Data, s.Data)
	}
	return m, nil
}

// WarmStart copies the weights of the model saved in dir. The saved label
// space must equal m's.
func (m *Model) WarmStart(fs afero.Fs, dir string) error {
	src, err := Load(fs, dir, m.features)
	if err != nil {
		return fmt.Errorf("load warm start from %s: %w", dir, err)
	}
	if err := src.CheckLabels(m.labels); err != nil {
		return err
	}
	if err := m.CopyWeightsFrom(src); err != nil {
		return err
	}
	for _, p := range m.Params() {
		p.Pretrained = true
	}
	return nil
}

func writeJSON(fs afero.Fs, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return afero.WriteFile(fs, path, data, 0o644)
}

func readJSON(fs afero.Fs, path string, v any) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
