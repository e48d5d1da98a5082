// Package storage manages the artifact directory of training runs.
//
// Layout under the root:
//
//	<run-id>/run.json
//	<run-id>/report.json
//	<run-id>/predictions.jsonl
//	<run-id>/checkpoints/epoch-<n>/...
//	<run-id>/model/...
//	LATEST
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/oarkflow/intent-classifier/pkg/model"
)

// File and directory names inside a run directory.
const (
	RunFile         = "run.json"
	ReportFile      = "report.json"
	PredictionsFile = "predictions.jsonl"
	ModelDirName    = "model"
	CheckpointsDir  = "checkpoints"
	LatestFile      = "LATEST"
	latestAlias     = "latest"
)

// ErrNoRuns is returned by Latest when no run has completed yet.
var ErrNoRuns = errors.New("no completed runs")

// Store provides file-based storage for run artifacts on any afero.Fs.
type Store struct {
	fs   afero.Fs
	root string
	mu   sync.RWMutex
}

// NewStore creates a store rooted at root on fs.
func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// NewOSStore creates a store on the local disk.
func NewOSStore(root string) *Store {
	return NewStore(afero.NewOsFs(), root)
}

// Fs returns the underlying filesystem.
func (s *Store) Fs() afero.Fs { return s.fs }

// Root returns the artifact root directory.
func (s *Store) Root() string { return s.root }

// GetPath returns the full path for a storage location.
func (s *Store) GetPath(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

// RunDir returns the directory of a run.
func (s *Store) RunDir(runID string) string { return s.GetPath(runID) }

// ModelDir returns the directory of a run's final model and tokenizer.
func (s *Store) ModelDir(runID string) string { return s.GetPath(runID, ModelDirName) }

// CheckpointDir returns the directory of one epoch's checkpoint.
func (s *Store) CheckpointDir(runID string, epoch int) string {
	return s.GetPath(runID, CheckpointsDir, fmt.Sprintf("epoch-%d", epoch))
}

// SaveCheckpoint writes m as the checkpoint of epoch and returns its directory.
func (s *Store) SaveCheckpoint(runID string, epoch int, m *model.Model) (string, error) {
	dir := s.CheckpointDir(runID, epoch)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.Save(s.fs, dir); err != nil {
		return "", errors.Wrapf(err, "save checkpoint %s", dir)
	}
	return dir, nil
}

// RemoveCheckpoint deletes a checkpoint directory returned by SaveCheckpoint.
func (s *Store) RemoveCheckpoint(path string) error {
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(s.root)+string(filepath.Separator)) {
		return errors.Errorf("checkpoint %s is outside the store", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Wrapf(s.fs.RemoveAll(path), "remove checkpoint %s", path)
}

// SaveJSON saves data as indented JSON at a path relative to the root.
func (s *Store) SaveJSON(path string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.GetPath(path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, "create directory")
	}
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal %s", path)
	}
	return errors.Wrapf(afero.WriteFile(s.fs, full, content, 0o644), "write %s", path)
}

// LoadJSON loads data from a JSON file relative to the root.
func (s *Store) LoadJSON(path string, data any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	content, err := afero.ReadFile(s.fs, s.GetPath(path))
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	return errors.Wrapf(json.Unmarshal(content, data), "decode %s", path)
}

// Exists checks if a file exists.
func (s *Store) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, s.GetPath(path))
	return err == nil && ok
}

// AppendJSONL appends one JSON line to a JSONL file.
func (s *Store) AppendJSONL(path string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	full := s.GetPath(path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, "create directory")
	}
	f, err := s.fs.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	content, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = f.Write(append(content, '\n'))
	return err
}

// ReadJSONL decodes every line of a JSONL file with factory-made values.
// Malformed lines are skipped; a missing file yields no items.
func (s *Store) ReadJSONL(path string, factory func() any) ([]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.fs.Open(s.GetPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return []any{}, nil
		}
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var items []any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		item := factory()
		if err := json.Unmarshal(line, item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, errors.Wrapf(scanner.Err(), "read %s", path)
}

// SetLatest records runID as the most recent completed run.
func (s *Store) SetLatest(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return errors.Wrap(err, "create root")
	}
	return errors.Wrap(afero.WriteFile(s.fs, s.GetPath(LatestFile), []byte(runID+"\n"), 0o644), "write LATEST")
}

// Latest returns the most recent completed run id.
func (s *Store) Latest() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := afero.ReadFile(s.fs, s.GetPath(LatestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoRuns
		}
		return "", errors.Wrap(err, "read LATEST")
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNoRuns
	}
	return id, nil
}

// ResolveRun maps "latest" (or empty) to the latest run id and checks that
// the run exists.
func (s *Store) ResolveRun(ref string) (string, error) {
	id := ref
	if ref == "" || strings.EqualFold(ref, latestAlias) {
		var err error
		if id, err = s.Latest(); err != nil {
			return "", err
		}
	}
	if !s.Exists(filepath.Join(id, RunFile)) {
		return "", errors.Errorf("run %s not found under %s", id, s.root)
	}
	return id, nil
}

// ListRuns returns the ids of all runs with a run.json, sorted.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, errors.Wrap(err, "list runs")
	}
	var runs []string
	for _, e := range entries {
		if e.IsDir() && s.Exists(filepath.Join(e.Name(), RunFile)) {
			runs = append(runs, e.Name())
		}
	}
	sort.Strings(runs)
	return runs, nil
}
