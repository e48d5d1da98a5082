package training

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
	"github.com/oarkflow/intent-classifier/pkg/hub"
	"github.com/oarkflow/intent-classifier/pkg/intent"
	"github.com/oarkflow/intent-classifier/pkg/log"
	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/storage"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

// DefaultQueries are classified after every run.
var DefaultQueries = []string{
	"What is the deadline for fee payment?",
	"Where can I find the scholarship form?",
	"Bye",
}

// PipelineConfig configures the training pipeline.
type PipelineConfig struct {
	DataPath string              `json:"data_path"`
	Columns  dataset.LoadOptions `json:"columns"`
	Split    dataset.SplitConfig `json:"split"`

	// Model holds the checkpoint name, encoder kind and head shape. Vocabulary
	// size, padding id and label count are filled in by the pipeline.
	Model     model.Config `json:"model"`
	Lowercase bool         `json:"lowercase"`
	CacheDir  string       `json:"cache_dir,omitempty"`
	HubToken  string       `json:"-"`
	// EncoderRepository is the ONNX export used by the hub encoder. Defaults
	// to the checkpoint name.
	EncoderRepository string `json:"encoder_repository,omitempty"`
	// InitFrom is a run id or model directory to warm-start from.
	InitFrom string `json:"init_from,omitempty"`

	Hyperparams     Hyperparameters `json:"hyperparams"`
	EncodeBatchSize int             `json:"encode_batch_size"`

	ConfidenceFloor float64  `json:"confidence_floor"`
	CacheSize       int      `json:"cache_size"`
	Queries         []string `json:"queries"`
}

// DefaultPipelineConfig returns default configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		DataPath:        "intents.csv",
		Columns:         dataset.DefaultLoadOptions(),
		Split:           dataset.DefaultSplitConfig(),
		Model:           model.DefaultConfig(),
		Lowercase:       true,
		Hyperparams:     DefaultHyperparameters(),
		EncodeBatchSize: 64,
		CacheSize:       1024,
		Queries:         DefaultQueries,
	}
}

// Pipeline runs Load, Tokenize, Fine-Tune, Evaluate and Inference in strict
// sequence. Each stage consumes the fully materialized output of the one
// before it.
type Pipeline struct {
	config   PipelineConfig
	store    *storage.Store
	logger   log.Logger
	dataFs   afero.Fs
	resolver checkpointResolver
	embedder hub.Embedder
	stages   []StageResult
	// loaded is the extractor opened by the pipeline itself, if any.
	loaded *hub.FeatureExtractor
}

type checkpointResolver interface {
	Resolve(ctx context.Context, checkpoint string) (*hub.Checkpoint, error)
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l log.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithDataFs reads the dataset from fs instead of the local disk.
func WithDataFs(fs afero.Fs) PipelineOption {
	return func(p *Pipeline) { p.dataFs = fs }
}

// WithEmbedder supplies the frozen encoder used when the model encoder is
// "hub", instead of loading one through hugot.
func WithEmbedder(e hub.Embedder) PipelineOption {
	return func(p *Pipeline) { p.embedder = e }
}

// NewPipeline creates a new training pipeline writing into store.
func NewPipeline(config PipelineConfig, store *storage.Store, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		config: config,
		store:  store,
		logger: log.NewNop(),
		dataFs: afero.NewOsFs(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resolver = hub.NewResolver(config.CacheDir, config.HubToken, p.logger)
	return p
}

// StageStatus represents stage status.
type StageStatus string

const (
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// StageResult holds the result of a pipeline stage.
type StageResult struct {
	Name      string        `json:"name"`
	Status    StageStatus   `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// RunRecord is persisted as run.json.
type RunRecord struct {
	*TrainingRun
	Labels  dataset.LabelSpace `json:"labels"`
	Dataset *dataset.Stats     `json:"dataset"`
	Model   model.Config       `json:"model"`
	Stages  []StageResult      `json:"stages"`
}

// PredictionRecord is one line of predictions.jsonl.
type PredictionRecord struct {
	Query  string               `json:"query"`
	Result *intent.IntentResult `json:"result"`
}

// Result is the output of a pipeline run.
type Result struct {
	RunID       string                 `json:"run_id"`
	Dataset     *dataset.Dataset       `json:"dataset"`
	Run         *TrainingRun           `json:"run"`
	Report      *Report                `json:"report"`
	Classifier  *intent.Classifier     `json:"-"`
	Predictions []*intent.IntentResult `json:"predictions"`
	ArtifactDir string                 `json:"artifact_dir"`
	Stages      []StageResult          `json:"stages"`

	encoder *hub.FeatureExtractor
}

// Close releases the pretrained encoder loaded for a hub encoder run. The
// Classifier must not be used afterwards.
func (r *Result) Close() error {
	if r == nil || r.encoder == nil {
		return nil
	}
	return r.encoder.Close()
}

// Run executes every stage once under a fresh run id.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	ctx = log.WithRunID(ctx, runID)
	p.stages = nil
	p.loaded = nil
	res := &Result{RunID: runID, ArtifactDir: p.store.RunDir(runID)}
	ok := false
	defer func() {
		if p.loaded == nil {
			return
		}
		if ok {
			res.encoder = p.loaded
		} else {
			_ = p.loaded.Close()
		}
	}()

	var examples []dataset.Example
	if err := p.runStage(ctx, "load_dataset", func() (any, error) {
		var err error
		if examples, err = p.loadExamples(); err != nil {
			return nil, err
		}
		if res.Dataset, err = dataset.Load(examples, p.config.Split); err != nil {
			return nil, err
		}
		return res.Dataset.Stats, nil
	}); err != nil {
		return nil, err
	}
	labels := res.Dataset.Labels
	p.logger.Infof(ctx, "labels: %v", labels.Labels())

	var tok *tokenizer.Tokenizer
	var train, test []tokenizer.Labeled
	if err := p.runStage(ctx, "tokenize", func() (any, error) {
		var err error
		if tok, err = p.buildTokenizer(ctx, examples); err != nil {
			return nil, err
		}
		split := res.Dataset.Split
		if train, err = tok.EncodeExamples(ctx, split.Train, labels, p.config.EncodeBatchSize); err != nil {
			return nil, fmt.Errorf("tokenize train split: %w", err)
		}
		if test, err = tok.EncodeExamples(ctx, split.Test, labels, p.config.EncodeBatchSize); err != nil {
			return nil, fmt.Errorf("tokenize test split: %w", err)
		}
		return map[string]any{
			"vocab_size": tok.Vocab().Size(),
			"max_length": tok.Config().MaxLength,
			"train":      len(train),
			"test":       len(test),
		}, nil
	}); err != nil {
		return nil, err
	}

	var m *model.Model
	if err := p.runStage(ctx, "fine_tune", func() (any, error) {
		var err error
		if m, err = p.buildModel(ctx, tok, labels); err != nil {
			return nil, err
		}
		trainer := NewTrainer(TrainerConfig{RunID: runID, Store: p.store, Logger: p.logger}, p.config.Hyperparams)
		trainer.AddCallback(&LoggingCallback{
			Logger:       p.logger,
			LoggingSteps: p.config.Hyperparams.LoggingSteps,
			Epochs:       p.config.Hyperparams.Epochs,
		})
		res.Run, err = trainer.Train(ctx, m, train, test)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"epochs":      len(res.Run.History),
			"steps":       res.Run.TotalSteps,
			"best_epoch":  res.Run.BestEpoch,
			"best_metric": res.Run.BestMetric,
		}, nil
	}); err != nil {
		// The failed stage is recorded by now; keep the partial run on disk.
		if res.Run != nil {
			_ = p.saveRecord(ctx, res, m)
		}
		return nil, err
	}

	if err := p.runStage(ctx, "evaluate", func() (any, error) {
		var err error
		res.Report, err = NewEvaluator(p.config.Hyperparams.EvalBatchSize).Evaluate(ctx, m, test)
		if err != nil {
			return nil, err
		}
		p.logger.Infof(ctx, "classification report:\n%s", res.Report)
		return map[string]any{"accuracy": res.Report.Accuracy, "loss": res.Report.Loss}, nil
	}); err != nil {
		return nil, err
	}

	if err := p.runStage(ctx, "inference", func() (any, error) {
		var err error
		res.Classifier, err = intent.New(m, tok,
			intent.WithConfidenceFloor(p.config.ConfidenceFloor),
			intent.WithCacheSize(p.config.CacheSize),
			intent.WithBatchSize(p.config.Hyperparams.EvalBatchSize),
		)
		if err != nil {
			return nil, err
		}
		for _, q := range p.config.Queries {
			r, err := res.Classifier.Predict(ctx, q)
			if err != nil {
				return nil, fmt.Errorf("classify %q: %w", q, err)
			}
			p.logger.Infof(ctx, "query %q -> %s (%.4f)", q, r.Intent, r.Confidence)
			res.Predictions = append(res.Predictions, r)
		}
		return map[string]any{"queries": len(res.Predictions)}, nil
	}); err != nil {
		return nil, err
	}

	if err := p.runStage(ctx, "save_artifacts", func() (any, error) {
		return map[string]any{"dir": res.ArtifactDir}, p.saveArtifacts(ctx, res, m, tok)
	}); err != nil {
		return nil, err
	}
	res.Stages = p.stages
	ok = true
	return res, nil
}

func (p *Pipeline) loadExamples() ([]dataset.Example, error) {
	f, err := p.dataFs.Open(p.config.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", p.config.DataPath, err)
	}
	defer f.Close()
	return dataset.LoadCSV(f, p.config.Columns)
}

// buildTokenizer returns the checkpoint's tokenizer, or for the builtin
// checkpoint one whose vocabulary covers every utterance of the dataset.
func (p *Pipeline) buildTokenizer(ctx context.Context, examples []dataset.Example) (*tokenizer.Tokenizer, error) {
	cfg := tokenizer.DefaultConfig()
	cfg.Lowercase = p.config.Lowercase
	if p.config.Model.MaxLength > 0 {
		cfg.MaxLength = p.config.Model.MaxLength
	}

	if p.config.Model.Checkpoint == hub.Builtin {
		corpus := make([]string, len(examples))
		for i, ex := range examples {
			corpus[i] = ex.Utterance
		}
		return tokenizer.New(tokenizer.BuildVocab(corpus, cfg), cfg)
	}

	ckpt, err := p.resolver.Resolve(ctx, p.config.Model.Checkpoint)
	if err != nil {
		return nil, err
	}
	cfg.Lowercase = ckpt.Lowercase
	if ckpt.MaxLength > 0 && cfg.MaxLength > ckpt.MaxLength {
		p.logger.Warnf(ctx, "max length %d exceeds checkpoint limit %d, truncating", cfg.MaxLength, ckpt.MaxLength)
		cfg.MaxLength = ckpt.MaxLength
	}
	if p.config.Model.HiddenSize <= 0 {
		p.config.Model.HiddenSize = ckpt.HiddenSize
	}
	return tokenizer.LoadVocabFile(afero.NewOsFs(), ckpt.VocabPath, cfg)
}

func (p *Pipeline) buildModel(ctx context.Context, tok *tokenizer.Tokenizer, labels dataset.LabelSpace) (*model.Model, error) {
	cfg := p.config.Model
	cfg.VocabSize = tok.Vocab().Size()
	cfg.PadID = tok.PadID()
	cfg.MaxLength = tok.Config().MaxLength
	cfg.NumLabels = labels.Len()
	if cfg.InitializerRange == 0 {
		cfg.InitializerRange = model.DefaultInitializerRange
	}

	var features model.FeatureSource
	if cfg.Encoder == model.EncoderHub {
		e, err := p.featureSource(ctx)
		if err != nil {
			return nil, err
		}
		features = e
		cfg.FeatureDim = e.Dim()
	}

	m, err := model.New(cfg, labels, features)
	if err != nil {
		return nil, err
	}
	if p.config.InitFrom != "" {
		dir := p.config.InitFrom
		if id, err := p.store.ResolveRun(dir); err == nil {
			dir = p.store.ModelDir(id)
		}
		if err := m.WarmStart(p.store.Fs(), dir); err != nil {
			return nil, err
		}
		p.logger.Infof(ctx, "warm-started from %s", dir)
	}
	return m, nil
}

func (p *Pipeline) featureSource(ctx context.Context) (hub.Embedder, error) {
	inner := p.embedder
	if inner == nil {
		fe, err := hub.NewFeatureExtractor(ctx, hub.ExtractorOptions{
			Repository: hub.EncoderRepository(p.config.Model.Checkpoint, p.config.EncoderRepository),
			CacheDir:   p.config.CacheDir,
			Token:      p.config.HubToken,
		}, p.logger)
		if err != nil {
			return nil, err
		}
		p.loaded = fe
		inner = fe
	}
	return hub.NewCachedExtractor(inner, max(p.config.CacheSize, 1), p.config.EncodeBatchSize)
}

func (p *Pipeline) saveArtifacts(ctx context.Context, res *Result, m *model.Model, tok *tokenizer.Tokenizer) error {
	dir := p.store.ModelDir(res.RunID)
	if err := m.Save(p.store.Fs(), dir); err != nil {
		return err
	}
	if err := tok.Save(p.store.Fs(), dir); err != nil {
		return err
	}
	if err := p.store.SaveJSON(filepath.Join(res.RunID, storage.ReportFile), res.Report); err != nil {
		return err
	}
	for i, r := range res.Predictions {
		rec := PredictionRecord{Query: p.config.Queries[i], Result: r}
		if err := p.store.AppendJSONL(filepath.Join(res.RunID, storage.PredictionsFile), rec); err != nil {
			return err
		}
	}
	if err := p.saveRecord(ctx, res, m); err != nil {
		return err
	}
	p.logger.Infof(ctx, "artifacts saved to %s", res.ArtifactDir)
	return p.store.SetLatest(res.RunID)
}

func (p *Pipeline) saveRecord(ctx context.Context, res *Result, m *model.Model) error {
	rec := RunRecord{
		TrainingRun: res.Run,
		Labels:      res.Dataset.Labels,
		Dataset:     res.Dataset.Stats,
		Model:       m.Config(),
		Stages:      p.stages,
	}
	err := p.store.SaveJSON(filepath.Join(res.RunID, storage.RunFile), rec)
	if err != nil {
		p.logger.Errorf(ctx, "save run record: %v", err)
	}
	return err
}

func (p *Pipeline) runStage(ctx context.Context, name string, fn func() (any, error)) error {
	stage := StageResult{
		Name:      name,
		Status:    StageRunning,
		StartedAt: time.Now(),
	}
	p.logger.Infof(ctx, "starting stage: %s", name)

	output, err := fn()

	stage.EndedAt = time.Now()
	stage.Duration = stage.EndedAt.Sub(stage.StartedAt)
	if err != nil {
		stage.Status = StageFailed
		stage.Error = err.Error()
		p.logger.Errorf(ctx, "stage %s failed: %v", name, err)
	} else {
		stage.Status = StageCompleted
		stage.Output = output
		p.logger.Infof(ctx, "stage %s completed in %v", name, stage.Duration)
	}
	p.stages = append(p.stages, stage)

	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
