package intent

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/storage"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

// Classifier maps raw utterances to intents with a frozen model and the
// tokenizer it was trained with. It is safe for concurrent use.
type Classifier struct {
	model *model.Model
	tok   *tokenizer.Tokenizer
	floor float64
	batch int
	cache *lru.Cache[string, IntentResult]
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithConfidenceFloor makes predictions whose best probability is below
// floor come back as IntentUnknown. Zero disables the floor.
func WithConfidenceFloor(floor float64) Option {
	return func(c *Classifier) { c.floor = floor }
}

// WithCacheSize enables an LRU cache of results keyed by utterance.
func WithCacheSize(size int) Option {
	return func(c *Classifier) {
		if size > 0 {
			c.cache, _ = lru.New[string, IntentResult](size)
		}
	}
}

// WithBatchSize sets how many utterances PredictBatch forwards at once.
func WithBatchSize(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.batch = n
		}
	}
}

// New wraps a trained model and its tokenizer.
func New(m *model.Model, tok *tokenizer.Tokenizer, opts ...Option) (*Classifier, error) {
	if m == nil || tok == nil {
		return nil, fmt.Errorf("model and tokenizer are required")
	}
	cfg := m.Config()
	if cfg.Encoder == model.EncoderEmbedding {
		if tok.Vocab().Size() != cfg.VocabSize {
			return nil, fmt.Errorf("tokenizer vocabulary has %d tokens, model expects %d", tok.Vocab().Size(), cfg.VocabSize)
		}
		if tok.Config().MaxLength != cfg.MaxLength {
			return nil, fmt.Errorf("tokenizer max length %d differs from model max length %d", tok.Config().MaxLength, cfg.MaxLength)
		}
	}

	c := &Classifier{model: m, tok: tok, batch: 32}
	for _, opt := range opts {
		opt(c)
	}
	if c.floor < 0 || c.floor > 1 {
		return nil, fmt.Errorf("confidence floor must be in [0, 1], got %g", c.floor)
	}
	return c, nil
}

// Load rebuilds the classifier of a saved run. runRef is a run id or
// "latest". features is only needed for models with a hub encoder.
func Load(ctx context.Context, store *storage.Store, runRef string, features model.FeatureSource, opts ...Option) (*Classifier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runID, err := store.ResolveRun(runRef)
	if err != nil {
		return nil, err
	}
	dir := store.ModelDir(runID)
	m, err := model.Load(store.Fs(), dir, features)
	if err != nil {
		return nil, fmt.Errorf("load model of run %s: %w", runID, err)
	}
	tok, err := tokenizer.Load(store.Fs(), dir)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer of run %s: %w", runID, err)
	}
	return New(m, tok, opts...)
}

// Model returns the wrapped model.
func (c *Classifier) Model() *model.Model { return c.model }

// Tokenizer returns the wrapped tokenizer.
func (c *Classifier) Tokenizer() *tokenizer.Tokenizer { return c.tok }

// ConfidenceFloor returns the configured floor.
func (c *Classifier) ConfidenceFloor() float64 { return c.floor }

// Labels returns the label names in id order.
func (c *Classifier) Labels() []string { return c.model.Labels().Labels() }

// Predict classifies one utterance.
func (c *Classifier) Predict(ctx context.Context, utterance string) (*IntentResult, error) {
	results, err := c.PredictBatch(ctx, []string{utterance})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// PredictBatch classifies utterances, returning results in input order.
func (c *Classifier) PredictBatch(ctx context.Context, utterances []string) ([]*IntentResult, error) {
	results := make([]*IntentResult, len(utterances))
	var pending []int
	for i, u := range utterances {
		if c.cache != nil {
			if r, ok := c.cache.Get(u); ok {
				results[i] = r.clone()
				continue
			}
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += c.batch {
		idx := pending[start:min(start+c.batch, len(pending))]
		batch := make([]tokenizer.Encoding, len(idx))
		for j, i := range idx {
			batch[j] = c.tok.Encode(utterances[i])
		}
		probs, err := c.model.Probabilities(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("classify: %w", err)
		}
		for j, i := range idx {
			r := c.result(utterances[i], probs[j])
			if c.cache != nil {
				c.cache.Add(utterances[i], *r.clone())
			}
			results[i] = r
		}
	}
	return results, nil
}

func (c *Classifier) result(text string, probs []float64) *IntentResult {
	labels := c.model.Labels()
	scores := make(map[string]float64, len(probs))
	for id, p := range probs {
		name, _ := labels.Label(id)
		scores[name] = p
	}
	best := floats.MaxIdx(probs)
	bestLabel, _ := labels.Label(best)

	r := &IntentResult{
		Text:       text,
		Intent:     IntentType(bestLabel),
		Confidence: probs[best],
		Scores:     scores,
		BestGuess:  bestLabel,
	}
	if c.floor > 0 && r.Confidence < c.floor {
		r.Intent = IntentUnknown
		r.Unknown = true
	}
	return r
}
