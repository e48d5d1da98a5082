package tokenizer

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
)

const (
	// VocabFile is the file name of the persisted vocabulary.
	VocabFile = "vocab.txt"
	// ConfigFile is the file name of the persisted tokenizer config.
	ConfigFile = "tokenizer_config.json"

	maxInputCharsPerWord = 100
)

// Config controls text normalization and sequence length.
type Config struct {
	MaxLength    int  `json:"model_max_length"`
	Lowercase    bool `json:"do_lower_case"`
	StripAccents bool `json:"strip_accents"`
}

// DefaultConfig returns the uncased BERT settings with 128 tokens.
func DefaultConfig() Config {
	return Config{MaxLength: 128, Lowercase: true, StripAccents: true}
}

// Encoding is a tokenized utterance of exactly MaxLength ids.
type Encoding struct {
	Text          string `json:"text"`
	IDs           []int  `json:"input_ids"`
	AttentionMask []int  `json:"attention_mask"`
}

// Len returns the number of real (non-padding) tokens.
func (e Encoding) Len() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// Labeled pairs an Encoding with the label id of its example.
type Labeled struct {
	Encoding
	LabelID int `json:"label"`
}

// Tokenizer is a BERT style WordPiece tokenizer. It is immutable and safe for
// concurrent use.
type Tokenizer struct {
	vocab *Vocab
	cfg   Config
	basic basicTokenizer

	padID, unkID, clsID, sepID int
}

// New creates a tokenizer over vocab.
func New(vocab *Vocab, cfg Config) (*Tokenizer, error) {
	if vocab == nil {
		return nil, fmt.Errorf("vocab is required")
	}
	if cfg.MaxLength < 2 {
		return nil, fmt.Errorf("max length must be at least 2, got %d", cfg.MaxLength)
	}
	for _, tok := range []string{PadToken, UnkToken, ClsToken, SepToken} {
		if _, ok := vocab.ID(tok); !ok {
			return nil, fmt.Errorf("vocab is missing special token %s", tok)
		}
	}
	return &Tokenizer{
		vocab: vocab,
		cfg:   cfg,
		basic: basicTokenizer{lowercase: cfg.Lowercase, stripAccents: cfg.StripAccents},
		padID: vocab.mustID(PadToken),
		unkID: vocab.mustID(UnkToken),
		clsID: vocab.mustID(ClsToken),
		sepID: vocab.mustID(SepToken),
	}, nil
}

// Vocab returns the underlying vocabulary.
func (t *Tokenizer) Vocab() *Vocab { return t.vocab }

// Config returns the tokenizer settings.
func (t *Tokenizer) Config() Config { return t.cfg }

// PadID returns the id used for padding.
func (t *Tokenizer) PadID() int { return t.padID }

// Tokenize splits text into WordPiece tokens without special tokens.
func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, word := range t.basic.tokenize(text) {
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

// wordPiece is greedy longest-match-first. A word that cannot be fully
// covered by vocab entries becomes a single [UNK].
func (t *Tokenizer) wordPiece(word string) []string {
	chars := []rune(word)
	if len(chars) > maxInputCharsPerWord {
		return []string{UnkToken}
	}

	var pieces []string
	for start := 0; start < len(chars); {
		end := len(chars)
		match := ""
		for start < end {
			sub := string(chars[start:end])
			if start > 0 {
				sub = continuationPrefix + sub
			}
			if _, ok := t.vocab.ids[sub]; ok {
				match = sub
				break
			}
			end--
		}
		if match == "" {
			return []string{UnkToken}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}

// Encode produces [CLS] pieces [SEP], truncated and padded to MaxLength.
func (t *Tokenizer) Encode(text string) Encoding {
	pieces := t.Tokenize(text)
	if limit := t.cfg.MaxLength - 2; len(pieces) > limit {
		pieces = pieces[:limit]
	}

	ids := make([]int, t.cfg.MaxLength)
	mask := make([]int, t.cfg.MaxLength)
	ids[0], mask[0] = t.clsID, 1
	for i, p := range pieces {
		id, ok := t.vocab.ids[p]
		if !ok {
			id = t.unkID
		}
		ids[i+1], mask[i+1] = id, 1
	}
	sep := len(pieces) + 1
	ids[sep], mask[sep] = t.sepID, 1
	for i := sep + 1; i < len(ids); i++ {
		ids[i] = t.padID
	}
	return Encoding{Text: text, IDs: ids, AttentionMask: mask}
}

// EncodeBatch encodes texts in batches of batchSize, running batches
// concurrently. The output order matches the input order.
func (t *Tokenizer) EncodeBatch(ctx context.Context, texts []string, batchSize int) ([]Encoding, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	out := make([]Encoding, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for i := start; i < end; i++ {
				out[i] = t.Encode(texts[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeExamples encodes examples and attaches their label ids from labels.
func (t *Tokenizer) EncodeExamples(ctx context.Context, examples []dataset.Example, labels dataset.LabelSpace, batchSize int) ([]Labeled, error) {
	texts := make([]string, len(examples))
	ids := make([]int, len(examples))
	for i, ex := range examples {
		id, ok := labels.ID(ex.Intent)
		if !ok {
			return nil, fmt.Errorf("intent %q is not in the label space", ex.Intent)
		}
		texts[i] = ex.Utterance
		ids[i] = id
	}

	encs, err := t.EncodeBatch(ctx, texts, batchSize)
	if err != nil {
		return nil, fmt.Errorf("encode examples: %w", err)
	}
	out := make([]Labeled, len(encs))
	for i, enc := range encs {
		out[i] = Labeled{Encoding: enc, LabelID: ids[i]}
	}
	return out, nil
}

// Save writes vocab.txt and tokenizer_config.json into dir.
func (t *Tokenizer) Save(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create tokenizer dir: %w", err)
	}

	f, err := fs.Create(filepath.Join(dir, VocabFile))
	if err != nil {
		return fmt.Errorf("create vocab: %w", err)
	}
	if _, err := t.vocab.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write vocab: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(t.cfg, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, filepath.Join(dir, ConfigFile), data, 0o644)
}

// Load restores a tokenizer written by Save.
func Load(fs afero.Fs, dir string) (*Tokenizer, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("read tokenizer config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode tokenizer config: %w", err)
	}
	return LoadVocabFile(fs, filepath.Join(dir, VocabFile), cfg)
}

// LoadVocabFile builds a tokenizer from a vocab.txt on fs.
func LoadVocabFile(fs afero.Fs, path string, cfg Config) (*Tokenizer, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab, err := LoadVocab(f)
	if err != nil {
		return nil, err
	}
	return New(vocab, cfg)
}
