// Package hub resolves pretrained checkpoints from the Hugging Face hub and
// exposes their encoders as frozen feature sources.
package hub

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	hfhub "github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"

	"github.com/oarkflow/intent-classifier/pkg/log"
)

// Builtin names the offline checkpoint whose vocabulary is built from the
// dataset. The resolver never sees it.
const Builtin = "builtin"

// onnxExports maps checkpoints to repositories holding a single-file ONNX
// export of the same weights.
var onnxExports = map[string]string{
	"sentence-transformers/all-MiniLM-L6-v2":  "KnightsAnalytics/all-MiniLM-L6-v2",
	"sentence-transformers/all-MiniLM-L12-v2": "KnightsAnalytics/all-MiniLM-L12-v2",
}

// EncoderRepository returns the repository the hub encoder of checkpoint is
// loaded from: repository when set, else a known ONNX export, else the
// checkpoint itself.
func EncoderRepository(checkpoint, repository string) string {
	if repository != "" {
		return repository
	}
	if export, ok := onnxExports[checkpoint]; ok {
		return export
	}
	return checkpoint
}

// Checkpoint describes the files of a resolved pretrained model.
type Checkpoint struct {
	Name       string `json:"name"`
	Dir        string `json:"dir"`
	VocabPath  string `json:"vocab_path"`
	HiddenSize int    `json:"hidden_size"`
	MaxLength  int    `json:"max_length"`
	Lowercase  bool   `json:"lowercase"`
}

// fileSource downloads single files of one repository.
type fileSource interface {
	DownloadFile(name string) (string, error)
}

// Resolver fetches checkpoint files into a local cache.
type Resolver struct {
	CacheDir string
	Token    string

	logger  log.Logger
	newRepo func(id string) fileSource
}

// NewResolver creates a resolver backed by the hub client.
func NewResolver(cacheDir, token string, logger log.Logger) *Resolver {
	if logger == nil {
		logger = log.NewNop()
	}
	r := &Resolver{CacheDir: cacheDir, Token: token, logger: logger}
	r.newRepo = func(id string) fileSource {
		repo := hfhub.New(id)
		if r.Token != "" {
			repo = repo.WithAuth(r.Token)
		}
		if r.CacheDir != "" {
			repo = repo.WithCacheDir(r.CacheDir)
		}
		return repo
	}
	return r
}

// modelConfig covers both the DistilBERT ("dim") and BERT ("hidden_size")
// spellings of the encoder width.
type modelConfig struct {
	Dim                   int `json:"dim"`
	HiddenSize            int `json:"hidden_size"`
	MaxPositionEmbeddings int `json:"max_position_embeddings"`
}

type tokenizerConfig struct {
	DoLowerCase    *bool `json:"do_lower_case"`
	ModelMaxLength int   `json:"model_max_length"`
}

// Resolve downloads vocab.txt and config.json of checkpoint, plus
// tokenizer_config.json when the repository has one.
func (r *Resolver) Resolve(ctx context.Context, checkpoint string) (*Checkpoint, error) {
	if checkpoint == "" || checkpoint == Builtin {
		return nil, errors.Errorf("checkpoint %q cannot be resolved from the hub", checkpoint)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.logger.Infof(ctx, "resolving checkpoint %s", checkpoint)
	repo := r.newRepo(checkpoint)

	vocabPath, err := repo.DownloadFile("vocab.txt")
	if err != nil {
		return nil, errors.Wrapf(err, "download vocab of %s", checkpoint)
	}
	configPath, err := repo.DownloadFile("config.json")
	if err != nil {
		return nil, errors.Wrapf(err, "download config of %s", checkpoint)
	}

	var mc modelConfig
	if err := readJSON(configPath, &mc); err != nil {
		return nil, errors.Wrapf(err, "parse config of %s", checkpoint)
	}

	cp := &Checkpoint{
		Name:       checkpoint,
		Dir:        filepath.Dir(vocabPath),
		VocabPath:  vocabPath,
		HiddenSize: mc.HiddenSize,
		MaxLength:  mc.MaxPositionEmbeddings,
		Lowercase:  true,
	}
	if mc.Dim > 0 {
		cp.HiddenSize = mc.Dim
	}

	if tcPath, err := repo.DownloadFile("tokenizer_config.json"); err != nil {
		r.logger.Debugf(ctx, "no tokenizer config for %s: %v", checkpoint, err)
	} else {
		var tc tokenizerConfig
		if err := readJSON(tcPath, &tc); err != nil {
			r.logger.Warnf(ctx, "ignoring unreadable tokenizer config of %s: %v", checkpoint, err)
		} else {
			if tc.DoLowerCase != nil {
				cp.Lowercase = *tc.DoLowerCase
			}
			if tc.ModelMaxLength > 0 && (cp.MaxLength == 0 || tc.ModelMaxLength < cp.MaxLength) {
				cp.MaxLength = tc.ModelMaxLength
			}
		}
	}

	r.logger.Infof(ctx, "resolved %s: hidden=%d max_length=%d lowercase=%t", checkpoint, cp.HiddenSize, cp.MaxLength, cp.Lowercase)
	return cp, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
