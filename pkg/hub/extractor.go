package hub

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/knights-analytics/hugot"
	"github.com/knights-analytics/hugot/pipelines"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/intent-classifier/pkg/log"
)

// Embedder maps texts to fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dim() int
}

// FeatureExtractor runs a pretrained encoder through a hugot
// feature-extraction pipeline. The encoder is never updated.
type FeatureExtractor struct {
	session  *hugot.Session
	pipeline *pipelines.FeatureExtractionPipeline
	dim      int
	mu       sync.Mutex
}

// ExtractorOptions configures NewFeatureExtractor.
type ExtractorOptions struct {
	// Repository is the ONNX export to download when ModelPath is empty.
	Repository string
	ModelPath  string
	CacheDir   string
	Token      string
	Dim        int
}

// NewFeatureExtractor loads (downloading when needed) an ONNX encoder into a
// pure Go hugot session.
func NewFeatureExtractor(ctx context.Context, opts ExtractorOptions, logger log.Logger) (*FeatureExtractor, error) {
	if logger == nil {
		logger = log.NewNop()
	}

	modelPath := opts.ModelPath
	if modelPath == "" {
		if opts.Repository == "" {
			return nil, errors.New("either a model path or a repository is required")
		}
		dlOpts := hugot.NewDownloadOptions()
		if opts.Token != "" {
			dlOpts.AuthToken = opts.Token
		}
		dest := opts.CacheDir
		if dest == "" {
			dest = filepath.Join(".", "models")
		}
		logger.Infof(ctx, "downloading encoder %s into %s", opts.Repository, dest)
		path, err := hugot.DownloadModel(opts.Repository, dest, dlOpts)
		if err != nil {
			return nil, errors.Wrapf(err, "download encoder %s", opts.Repository)
		}
		modelPath = path
	}

	session, err := hugot.NewGoSession()
	if err != nil {
		return nil, errors.Wrap(err, "create hugot session")
	}

	cfg := hugot.FeatureExtractionConfig{
		ModelPath: modelPath,
		Name:      "intent-encoder",
		Options: []hugot.FeatureExtractionOption{
			pipelines.WithNormalization(),
		},
	}
	pipeline, err := hugot.NewPipeline(session, cfg)
	if err != nil {
		session.Destroy()
		return nil, errors.Wrapf(err, "load encoder from %s", modelPath)
	}

	dim := opts.Dim
	if dim <= 0 {
		out, err := pipeline.RunPipeline([]string{"hello"})
		if err != nil {
			session.Destroy()
			return nil, errors.Wrap(err, "measure encoder width")
		}
		if len(out.Embeddings) == 0 {
			session.Destroy()
			return nil, errors.New("encoder returned no embedding")
		}
		dim = len(out.Embeddings[0])
	}

	logger.Infof(ctx, "encoder ready: path=%s dim=%d", modelPath, dim)
	return &FeatureExtractor{session: session, pipeline: pipeline, dim: dim}, nil
}

// Dim returns the embedding width.
func (e *FeatureExtractor) Dim() int { return e.dim }

// Embed returns one pooled, normalized embedding per text.
func (e *FeatureExtractor) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	out, err := e.pipeline.RunPipeline(texts)
	e.mu.Unlock()
	if err != nil {
		return nil, errors.Wrap(err, "run encoder")
	}
	if len(out.Embeddings) != len(texts) {
		return nil, errors.Errorf("encoder returned %d embeddings for %d texts", len(out.Embeddings), len(texts))
	}

	vecs := make([][]float64, len(out.Embeddings))
	for i, emb := range out.Embeddings {
		v := make([]float64, len(emb))
		for j, x := range emb {
			v[j] = float64(x)
		}
		vecs[i] = v
	}
	return vecs, nil
}

// Close releases the hugot session.
func (e *FeatureExtractor) Close() error {
	if e.session == nil {
		return nil
	}
	return e.session.Destroy()
}

// CachedExtractor memoizes embeddings per text, so repeated epochs over the
// same split run the encoder only once per utterance.
type CachedExtractor struct {
	inner     Embedder
	cache     *lru.Cache[string, []float64]
	batchSize int
}

// NewCachedExtractor wraps inner with a cache of size entries. Misses are
// embedded in chunks of batchSize.
func NewCachedExtractor(inner Embedder, size, batchSize int) (*CachedExtractor, error) {
	if size <= 0 {
		size = 4096
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	cache, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, errors.Wrap(err, "create embedding cache")
	}
	return &CachedExtractor{inner: inner, cache: cache, batchSize: batchSize}, nil
}

// Dim returns the embedding width of the wrapped extractor.
func (c *CachedExtractor) Dim() int { return c.inner.Dim() }

// Embed serves hits from the cache and embeds the distinct misses
// concurrently.
func (c *CachedExtractor) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))

	var missing []string
	pending := make(map[string]bool)
	for i, text := range texts {
		if v, ok := c.cache.Get(text); ok {
			out[i] = v
			continue
		}
		if !pending[text] {
			pending[text] = true
			missing = append(missing, text)
		}
	}

	if len(missing) > 0 {
		embedded := make([][]float64, len(missing))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(runtime.GOMAXPROCS(0))
		for start := 0; start < len(missing); start += c.batchSize {
			end := min(start+c.batchSize, len(missing))
			g.Go(func() error {
				vecs, err := c.inner.Embed(gctx, missing[start:end])
				if err != nil {
					return err
				}
				copy(embedded[start:end], vecs)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		fresh := make(map[string][]float64, len(missing))
		for i, text := range missing {
			fresh[text] = embedded[i]
			c.cache.Add(text, embedded[i])
		}
		for i, text := range texts {
			if out[i] == nil {
				out[i] = fresh[text]
			}
		}
	}
	return out, nil
}
