package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/oarkflow/intent-classifier/pkg/config"
	"github.com/oarkflow/intent-classifier/pkg/hub"
	"github.com/oarkflow/intent-classifier/pkg/intent"
	"github.com/oarkflow/intent-classifier/pkg/log"
	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/storage"
)

// viperKey is the flag annotation naming the config key a flag overrides.
const viperKey = "viper_key"

type app struct {
	configPath string
	cfg        *config.Config
	logger     log.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "intent",
		Short:         "train, evaluate and serve an intent classifier",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: config.yaml in ./config, . or /etc/intent/)")

	root.AddCommand(
		trainCmd(a),
		evaluateCmd(a),
		predictCmd(a),
		serveCmd(a),
	)
	return root
}

// bindFlag marks flag name of cmd as an override of a config key.
func bindFlag(cmd *cobra.Command, name, key string) {
	_ = cmd.Flags().SetAnnotation(name, viperKey, []string{key})
}

func (a *app) load(cmd *cobra.Command) error {
	loader := config.NewConfigLoader(a.configPath)
	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[viperKey]; ok && bindErr == nil {
			bindErr = loader.Viper().BindPFlag(keys[0], f)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = log.Init(cfg.ZapConfig())
	if cfg.File != "" {
		a.logger.Debugf(cmd.Context(), "using config %s", cfg.File)
	}
	return nil
}

func (a *app) store() *storage.Store {
	return storage.NewOSStore(a.cfg.Output.Dir)
}

// loadClassifier rebuilds the classifier of a saved run. Hub encoder runs get
// their feature extractor back; the returned close func releases it.
func (a *app) loadClassifier(ctx context.Context, runRef string) (*intent.Classifier, string, func(), error) {
	store := a.store()
	runID, err := store.ResolveRun(runRef)
	if err != nil {
		return nil, "", nil, err
	}

	var mc model.Config
	if err := store.LoadJSON(filepath.Join(runID, storage.ModelDirName, model.ConfigFile), &mc); err != nil {
		return nil, "", nil, err
	}

	closeFn := func() {}
	var features model.FeatureSource
	if mc.Encoder == model.EncoderHub {
		fe, err := hub.NewFeatureExtractor(ctx, hub.ExtractorOptions{
			Repository: hub.EncoderRepository(mc.Checkpoint, a.cfg.Model.EncoderRepository),
			CacheDir:   a.cfg.Model.CacheDir,
			Token:      a.cfg.Model.HubToken,
			Dim:        mc.FeatureDim,
		}, a.logger)
		if err != nil {
			return nil, "", nil, fmt.Errorf("load encoder for run %s: %w", runID, err)
		}
		cached, err := hub.NewCachedExtractor(fe, a.cfg.Inference.CacheSize, a.cfg.Inference.BatchSize)
		if err != nil {
			_ = fe.Close()
			return nil, "", nil, err
		}
		features = cached
		closeFn = func() { _ = fe.Close() }
	}

	clf, err := intent.Load(ctx, store, runID, features,
		intent.WithConfidenceFloor(a.cfg.Inference.ConfidenceFloor),
		intent.WithCacheSize(a.cfg.Inference.CacheSize),
		intent.WithBatchSize(a.cfg.Inference.BatchSize),
	)
	if err != nil {
		closeFn()
		return nil, "", nil, err
	}
	return clf, runID, closeFn, nil
}
