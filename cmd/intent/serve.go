package main

import (
	"github.com/spf13/cobra"

	"github.com/oarkflow/intent-classifier/pkg/httpserver"
)

func serveCmd(a *app) *cobra.Command {
	var withModel bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve the chat endpoint, and /classify when a trained run exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			responder, err := a.cfg.Responder()
			if err != nil {
				return err
			}

			cfg := httpserver.Config{
				Port:            a.cfg.HTTPServer.Port,
				Mode:            a.cfg.HTTPServer.Mode,
				Environment:     a.cfg.Environment.Name,
				AllowedOrigins:  a.cfg.HTTPServer.AllowedOrigins,
				RateLimitPerMin: a.cfg.HTTPServer.RateLimitPerMin,
				Responder:       responder,
			}

			if withModel {
				clf, runID, closeFn, err := a.loadClassifier(ctx, a.cfg.Inference.Run)
				if err != nil {
					a.logger.Warnf(ctx, "no classifier loaded, serving /chat only: %v", err)
				} else {
					defer closeFn()
					a.logger.Infof(ctx, "serving run %s with %d intents", runID, len(clf.Labels()))
					cfg.Classifier = clf
				}
			}

			srv, err := httpserver.New(a.logger, cfg)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.Int("port", 0, "listen port")
	f.String("run", "", `run id, or "latest"`)
	f.BoolVar(&withModel, "classify", true, "load a trained run and expose /classify")
	bindFlag(cmd, "port", "http_server.port")
	bindFlag(cmd, "run", "inference.run")
	return cmd
}
