package main

import (
	"github.com/spf13/cobra"
)

func predictCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict <utterance>...",
		Short: "classify utterances with a saved run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clf, _, closeFn, err := a.loadClassifier(ctx, a.cfg.Inference.Run)
			if err != nil {
				return err
			}
			defer closeFn()

			results, err := clf.PredictBatch(ctx, args)
			if err != nil {
				return err
			}
			printPredictions(cmd.OutOrStdout(), results)
			return nil
		},
	}
	cmd.Flags().String("run", "", `run id, or "latest"`)
	bindFlag(cmd, "run", "inference.run")
	cmd.Flags().Float64("confidence-floor", 0, "predictions below this confidence are unknown")
	bindFlag(cmd, "confidence-floor", "inference.confidence_floor")
	return cmd
}
