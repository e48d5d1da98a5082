package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
	"github.com/oarkflow/intent-classifier/pkg/training"
)

func evaluateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "score a saved run against a labeled CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clf, runID, closeFn, err := a.loadClassifier(ctx, a.cfg.Inference.Run)
			if err != nil {
				return err
			}
			defer closeFn()

			examples, err := dataset.LoadCSVFile(a.cfg.Dataset.Path, dataset.LoadOptions{
				UtteranceColumn: a.cfg.Dataset.UtteranceColumn,
				IntentColumn:    a.cfg.Dataset.IntentColumn,
			})
			if err != nil {
				return err
			}

			labels := clf.Model().Labels()
			encoded, err := clf.Tokenizer().EncodeExamples(ctx, examples, labels, a.cfg.Pipeline.EncodeBatchSize)
			if err != nil {
				return err
			}

			report, err := training.NewEvaluator(a.cfg.Training.EvalBatchSize).Evaluate(ctx, clf.Model(), encoded)
			if err != nil {
				return err
			}
			a.logger.Infof(ctx, "evaluated run %s on %d examples: accuracy %.4f", runID, report.Total, report.Accuracy)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s on %s\n\n", runID, a.cfg.Dataset.Path)
			fmt.Fprint(out, report.String())
			return nil
		},
	}
	cmd.Flags().String("run", "", `run id, or "latest"`)
	bindFlag(cmd, "run", "inference.run")
	cmd.Flags().String("data", "", "labeled CSV to evaluate on")
	bindFlag(cmd, "data", "dataset.path")
	return cmd
}
