package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/oarkflow/intent-classifier/pkg/intent"
	"github.com/oarkflow/intent-classifier/pkg/training"
)

func trainCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "fine-tune a classifier on a labeled CSV and save the run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pipeline := training.NewPipeline(a.cfg.TrainingPipeline(), a.store(), training.WithLogger(a.logger))

			start := time.Now()
			res, err := pipeline.Run(ctx)
			if err != nil {
				return err
			}
			defer res.Close()

			out := cmd.OutOrStdout()
			printRun(out, res, time.Since(start))
			fmt.Fprintln(out)
			fmt.Fprint(out, res.Report.String())
			fmt.Fprintln(out)
			printPredictions(out, res.Predictions)
			return nil
		},
	}

	f := cmd.Flags()
	f.String("data", "", "labeled CSV with utterance and intent columns")
	f.Int("epochs", 0, "number of training epochs")
	f.Float64("learning-rate", 0, "peak learning rate of pretrained weights")
	f.Float64("head-learning-rate", 0, "peak learning rate of the freshly initialized head")
	f.Int("batch-size", 0, "training batch size")
	f.String("checkpoint", "", `pretrained checkpoint, or "builtin"`)
	f.String("encoder", "", `"embedding" or "hub"`)
	f.String("output", "", "artifact directory")
	f.String("init-from", "", "run id or model directory to warm-start from")
	f.String("memory-limit", "", `cap on the estimated training footprint, e.g. "512MB"`)
	f.Float64("confidence-floor", 0, "predictions below this confidence are unknown")

	bindFlag(cmd, "data", "dataset.path")
	bindFlag(cmd, "epochs", "training.num_train_epochs")
	bindFlag(cmd, "learning-rate", "training.learning_rate")
	bindFlag(cmd, "head-learning-rate", "training.head_learning_rate")
	bindFlag(cmd, "batch-size", "training.per_device_train_batch_size")
	bindFlag(cmd, "checkpoint", "model.checkpoint")
	bindFlag(cmd, "encoder", "model.encoder")
	bindFlag(cmd, "output", "output.dir")
	bindFlag(cmd, "init-from", "model.init_from")
	bindFlag(cmd, "memory-limit", "training.memory_limit")
	bindFlag(cmd, "confidence-floor", "inference.confidence_floor")
	return cmd
}

func printRun(w io.Writer, res *training.Result, took time.Duration) {
	fmt.Fprint(w, res.Run.Summary())
	fmt.Fprintf(w, "  examples: %s train / %s test, %d intents\n",
		humanize.Comma(int64(len(res.Dataset.Split.Train))),
		humanize.Comma(int64(len(res.Dataset.Split.Test))),
		res.Dataset.Labels.Len())
	fmt.Fprintf(w, "  artifacts: %s (pipeline took %s)\n", res.ArtifactDir, took.Round(time.Millisecond))
}

func printPredictions(w io.Writer, results []*intent.IntentResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"query", "intent", "confidence", "best guess"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, r := range results {
		table.Append([]string{r.Text, r.Label(), fmt.Sprintf("%.4f", r.Confidence), r.BestGuess})
	}
	table.Render()
}
