/*
intent trains, evaluates and serves a supervised intent classifier.

Usage:

	Configuration (config.yaml in ./config, . or /etc/intent/, or --config):
	  dataset.*    - CSV path, column names, held-out fraction, split seed
	  model.*      - checkpoint ("builtin" or a hub repository), encoder, head size
	  training.*   - optimizer, schedule and checkpoint selection
	  inference.*  - confidence floor, cache size, served run
	  output.dir   - artifact directory, one sub-directory per run

	Every key can be overridden from the environment, e.g. TRAINING_NUM_TRAIN_EPOCHS=5.

	Run:
	  intent train --data intents.csv
	  intent evaluate --run latest --data holdout.csv
	  intent predict --run latest "What is the deadline for fee payment?"
	  intent serve
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
