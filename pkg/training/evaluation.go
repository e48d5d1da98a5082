package training

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/oarkflow/intent-classifier/pkg/model"
	"github.com/oarkflow/intent-classifier/pkg/tokenizer"
)

// Evaluator runs a model over a held-out split. It never mutates the model.
type Evaluator struct {
	batchSize int
}

// NewEvaluator creates an evaluator that forwards batchSize examples at a time.
func NewEvaluator(batchSize int) *Evaluator {
	if batchSize <= 0 {
		batchSize = 8
	}
	return &Evaluator{batchSize: batchSize}
}

// Evaluate predicts the arg-max label of every example, in input order, and
// compares it to the true label id.
func (e *Evaluator) Evaluate(ctx context.Context, m *model.Model, examples []tokenizer.Labeled) (*Report, error) {
	if len(examples) == 0 {
		return nil, fmt.Errorf("evaluation split is empty")
	}

	trueIDs := make([]int, len(examples))
	predIDs := make([]int, len(examples))
	var lossSum float64

	for start := 0; start < len(examples); start += e.batchSize {
		end := min(start+e.batchSize, len(examples))
		batch := make([]tokenizer.Encoding, end-start)
		ids := make([]int, end-start)
		for i, ex := range examples[start:end] {
			batch[i] = ex.Encoding
			ids[i] = ex.LabelID
		}

		out, err := m.Forward(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("evaluate batch at %d: %w", start, err)
		}
		lossSum += model.Loss(out.Logits, ids) * float64(len(ids))
		for i, logits := range out.Logits {
			trueIDs[start+i] = ids[i]
			predIDs[start+i] = floats.MaxIdx(logits)
		}
	}

	report, err := ComputeReport(m.Labels(), trueIDs, predIDs)
	if err != nil {
		return nil, err
	}
	report.Loss = lossSum / float64(len(examples))
	return report, nil
}
