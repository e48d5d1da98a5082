package training

import (
	"bytes"
	"fmt"

	"github.com/olekukonko/tablewriter"

	"github.com/oarkflow/intent-classifier/pkg/dataset"
)

// ClassReport holds metrics for a single label.
type ClassReport struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Support   int     `json:"support"`
}

// Average is an aggregate over all labels.
type Average struct {
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Support   int     `json:"support"`
}

// Report is the classification report of one evaluation.
type Report struct {
	Classes     []ClassReport `json:"classes"`
	Accuracy    float64       `json:"accuracy"`
	MacroAvg    Average       `json:"macro_avg"`
	WeightedAvg Average       `json:"weighted_avg"`
	Loss        float64       `json:"loss"`
	Total       int           `json:"total"`
	Correct     int           `json:"correct"`
	Labels      []string      `json:"labels"`
	// Confusion[i][j] counts examples of label i predicted as label j.
	Confusion [][]int `json:"confusion_matrix"`
}

// ComputeReport builds per-label precision, recall and F1 from true and
// predicted label ids. Classes are listed in label-id order; a label that
// is never predicted gets precision 0.
func ComputeReport(labels dataset.LabelSpace, trueIDs, predIDs []int) (*Report, error) {
	if len(trueIDs) != len(predIDs) {
		return nil, fmt.Errorf("got %d predictions for %d examples", len(predIDs), len(trueIDs))
	}
	n := labels.Len()
	confusion := make([][]int, n)
	for i := range confusion {
		confusion[i] = make([]int, n)
	}
	correct := 0
	for i, y := range trueIDs {
		p := predIDs[i]
		if y < 0 || y >= n || p < 0 || p >= n {
			return nil, fmt.Errorf("label id out of range at %d: true %d, predicted %d", i, y, p)
		}
		confusion[y][p]++
		if y == p {
			correct++
		}
	}

	report := &Report{
		Total:     len(trueIDs),
		Correct:   correct,
		Labels:    labels.Labels(),
		Confusion: confusion,
		Classes:   make([]ClassReport, n),
	}
	if report.Total > 0 {
		report.Accuracy = float64(correct) / float64(report.Total)
	}

	for k := 0; k < n; k++ {
		tp := confusion[k][k]
		var predicted, support int
		for j := 0; j < n; j++ {
			predicted += confusion[j][k]
			support += confusion[k][j]
		}
		cr := ClassReport{Label: report.Labels[k], Support: support}
		if predicted > 0 {
			cr.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			cr.Recall = float64(tp) / float64(support)
		}
		if cr.Precision+cr.Recall > 0 {
			cr.F1 = 2 * cr.Precision * cr.Recall / (cr.Precision + cr.Recall)
		}
		report.Classes[k] = cr

		report.MacroAvg.Precision += cr.Precision
		report.MacroAvg.Recall += cr.Recall
		report.MacroAvg.F1 += cr.F1
		w := float64(support)
		report.WeightedAvg.Precision += cr.Precision * w
		report.WeightedAvg.Recall += cr.Recall * w
		report.WeightedAvg.F1 += cr.F1 * w
	}

	report.MacroAvg.Support = report.Total
	report.WeightedAvg.Support = report.Total
	if n > 0 {
		report.MacroAvg.Precision /= float64(n)
		report.MacroAvg.Recall /= float64(n)
		report.MacroAvg.F1 /= float64(n)
	}
	if report.Total > 0 {
		t := float64(report.Total)
		report.WeightedAvg.Precision /= t
		report.WeightedAvg.Recall /= t
		report.WeightedAvg.F1 /= t
	}
	return report, nil
}

// Metric returns the named metric for checkpoint selection.
func (r *Report) Metric(name string) (float64, error) {
	switch name {
	case MetricLoss, "eval_loss":
		return r.Loss, nil
	case MetricAccuracy:
		return r.Accuracy, nil
	case MetricF1Macro:
		return r.MacroAvg.F1, nil
	case MetricF1Weighted:
		return r.WeightedAvg.F1, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", name)
	}
}

// String renders the report as a classification-report table.
func (r *Report) String() string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"", "precision", "recall", "f1-score", "support"})
	table.SetBorder(false)
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	for _, c := range r.Classes {
		table.Append([]string{c.Label, f2(c.Precision), f2(c.Recall), f2(c.F1), fmt.Sprint(c.Support)})
	}
	table.Append([]string{"accuracy", "", "", f2(r.Accuracy), fmt.Sprint(r.Total)})
	table.Append(averageRow("macro avg", r.MacroAvg))
	table.Append(averageRow("weighted avg", r.WeightedAvg))
	table.Render()

	fmt.Fprintf(&buf, "eval loss: %.4f\n", r.Loss)
	return buf.String()
}

func averageRow(name string, a Average) []string {
	return []string{name, f2(a.Precision), f2(a.Recall), f2(a.F1), fmt.Sprint(a.Support)}
}

func f2(v float64) string { return fmt.Sprintf("%.2f", v) }
