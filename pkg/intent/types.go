package intent

// IntentType is a predicted intent label.
type IntentType string

// IntentUnknown is returned when the best score falls below the confidence
// floor.
const IntentUnknown IntentType = "unknown"

// IntentResult holds the classification result.
type IntentResult struct {
	Text       string             `json:"text"`
	Intent     IntentType         `json:"intent"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
	Unknown    bool               `json:"unknown"`
	// BestGuess is the highest-scoring label, also set when Unknown is true.
	BestGuess string `json:"best_guess"`
}

// IsHighConfidence checks if the result is confident enough.
func (r *IntentResult) IsHighConfidence(threshold float64) bool {
	return r.Confidence >= threshold
}

// Label returns the predicted label name, or IntentUnknown's name.
func (r *IntentResult) Label() string {
	return string(r.Intent)
}

func (r *IntentResult) clone() *IntentResult {
	out := *r
	out.Scores = make(map[string]float64, len(r.Scores))
	for k, v := range r.Scores {
		out.Scores[k] = v
	}
	return &out
}
