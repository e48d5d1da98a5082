package dataset

import (
	"encoding/json"
	"fmt"
)

// LabelSpace is the bijection between intent names and dense integer ids.
// It is built once per run and passed explicitly to every stage that needs it;
// the zero value is an empty space.
type LabelSpace struct {
	labels []string
	ids    map[string]int
}

// NewLabelSpace builds a LabelSpace where labels[i] gets id i.
func NewLabelSpace(labels []string) (LabelSpace, error) {
	ids := make(map[string]int, len(labels))
	for i, l := range labels {
		if l == "" {
			return LabelSpace{}, fmt.Errorf("label %d is empty", i)
		}
		if _, dup := ids[l]; dup {
			return LabelSpace{}, fmt.Errorf("duplicate label %q", l)
		}
		ids[l] = i
	}
	cp := make([]string, len(labels))
	copy(cp, labels)
	return LabelSpace{labels: cp, ids: ids}, nil
}

// LabelSpaceFromExamples collects distinct intents in first-appearance order.
func LabelSpaceFromExamples(examples []Example) LabelSpace {
	seen := make(map[string]bool)
	var labels []string
	for _, ex := range examples {
		if !seen[ex.Intent] {
			seen[ex.Intent] = true
			labels = append(labels, ex.Intent)
		}
	}
	ls, _ := NewLabelSpace(labels)
	return ls
}

// Len returns the number of labels.
func (s LabelSpace) Len() int { return len(s.labels) }

// ID returns the id of label.
func (s LabelSpace) ID(label string) (int, bool) {
	id, ok := s.ids[label]
	return id, ok
}

// Label returns the name of id.
func (s LabelSpace) Label(id int) (string, bool) {
	if id < 0 || id >= len(s.labels) {
		return "", false
	}
	return s.labels[id], true
}

// Labels returns the label names ordered by id.
func (s LabelSpace) Labels() []string {
	cp := make([]string, len(s.labels))
	copy(cp, s.labels)
	return cp
}

// ID2Label returns a fresh id→label map.
func (s LabelSpace) ID2Label() map[int]string {
	m := make(map[int]string, len(s.labels))
	for i, l := range s.labels {
		m[i] = l
	}
	return m
}

// Label2ID returns a fresh label→id map.
func (s LabelSpace) Label2ID() map[string]int {
	m := make(map[string]int, len(s.labels))
	for l, i := range s.ids {
		m[l] = i
	}
	return m
}

// Equal reports whether both spaces assign the same ids to the same labels.
func (s LabelSpace) Equal(other LabelSpace) bool {
	if len(s.labels) != len(other.labels) {
		return false
	}
	for i := range s.labels {
		if s.labels[i] != other.labels[i] {
			return false
		}
	}
	return true
}

type labelSpaceJSON struct {
	ID2Label map[int]string `json:"id2label"`
	Label2ID map[string]int `json:"label2id"`
}

// MarshalJSON writes both directions, as checkpoint configs usually do.
func (s LabelSpace) MarshalJSON() ([]byte, error) {
	return json.Marshal(labelSpaceJSON{ID2Label: s.ID2Label(), Label2ID: s.Label2ID()})
}

// UnmarshalJSON rebuilds the space and checks both directions agree.
func (s *LabelSpace) UnmarshalJSON(data []byte) error {
	var raw labelSpaceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	labels := make([]string, len(raw.ID2Label))
	for id, l := range raw.ID2Label {
		if id < 0 || id >= len(labels) {
			return fmt.Errorf("label id %d out of range", id)
		}
		labels[id] = l
	}
	ls, err := NewLabelSpace(labels)
	if err != nil {
		return err
	}
	if len(raw.Label2ID) != len(labels) {
		return fmt.Errorf("label2id has %d entries, id2label has %d", len(raw.Label2ID), len(labels))
	}
	for l, id := range raw.Label2ID {
		if got, ok := ls.ID(l); !ok || got != id {
			return fmt.Errorf("label2id and id2label disagree on %q", l)
		}
	}
	*s = ls
	return nil
}
