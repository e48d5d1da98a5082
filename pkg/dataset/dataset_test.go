package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const intentsCSV = `utterance,intent,source
what is the deadline for fee payment?,fee_deadline,faq
when do i have to pay fees,fee_deadline,faq
last date for fees,fee_deadline,chat
fee due date,fee_deadline,chat
fee payment last day,fee_deadline,chat
where can i find the scholarship form?,scholarship,faq
scholarship application form,scholarship,chat
how to apply for scholarship,scholarship,chat
bye,goodbye,chat
see you later,goodbye,chat
`

func loadFixture(t *testing.T) []Example {
	t.Helper()
	examples, err := LoadCSV(strings.NewReader(intentsCSV), DefaultLoadOptions())
	require.NoError(t, err)
	return examples
}

func TestLoadCSV(t *testing.T) {
	examples := loadFixture(t)
	require.Len(t, examples, 10)
	assert.Equal(t, Example{Utterance: "what is the deadline for fee payment?", Intent: "fee_deadline"}, examples[0])
	assert.Equal(t, "goodbye", examples[9].Intent)
}

func TestLoadCSVMissingColumn(t *testing.T) {
	_, err := LoadCSV(strings.NewReader("text,intent\nhi,greeting\n"), DefaultLoadOptions())

	var dfe *DataFormatError
	require.True(t, errors.As(err, &dfe), "got %v", err)
	assert.Equal(t, []string{"utterance"}, dfe.Missing)
}

func TestLoadCSVCustomColumns(t *testing.T) {
	examples, err := LoadCSV(strings.NewReader("text,label\nhi,greeting\n"),
		LoadOptions{UtteranceColumn: "text", IntentColumn: "label"})
	require.NoError(t, err)
	assert.Equal(t, []Example{{Utterance: "hi", Intent: "greeting"}}, examples)
}

func TestLoadCSVMalformed(t *testing.T) {
	cases := map[string]string{
		"empty":       "",
		"header only": "utterance,intent\n",
		"empty cell":  "utterance,intent\nhi,\n",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadCSV(strings.NewReader(in), DefaultLoadOptions())
			var dfe *DataFormatError
			assert.True(t, errors.As(err, &dfe), "got %v", err)
		})
	}
}

func TestLoadCSVStripsBOM(t *testing.T) {
	examples, err := LoadCSV(strings.NewReader("\ufeffutterance,intent\nhi,greeting\n"), DefaultLoadOptions())
	require.NoError(t, err)
	assert.Len(t, examples, 1)
}

func TestLabelBijection(t *testing.T) {
	ds, err := Load(loadFixture(t), DefaultSplitConfig())
	require.NoError(t, err)

	// first-appearance order
	assert.Equal(t, []string{"fee_deadline", "scholarship", "goodbye"}, ds.Labels.Labels())

	id2label := ds.Labels.ID2Label()
	label2id := ds.Labels.Label2ID()
	for label, id := range label2id {
		assert.Equal(t, label, id2label[id])
	}
	for id, label := range id2label {
		assert.Equal(t, id, label2id[label])
	}
}

func TestLabelSpaceIsNotAliased(t *testing.T) {
	ls, err := NewLabelSpace([]string{"a", "b"})
	require.NoError(t, err)

	ls.Labels()[0] = "z"
	ls.ID2Label()[0] = "z"
	ls.Label2ID()["z"] = 0

	label, _ := ls.Label(0)
	assert.Equal(t, "a", label)
	_, ok := ls.ID("z")
	assert.False(t, ok)
}

func TestNewLabelSpaceRejectsDuplicates(t *testing.T) {
	_, err := NewLabelSpace([]string{"a", "a"})
	assert.Error(t, err)
	_, err = NewLabelSpace([]string{""})
	assert.Error(t, err)
}

func TestLabelSpaceJSON(t *testing.T) {
	ls, err := NewLabelSpace([]string{"greeting", "farewell"})
	require.NoError(t, err)

	data, err := json.Marshal(ls)
	require.NoError(t, err)

	var back LabelSpace
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, ls.Equal(back))

	var bad LabelSpace
	err = json.Unmarshal([]byte(`{"id2label":{"0":"a","1":"b"},"label2id":{"a":1,"b":0}}`), &bad)
	assert.Error(t, err)
}

func TestStratifiedSplit(t *testing.T) {
	examples := loadFixture(t)
	ds, err := Load(examples, DefaultSplitConfig())
	require.NoError(t, err)

	split := ds.Split
	assert.Len(t, split.Train, 7)
	assert.Len(t, split.Test, 3)

	// disjoint and covering, compared as multisets of rows
	seen := make(map[Example]int)
	for _, ex := range split.Train {
		seen[ex]++
	}
	for _, ex := range split.Test {
		seen[ex]++
	}
	for _, ex := range examples {
		assert.Equal(t, 1, seen[ex], "example %v", ex)
	}

	for _, label := range ds.Labels.Labels() {
		assert.Greater(t, ds.Stats.TrainCount[label], 0, label)
		assert.Greater(t, ds.Stats.TestCount[label], 0, label)
	}
	assert.Equal(t, 1, ds.Stats.TestCount["fee_deadline"])
}

func TestStratifiedSplitDeterministic(t *testing.T) {
	examples := loadFixture(t)
	a, err := Load(examples, SplitConfig{TestSize: 0.3, Seed: 7})
	require.NoError(t, err)
	b, err := Load(examples, SplitConfig{TestSize: 0.3, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, a.Split, b.Split)
}

func TestStratifiedSplitKeepsOrder(t *testing.T) {
	var examples []Example
	for i := 0; i < 20; i++ {
		examples = append(examples, Example{Utterance: fmt.Sprintf("u%02d", i), Intent: fmt.Sprintf("l%d", i%2)})
	}
	ds, err := Load(examples, DefaultSplitConfig())
	require.NoError(t, err)

	for _, part := range [][]Example{ds.Split.Train, ds.Split.Test} {
		for i := 1; i < len(part); i++ {
			assert.Less(t, part[i-1].Utterance, part[i].Utterance)
		}
	}
	assert.Len(t, ds.Split.Test, 4)
}

func TestInsufficientData(t *testing.T) {
	_, err := NewBuilder().
		AddExamples(
			Example{Utterance: "hi", Intent: "greeting"},
			Example{Utterance: "hello", Intent: "greeting"},
			Example{Utterance: "bye", Intent: "farewell"},
		).
		Build()

	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide), "got %v", err)
	assert.Equal(t, "farewell", ide.Label)
	assert.Equal(t, 1, ide.Count)
}

func TestInvalidTestSize(t *testing.T) {
	_, err := NewBuilder().WithSplit(1.5).AddExamples(Example{Utterance: "a", Intent: "x"}).Build()
	assert.Error(t, err)
}
