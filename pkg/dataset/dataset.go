package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// Example is one labeled utterance.
type Example struct {
	Utterance string `json:"utterance" csv:"utterance"`
	Intent    string `json:"intent" csv:"intent"`
}

// Split holds the disjoint train/test partitions.
type Split struct {
	Train []Example `json:"train"`
	Test  []Example `json:"test"`
}

// SplitConfig defines the held-out proportion and the shuffle seed.
type SplitConfig struct {
	TestSize float64 `json:"test_size" mapstructure:"test_size"`
	Seed     int64   `json:"seed" mapstructure:"seed"`
}

// DefaultSplitConfig returns the 80/20 split with seed 42.
func DefaultSplitConfig() SplitConfig {
	return SplitConfig{TestSize: 0.2, Seed: 42}
}

// Dataset is the output of the loader stage.
type Dataset struct {
	Examples []Example  `json:"-"`
	Labels   LabelSpace `json:"labels"`
	Split    Split      `json:"split"`
	Stats    *Stats     `json:"stats"`
}

// Stats holds per-label counts of a split.
type Stats struct {
	Total      int            `json:"total"`
	Train      int            `json:"train"`
	Test       int            `json:"test"`
	TrainCount map[string]int `json:"train_count"`
	TestCount  map[string]int `json:"test_count"`
}

// Builder assembles a Dataset.
type Builder struct {
	examples []Example
	split    SplitConfig
}

// NewBuilder creates a builder with the default split.
func NewBuilder() *Builder {
	return &Builder{split: DefaultSplitConfig()}
}

// WithSplit sets the held-out proportion.
func (b *Builder) WithSplit(testSize float64) *Builder {
	b.split.TestSize = testSize
	return b
}

// WithSeed sets the random seed for reproducible splits.
func (b *Builder) WithSeed(seed int64) *Builder {
	b.split.Seed = seed
	return b
}

// AddExamples appends raw examples.
func (b *Builder) AddExamples(examples ...Example) *Builder {
	b.examples = append(b.examples, examples...)
	return b
}

// Build creates the label space from the full data, then splits.
func (b *Builder) Build() (*Dataset, error) {
	return Load(b.examples, b.split)
}

// Load builds the LabelSpace from every example before splitting, so ids
// never depend on which rows land in which partition.
func Load(examples []Example, cfg SplitConfig) (*Dataset, error) {
	if len(examples) == 0 {
		return nil, &DataFormatError{Reason: "no examples"}
	}

	labels := LabelSpaceFromExamples(examples)
	split, err := StratifiedSplit(examples, labels, cfg)
	if err != nil {
		return nil, err
	}

	return &Dataset{
		Examples: examples,
		Labels:   labels,
		Split:    split,
		Stats:    CalculateStats(split),
	}, nil
}

// StratifiedSplit partitions examples so every label appears on both sides.
// Each label contributes round(n*TestSize) examples to the test side, clamped
// to [1, n-1]. Both partitions keep the input order.
func StratifiedSplit(examples []Example, labels LabelSpace, cfg SplitConfig) (Split, error) {
	if cfg.TestSize <= 0 || cfg.TestSize >= 1 {
		return Split{}, fmt.Errorf("test size must be in (0, 1), got %f", cfg.TestSize)
	}

	byLabel := make([][]int, labels.Len())
	for i, ex := range examples {
		id, ok := labels.ID(ex.Intent)
		if !ok {
			return Split{}, fmt.Errorf("example %d has intent %q outside the label space", i, ex.Intent)
		}
		byLabel[id] = append(byLabel[id], i)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	inTest := make([]bool, len(examples))

	for id, idx := range byLabel {
		n := len(idx)
		if n < 2 {
			name, _ := labels.Label(id)
			return Split{}, &InsufficientDataError{Label: name, Count: n, Required: 2}
		}

		k := int(math.Round(float64(n) * cfg.TestSize))
		if k < 1 {
			k = 1
		}
		if k > n-1 {
			k = n - 1
		}

		shuffled := make([]int, n)
		copy(shuffled, idx)
		rng.Shuffle(n, func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		for _, i := range shuffled[:k] {
			inTest[i] = true
		}
	}

	var split Split
	for i, ex := range examples {
		if inTest[i] {
			split.Test = append(split.Test, ex)
		} else {
			split.Train = append(split.Train, ex)
		}
	}
	return split, nil
}

// CalculateStats counts examples per label on each side of the split.
func CalculateStats(split Split) *Stats {
	stats := &Stats{
		Train:      len(split.Train),
		Test:       len(split.Test),
		Total:      len(split.Train) + len(split.Test),
		TrainCount: make(map[string]int),
		TestCount:  make(map[string]int),
	}
	for _, ex := range split.Train {
		stats.TrainCount[ex.Intent]++
	}
	for _, ex := range split.Test {
		stats.TestCount[ex.Intent]++
	}
	return stats
}
