package dataset

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
)

// LoadOptions names the columns holding the utterance and its intent.
type LoadOptions struct {
	UtteranceColumn string `json:"utterance_column" mapstructure:"utterance_column"`
	IntentColumn    string `json:"intent_column" mapstructure:"intent_column"`
}

// DefaultLoadOptions returns the column names of the reference intents table.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{UtteranceColumn: "utterance", IntentColumn: "intent"}
}

// LoadCSVFile reads examples from a CSV file on disk.
func LoadCSVFile(path string, opts LoadOptions) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer f.Close()
	return LoadCSV(f, opts)
}

// LoadCSV reads one Example per row. Extra columns are ignored.
func LoadCSV(r io.Reader, opts LoadOptions) ([]Example, error) {
	if opts.UtteranceColumn == "" {
		opts.UtteranceColumn = "utterance"
	}
	if opts.IntentColumn == "" {
		opts.IntentColumn = "intent"
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &DataFormatError{Reason: "table is empty"}
	}

	rows, err := gocsv.CSVToMaps(bytes.NewReader(raw))
	if err != nil {
		return nil, &DataFormatError{Reason: err.Error()}
	}
	if len(rows) == 0 {
		return nil, &DataFormatError{Reason: "table has a header but no rows"}
	}

	// Header names may carry stray whitespace.
	normalized := make([]map[string]string, len(rows))
	for i, row := range rows {
		m := make(map[string]string, len(row))
		for k, v := range row {
			m[strings.TrimSpace(k)] = v
		}
		normalized[i] = m
	}

	var missing []string
	for _, col := range []string{opts.UtteranceColumn, opts.IntentColumn} {
		if _, ok := normalized[0][col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &DataFormatError{Missing: missing}
	}

	examples := make([]Example, 0, len(normalized))
	for i, row := range normalized {
		ex := Example{
			Utterance: strings.TrimSpace(row[opts.UtteranceColumn]),
			Intent:    strings.TrimSpace(row[opts.IntentColumn]),
		}
		if ex.Utterance == "" {
			return nil, &DataFormatError{Row: i + 1, Reason: "empty " + opts.UtteranceColumn}
		}
		if ex.Intent == "" {
			return nil, &DataFormatError{Row: i + 1, Reason: "empty " + opts.IntentColumn}
		}
		examples = append(examples, ex)
	}
	return examples, nil
}
