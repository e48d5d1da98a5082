package dataset

import (
	"fmt"
	"strings"
)

// DataFormatError reports a malformed input table.
type DataFormatError struct {
	Reason  string
	Missing []string // required columns that were not found
	Row     int      // 1-based data row, 0 when not row specific
}

func (e *DataFormatError) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("data format error: missing required column(s) %s", strings.Join(e.Missing, ", "))
	case e.Row > 0:
		return fmt.Sprintf("data format error: row %d: %s", e.Row, e.Reason)
	default:
		return "data format error: " + e.Reason
	}
}

// InsufficientDataError reports a label that cannot be placed in both split partitions.
type InsufficientDataError struct {
	Label    string
	Count    int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: label %q has %d example(s), stratified split needs at least %d",
		e.Label, e.Count, e.Required)
}
