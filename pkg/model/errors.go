package model

import (
	"fmt"
	"strings"
)

// LabelSpaceMismatchError is returned when weights trained for one label
// mapping are about to be used with another. Proceeding would silently
// report wrong label names.
type LabelSpaceMismatchError struct {
	Expected []string
	Got      []string
}

func (e *LabelSpaceMismatchError) Error() string {
	return fmt.Sprintf("label space mismatch: expected [%s], checkpoint has [%s]",
		strings.Join(e.Expected, ", "), strings.Join(e.Got, ", "))
}
