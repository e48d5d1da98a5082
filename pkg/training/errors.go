package training

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrNonFiniteLoss aborts a run whose training loss became NaN or infinite.
var ErrNonFiniteLoss = errors.New("training loss is not finite")

// ResourceExhaustionError is returned before the first optimizer step when
// the estimated training footprint exceeds the configured memory limit.
type ResourceExhaustionError struct {
	Required uint64
	Limit    uint64
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("training needs about %s, memory limit is %s",
		humanize.Bytes(e.Required), humanize.Bytes(e.Limit))
}

// DivergenceWarning reports that the final epoch's training loss did not
// improve on the first epoch's. It is recorded on the run, never returned.
type DivergenceWarning struct {
	FirstLoss float64 `json:"first_loss"`
	LastLoss  float64 `json:"last_loss"`
	Epochs    int     `json:"epochs"`
}

func (w *DivergenceWarning) Error() string {
	return fmt.Sprintf("training loss did not decrease over %d epochs (%.4f -> %.4f)", w.Epochs, w.FirstLoss, w.LastLoss)
}
