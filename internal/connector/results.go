package connector

import (
	"fmt"
	"strings"

	"github.com/otcheredev/dicom-transfer-connector/pkg/dimse"
)

// Result is one response of an operation.
type Result struct {
	Category   dimse.Category
	Status     uint16
	Attributes Attributes
}

func resultFrom(resp *dimse.Response) Result {
	r := Result{Category: dimse.Classify(resp.Status), Status: resp.Status}
	if resp.Identifier != nil {
		r.Attributes = attributesFrom(resp.Identifier)
	}
	return r
}

// extractPendingData returns the payloads of the pending results in order.
// A terminal status other than success fails the operation.
func extractPendingData(results []Result, op string) ([]Attributes, error) {
	if len(results) > 0 {
		last := results[len(results)-1]
		if last.Category != dimse.CategoryPending && last.Category != dimse.CategorySuccess {
			return nil, retriable(fmt.Sprintf("%s (0x%04X) occurred during %s.", last.Category, last.Status, op))
		}
	}
	out := make([]Attributes, 0, len(results))
	for _, r := range results {
		if r.Category == dimse.CategoryPending && r.Attributes != nil {
			out = append(out, r.Attributes)
		}
	}
	return out, nil
}

// evaluateTransfer checks the terminal status of a C-GET or C-MOVE.
func evaluateTransfer(results []Result) error {
	if len(results) == 0 {
		return nil
	}
	last := results[len(results)-1]
	if last.Category == dimse.CategorySuccess {
		return nil
	}
	msg := fmt.Sprintf("Failed to transfer images with status %s (0x%04X).", last.Category, last.Status)
	if failed := last.Attributes.Strings(FailedSOPInstanceUIDList); len(failed) > 0 {
		msg += " Failed images: " + strings.Join(failed, ", ")
	}
	return retriable(msg)
}

// tally is the three-valued outcome shared by uploads and study moves.
type tally struct {
	total  int
	failed int
}

func (t *tally) record(ok bool) {
	t.total++
	if !ok {
		t.failed++
	}
}

// err returns nil when nothing failed, allMsg when everything failed and
// someMsg otherwise.
func (t tally) err(allMsg, someMsg string) error {
	switch {
	case t.failed == 0:
		return nil
	case t.failed == t.total:
		return retriable(allMsg)
	default:
		return retriable(someMsg)
	}
}
