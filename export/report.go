package export

import (
	"time"

	"github.com/hashicorp/go-multierror"
)

// Outcome is how a run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemStatus is how one export request ended.
type ItemStatus int

const (
	ItemPending ItemStatus = iota
	ItemExported
	ItemSkipped
	ItemFailed
	ItemCancelled
)

func (s ItemStatus) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemExported:
		return "exported"
	case ItemSkipped:
		return "skipped"
	case ItemFailed:
		return "failed"
	case ItemCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ItemResult records the export of one request.
type ItemResult struct {
	MRN         string
	Course      string
	Exam        string
	Status      ItemStatus
	Reason      string // why the item was skipped or failed
	Transfers   int
	Received    int
	FailedMoves int // sub-operations the archive reported failed
}

// Report summarizes a run.
type Report struct {
	RunID    string
	Outcome  Outcome
	Started  time.Time
	Finished time.Time
	Items    []ItemResult

	// Errors collects transfer failures and failed items.
	Errors *multierror.Error
}

// Err returns the collected failures, or nil.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

// Count returns the number of items that ended with status.
func (r *Report) Count(status ItemStatus) int {
	n := 0
	for _, item := range r.Items {
		if item.Status == status {
			n++
		}
	}
	return n
}
