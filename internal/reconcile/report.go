package reconcile

import (
	"time"

	"github.com/MarkoPoloResearchLab/arena/pkg/ledger"
)

// Decision is what a pass did with one pending topup.
type Decision string

const (
	DecisionApplied        Decision = "applied"
	DecisionFailed         Decision = "failed"
	DecisionAmountMismatch Decision = "amount_mismatch"
	DecisionPending        Decision = "pending"
	DecisionAmbiguous      Decision = "ambiguous"
	DecisionUnavailable    Decision = "unavailable"
	DecisionSkipped        Decision = "skipped"
	DecisionError          Decision = "error"
)

func (decision Decision) terminal() bool {
	return decision == DecisionApplied || decision == DecisionFailed || decision == DecisionAmountMismatch
}

func (decision Decision) leavesPending() bool {
	switch decision {
	case DecisionPending, DecisionAmbiguous, DecisionUnavailable, DecisionError:
		return true
	default:
		return false
	}
}

// Report summarizes one pass.
type Report struct {
	StartedAt      time.Time
	Examined       int
	Applied        int
	Failed         int
	AmountMismatch int
	StillPending   int
	Ambiguous      int
	Unavailable    int
	Skipped        int
	Errors         int
	Stale          []ledger.Entry
}

func (report *Report) add(decision Decision) {
	report.Examined++
	switch decision {
	case DecisionApplied:
		report.Applied++
	case DecisionFailed:
		report.Failed++
	case DecisionAmountMismatch:
		report.AmountMismatch++
	case DecisionPending:
		report.StillPending++
	case DecisionAmbiguous:
		report.Ambiguous++
	case DecisionUnavailable:
		report.Unavailable++
	case DecisionSkipped:
		report.Skipped++
	default:
		report.Errors++
	}
}
