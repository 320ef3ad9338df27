package recorder

import (
	"fmt"

	"github.com/Mindburn-Labs/chaintrace/pkg/ledger"
)

// Stage is a state of the per-call recording state machine.
type Stage string

const (
	StageBuilding   Stage = "building"
	StageSigned     Stage = "signed"
	StageSubmitted  Stage = "submitted"
	StageConfirming Stage = "confirming"
	StageConfirmed  Stage = "confirmed"
	StageFailed     Stage = "failed"
)

// Outcome tells the caller what to do after a failed Record call.
type Outcome string

const (
	// OutcomeNotSubmitted: nothing reached the ledger. Safe to retry.
	OutcomeNotSubmitted Outcome = "not_submitted"
	// OutcomeUnknown: the transaction may have reached the ledger but its
	// fate is unknown. Re-check TxHash before retrying.
	OutcomeUnknown Outcome = "unknown"
	// OutcomeRejected: the ledger included and failed the transaction.
	OutcomeRejected Outcome = "rejected"
)

// RecordError is returned by Record for every failure.
type RecordError struct {
	Outcome  Outcome
	Stage    Stage
	RecordID string
	TxHash   ledger.TxHash
	Attempts int
	Cause    error
}

func (e *RecordError) Error() string {
	msg := fmt.Sprintf("recorder: %s at %s", e.Outcome, e.Stage)
	if e.TxHash != "" {
		msg += " (tx " + string(e.TxHash) + ")"
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempt(s)", e.Attempts)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RecordError) Unwrap() error { return e.Cause }
