// Package reward notifies the external reward ledger of submission and
// grading events. Notification is fire-and-log: its outcome never changes
// the assessment result that triggered it.
package reward

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

type EventKind string

const (
	EventSubmit   EventKind = "submit"
	EventFinalize EventKind = "finalize"
)

type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeError             Outcome = "error"
	OutcomeSkipped           Outcome = "skipped"
)

var ErrLedgerUnavailable = errors.New("reward ledger unavailable")

// Event is one grant request. SubjectID is the learner being rewarded.
type Event struct {
	Key       string                 `json:"idempotency_key"`
	Kind      EventKind              `json:"kind"`
	SubjectID int64                  `json:"subject_id"`
	Amount    int                    `json:"amount"`
	Reason    string                 `json:"reason"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type Ledger interface {
	Notify(ctx context.Context, ev Event) (Outcome, error)
}

// IdempotencyKey is stable for (test, learner, kind), so a replayed
// notification can never grant twice.
func IdempotencyKey(testID, learnerID int64, kind EventKind) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("coursetest:%d:%d:%s", testID, learnerID, kind)))
	return hex.EncodeToString(sum[:])
}

// TierForPercentage grants one unit per full 10 percentage points.
func TierForPercentage(percentage int) int {
	if percentage <= 0 {
		return 0
	}
	if percentage > 100 {
		percentage = 100
	}
	return percentage / 10
}

// NopLedger accepts everything; used when no ledger URL is configured.
type NopLedger struct{}

func (NopLedger) Notify(ctx context.Context, ev Event) (Outcome, error) {
	return OutcomeAccepted, nil
}
