package reward

import (
	"context"
	"log/slog"
	"time"
)

// Recorder counts notification outcomes for the metrics endpoint.
type Recorder interface {
	RecordRewardOutcome(outcome string)
}

type Notifier struct {
	ledger   Ledger
	timeout  time.Duration
	logger   *slog.Logger
	recorder Recorder
}

func NewNotifier(ledger Ledger, timeout time.Duration, logger *slog.Logger, recorder Recorder) *Notifier {
	if ledger == nil {
		ledger = NopLedger{}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{ledger: ledger, timeout: timeout, logger: logger, recorder: recorder}
}

// Notify delivers ev and reports what happened. It runs after the triggering
// write has committed, so it detaches from the request's cancellation and
// only logs failures.
func (n *Notifier) Notify(ctx context.Context, ev Event) Outcome {
	if n == nil {
		return OutcomeSkipped
	}
	log := n.logger.With("idempotency_key", ev.Key, "kind", string(ev.Kind), "subject_id", ev.SubjectID, "amount", ev.Amount)
	if ev.Amount <= 0 {
		log.Info("reward notification skipped: nothing to grant")
		n.record(OutcomeSkipped)
		return OutcomeSkipped
	}

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	outcome, err := n.ledger.Notify(nctx, ev)
	if err != nil {
		outcome = OutcomeError
	}
	switch outcome {
	case OutcomeAccepted:
		log.Info("reward notification accepted")
	case OutcomeInsufficientFunds:
		log.Warn("reward notification refused: insufficient funds")
	default:
		log.Error("reward notification failed", "error", err)
	}
	n.record(outcome)
	return outcome
}

func (n *Notifier) record(o Outcome) {
	if n.recorder != nil {
		n.recorder.RecordRewardOutcome(string(o))
	}
}
