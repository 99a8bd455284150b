package reward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type HTTPLedgerConfig struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// HTTPLedger posts grant events as JSON. 2xx and 409 (already granted under
// this key) are accepted, 402 is insufficient funds, anything else an error.
type HTTPLedger struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPLedger(cfg HTTPLedgerConfig) *HTTPLedger {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPLedger{
		endpoint: strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/"),
		token:    strings.TrimSpace(cfg.Token),
		client:   client,
	}
}

type grantRequest struct {
	EventID   string                 `json:"event_id"`
	SubjectID int64                  `json:"subject_id"`
	Amount    int                    `json:"amount"`
	Reason    string                 `json:"reason"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// eventID is stable per idempotency key so replays carry the same body id.
func eventID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("coursetest:"+key)).String()
}

func (l *HTTPLedger) Notify(ctx context.Context, ev Event) (Outcome, error) {
	if l.endpoint == "" {
		return OutcomeError, ErrLedgerUnavailable
	}
	body, err := json.Marshal(grantRequest{
		EventID:   eventID(ev.Key),
		SubjectID: ev.SubjectID,
		Amount:    ev.Amount,
		Reason:    ev.Reason,
		Metadata:  ev.Metadata,
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("encode grant: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+"/grants", bytes.NewReader(body))
	if err != nil {
		return OutcomeError, fmt.Errorf("build grant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", ev.Key)
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return OutcomeError, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		return OutcomeAccepted, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return OutcomeInsufficientFunds, nil
	default:
		return OutcomeError, fmt.Errorf("reward ledger status %d", resp.StatusCode)
	}
}
