// notifier.go
//
// Notifier interface and the synchronous implementations.
// Outcomes are opaque to this package: kind and message are passed through as-is
// to whatever renders them (toast, push, webhook consumer).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/uuid/v5"
)

// Outcome is one redemption result addressed to a user.
type Outcome struct {
	UserID   uuid.UUID `json:"user_id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	RewardID string    `json:"reward_id,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier delivers outcomes to the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// NopNotifier drops every outcome.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Outcome) error { return nil }

// LogNotifier writes outcomes to the structured log. Used when no webhook is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, o Outcome) error {
	slog.Info("redemption outcome",
		"worker", "notify",
		"user_id", o.UserID,
		"kind", o.Kind,
		"reward_id", o.RewardID,
		"message", o.Message,
	)
	return nil
}

// WebhookNotifier POSTs each outcome as JSON. Non-2xx responses and network
// errors are retried with exponential backoff up to MaxElapsed.
type WebhookNotifier struct {
	URL        string
	Client     *http.Client
	MaxElapsed time.Duration
}

// NewWebhookNotifier returns a notifier posting to url with a 5s per-request timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		URL:        url,
		Client:     &http.Client{Timeout: 5 * time.Second},
		MaxElapsed: 30 * time.Second,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, o Outcome) error {
	body, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.Client.Do(req)
		if err != nil {
			return fmt.Errorf("posting webhook: %w", err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return backoff.Permanent(fmt.Errorf("webhook rejected outcome: status %d", resp.StatusCode))
		default:
			return fmt.Errorf("webhook unavailable: status %d", resp.StatusCode)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = n.MaxElapsed
	return backoff.Retry(post, backoff.WithContext(b, ctx))
}
