package notify

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier posts a JSON payload to a configured URL for every
// notification, the headless/server-deployment arm of the Notifier
// interface (SPEC_FULL.md domain stack): an operator without a desktop
// session still wants to hear about an auth revocation or a dead-letter
// pileup, so it speaks to something like a Slack incoming webhook or a
// ntfy.sh topic instead of org.freedesktop.Notifications.
type WebhookNotifier struct {
	url    string
	client *resty.Client
}

// NewWebhook builds a WebhookNotifier posting to url, with the same
// bounded-timeout contract spec §5 requires of every outbound HTTP call.
func NewWebhook(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: resty.New().SetTimeout(timeout).SetRetryCount(2),
	}
}

type webhookPayload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Urgency byte   `json:"urgency"`
}

// Notify posts n to the configured URL. It always returns id 0: a
// webhook has no notion of a replaceable notification handle.
func (w *WebhookNotifier) Notify(n Notification) (uint32, error) {
	resp, err := w.client.R().
		SetBody(webhookPayload{Title: n.Title, Body: n.Body, Urgency: byte(n.Urgency)}).
		Post(w.url)
	if err != nil {
		return 0, fmt.Errorf("notify: webhook post: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("notify: webhook post: status %s", resp.Status())
	}
	return 0, nil
}

// Close is a no-op; webhook notifications can't be recalled.
func (w *WebhookNotifier) Close(uint32) error { return nil }
