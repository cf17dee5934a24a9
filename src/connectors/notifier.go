package connectors

import (
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"
)

const (
	notifyRetryAttempts   = 3
	notifyRetryBaseDelay  = 500 * time.Millisecond
	notifyRetryMaxBackoff = 4 * time.Second
)

// Notification is a single alert about a trade lifecycle event.
type Notification struct {
	Type    string `json:"type"` // info | warning | error
	Title   string `json:"title"`
	Message string `json:"message"`
	TradeID uint   `json:"trade_id,omitempty"`
}

// Notifier delivers notifications fire-and-forget; implementations must
// never propagate delivery failures to the caller.
type Notifier interface {
	Send(n Notification)
}

// WebhookNotifier posts notifications as JSON to a configured webhook URL.
type WebhookNotifier struct {
	http *resty.Client
}

// NewWebhookNotifier creates a notifier for the given webhook endpoint.
func NewWebhookNotifier(webhookURL string) *WebhookNotifier {
	httpClient := resty.New().
		SetBaseURL(webhookURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(notifyRetryAttempts - 1).
		SetRetryWaitTime(notifyRetryBaseDelay).
		SetRetryMaxWaitTime(notifyRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &WebhookNotifier{http: httpClient}
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}

	code := r.StatusCode()
	if code >= 500 && code <= 599 {
		return true
	}
	if code == 429 || code == 408 {
		return true
	}
	return false
}

// Send posts the notification. Failures are logged and swallowed.
func (w *WebhookNotifier) Send(n Notification) {
	resp, err := w.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(n).
		Post("")

	if err != nil {
		logger.WithError(err).
			WithField("title", n.Title).
			Error("Failed to deliver notification")
		return
	}

	if resp.StatusCode() >= 300 {
		logger.WithFields(map[string]interface{}{
			"title":  n.Title,
			"status": resp.StatusCode(),
		}).Error("Notification endpoint returned non-success status")
		return
	}

	logger.WithFields(map[string]interface{}{
		"type":     n.Type,
		"title":    n.Title,
		"trade_id": n.TradeID,
	}).Debug("Notification delivered")
}

// NopNotifier discards every notification. Used when no webhook is
// configured.
type NopNotifier struct{}

func (NopNotifier) Send(Notification) {}
