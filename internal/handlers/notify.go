package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tokenforge/bursar/pkg/logging"
)

// Notifier pushes billing events to the chat layer so it can message the
// user. Delivery is strictly best-effort: financial state is already
// committed by the time a notification goes out, and a failed notification
// must never roll it back.
type Notifier struct {
	url    string
	client *http.Client
	logger logging.Logger
}

// NewNotifier creates a notifier posting to the given URL. An empty URL
// disables notifications entirely.
func NewNotifier(url string, log logging.Logger) *Notifier {
	if url == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log,
	}
}

func (n *Notifier) post(event string, payload map[string]interface{}) {
	payload["event"] = event
	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.WithError(err).Warn("Failed to encode notification")
		return
	}

	go func() {
		resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			n.logger.WithError(err).WithField("event", event).Warn("Failed to deliver notification")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.WithFields(logging.Fields{
				"event":  event,
				"status": resp.StatusCode,
			}).Warn("Notification endpoint rejected event")
		}
	}()
}

// PaymentSucceeded announces a settled payment and its token grant.
func (n *Notifier) PaymentSucceeded(p *Payment) {
	n.post("payment_succeeded", map[string]interface{}{
		"account_id": p.AccountID,
		"payment_id": p.ID,
		"provider":   p.Provider,
		"tariff":     p.TariffSlug,
		"tokens":     p.TokensAmount,
	})
}

// PaymentRefunded announces a refund and its token reversal.
func (n *Notifier) PaymentRefunded(p *Payment) {
	n.post("payment_refunded", map[string]interface{}{
		"account_id": p.AccountID,
		"payment_id": p.ID,
		"provider":   p.Provider,
		"tokens":     p.TokensAmount,
	})
}

// RenewalFailed announces a failed renewal attempt so the user can fix
// their payment method before the retry budget runs out.
func (n *Notifier) RenewalFailed(s *Subscription, reason string) {
	n.post("renewal_failed", map[string]interface{}{
		"account_id":      s.AccountID,
		"subscription_id": s.ID,
		"tariff":          s.TariffSlug,
		"attempts":        s.RenewalAttempts + 1,
		"reason":          reason,
	})
}

// SubscriptionExpired announces a terminal expiry.
func (n *Notifier) SubscriptionExpired(s *Subscription) {
	n.post("subscription_expired", map[string]interface{}{
		"account_id":      s.AccountID,
		"subscription_id": s.ID,
		"tariff":          s.TariffSlug,
	})
}
