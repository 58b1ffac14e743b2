package stars

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

// Client implements the provider contract for Telegram Stars. There is no
// payment API to call: the engine builds an invoice payload the chat layer
// delivers, and settlement arrives as successful_payment events relayed by
// that layer. Recurrence is managed entirely by the platform.
type Client struct {
	providers.NoCapabilities
	logger logging.Logger
}

// Config for creating a new Stars client
type Config struct {
	Logger logging.Logger
}

// NewClient creates a new Telegram Stars client
func NewClient(config Config) *Client {
	return &Client{
		NoCapabilities: providers.NoCapabilities{ProviderName: providers.TelegramStars},
		logger:         config.Logger,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providers.TelegramStars }

// invoicePayload travels inside the invoice and comes back verbatim on the
// settlement event. It is the only attribution channel Stars offers.
type invoicePayload struct {
	UserID     int64  `json:"user_id"`
	TariffSlug string `json:"tariff_slug"`
	Provider   string `json:"provider"`
	PaymentID  int64  `json:"payment_id,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// CreatePayment validates the Stars amount and returns the invoice payload.
// Stars amounts are whole XTR, minimum 1; anything else is fatal.
func (c *Client) CreatePayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentIntent, error) {
	if req.Currency != "XTR" {
		return nil, &providers.Error{
			Provider:  providers.TelegramStars,
			Message:   fmt.Sprintf("unsupported currency %s, only XTR is accepted", req.Currency),
			Retryable: false,
		}
	}
	if !req.Amount.IsInteger() || req.Amount.IntPart() < 1 {
		return nil, &providers.Error{
			Provider:  providers.TelegramStars,
			Message:   fmt.Sprintf("stars amount must be a whole number of at least 1, got %s", req.Amount),
			Retryable: false,
		}
	}

	payload, err := json.Marshal(invoicePayload{
		UserID:     req.UserID,
		TariffSlug: req.TariffSlug,
		Provider:   providers.TelegramStars,
		PaymentID:  req.PaymentID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode invoice payload: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"user_id": req.UserID,
		"tariff":  req.TariffSlug,
		"stars":   req.Amount.IntPart(),
	}).Info("Prepared Stars invoice payload")

	return &providers.PaymentIntent{
		InvoicePayload: string(payload),
		Metadata: map[string]string{
			providers.MetaUserID:     strconv.FormatInt(req.UserID, 10),
			providers.MetaTariffSlug: req.TariffSlug,
		},
	}, nil
}

// VerifyWebhook always succeeds: events arrive over the chat layer's
// authenticated connection to the platform, not over the open internet.
func (c *Client) VerifyWebhook(body []byte, signature string) bool {
	return true
}

type successfulPayment struct {
	Currency                   string `json:"currency"`
	TotalAmount                int64  `json:"total_amount"`
	InvoicePayload             string `json:"invoice_payload"`
	TelegramPaymentChargeID    string `json:"telegram_payment_charge_id"`
	IsRecurring                bool   `json:"is_recurring"`
	IsFirstRecurring           bool   `json:"is_first_recurring"`
	SubscriptionExpirationDate int64  `json:"subscription_expiration_date"`
}

// ParseEvent maps a relayed successful_payment event into a normalized
// outcome. The platform only delivers settled payments, so the status is
// always succeeded.
func (c *Client) ParseEvent(payload []byte) (*providers.Outcome, error) {
	var event successfulPayment
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode stars event: %w", err)
	}
	if event.TelegramPaymentChargeID == "" {
		return nil, fmt.Errorf("stars event has no telegram_payment_charge_id")
	}

	metadata := map[string]string{}
	var invoice invoicePayload
	if event.InvoicePayload != "" {
		if err := json.Unmarshal([]byte(event.InvoicePayload), &invoice); err == nil {
			if invoice.UserID != 0 {
				metadata[providers.MetaUserID] = strconv.FormatInt(invoice.UserID, 10)
			}
			if invoice.TariffSlug != "" {
				metadata[providers.MetaTariffSlug] = invoice.TariffSlug
			}
			if invoice.PaymentID != 0 {
				metadata["payment_id"] = strconv.FormatInt(invoice.PaymentID, 10)
			}
		}
	}

	outcome := &providers.Outcome{
		ExternalID:     event.TelegramPaymentChargeID,
		Status:         providers.StatusSucceeded,
		Amount:         decimal.NewFromInt(event.TotalAmount),
		Currency:       event.Currency,
		Metadata:       metadata,
		Recurring:      event.IsRecurring,
		FirstRecurring: event.IsFirstRecurring,
		Raw:            json.RawMessage(payload),
	}
	if event.SubscriptionExpirationDate > 0 {
		expires := time.Unix(event.SubscriptionExpirationDate, 0).UTC()
		outcome.SubscriptionExpiresAt = &expires
		// The platform owns the subscription; the charge id doubles as the
		// handle the engine stores in place of a saved payment method.
		outcome.PaymentMethodID = event.TelegramPaymentChargeID
	}
	return outcome, nil
}

// Refund must be performed through the chat platform's own refund
// primitive, outside this engine.
func (c *Client) Refund(ctx context.Context, externalID string, amount *decimal.Decimal, reason string) (*providers.Outcome, error) {
	return nil, &providers.Unsupported{
		Provider:   providers.TelegramStars,
		Capability: "refunds (use the platform refund primitive)",
	}
}
