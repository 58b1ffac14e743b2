package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/refund"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

// Stripe rejects charges below this many minor units.
const minAmountCents = 50

// Client implements the provider contract against Stripe. Interactive
// payments go through Checkout Sessions; renewals are off-session
// PaymentIntents against a saved payment method.
type Client struct {
	secretKey     string
	webhookSecret string
	logger        logging.Logger
}

// Config for creating a new Stripe client
type Config struct {
	SecretKey     string // STRIPE_SECRET_KEY
	WebhookSecret string // STRIPE_WEBHOOK_SECRET
	Logger        logging.Logger
}

// NewClient creates a new Stripe client
func NewClient(config Config) *Client {
	// Set the global API key for the stripe-go library
	stripe.Key = config.SecretKey

	return &Client{
		secretKey:     config.SecretKey,
		webhookSecret: config.WebhookSecret,
		logger:        config.Logger,
	}
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providers.Stripe }

// CreatePayment creates a Checkout Session in payment mode. Amounts are
// converted to minor units; anything below the Stripe minimum or not USD is
// fatal and never retried.
func (c *Client) CreatePayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentIntent, error) {
	if !strings.EqualFold(req.Currency, "USD") {
		return nil, &providers.Error{
			Provider:  providers.Stripe,
			Message:   fmt.Sprintf("unsupported currency %s, only USD is accepted", req.Currency),
			Retryable: false,
		}
	}

	cents := req.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	if cents < minAmountCents {
		return nil, &providers.Error{
			Provider:  providers.Stripe,
			Message:   fmt.Sprintf("amount %s below the %d cent minimum", req.Amount, minAmountCents),
			Retryable: false,
		}
	}

	metadata := map[string]string{
		providers.MetaUserID:     strconv.FormatInt(req.UserID, 10),
		providers.MetaTariffSlug: req.TariffSlug,
	}
	if req.PaymentID != 0 {
		metadata["payment_id"] = strconv.FormatInt(req.PaymentID, 10)
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					UnitAmount: stripe.Int64(cents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.ReturnURL),
		CancelURL:  stripe.String(req.ReturnURL),
		Metadata:   metadata,
	}
	params.Context = ctx

	if req.SaveMethod {
		// Retain the card for later off-session renewal charges.
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			SetupFutureUsage: stripe.String("off_session"),
			Metadata:         metadata,
		}
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	c.logger.WithFields(logging.Fields{
		"session_id": sess.ID,
		"user_id":    req.UserID,
		"tariff":     req.TariffSlug,
		"cents":      cents,
	}).Info("Created Stripe checkout session")

	return &providers.PaymentIntent{
		ExternalID:      sess.ID,
		ConfirmationURL: sess.URL,
		Metadata:        metadata,
	}, nil
}

// VerifyWebhook validates the Stripe-Signature header against the webhook
// secret. The SDK enforces the "t=<unix>,v1=<hex>" scheme and its default
// five minute timestamp tolerance; malformed headers simply fail.
func (c *Client) VerifyWebhook(body []byte, signature string) bool {
	if c.webhookSecret == "" || signature == "" {
		return false
	}
	return webhook.ValidatePayload(body, signature, c.webhookSecret) == nil
}

type webhookObject struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	Status        string            `json:"status"`
	AmountTotal   int64             `json:"amount_total"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
	PaymentMethod string            `json:"payment_method"`
}

// ParseEvent maps a Stripe event into a normalized outcome. The payment
// intent id is the external id once present; checkout sessions that have not
// yet minted one fall back to the session id.
func (c *Client) ParseEvent(payload []byte) (*providers.Outcome, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode stripe event: %w", err)
	}

	var obj webhookObject
	if event.Data != nil && len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("failed to decode stripe event object: %w", err)
		}
	}
	externalID := obj.PaymentIntent
	if externalID == "" {
		externalID = obj.ID
	}
	if externalID == "" {
		return nil, fmt.Errorf("stripe event %s carries no object id", event.Type)
	}

	var status providers.Status
	switch event.Type {
	case "checkout.session.completed", "payment_intent.succeeded":
		status = providers.StatusSucceeded
	case "payment_intent.payment_failed":
		status = providers.StatusFailed
	case "charge.refunded":
		status = providers.StatusRefunded
	case "checkout.session.expired", "payment_intent.canceled":
		status = providers.StatusCanceled
	default:
		status = providers.StatusPending
	}

	cents := obj.AmountTotal
	if cents == 0 {
		cents = obj.Amount
	}

	outcome := &providers.Outcome{
		ExternalID:      externalID,
		Status:          status,
		Amount:          decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)),
		Currency:        strings.ToUpper(obj.Currency),
		Metadata:        obj.Metadata,
		PaymentMethodID: obj.PaymentMethod,
		Raw:             json.RawMessage(payload),
	}
	if outcome.Metadata == nil {
		outcome.Metadata = map[string]string{}
	}
	return outcome, nil
}

// ChargeSavedMethod confirms an off-session PaymentIntent against a saved
// payment method. Card declines surface as fatal provider errors; the
// renewal engine records them as failed attempts.
func (c *Client) ChargeSavedMethod(ctx context.Context, methodID string, req providers.PaymentRequest) (*providers.Outcome, error) {
	if !strings.EqualFold(req.Currency, "USD") {
		return nil, &providers.Error{
			Provider:  providers.Stripe,
			Message:   fmt.Sprintf("unsupported currency %s, only USD is accepted", req.Currency),
			Retryable: false,
		}
	}

	cents := req.Amount.Mul(decimal.NewFromInt(100)).IntPart()
	metadata := map[string]string{
		providers.MetaUserID:     strconv.FormatInt(req.UserID, 10),
		providers.MetaTariffSlug: req.TariffSlug,
		"is_recurring":           "true",
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String("usd"),
		PaymentMethod: stripe.String(methodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(req.Description),
		Metadata:      metadata,
	}
	params.Context = ctx

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	status := providers.StatusFailed
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = providers.StatusSucceeded
	case stripe.PaymentIntentStatusProcessing:
		status = providers.StatusPending
	}

	c.logger.WithFields(logging.Fields{
		"payment_intent": pi.ID,
		"user_id":        req.UserID,
		"status":         pi.Status,
	}).Info("Charged saved Stripe payment method")

	return &providers.Outcome{
		ExternalID:      pi.ID,
		Status:          status,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Metadata:        metadata,
		PaymentMethodID: methodID,
		Recurring:       true,
	}, nil
}

// Refund reverses a settled PaymentIntent. amount nil refunds in full.
func (c *Client) Refund(ctx context.Context, externalID string, amount *decimal.Decimal, reason string) (*providers.Outcome, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(externalID),
	}
	params.Context = ctx
	if amount != nil {
		params.Amount = stripe.Int64(amount.Mul(decimal.NewFromInt(100)).IntPart())
	}
	if mapped := mapRefundReason(reason); mapped != "" {
		params.Reason = stripe.String(mapped)
	}

	ref, err := refund.New(params)
	if err != nil {
		return nil, wrapStripeErr(err)
	}

	c.logger.WithFields(logging.Fields{
		"refund_id":      ref.ID,
		"payment_intent": externalID,
		"reason":         reason,
	}).Info("Created Stripe refund")

	return &providers.Outcome{
		ExternalID: externalID,
		Status:     providers.StatusRefunded,
		Amount:     decimal.NewFromInt(ref.Amount).Div(decimal.NewFromInt(100)),
		Currency:   strings.ToUpper(string(ref.Currency)),
		Metadata:   map[string]string{},
	}, nil
}

// CancelRecurrence is a no-op. Renewals are engine-driven PaymentIntents,
// there is no Stripe-side subscription object to cancel.
func (c *Client) CancelRecurrence(ctx context.Context, handle string) bool {
	return false
}

func mapRefundReason(reason string) string {
	switch reason {
	case "duplicate", "fraudulent", "requested_by_customer":
		return reason
	case "":
		return ""
	default:
		return "requested_by_customer"
	}
}

func wrapStripeErr(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return &providers.Error{
			Provider:   providers.Stripe,
			StatusCode: stripeErr.HTTPStatusCode,
			Message:    stripeErr.Msg,
			Retryable:  stripeErr.HTTPStatusCode >= 500,
		}
	}
	// Transport-level failure, no HTTP status observed.
	return &providers.Error{
		Provider:  providers.Stripe,
		Message:   err.Error(),
		Retryable: true,
	}
}
