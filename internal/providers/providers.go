package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Provider names as stored on payments and subscriptions.
const (
	YooKassa      = "yookassa"
	Stripe        = "stripe"
	TelegramStars = "telegram_stars"
)

// Status is the normalized payment lifecycle status shared by all providers.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
	StatusCanceled  Status = "canceled"
)

// Metadata keys every adapter must echo back through the provider so that
// webhook events can be attributed without a lookup.
const (
	MetaUserID     = "user_id"
	MetaTariffSlug = "tariff_slug"
)

// PaymentRequest describes a payment to be created on the provider side.
type PaymentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	UserID      int64
	TariffSlug  string
	Description string
	ReturnURL   string
	// PaymentID is the engine-side record id, echoed through provider
	// metadata so settlement events can be linked back without guessing.
	PaymentID int64
	// SaveMethod asks the provider to retain the payment method for
	// off-session charges (subscription renewals).
	SaveMethod bool
}

// PaymentIntent is the result of creating a provider-side payment.
// ExternalID and ConfirmationURL are empty for providers that settle
// entirely inside the hosting chat channel; those return an invoice
// payload the chat layer must deliver instead.
type PaymentIntent struct {
	ExternalID      string
	ConfirmationURL string
	InvoicePayload  string
	Metadata        map[string]string
}

// Outcome is a provider event normalized into engine terms.
type Outcome struct {
	ExternalID      string
	Status          Status
	Amount          decimal.Decimal
	Currency        string
	Metadata        map[string]string
	PaymentMethodID string
	Recurring       bool
	FirstRecurring  bool
	// SubscriptionExpiresAt is set only by providers that manage the
	// subscription lifecycle themselves.
	SubscriptionExpiresAt *time.Time
	ErrorReason           string
	Raw                   json.RawMessage
}

// IsSuccess reports whether the outcome settles the payment.
func (o *Outcome) IsSuccess() bool {
	return o.Status == StatusSucceeded
}

// UserID extracts the account reference echoed through provider metadata.
func (o *Outcome) UserID() (int64, bool) {
	raw, ok := o.Metadata[MetaUserID]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// TariffSlug extracts the tariff reference echoed through provider metadata.
func (o *Outcome) TariffSlug() string {
	return o.Metadata[MetaTariffSlug]
}

// Provider is the contract every payment network implements. Quirks such as
// idempotency-key headers, form vs JSON encoding and minor-unit conversion
// stay inside the adapter.
type Provider interface {
	// Name returns the provider identifier used on stored records.
	Name() string

	// CreatePayment creates a provider-side payment. Unsupported currency
	// or amount is a fatal *Error, never retryable.
	CreatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)

	// VerifyWebhook checks inbound authenticity. Must never panic on
	// malformed input; returns false instead.
	VerifyWebhook(body []byte, signature string) bool

	// ParseEvent maps a provider-native event into a normalized Outcome.
	ParseEvent(payload []byte) (*Outcome, error)

	// ChargeSavedMethod performs an off-session charge against a saved
	// payment method. Providers without this capability return *Unsupported.
	ChargeSavedMethod(ctx context.Context, methodID string, req PaymentRequest) (*Outcome, error)

	// Refund reverses a settled payment. amount nil means full refund.
	Refund(ctx context.Context, externalID string, amount *decimal.Decimal, reason string) (*Outcome, error)

	// CancelRecurrence cancels a provider-managed subscription. Returns
	// false where the provider does not own the subscription object.
	CancelRecurrence(ctx context.Context, handle string) bool
}

// Unsupported marks a capability a provider does not implement. Callers
// match on it with errors.As rather than inspecting messages.
type Unsupported struct {
	Provider   string
	Capability string
}

func (e *Unsupported) Error() string {
	return fmt.Sprintf("provider %s does not support %s", e.Provider, e.Capability)
}

// Error is a failure reported by a provider API. Retryable is true only for
// 5xx responses and transport timeouts, and only payment creation honors it.
type Error struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

// NoCapabilities provides the default implementations for optional
// capabilities. Adapters embed it and override what they genuinely support.
type NoCapabilities struct {
	ProviderName string
}

func (n NoCapabilities) ChargeSavedMethod(context.Context, string, PaymentRequest) (*Outcome, error) {
	return nil, &Unsupported{Provider: n.ProviderName, Capability: "saved-method charges"}
}

func (n NoCapabilities) Refund(context.Context, string, *decimal.Decimal, string) (*Outcome, error) {
	return nil, &Unsupported{Provider: n.ProviderName, Capability: "refunds"}
}

func (n NoCapabilities) CancelRecurrence(context.Context, string) bool {
	return false
}

// Registry holds the providers configured for this deployment. Providers
// with missing credentials are simply absent.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(list ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(list))}
	for _, p := range list {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists the configured provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
