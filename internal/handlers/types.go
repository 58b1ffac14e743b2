package handlers

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Subscription lifecycle statuses.
const (
	SubStatusPending  = "pending"
	SubStatusActive   = "active"
	SubStatusPastDue  = "past_due"
	SubStatusCanceled = "canceled"
	SubStatusExpired  = "expired"
)

// Ledger entry kinds.
const (
	EntryRegistrationBonus    = "registration_bonus"
	EntryReferralBonus        = "referral_bonus"
	EntryGeneration           = "generation"
	EntryPurchase             = "purchase"
	EntryRefund               = "refund"
	EntryAdminAdjustment      = "admin_adjustment"
	EntrySubscriptionTransfer = "subscription_transfer"
)

// ErrInsufficientFunds is returned when a conditional token or balance
// deduction matches zero rows.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrDuplicateEvent marks an already-processed provider event. It is a
// successful no-op, not a failure.
var ErrDuplicateEvent = errors.New("duplicate event")

// Account is a token balance holder, created on first contact. The cached
// balance must always equal the sum of the account's ledger entries.
type Account struct {
	ID                       int64     `json:"id"`
	Balance                  int64     `json:"balance"`
	RegistrationBonusGranted bool      `json:"registration_bonus_granted"`
	CreatedAt                time.Time `json:"created_at"`
}

// LedgerEntry is one immutable balance change. Reversals are new entries,
// never edits.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    int64     `json:"account_id"`
	Kind         string    `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Description  string    `json:"description"`
	Metadata     string    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Payment is the durable record of one payment attempt. The pair
// (provider, external_id) is unique once external_id is set and is the sole
// idempotency key for webhook processing.
type Payment struct {
	ID              int64           `json:"id"`
	AccountID       int64           `json:"account_id"`
	Provider        string          `json:"provider"`
	ExternalID      string          `json:"external_id,omitempty"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	TariffSlug      string          `json:"tariff_slug"`
	TokensAmount    int64           `json:"tokens_amount"`
	Description     string          `json:"description"`
	PaymentMethodID string          `json:"payment_method_id,omitempty"`
	Metadata        string          `json:"metadata,omitempty"`
	IsRecurring     bool            `json:"is_recurring"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Subscription is the current recurring-plan state for an account.
type Subscription struct {
	ID                   int64      `json:"id"`
	AccountID            int64      `json:"account_id"`
	TariffSlug           string     `json:"tariff_slug"`
	Provider             string     `json:"provider"`
	Status               string     `json:"status"`
	TokensPerPeriod      int64      `json:"tokens_per_period"`
	TokensRemaining      int64      `json:"tokens_remaining"`
	PeriodStart          time.Time  `json:"period_start"`
	PeriodEnd            time.Time  `json:"period_end"`
	AutoRenewal          bool       `json:"auto_renewal"`
	CancelAtPeriodEnd    bool       `json:"cancel_at_period_end"`
	PaymentMethodID      string     `json:"payment_method_id,omitempty"`
	OriginalPaymentID    *int64     `json:"original_payment_id,omitempty"`
	LastRenewalPaymentID *int64     `json:"last_renewal_payment_id,omitempty"`
	RenewalAttempts      int        `json:"renewal_attempts"`
	LastRenewalAttemptAt *time.Time `json:"last_renewal_attempt_at,omitempty"`
}

// CanBeRenewed reports whether the renewal engine may charge this
// subscription.
func (s *Subscription) CanBeRenewed() bool {
	if !s.AutoRenewal || s.CancelAtPeriodEnd {
		return false
	}
	return s.Status == SubStatusActive || s.Status == SubStatusPastDue
}

// CreatePaymentRequest is the payment-initiation call from the chat layer.
type CreatePaymentRequest struct {
	AccountID  int64  `json:"account_id" binding:"required"`
	TariffSlug string `json:"tariff_slug" binding:"required"`
	Provider   string `json:"provider" binding:"required"`
	ReturnURL  string `json:"return_url"`
}

// CreatePaymentResponse carries what the chat layer needs to move the user
// to payment: a redirect target, or an invoice payload delivered in-chat.
type CreatePaymentResponse struct {
	PaymentID       int64  `json:"payment_id"`
	ExternalID      string `json:"external_id,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
	InvoicePayload  string `json:"invoice_payload,omitempty"`
}

// ChargeTokensRequest debits tokens for one generation, drawing from the
// subscription period allotment first and the cached balance for the rest.
type ChargeTokensRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// CreditTokensRequest grants tokens from outside the payment flow: referral
// rewards computed by the chat layer, or manual operator adjustments.
type CreditTokensRequest struct {
	Amount      int64  `json:"amount" binding:"required"`
	Kind        string `json:"kind" binding:"required"`
	Description string `json:"description"`
}

// RefundRequest reverses a settled payment and claws back its tokens.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// CancelSubscriptionRequest turns off auto-renewal at period end.
type CancelSubscriptionRequest struct {
	Reason string `json:"reason"`
}

// BalanceInfo is the read model behind the balance endpoint.
type BalanceInfo struct {
	AccountID            int64      `json:"account_id"`
	Balance              int64      `json:"balance"`
	SubscriptionTokens   int64      `json:"subscription_tokens"`
	TotalAvailable       int64      `json:"total_available"`
	SubscriptionTariff   string     `json:"subscription_tariff,omitempty"`
	SubscriptionStatus   string     `json:"subscription_status,omitempty"`
	SubscriptionRenewsAt *time.Time `json:"subscription_renews_at,omitempty"`
}
