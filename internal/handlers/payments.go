package handlers

import (
	"database/sql"
	"fmt"
	"strconv"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

// insertPendingPayment persists a payment record before or right after the
// provider call. ExternalID may still be empty for in-chat payments, where
// the provider-side id only exists once the settlement event arrives.
func insertPendingPayment(p *Payment) error {
	if p.Metadata == "" {
		p.Metadata = "{}"
	}
	externalID := sql.NullString{String: p.ExternalID, Valid: p.ExternalID != ""}
	err := db.QueryRow(`
		INSERT INTO payments (account_id, provider, external_id, status, amount, currency,
		                      tariff_slug, tokens_amount, description, metadata, is_recurring)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		p.AccountID, p.Provider, externalID, p.Status, p.Amount, p.Currency,
		p.TariffSlug, p.TokensAmount, p.Description, p.Metadata, p.IsRecurring).
		Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

// recordOrGetExisting inserts the payment keyed by (provider, external_id),
// or returns the already-stored record when a duplicate delivery races in.
// This is the single idempotency gate for webhook ingestion. The conflict
// target repeats the partial index predicate from the schema; without it the
// planner has no arbiter to infer.
func recordOrGetExisting(p *Payment) (*Payment, bool, error) {
	if p.Metadata == "" {
		p.Metadata = "{}"
	}
	err := db.QueryRow(`
		INSERT INTO payments (account_id, provider, external_id, status, amount, currency,
		                      tariff_slug, tokens_amount, description, metadata, is_recurring)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (provider, external_id) WHERE external_id IS NOT NULL DO NOTHING
		RETURNING id, created_at`,
		p.AccountID, p.Provider, p.ExternalID, p.Status, p.Amount, p.Currency,
		p.TariffSlug, p.TokensAmount, p.Description, p.Metadata, p.IsRecurring).
		Scan(&p.ID, &p.CreatedAt)
	if err == nil {
		return p, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to record payment: %w", err)
	}

	existing, err := getPaymentByExternalID(p.Provider, p.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

const paymentColumns = `id, account_id, provider, COALESCE(external_id, ''), status, amount, currency,
	tariff_slug, tokens_amount, description, COALESCE(payment_method_id, ''), metadata,
	is_recurring, created_at, completed_at`

func scanPayment(row *sql.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(&p.ID, &p.AccountID, &p.Provider, &p.ExternalID, &p.Status, &p.Amount,
		&p.Currency, &p.TariffSlug, &p.TokensAmount, &p.Description, &p.PaymentMethodID,
		&p.Metadata, &p.IsRecurring, &p.CreatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func getPaymentByID(id int64) (*Payment, error) {
	return scanPayment(db.QueryRow(`
		SELECT `+paymentColumns+`
		FROM payments WHERE id = $1`, id))
}

func getPaymentByExternalID(provider, externalID string) (*Payment, error) {
	return scanPayment(db.QueryRow(`
		SELECT `+paymentColumns+`
		FROM payments WHERE provider = $1 AND external_id = $2`, provider, externalID))
}

// setPaymentExternalID claims a pending record for a provider event. A
// redirect provider can settle under a different id than it reported at
// creation (a checkout session settles under its payment intent), so a
// pending record may be re-keyed; settled records never change keys, which
// keeps replayed events from stealing them.
func setPaymentExternalID(paymentID int64, externalID string) (bool, error) {
	res, err := db.Exec(`
		UPDATE payments
		SET external_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		  AND (external_id IS NULL OR external_id <> $2)`,
		paymentID, externalID)
	if err != nil {
		return false, fmt.Errorf("failed to claim payment %d: %w", paymentID, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// markPaymentFailed moves a pending payment to a failed or canceled status.
// Terminal statuses never regress.
func markPaymentFailed(paymentID int64, status, reason string) error {
	_, err := db.Exec(`
		UPDATE payments
		SET status = $2, metadata = metadata || jsonb_build_object('error_reason', $3::text), updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		paymentID, status, reason)
	if err != nil {
		return fmt.Errorf("failed to mark payment %d %s: %w", paymentID, status, err)
	}
	return nil
}

// claimPaymentSuccess flips the payment to succeeded exactly once inside the
// caller's transaction. A replayed success event matches zero rows, which is
// how double token grants are prevented.
func claimPaymentSuccess(tx *sql.Tx, paymentID int64, methodID string) (*Payment, error) {
	var p Payment
	err := tx.QueryRow(`
		UPDATE payments
		SET status = 'succeeded',
		    completed_at = NOW(),
		    payment_method_id = COALESCE(NULLIF($2, ''), payment_method_id),
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('succeeded', 'refunded')
		RETURNING id, account_id, provider, COALESCE(external_id, ''), status, amount, currency,
		          tariff_slug, tokens_amount, description, COALESCE(payment_method_id, ''), metadata,
		          is_recurring, created_at, completed_at`,
		paymentID, methodID).
		Scan(&p.ID, &p.AccountID, &p.Provider, &p.ExternalID, &p.Status, &p.Amount,
			&p.Currency, &p.TariffSlug, &p.TokensAmount, &p.Description, &p.PaymentMethodID,
			&p.Metadata, &p.IsRecurring, &p.CreatedAt, &p.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrDuplicateEvent
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim payment %d success: %w", paymentID, err)
	}
	return &p, nil
}

// applyOutcome is the heart of webhook ingestion: it resolves the normalized
// event to a payment record, applies the status transition, and performs the
// resulting token movement in one transaction.
func applyOutcome(providerName string, outcome *providers.Outcome) error {
	payment, err := resolvePayment(providerName, outcome)
	if err != nil {
		return err
	}
	if payment == nil {
		// Event for a payment this engine never created and cannot
		// attribute. Acknowledged and dropped.
		logger.WithFields(logging.Fields{
			"provider":    providerName,
			"external_id": outcome.ExternalID,
			"status":      outcome.Status,
		}).Warn("Dropping unattributable provider event")
		return nil
	}

	switch outcome.Status {
	case providers.StatusSucceeded:
		return applyPaymentSuccess(payment, outcome)
	case providers.StatusFailed:
		return markPaymentFailed(payment.ID, "failed", outcome.ErrorReason)
	case providers.StatusCanceled:
		return markPaymentFailed(payment.ID, "canceled", outcome.ErrorReason)
	case providers.StatusRefunded:
		return applyPaymentRefund(payment, "provider refund event")
	default:
		// Intermediate status, nothing to move yet.
		return nil
	}
}

// resolvePayment finds the stored record for an event: by external id first,
// then by the engine payment id echoed through the invoice payload, and as a
// last resort by synthesizing a record from the attribution metadata. The
// synthesis path covers provider-managed renewals that this engine never
// initiated.
func resolvePayment(providerName string, outcome *providers.Outcome) (*Payment, error) {
	payment, err := getPaymentByExternalID(providerName, outcome.ExternalID)
	if err == nil {
		return payment, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}

	if raw, ok := outcome.Metadata["payment_id"]; ok {
		if paymentID, err := strconv.ParseInt(raw, 10, 64); err == nil {
			claimed, err := setPaymentExternalID(paymentID, outcome.ExternalID)
			if err != nil {
				return nil, err
			}
			if claimed {
				return getPaymentByID(paymentID)
			}
		}
	}

	accountID, ok := outcome.UserID()
	if !ok {
		return nil, nil
	}
	tariff, ok := tariffs.Get(outcome.TariffSlug())
	if !ok {
		return nil, nil
	}
	if err := ensureAccount(accountID); err != nil {
		return nil, err
	}

	payment, created, err := recordOrGetExisting(&Payment{
		AccountID:    accountID,
		Provider:     providerName,
		ExternalID:   outcome.ExternalID,
		Status:       "pending",
		Amount:       outcome.Amount,
		Currency:     outcome.Currency,
		TariffSlug:   tariff.Slug,
		TokensAmount: tariff.EffectiveTokens(),
		Description:  tariff.Name,
		IsRecurring:  outcome.Recurring,
	})
	if err != nil {
		return nil, err
	}
	if created {
		logger.WithFields(logging.Fields{
			"payment_id":  payment.ID,
			"provider":    providerName,
			"external_id": outcome.ExternalID,
			"account_id":  accountID,
		}).Info("Synthesized payment record from provider event")
	}
	return payment, nil
}

// applyPaymentSuccess grants what the payment bought: a balance credit for
// one-time bundles, or subscription activation and renewal for plans. The
// success claim, the grant and the cached balance all move in one
// transaction.
func applyPaymentSuccess(payment *Payment, outcome *providers.Outcome) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	claimed, err := claimPaymentSuccess(tx, payment.ID, outcome.PaymentMethodID)
	if err == ErrDuplicateEvent {
		logger.WithFields(logging.Fields{
			"payment_id":  payment.ID,
			"provider":    payment.Provider,
			"external_id": payment.ExternalID,
		}).Info("Ignoring replayed success event")
		return nil
	}
	if err != nil {
		return err
	}

	tariff, isTariff := tariffs.Tariffs[claimed.TariffSlug]
	if isTariff && tariff.IsSubscription() {
		if err := applySubscriptionPayment(tx, claimed, tariff, outcome); err != nil {
			return err
		}
	} else {
		description := fmt.Sprintf("Purchase: %s", claimed.Description)
		if _, err := appendLedgerEntry(tx, claimed.AccountID, EntryPurchase, claimed.TokensAmount, description,
			fmt.Sprintf(`{"payment_id": %d}`, claimed.ID)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit payment success: %w", err)
	}

	logger.WithFields(logging.Fields{
		"payment_id": claimed.ID,
		"account_id": claimed.AccountID,
		"provider":   claimed.Provider,
		"tariff":     claimed.TariffSlug,
		"tokens":     claimed.TokensAmount,
	}).Info("Payment succeeded, tokens granted")

	if notifier != nil {
		notifier.PaymentSucceeded(claimed)
	}
	return nil
}

// applyPaymentRefund reverses a settled payment: the status flips to
// refunded and a compensating debit claws the tokens back. The debit may
// push the cached balance negative when the tokens were already spent; the
// ledger stays truthful either way.
func applyPaymentRefund(payment *Payment, reason string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE payments
		SET status = 'refunded', updated_at = NOW()
		WHERE id = $1 AND status = 'succeeded'`,
		payment.ID)
	if err != nil {
		return fmt.Errorf("failed to mark payment %d refunded: %w", payment.ID, err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Never settled or already refunded, so no tokens were granted
		// by this record that still need clawing back.
		logger.WithFields(logging.Fields{
			"payment_id": payment.ID,
			"status":     payment.Status,
		}).Info("Refund event for payment without a standing grant, nothing to reverse")
		return nil
	}

	description := fmt.Sprintf("Refund: %s", payment.Description)
	metadata := fmt.Sprintf(`{"payment_id": %d, "reason": %q}`, payment.ID, reason)
	if _, err := appendLedgerEntry(tx, payment.AccountID, EntryRefund, -payment.TokensAmount, description, metadata); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}

	logger.WithFields(logging.Fields{
		"payment_id": payment.ID,
		"account_id": payment.AccountID,
		"tokens":     payment.TokensAmount,
		"reason":     reason,
	}).Info("Payment refunded, tokens reversed")

	if notifier != nil {
		notifier.PaymentRefunded(payment)
	}
	return nil
}
