package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenforge/bursar/internal/catalog"
	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

const subscriptionColumns = `id, account_id, tariff_slug, provider, status, tokens_per_period,
	tokens_remaining, period_start, period_end, auto_renewal, cancel_at_period_end,
	COALESCE(payment_method_id, ''), original_payment_id, last_renewal_payment_id,
	renewal_attempts, last_renewal_attempt_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.AccountID, &s.TariffSlug, &s.Provider, &s.Status,
		&s.TokensPerPeriod, &s.TokensRemaining, &s.PeriodStart, &s.PeriodEnd,
		&s.AutoRenewal, &s.CancelAtPeriodEnd, &s.PaymentMethodID,
		&s.OriginalPaymentID, &s.LastRenewalPaymentID,
		&s.RenewalAttempts, &s.LastRenewalAttemptAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// getActiveSubscription returns the account's consumable subscription:
// active or past_due, or canceled but still inside its paid period.
func getActiveSubscription(accountID int64) (*Subscription, error) {
	return scanSubscription(db.QueryRow(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE account_id = $1
		  AND (status IN ('active', 'past_due')
		       OR (status = 'canceled' AND period_end > NOW()))
		ORDER BY period_end DESC
		LIMIT 1`,
		accountID))
}

func getSubscriptionByID(id int64) (*Subscription, error) {
	return scanSubscription(db.QueryRow(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions WHERE id = $1`, id))
}

// lockCurrentSubscription fetches the account's live subscription row under
// a row lock so concurrent settlement events serialize on it.
func lockCurrentSubscription(tx *sql.Tx, accountID int64) (*Subscription, error) {
	sub, err := scanSubscription(tx.QueryRow(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE account_id = $1 AND status IN ('pending', 'active', 'past_due')
		ORDER BY period_end DESC
		LIMIT 1
		FOR UPDATE`,
		accountID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// applySubscriptionPayment routes a settled subscription payment: a renewal
// extends the account's current plan, a fresh purchase retires whatever plan
// was standing and starts a new one. Runs inside the settlement transaction.
func applySubscriptionPayment(tx *sql.Tx, payment *Payment, tariff *catalog.Tariff, outcome *providers.Outcome) error {
	sub, err := lockCurrentSubscription(tx, payment.AccountID)
	if err != nil {
		return fmt.Errorf("failed to lock subscription: %w", err)
	}

	if sub != nil && sub.TariffSlug == tariff.Slug {
		return renewSubscriptionTx(tx, sub, tariff, payment, outcome.SubscriptionExpiresAt)
	}

	if sub != nil {
		if err := retireSubscriptionTx(tx, sub, tariff.Slug); err != nil {
			return err
		}
	}
	return createSubscriptionTx(tx, payment, tariff, outcome)
}

// createSubscriptionTx inserts a new active subscription for a settled
// first payment.
func createSubscriptionTx(tx *sql.Tx, payment *Payment, tariff *catalog.Tariff, outcome *providers.Outcome) error {
	periodStart := time.Now().UTC()
	periodEnd := periodStart.AddDate(0, 0, tariff.PeriodDays)
	if outcome.SubscriptionExpiresAt != nil {
		periodEnd = *outcome.SubscriptionExpiresAt
	}

	methodID := sql.NullString{String: payment.PaymentMethodID, Valid: payment.PaymentMethodID != ""}
	var subID int64
	err := tx.QueryRow(`
		INSERT INTO subscriptions (account_id, tariff_slug, provider, status, tokens_per_period,
		                           tokens_remaining, period_start, period_end, auto_renewal,
		                           payment_method_id, original_payment_id)
		VALUES ($1, $2, $3, 'active', $4, $5, $6, $7, TRUE, $8, $9)
		RETURNING id`,
		payment.AccountID, tariff.Slug, payment.Provider, tariff.TokensPerPeriod,
		tariff.TokensPerPeriod, periodStart, periodEnd, methodID, payment.ID).
		Scan(&subID)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	logger.WithFields(logging.Fields{
		"subscription_id": subID,
		"account_id":      payment.AccountID,
		"tariff":          tariff.Slug,
		"provider":        payment.Provider,
		"period_end":      periodEnd,
	}).Info("Activated subscription")
	return nil
}

// renewSubscriptionTx starts the next period: status back to active, attempt
// counter cleared, tokens reset per the tariff's carry-over policy. The new
// period extends from the later of the current period end and now, so early
// renewals add time and late renewals do not backdate.
func renewSubscriptionTx(tx *sql.Tx, sub *Subscription, tariff *catalog.Tariff, payment *Payment, expiresAt *time.Time) error {
	now := time.Now().UTC()
	periodStart := sub.PeriodEnd
	if now.After(periodStart) {
		periodStart = now
	}
	periodEnd := periodStart.AddDate(0, 0, tariff.PeriodDays)
	if expiresAt != nil {
		periodEnd = *expiresAt
	}

	tokens := tariff.TokensPerPeriod
	if !tariff.BurnUnused {
		tokens += sub.TokensRemaining
	}

	methodID := sql.NullString{String: payment.PaymentMethodID, Valid: payment.PaymentMethodID != ""}
	_, err := tx.Exec(`
		UPDATE subscriptions
		SET status = 'active',
		    tokens_per_period = $2,
		    tokens_remaining = $3,
		    period_start = $4,
		    period_end = $5,
		    renewal_attempts = 0,
		    last_renewal_attempt_at = NULL,
		    last_renewal_payment_id = $6,
		    payment_method_id = COALESCE($7, payment_method_id),
		    updated_at = NOW()
		WHERE id = $1`,
		sub.ID, tariff.TokensPerPeriod, tokens, periodStart, periodEnd, payment.ID, methodID)
	if err != nil {
		return fmt.Errorf("failed to renew subscription %d: %w", sub.ID, err)
	}

	logger.WithFields(logging.Fields{
		"subscription_id": sub.ID,
		"account_id":      sub.AccountID,
		"tariff":          tariff.Slug,
		"tokens":          tokens,
		"period_end":      periodEnd,
	}).Info("Renewed subscription")
	return nil
}

// retireSubscriptionTx expires a subscription that is being replaced by a
// purchase of a different plan. Unspent tokens on a carry-over tariff move
// to the account balance so the switch never silently destroys value.
func retireSubscriptionTx(tx *sql.Tx, sub *Subscription, replacedBy string) error {
	_, err := tx.Exec(`
		UPDATE subscriptions
		SET status = 'expired', auto_renewal = FALSE, updated_at = NOW()
		WHERE id = $1`,
		sub.ID)
	if err != nil {
		return fmt.Errorf("failed to retire subscription %d: %w", sub.ID, err)
	}

	oldTariff, ok := tariffs.Tariffs[sub.TariffSlug]
	if ok && !oldTariff.BurnUnused && sub.TokensRemaining > 0 {
		description := fmt.Sprintf("Unspent tokens from %s", sub.TariffSlug)
		metadata := fmt.Sprintf(`{"subscription_id": %d, "replaced_by": %q}`, sub.ID, replacedBy)
		if _, err := appendLedgerEntry(tx, sub.AccountID, EntrySubscriptionTransfer, sub.TokensRemaining, description, metadata); err != nil {
			return err
		}
	}

	logger.WithFields(logging.Fields{
		"subscription_id": sub.ID,
		"account_id":      sub.AccountID,
		"old_tariff":      sub.TariffSlug,
		"new_tariff":      replacedBy,
	}).Info("Retired subscription replaced by new plan")
	return nil
}

// deductPeriodTokensTx decrements tokens_remaining only when enough tokens
// are left. Zero rows means a concurrent deduction got there first; the
// counter can never go negative.
func deductPeriodTokensTx(tx *sql.Tx, subscriptionID, amount int64) (int64, error) {
	var remaining int64
	err := tx.QueryRow(`
		UPDATE subscriptions
		SET tokens_remaining = tokens_remaining - $2, updated_at = NOW()
		WHERE id = $1 AND tokens_remaining >= $2
		RETURNING tokens_remaining`,
		subscriptionID, amount).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("failed to deduct subscription tokens: %w", err)
	}
	return remaining, nil
}

// recordRenewalAttempt stamps the attempt time; a failed attempt also bumps
// the counter and forces past_due. The counter only resets through a
// successful renew.
func recordRenewalAttempt(subscriptionID int64, success bool) error {
	var err error
	if success {
		_, err = db.Exec(`
			UPDATE subscriptions
			SET last_renewal_attempt_at = NOW(), updated_at = NOW()
			WHERE id = $1`,
			subscriptionID)
	} else {
		_, err = db.Exec(`
			UPDATE subscriptions
			SET renewal_attempts = renewal_attempts + 1,
			    last_renewal_attempt_at = NOW(),
			    status = 'past_due',
			    updated_at = NOW()
			WHERE id = $1 AND status IN ('active', 'past_due')`,
			subscriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to record renewal attempt for subscription %d: %w", subscriptionID, err)
	}
	return nil
}

// expireSubscription is the terminal transition. Safe to call repeatedly.
func expireSubscription(subscriptionID int64) error {
	res, err := db.Exec(`
		UPDATE subscriptions
		SET status = 'expired', auto_renewal = FALSE, updated_at = NOW()
		WHERE id = $1 AND status <> 'expired'`,
		subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to expire subscription %d: %w", subscriptionID, err)
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		if metrics != nil {
			metrics.SubscriptionsExpired.Inc()
		}
		logger.WithField("subscription_id", subscriptionID).Info("Expired subscription")
	}
	return nil
}

// chargeTokens debits one generation: the subscription period allotment is
// consumed first, the cached balance covers the remainder. Both conditional
// updates and the ledger entry ride one transaction, so a shortfall on
// either side rolls the whole debit back.
func chargeTokens(accountID, amount int64, description string) (fromSubscription, fromBalance int64, err error) {
	if amount <= 0 {
		return 0, 0, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	remainder := amount
	sub, subErr := getActiveSubscription(accountID)
	if subErr != nil && subErr != sql.ErrNoRows {
		return 0, 0, subErr
	}
	if sub != nil && sub.TokensRemaining > 0 {
		fromSubscription = sub.TokensRemaining
		if fromSubscription > amount {
			fromSubscription = amount
		}
		if _, err := deductPeriodTokensTx(tx, sub.ID, fromSubscription); err != nil {
			if err == ErrInsufficientFunds {
				// A concurrent charge drained the period tokens between the
				// read and the update; fall through to the balance alone.
				fromSubscription = 0
			} else {
				return 0, 0, err
			}
		}
		remainder = amount - fromSubscription
	}

	if remainder > 0 {
		res, err := tx.Exec(`
			UPDATE accounts
			SET balance = balance - $2, updated_at = NOW()
			WHERE id = $1 AND balance >= $2`,
			accountID, remainder)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to debit balance: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return 0, 0, ErrInsufficientFunds
		}

		var balanceAfter int64
		if err := tx.QueryRow(`SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balanceAfter); err != nil {
			return 0, 0, fmt.Errorf("failed to read balance: %w", err)
		}

		metadata := fmt.Sprintf(`{"from_subscription": %d}`, fromSubscription)
		var entryID int64
		var createdAt time.Time
		err = tx.QueryRow(`
			INSERT INTO ledger_entries (account_id, kind, amount, balance_after, description, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`,
			accountID, EntryGeneration, -remainder, balanceAfter, description, metadata).
			Scan(&entryID, &createdAt)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert generation entry: %w", err)
		}
		if metrics != nil {
			metrics.LedgerEntries.WithLabelValues(EntryGeneration).Inc()
		}
		fromBalance = remainder
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit charge: %w", err)
	}
	return fromSubscription, fromBalance, nil
}

// HandleChargeTokens is the generation-debit endpoint called by the
// consuming service for each completed generation.
func HandleChargeTokens(c *gin.Context) {
	accountID, ok := idParam(c)
	if !ok {
		return
	}

	var req ChargeTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Description == "" {
		req.Description = "Generation"
	}

	fromSub, fromBalance, err := chargeTokens(accountID, req.Amount, req.Description)
	if err == ErrInsufficientFunds {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient tokens"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to charge tokens")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to charge tokens"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":        accountID,
		"charged":           req.Amount,
		"from_subscription": fromSub,
		"from_balance":      fromBalance,
	})
}

// HandleGetSubscription returns the account's current subscription.
func HandleGetSubscription(c *gin.Context) {
	accountID, ok := idParam(c)
	if !ok {
		return
	}

	sub, err := getActiveSubscription(accountID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to load subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
		return
	}

	c.JSON(http.StatusOK, sub)
}

// HandleCancelSubscription is the user-initiated cancel: auto-renewal stops
// and the plan stays consumable until the period runs out. A provider-side
// subscription object is canceled with the provider too.
func HandleCancelSubscription(c *gin.Context) {
	accountID, ok := idParam(c)
	if !ok {
		return
	}

	var req CancelSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "user_request"
	}

	sub, err := getActiveSubscription(accountID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active subscription"})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to load subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel subscription"})
		return
	}
	if sub.Status == SubStatusCanceled {
		c.JSON(http.StatusOK, sub)
		return
	}

	_, err = db.Exec(`
		UPDATE subscriptions
		SET status = 'canceled',
		    cancel_at_period_end = TRUE,
		    auto_renewal = FALSE,
		    metadata = metadata || jsonb_build_object('cancel_reason', $2::text),
		    updated_at = NOW()
		WHERE id = $1`,
		sub.ID, req.Reason)
	if err != nil {
		logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to cancel subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel subscription"})
		return
	}

	if provider, ok := registry.Get(sub.Provider); ok && sub.PaymentMethodID != "" {
		if provider.CancelRecurrence(c.Request.Context(), sub.PaymentMethodID) {
			logger.WithFields(logging.Fields{
				"subscription_id": sub.ID,
				"provider":        sub.Provider,
			}).Info("Canceled provider-side recurrence")
		}
	}

	logger.WithFields(logging.Fields{
		"subscription_id": sub.ID,
		"account_id":      accountID,
		"reason":          req.Reason,
	}).Info("Canceled subscription")

	sub, err = getSubscriptionByID(sub.ID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": SubStatusCanceled})
		return
	}
	c.JSON(http.StatusOK, sub)
}
