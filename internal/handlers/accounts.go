package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tokenforge/bursar/pkg/logging"
)

// ensureAccount creates the account row on first contact and grants the
// one-time registration bonus. Safe to call on every interaction: the
// insert is conflict-free and the bonus flag flips exactly once.
func ensureAccount(accountID int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO accounts (id, balance)
		VALUES ($1, 0)
		ON CONFLICT (id) DO NOTHING`,
		accountID)
	if err != nil {
		return fmt.Errorf("failed to ensure account %d: %w", accountID, err)
	}

	bonus := tariffs.Billing.RegistrationBonus
	if bonus > 0 {
		res, err := tx.Exec(`
			UPDATE accounts
			SET registration_bonus_granted = TRUE, updated_at = NOW()
			WHERE id = $1 AND NOT registration_bonus_granted`,
			accountID)
		if err != nil {
			return fmt.Errorf("failed to flag registration bonus: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			if _, err := appendLedgerEntry(tx, accountID, EntryRegistrationBonus, bonus, "Registration bonus", ""); err != nil {
				return err
			}
			logger.WithFields(logging.Fields{
				"account_id": accountID,
				"tokens":     bonus,
			}).Info("Granted registration bonus")
		}
	}

	return tx.Commit()
}

// getAccount loads one account row.
func getAccount(accountID int64) (*Account, error) {
	var a Account
	err := db.QueryRow(`
		SELECT id, balance, registration_bonus_granted, created_at
		FROM accounts
		WHERE id = $1`,
		accountID).Scan(&a.ID, &a.Balance, &a.RegistrationBonusGranted, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// idParam parses the numeric :id path segment.
func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// HandleGetBalance returns the combined balance view: cached account tokens
// plus the active subscription's remaining period allotment.
func HandleGetBalance(c *gin.Context) {
	accountID, ok := idParam(c)
	if !ok {
		return
	}

	if err := ensureAccount(accountID); err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to ensure account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	account, err := getAccount(accountID)
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to load account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	info := BalanceInfo{
		AccountID:      account.ID,
		Balance:        account.Balance,
		TotalAvailable: account.Balance,
	}

	sub, err := getActiveSubscription(accountID)
	if err != nil && err != sql.ErrNoRows {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to load subscription")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	if sub != nil {
		info.SubscriptionTokens = sub.TokensRemaining
		info.TotalAvailable += sub.TokensRemaining
		info.SubscriptionTariff = sub.TariffSlug
		info.SubscriptionStatus = sub.Status
		renewsAt := sub.PeriodEnd
		info.SubscriptionRenewsAt = &renewsAt
	}

	c.JSON(http.StatusOK, info)
}

// HandleCreditTokens grants tokens outside the payment flow. Only the
// externally-driven entry kinds are accepted; purchase and generation
// movements go through their own paths.
func HandleCreditTokens(c *gin.Context) {
	accountID, ok := idParam(c)
	if !ok {
		return
	}

	var req CreditTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	if req.Kind != EntryReferralBonus && req.Kind != EntryAdminAdjustment {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported credit kind"})
		return
	}

	if err := ensureAccount(accountID); err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to ensure account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}

	tx, err := db.Begin()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to credit tokens"})
		return
	}
	defer tx.Rollback()

	entry, err := appendLedgerEntry(tx, accountID, req.Kind, req.Amount, req.Description, "")
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to credit tokens")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to credit tokens"})
		return
	}
	if err := tx.Commit(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to credit tokens"})
		return
	}

	logger.WithFields(logging.Fields{
		"account_id": accountID,
		"kind":       req.Kind,
		"tokens":     req.Amount,
	}).Info("Credited tokens")

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"entry_id":   entry.ID,
		"balance":    entry.BalanceAfter,
	})
}

// HandleGetHistory returns the account's ledger entries, newest first.
func HandleGetHistory(c *gin.Context) {
	accountID, ok := idParam(c)
	if !ok {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	entries, err := getLedgerHistory(accountID, limit, offset)
	if err != nil {
		logger.WithError(err).WithField("account_id", accountID).Error("Failed to load ledger history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID,
		"entries":    entries,
		"limit":      limit,
		"offset":     offset,
	})
}
