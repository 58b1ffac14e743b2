package handlers

import (
	"database/sql"
	"fmt"

	"github.com/tokenforge/bursar/pkg/logging"
)

// appendLedgerEntry writes one balance change inside the caller's
// transaction: the cached account balance moves and the entry is inserted
// with the post-change snapshot, so both commit or neither does. Positive
// amounts credit, negative amounts debit.
func appendLedgerEntry(tx *sql.Tx, accountID int64, kind string, amount int64, description, metadata string) (*LedgerEntry, error) {
	if metadata == "" {
		metadata = "{}"
	}

	var balanceAfter int64
	err := tx.QueryRow(`
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance`,
		accountID, amount).Scan(&balanceAfter)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %d does not exist", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance for account %d: %w", accountID, err)
	}

	entry := &LedgerEntry{
		AccountID:    accountID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
		Metadata:     metadata,
	}
	err = tx.QueryRow(`
		INSERT INTO ledger_entries (account_id, kind, amount, balance_after, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		accountID, kind, amount, balanceAfter, description, metadata).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if metrics != nil {
		metrics.LedgerEntries.WithLabelValues(kind).Inc()
	}
	return entry, nil
}

// getLedgerHistory returns an account's entries, newest first.
func getLedgerHistory(accountID int64, limit, offset int) ([]LedgerEntry, error) {
	rows, err := db.Query(`
		SELECT id, account_id, kind, amount, balance_after, description, metadata, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger history: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.Amount, &e.BalanceAfter, &e.Description, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// auditLedgerBalances compares every cached balance against the sum of the
// account's ledger entries and logs each mismatch. It never corrects:
// drift means a code bug, and silently patching it would destroy the
// evidence.
func auditLedgerBalances() (int, error) {
	rows, err := db.Query(`
		SELECT a.id, a.balance, COALESCE(SUM(le.amount), 0) AS ledger_sum
		FROM accounts a
		LEFT JOIN ledger_entries le ON le.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(le.amount), 0)`)
	if err != nil {
		return 0, fmt.Errorf("failed to run ledger audit query: %w", err)
	}
	defer rows.Close()

	drifted := 0
	for rows.Next() {
		var accountID, cached, ledgerSum int64
		if err := rows.Scan(&accountID, &cached, &ledgerSum); err != nil {
			return drifted, fmt.Errorf("failed to scan audit row: %w", err)
		}
		drifted++
		logger.WithFields(logging.Fields{
			"account_id":     accountID,
			"cached_balance": cached,
			"ledger_sum":     ledgerSum,
			"drift":          cached - ledgerSum,
		}).Error("Ledger audit found balance drift")
		if metrics != nil {
			metrics.LedgerAuditDrift.Inc()
		}
	}
	return drifted, rows.Err()
}
