package handlers

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestAppendLedgerEntrySnapshotsBalance(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(42), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(150))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(int64(42), EntryPurchase, int64(100), int64(150), "Purchase: Starter Pack", `{"payment_id": 7}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(9, time.Now()))
	mock.ExpectCommit()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}

	entry, err := appendLedgerEntry(tx, 42, EntryPurchase, 100, "Purchase: Starter Pack", `{"payment_id": 7}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.BalanceAfter != 150 {
		t.Fatalf("expected balance_after 150, got %d", entry.BalanceAfter)
	}
	if entry.ID != 9 {
		t.Fatalf("expected entry id 9, got %d", entry.ID)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendLedgerEntryDefaultsMetadata(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(42), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(10))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(int64(42), EntryRegistrationBonus, int64(10), int64(10), "Registration bonus", "{}").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
	mock.ExpectRollback()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer tx.Rollback()

	if _, err := appendLedgerEntry(tx, 42, EntryRegistrationBonus, 10, "Registration bonus", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuditLedgerBalancesReportsDrift(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectQuery("LEFT JOIN ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "ledger_sum"}).
			AddRow(7, 100, 90).
			AddRow(8, -5, 0))

	drifted, err := auditLedgerBalances()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drifted != 2 {
		t.Fatalf("expected 2 drifted accounts, got %d", drifted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditLedgerBalancesClean(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectQuery("LEFT JOIN ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "ledger_sum"}))

	drifted, err := auditLedgerBalances()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drifted != 0 {
		t.Fatalf("expected no drift, got %d", drifted)
	}
}
