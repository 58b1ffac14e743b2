package handlers

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestChargeTokensFromBalanceOnly(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(subscriptionCols))
	mock.ExpectExec("UPDATE accounts").
		WithArgs(int64(42), int64(60)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT balance FROM accounts").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(40))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(int64(42), EntryGeneration, int64(-60), int64(40), "image generation", `{"from_subscription": 0}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(5, time.Now()))
	mock.ExpectCommit()

	fromSub, fromBalance, err := chargeTokens(42, 60, "image generation")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromSub != 0 || fromBalance != 60 {
		t.Fatalf("expected split 0/60, got %d/%d", fromSub, fromBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChargeTokensSubscriptionFirst(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(int64(42)).
		WillReturnRows(subscriptionRow(5, 42, "monthly_pro", "yookassa", SubStatusActive, 50, "pm_1", 0))
	mock.ExpectQuery("UPDATE subscriptions").
		WithArgs(int64(5), int64(50)).
		WillReturnRows(sqlmock.NewRows([]string{"tokens_remaining"}).AddRow(0))
	mock.ExpectExec("UPDATE accounts").
		WithArgs(int64(42), int64(30)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT balance FROM accounts").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(70))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WithArgs(int64(42), EntryGeneration, int64(-30), int64(70), "Generation", `{"from_subscription": 50}`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(6, time.Now()))
	mock.ExpectCommit()

	fromSub, fromBalance, err := chargeTokens(42, 80, "Generation")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromSub != 50 || fromBalance != 30 {
		t.Fatalf("expected split 50/30, got %d/%d", fromSub, fromBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChargeTokensCoveredBySubscription(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(int64(42)).
		WillReturnRows(subscriptionRow(5, 42, "monthly_pro", "yookassa", SubStatusActive, 500, "pm_1", 0))
	mock.ExpectQuery("UPDATE subscriptions").
		WithArgs(int64(5), int64(20)).
		WillReturnRows(sqlmock.NewRows([]string{"tokens_remaining"}).AddRow(480))
	mock.ExpectCommit()

	fromSub, fromBalance, err := chargeTokens(42, 20, "Generation")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fromSub != 20 || fromBalance != 0 {
		t.Fatalf("expected split 20/0, got %d/%d", fromSub, fromBalance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestChargeTokensInsufficientRollsBack(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(subscriptionCols))
	mock.ExpectExec("UPDATE accounts").
		WithArgs(int64(42), int64(500)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := chargeTokens(42, 500, "Generation")
	if err != ErrInsufficientFunds {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordRenewalAttemptFailureForcesPastDue(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := recordRenewalAttempt(5, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestExpireSubscriptionIdempotent(t *testing.T) {
	mock := setupTest(t)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := expireSubscription(5); err != nil {
		t.Fatalf("unexpected error on first expire: %v", err)
	}
	if err := expireSubscription(5); err != nil {
		t.Fatalf("unexpected error on second expire: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCanBeRenewed(t *testing.T) {
	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"active with auto renewal", Subscription{Status: SubStatusActive, AutoRenewal: true}, true},
		{"past due with auto renewal", Subscription{Status: SubStatusPastDue, AutoRenewal: true}, true},
		{"auto renewal off", Subscription{Status: SubStatusActive, AutoRenewal: false}, false},
		{"cancel at period end", Subscription{Status: SubStatusActive, AutoRenewal: true, CancelAtPeriodEnd: true}, false},
		{"expired", Subscription{Status: SubStatusExpired, AutoRenewal: true}, false},
		{"canceled", Subscription{Status: SubStatusCanceled, AutoRenewal: true}, false},
	}
	for _, tc := range cases {
		if got := tc.sub.CanBeRenewed(); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
