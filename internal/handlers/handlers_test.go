package handlers

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokenforge/bursar/internal/catalog"
	"github.com/tokenforge/bursar/internal/providers"
)

// setupTest wires the handler package vars to a sqlmock database and a
// small fixed catalog. Each test starts from a clean slate.
func setupTest(t *testing.T) sqlmock.Sqlmock {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	db = mockDB
	logger = logrus.New()
	metrics = nil
	notifier = nil
	registry = providers.NewRegistry()
	tariffs = testCatalog()

	t.Cleanup(func() {
		mockDB.Close()
		db = nil
	})
	return mock
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Tariffs: map[string]*catalog.Tariff{
			"starter_pack": {
				Slug:    "starter_pack",
				Type:    catalog.TypeOneTime,
				Name:    "Starter Pack",
				Tokens:  100,
				Enabled: true,
				Price: catalog.Price{
					RUB:   decimal.RequireFromString("199.00"),
					USD:   decimal.RequireFromString("2.49"),
					Stars: 120,
				},
			},
			"monthly_pro": {
				Slug:            "monthly_pro",
				Type:            catalog.TypeSubscription,
				Name:            "Pro Monthly",
				TokensPerPeriod: 1000,
				PeriodDays:      30,
				BurnUnused:      true,
				Enabled:         true,
				Price: catalog.Price{
					RUB:   decimal.RequireFromString("1490.00"),
					USD:   decimal.RequireFromString("16.99"),
					Stars: 850,
				},
			},
			"monthly_saver": {
				Slug:            "monthly_saver",
				Type:            catalog.TypeSubscription,
				Name:            "Saver Monthly",
				TokensPerPeriod: 300,
				PeriodDays:      30,
				BurnUnused:      false,
				Enabled:         true,
				Price: catalog.Price{
					RUB: decimal.RequireFromString("499.00"),
					USD: decimal.RequireFromString("5.99"),
				},
			},
		},
		Billing: catalog.Billing{
			RenewalMaxAttempts: 3,
			StalePastDueDays:   7,
			RegistrationBonus:  10,
		},
	}
}

var paymentCols = []string{
	"id", "account_id", "provider", "external_id", "status", "amount", "currency",
	"tariff_slug", "tokens_amount", "description", "payment_method_id", "metadata",
	"is_recurring", "created_at", "completed_at",
}

func paymentRow(id, accountID int64, provider, externalID, status, amount, currency, tariff string, tokens int64) *sqlmock.Rows {
	return sqlmock.NewRows(paymentCols).AddRow(
		id, accountID, provider, externalID, status, amount, currency,
		tariff, tokens, "test payment", "", "{}", false, time.Now(), nil,
	)
}

var subscriptionCols = []string{
	"id", "account_id", "tariff_slug", "provider", "status", "tokens_per_period",
	"tokens_remaining", "period_start", "period_end", "auto_renewal", "cancel_at_period_end",
	"payment_method_id", "original_payment_id", "last_renewal_payment_id",
	"renewal_attempts", "last_renewal_attempt_at",
}

func subscriptionRow(id, accountID int64, tariff, provider, status string, remaining int64, methodID string, attempts int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(subscriptionCols).AddRow(
		id, accountID, tariff, provider, status, 1000,
		remaining, now.AddDate(0, 0, -29), now.AddDate(0, 0, 1), true, false,
		methodID, nil, nil, attempts, nil,
	)
}
