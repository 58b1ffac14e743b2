package stars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/bursar/internal/providers"
)

func newTestClient() *Client {
	return NewClient(Config{Logger: logrus.New()})
}

func TestCreatePaymentBuildsInvoicePayload(t *testing.T) {
	client := newTestClient()

	intent, err := client.CreatePayment(context.Background(), providers.PaymentRequest{
		Amount:     decimal.NewFromInt(120),
		Currency:   "XTR",
		UserID:     42,
		TariffSlug: "starter_pack",
		PaymentID:  7,
	})
	require.NoError(t, err)
	require.NotEmpty(t, intent.InvoicePayload)
	assert.Empty(t, intent.ExternalID, "stars payments have no external id before settlement")

	var payload invoicePayload
	require.NoError(t, json.Unmarshal([]byte(intent.InvoicePayload), &payload))
	assert.Equal(t, int64(42), payload.UserID)
	assert.Equal(t, "starter_pack", payload.TariffSlug)
	assert.Equal(t, int64(7), payload.PaymentID)
	assert.Equal(t, providers.TelegramStars, payload.Provider)
}

func TestCreatePaymentRejectsNonXTR(t *testing.T) {
	client := newTestClient()

	_, err := client.CreatePayment(context.Background(), providers.PaymentRequest{
		Amount:   decimal.NewFromInt(120),
		Currency: "USD",
	})

	var provErr *providers.Error
	require.True(t, errors.As(err, &provErr))
	assert.False(t, provErr.Retryable)
}

func TestCreatePaymentRejectsFractionalStars(t *testing.T) {
	client := newTestClient()

	for _, amount := range []string{"0", "-5", "1.5"} {
		_, err := client.CreatePayment(context.Background(), providers.PaymentRequest{
			Amount:   decimal.RequireFromString(amount),
			Currency: "XTR",
		})
		assert.Error(t, err, "amount %s must be rejected", amount)
	}
}

func TestParseEventSettlement(t *testing.T) {
	client := newTestClient()

	expiry := time.Now().AddDate(0, 0, 30).Unix()
	payload := fmt.Sprintf(`{
		"currency": "XTR",
		"total_amount": 850,
		"invoice_payload": "{\"user_id\":42,\"tariff_slug\":\"monthly_pro\",\"payment_id\":9}",
		"telegram_payment_charge_id": "ch_1",
		"is_recurring": true,
		"is_first_recurring": true,
		"subscription_expiration_date": %d
	}`, expiry)

	outcome, err := client.ParseEvent([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "ch_1", outcome.ExternalID)
	assert.True(t, outcome.IsSuccess())
	assert.True(t, outcome.Recurring)
	assert.True(t, outcome.FirstRecurring)

	id, ok := outcome.UserID()
	require.True(t, ok)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "monthly_pro", outcome.TariffSlug())
	assert.Equal(t, "9", outcome.Metadata["payment_id"])

	require.NotNil(t, outcome.SubscriptionExpiresAt)
	assert.Equal(t, expiry, outcome.SubscriptionExpiresAt.Unix())
	assert.Equal(t, "ch_1", outcome.PaymentMethodID, "charge id stands in for the saved method handle")
}

func TestParseEventRequiresChargeID(t *testing.T) {
	client := newTestClient()
	_, err := client.ParseEvent([]byte(`{"currency":"XTR","total_amount":850}`))
	assert.Error(t, err)
}

func TestParseEventToleratesOpaquePayload(t *testing.T) {
	client := newTestClient()

	outcome, err := client.ParseEvent([]byte(`{
		"currency": "XTR",
		"total_amount": 100,
		"invoice_payload": "not json",
		"telegram_payment_charge_id": "ch_2"
	}`))
	require.NoError(t, err)
	assert.True(t, outcome.IsSuccess())

	_, ok := outcome.UserID()
	assert.False(t, ok)
}

func TestRefundUnsupported(t *testing.T) {
	client := newTestClient()

	_, err := client.Refund(context.Background(), "ch_1", nil, "user request")

	var unsupported *providers.Unsupported
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, providers.TelegramStars, unsupported.Provider)
}

func TestChargeSavedMethodUnsupported(t *testing.T) {
	client := newTestClient()

	_, err := client.ChargeSavedMethod(context.Background(), "ch_1", providers.PaymentRequest{})

	var unsupported *providers.Unsupported
	require.True(t, errors.As(err, &unsupported))
}
