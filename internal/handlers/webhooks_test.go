package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/internal/stars"
	"github.com/tokenforge/bursar/internal/stripe"
	"github.com/tokenforge/bursar/internal/yookassa"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testRouter() *gin.Engine {
	router := gin.New()
	router.POST("/webhooks/yookassa", HandleYooKassaWebhook)
	router.POST("/webhooks/stripe", HandleStripeWebhook)
	router.POST("/events/stars", HandleStarsEvent)
	return router
}

func stripeSignatureHeader(body []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func useYooKassa(t *testing.T) {
	t.Helper()
	client, err := yookassa.NewClient(yookassa.Config{ShopID: "shop", SecretKey: "secret", Logger: logrus.New()})
	if err != nil {
		t.Fatalf("failed to create yookassa client: %v", err)
	}
	registry = providers.NewRegistry(client)
}

func TestYooKassaWebhookGrantsTokens(t *testing.T) {
	mock := setupTest(t)
	useYooKassa(t)

	body := `{
		"event": "payment.succeeded",
		"object": {
			"id": "yk_1",
			"status": "succeeded",
			"amount": {"value": "199.00", "currency": "RUB"},
			"metadata": {"user_id": "42", "tariff_slug": "starter_pack"},
			"payment_method": {"id": "pm_1"}
		}
	}`

	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("yookassa", "yk_1").
		WillReturnRows(paymentRow(7, 42, "yookassa", "yk_1", "pending", "199.00", "RUB", "starter_pack", 100))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments").
		WithArgs(int64(7), "pm_1").
		WillReturnRows(paymentRow(7, 42, "yookassa", "yk_1", "succeeded", "199.00", "RUB", "starter_pack", 100))
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(42), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(110))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(body))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestYooKassaWebhookReplayIsNoop(t *testing.T) {
	mock := setupTest(t)
	useYooKassa(t)

	body := `{
		"event": "payment.succeeded",
		"object": {
			"id": "yk_1",
			"status": "succeeded",
			"amount": {"value": "199.00", "currency": "RUB"},
			"metadata": {"user_id": "42", "tariff_slug": "starter_pack"}
		}
	}`

	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("yookassa", "yk_1").
		WillReturnRows(paymentRow(7, 42, "yookassa", "yk_1", "succeeded", "199.00", "RUB", "starter_pack", 100))

	// The success claim matches zero rows on replay, so no ledger entry is
	// written and the transaction rolls back untouched.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments").
		WithArgs(int64(7), "").
		WillReturnRows(sqlmock.NewRows(paymentCols))
	mock.ExpectRollback()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(body))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestYooKassaWebhookCanceledNoLedgerEffect(t *testing.T) {
	mock := setupTest(t)
	useYooKassa(t)

	body := `{
		"event": "payment.canceled",
		"object": {
			"id": "yk_2",
			"status": "canceled",
			"amount": {"value": "199.00", "currency": "RUB"},
			"metadata": {"user_id": "42", "tariff_slug": "starter_pack"},
			"cancellation_details": {"party": "yoo_money", "reason": "expired_on_confirmation"}
		}
	}`

	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("yookassa", "yk_2").
		WillReturnRows(paymentRow(8, 42, "yookassa", "yk_2", "pending", "199.00", "RUB", "starter_pack", 100))
	mock.ExpectExec("UPDATE payments").
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(body))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	mock := setupTest(t)
	registry = providers.NewRegistry(stripe.NewClient(stripe.Config{
		SecretKey:     "sk_test",
		WebhookSecret: "whsec_test",
		Logger:        logrus.New(),
	}))

	body := []byte(`{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", "t=123,v1=deadbeef")
	testRouter().ServeHTTP(w, req)

	// Bad signatures are acknowledged without any state change.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no database activity, got: %v", err)
	}
}

func TestStripeWebhookSettlesPayment(t *testing.T) {
	mock := setupTest(t)
	registry = providers.NewRegistry(stripe.NewClient(stripe.Config{
		SecretKey:     "sk_test",
		WebhookSecret: "whsec_test",
		Logger:        logrus.New(),
	}))

	event := map[string]interface{}{
		"type": "payment_intent.succeeded",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "pi_1",
				"payment_intent": "",
				"status":         "succeeded",
				"amount":         249,
				"currency":       "usd",
				"metadata":       map[string]string{"user_id": "42", "tariff_slug": "starter_pack"},
				"payment_method": "pm_card",
			},
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("stripe", "pi_1").
		WillReturnRows(paymentRow(9, 42, "stripe", "pi_1", "pending", "2.49", "USD", "starter_pack", 100))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments").
		WithArgs(int64(9), "pm_card").
		WillReturnRows(paymentRow(9, 42, "stripe", "pi_1", "succeeded", "2.49", "USD", "starter_pack", 100))
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(42), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, time.Now()))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", stripeSignatureHeader(body, "whsec_test", time.Now().Unix()))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStripeCheckoutSessionSettlesUnderPaymentIntent(t *testing.T) {
	mock := setupTest(t)
	registry = providers.NewRegistry(stripe.NewClient(stripe.Config{
		SecretKey:     "sk_test",
		WebhookSecret: "whsec_test",
		Logger:        logrus.New(),
	}))

	event := map[string]interface{}{
		"type": "checkout.session.completed",
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             "cs_1",
				"payment_intent": "pi_7",
				"status":         "complete",
				"amount_total":   249,
				"currency":       "usd",
				"metadata": map[string]string{
					"user_id":     "42",
					"tariff_slug": "starter_pack",
					"payment_id":  "9",
				},
			},
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	// The stored record still carries the checkout session id, so the
	// payment intent lookup misses and the engine payment id re-keys the
	// same row instead of synthesizing a second one.
	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("stripe", "pi_7").
		WillReturnRows(sqlmock.NewRows(paymentCols))
	mock.ExpectExec("UPDATE payments").
		WithArgs(int64(9), "pi_7").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM payments WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(paymentRow(9, 42, "stripe", "pi_7", "pending", "2.49", "USD", "starter_pack", 100))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments").
		WithArgs(int64(9), "").
		WillReturnRows(paymentRow(9, 42, "stripe", "pi_7", "succeeded", "2.49", "USD", "starter_pack", 100))
	mock.ExpectQuery("UPDATE accounts").
		WithArgs(int64(42), int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(100))
	mock.ExpectQuery("INSERT INTO ledger_entries").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(3, time.Now()))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", stripeSignatureHeader(body, "whsec_test", time.Now().Unix()))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookInternalFailureStillAcknowledged(t *testing.T) {
	mock := setupTest(t)
	useYooKassa(t)

	body := `{
		"event": "payment.succeeded",
		"object": {
			"id": "yk_5",
			"status": "succeeded",
			"amount": {"value": "199.00", "currency": "RUB"},
			"metadata": {"user_id": "42", "tariff_slug": "starter_pack"}
		}
	}`

	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("yookassa", "yk_5").
		WillReturnError(errors.New("connection reset by peer"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(body))
	testRouter().ServeHTTP(w, req)

	// The provider still gets its acknowledgment; a non-200 would only
	// trigger its redelivery storm against a failing backend.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStarsEventActivatesSubscription(t *testing.T) {
	mock := setupTest(t)
	registry = providers.NewRegistry(stars.NewClient(stars.Config{Logger: logrus.New()}))

	expiry := time.Now().AddDate(0, 0, 30).Unix()
	invoicePayload := `{"user_id":42,"tariff_slug":"monthly_pro","provider":"telegram_stars","payment_id":9}`
	body := fmt.Sprintf(`{
		"currency": "XTR",
		"total_amount": 850,
		"invoice_payload": %q,
		"telegram_payment_charge_id": "ch_1",
		"is_recurring": true,
		"is_first_recurring": true,
		"subscription_expiration_date": %d
	}`, invoicePayload, expiry)

	// No record under the charge id yet; the engine payment id inside the
	// invoice payload claims the pending record.
	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("telegram_stars", "ch_1").
		WillReturnRows(sqlmock.NewRows(paymentCols))
	mock.ExpectExec("UPDATE payments").
		WithArgs(int64(9), "ch_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM payments WHERE id").
		WithArgs(int64(9)).
		WillReturnRows(paymentRow(9, 42, "telegram_stars", "ch_1", "pending", "850", "XTR", "monthly_pro", 1000))

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payments").
		WithArgs(int64(9), "ch_1").
		WillReturnRows(paymentRow(9, 42, "telegram_stars", "ch_1", "succeeded", "850", "XTR", "monthly_pro", 1000))
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(subscriptionCols))
	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events/stars", strings.NewReader(body))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWebhookUnparseableEventRejected(t *testing.T) {
	mock := setupTest(t)
	useYooKassa(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader("not json"))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected no database activity, got: %v", err)
	}
}

func TestWebhookUnattributableEventDropped(t *testing.T) {
	mock := setupTest(t)
	useYooKassa(t)

	// Success event with no stored record and no usable metadata.
	body := `{
		"event": "payment.succeeded",
		"object": {
			"id": "yk_unknown",
			"status": "succeeded",
			"amount": {"value": "10.00", "currency": "RUB"}
		}
	}`

	mock.ExpectQuery("FROM payments WHERE provider").
		WithArgs("yookassa", "yk_unknown").
		WillReturnRows(sqlmock.NewRows(paymentCols))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/yookassa", strings.NewReader(body))
	testRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
