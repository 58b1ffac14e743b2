package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

const (
	apiBaseURL = "https://api.yookassa.ru/v3"

	// Fallback confirmation target when the API response omits one.
	defaultReturnURL = "https://t.me"
)

// Client implements the provider contract against the YooKassa v3 API.
// YooKassa accepts RUB only; payments are captured immediately and the
// payment method is retained when the caller asks for renewals.
type Client struct {
	shopID     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// Config for creating a new YooKassa client
type Config struct {
	ShopID    string // YOOKASSA_SHOP_ID
	SecretKey string // YOOKASSA_SECRET_KEY
	BaseURL   string // optional API base override
	Logger    logging.Logger
}

// NewClient creates a new YooKassa client
func NewClient(config Config) (*Client, error) {
	if config.ShopID == "" || config.SecretKey == "" {
		return nil, fmt.Errorf("yookassa shop id and secret key are required")
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = apiBaseURL
	}
	return &Client{
		shopID:    config.ShopID,
		secretKey: config.SecretKey,
		baseURL:   baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: config.Logger,
	}, nil
}

// Name returns the provider identifier.
func (c *Client) Name() string { return providers.YooKassa }

type apiAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type apiConfirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type apiPaymentMethod struct {
	ID string `json:"id"`
}

type apiCancellation struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

type apiPayment struct {
	ID                  string            `json:"id"`
	Status              string            `json:"status"`
	Amount              apiAmount         `json:"amount"`
	Confirmation        *apiConfirmation  `json:"confirmation,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	PaymentMethod       *apiPaymentMethod `json:"payment_method,omitempty"`
	CancellationDetails *apiCancellation  `json:"cancellation_details,omitempty"`
}

type createPaymentRequest struct {
	Amount            apiAmount         `json:"amount"`
	Confirmation      *apiConfirmation  `json:"confirmation,omitempty"`
	Capture           bool              `json:"capture"`
	Description       string            `json:"description,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	SavePaymentMethod bool              `json:"save_payment_method,omitempty"`
	PaymentMethodID   string            `json:"payment_method_id,omitempty"`
}

// CreatePayment creates a redirect payment. Only RUB is accepted; anything
// else is a fatal, non-retryable error.
func (c *Client) CreatePayment(ctx context.Context, req providers.PaymentRequest) (*providers.PaymentIntent, error) {
	if req.Currency != "RUB" {
		return nil, &providers.Error{
			Provider:  providers.YooKassa,
			Message:   fmt.Sprintf("unsupported currency %s, only RUB is accepted", req.Currency),
			Retryable: false,
		}
	}
	if !req.Amount.IsPositive() {
		return nil, &providers.Error{
			Provider:  providers.YooKassa,
			Message:   fmt.Sprintf("invalid amount %s", req.Amount),
			Retryable: false,
		}
	}

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = defaultReturnURL
	}

	body := createPaymentRequest{
		Amount: apiAmount{
			Value:    req.Amount.StringFixed(2),
			Currency: req.Currency,
		},
		Confirmation: &apiConfirmation{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Capture:     true,
		Description: req.Description,
		Metadata: map[string]string{
			providers.MetaUserID:     strconv.FormatInt(req.UserID, 10),
			providers.MetaTariffSlug: req.TariffSlug,
		},
		SavePaymentMethod: req.SaveMethod,
	}
	if req.PaymentID != 0 {
		body.Metadata["payment_id"] = strconv.FormatInt(req.PaymentID, 10)
	}

	payment, err := c.postPayment(ctx, body)
	if err != nil {
		return nil, err
	}

	confirmationURL := defaultReturnURL
	if payment.Confirmation != nil && payment.Confirmation.ConfirmationURL != "" {
		confirmationURL = payment.Confirmation.ConfirmationURL
	}

	c.logger.WithFields(logging.Fields{
		"payment_id": payment.ID,
		"user_id":    req.UserID,
		"tariff":     req.TariffSlug,
		"amount":     body.Amount.Value,
	}).Info("Created YooKassa payment")

	return &providers.PaymentIntent{
		ExternalID:      payment.ID,
		ConfirmationURL: confirmationURL,
		Metadata:        body.Metadata,
	}, nil
}

// VerifyWebhook always succeeds. YooKassa does not sign notification
// bodies; authenticity is enforced by IP allowlisting in front of this
// service, the same trust model the API vendor documents.
func (c *Client) VerifyWebhook(body []byte, signature string) bool {
	return true
}

type webhookNotification struct {
	Event  string     `json:"event"`
	Object apiPayment `json:"object"`
}

// ParseEvent maps a YooKassa notification into a normalized outcome.
func (c *Client) ParseEvent(payload []byte) (*providers.Outcome, error) {
	var note webhookNotification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, fmt.Errorf("failed to decode yookassa notification: %w", err)
	}
	if note.Object.ID == "" {
		return nil, fmt.Errorf("yookassa notification has no payment id")
	}

	status := mapStatus(note.Event, note.Object.Status)

	amount, err := decimal.NewFromString(note.Object.Amount.Value)
	if err != nil {
		amount = decimal.Zero
	}

	outcome := &providers.Outcome{
		ExternalID: note.Object.ID,
		Status:     status,
		Amount:     amount,
		Currency:   note.Object.Amount.Currency,
		Metadata:   note.Object.Metadata,
		Raw:        json.RawMessage(payload),
	}
	if outcome.Metadata == nil {
		outcome.Metadata = map[string]string{}
	}
	if note.Object.PaymentMethod != nil {
		outcome.PaymentMethodID = note.Object.PaymentMethod.ID
	}
	if note.Object.CancellationDetails != nil {
		outcome.ErrorReason = note.Object.CancellationDetails.Reason
	}
	return outcome, nil
}

func mapStatus(event, status string) providers.Status {
	if event == "refund.succeeded" {
		return providers.StatusRefunded
	}
	switch status {
	case "pending", "waiting_for_capture":
		return providers.StatusPending
	case "succeeded":
		return providers.StatusSucceeded
	case "canceled":
		return providers.StatusCanceled
	default:
		return providers.StatusFailed
	}
}

// ChargeSavedMethod performs an off-session charge against a saved payment
// method, used by subscription renewals.
func (c *Client) ChargeSavedMethod(ctx context.Context, methodID string, req providers.PaymentRequest) (*providers.Outcome, error) {
	if req.Currency != "RUB" {
		return nil, &providers.Error{
			Provider:  providers.YooKassa,
			Message:   fmt.Sprintf("unsupported currency %s, only RUB is accepted", req.Currency),
			Retryable: false,
		}
	}

	body := createPaymentRequest{
		Amount: apiAmount{
			Value:    req.Amount.StringFixed(2),
			Currency: req.Currency,
		},
		Capture:         true,
		Description:     req.Description,
		PaymentMethodID: methodID,
		Metadata: map[string]string{
			providers.MetaUserID:     strconv.FormatInt(req.UserID, 10),
			providers.MetaTariffSlug: req.TariffSlug,
			"is_recurring":           "true",
		},
	}

	payment, err := c.postPayment(ctx, body)
	if err != nil {
		return nil, err
	}

	outcome := &providers.Outcome{
		ExternalID:      payment.ID,
		Status:          mapStatus("", payment.Status),
		Amount:          req.Amount,
		Currency:        req.Currency,
		Metadata:        body.Metadata,
		PaymentMethodID: methodID,
		Recurring:       true,
	}
	if payment.CancellationDetails != nil {
		outcome.ErrorReason = payment.CancellationDetails.Reason
	}

	c.logger.WithFields(logging.Fields{
		"payment_id": payment.ID,
		"user_id":    req.UserID,
		"status":     payment.Status,
	}).Info("Charged saved YooKassa payment method")

	return outcome, nil
}

type refundRequest struct {
	PaymentID string    `json:"payment_id"`
	Amount    apiAmount `json:"amount"`
}

type refundResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	PaymentID string    `json:"payment_id"`
	Amount    apiAmount `json:"amount"`
}

// Refund reverses a settled payment. With a nil amount the original payment
// is fetched first and refunded in full.
func (c *Client) Refund(ctx context.Context, externalID string, amount *decimal.Decimal, reason string) (*providers.Outcome, error) {
	var value decimal.Decimal
	currency := "RUB"
	if amount != nil {
		value = *amount
	} else {
		payment, err := c.getPayment(ctx, externalID)
		if err != nil {
			return nil, err
		}
		parsed, err := decimal.NewFromString(payment.Amount.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment amount %q: %w", payment.Amount.Value, err)
		}
		value = parsed
		currency = payment.Amount.Currency
	}

	body := refundRequest{
		PaymentID: externalID,
		Amount: apiAmount{
			Value:    value.StringFixed(2),
			Currency: currency,
		},
	}

	var refund refundResponse
	if err := c.do(ctx, http.MethodPost, "/refunds", body, &refund); err != nil {
		return nil, err
	}

	c.logger.WithFields(logging.Fields{
		"refund_id":  refund.ID,
		"payment_id": externalID,
		"reason":     reason,
	}).Info("Created YooKassa refund")

	status := providers.StatusRefunded
	if refund.Status != "succeeded" {
		status = providers.StatusPending
	}
	return &providers.Outcome{
		ExternalID: externalID,
		Status:     status,
		Amount:     value,
		Currency:   currency,
		Metadata:   map[string]string{},
	}, nil
}

// CancelRecurrence is a no-op. YooKassa has no provider-side subscription
// object; recurrence stops when the engine stops charging.
func (c *Client) CancelRecurrence(ctx context.Context, handle string) bool {
	return false
}

func (c *Client) postPayment(ctx context.Context, body createPaymentRequest) (*apiPayment, error) {
	var payment apiPayment
	if err := c.do(ctx, http.MethodPost, "/payments", body, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) getPayment(ctx context.Context, paymentID string) (*apiPayment, error) {
	var payment apiPayment
	if err := c.do(ctx, http.MethodGet, "/payments/"+paymentID, nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode yookassa request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build yookassa request: %w", err)
	}
	req.SetBasicAuth(c.shopID, c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		// YooKassa deduplicates create calls on this header.
		req.Header.Set("Idempotence-Key", uuid.New().String())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &providers.Error{
			Provider:  providers.YooKassa,
			Message:   err.Error(),
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &providers.Error{
			Provider:  providers.YooKassa,
			Message:   fmt.Sprintf("failed to read response: %v", err),
			Retryable: true,
		}
	}

	if resp.StatusCode >= 400 {
		return &providers.Error{
			Provider:   providers.YooKassa,
			StatusCode: resp.StatusCode,
			Message:    string(raw),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode yookassa response: %w", err)
		}
	}
	return nil
}
