package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

const (
	createAttempts = 3
	createBackoff  = 500 * time.Millisecond
)

// createProviderPayment calls the adapter with a small fixed retry budget.
// Only transport failures and 5xx responses are retried; a 4xx is fatal and
// surfaces immediately.
func createProviderPayment(ctx context.Context, provider providers.Provider, req providers.PaymentRequest) (*providers.PaymentIntent, error) {
	var lastErr error
	for attempt := 0; attempt < createAttempts; attempt++ {
		if attempt > 0 {
			backoff := createBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			logger.WithFields(logging.Fields{
				"provider": provider.Name(),
				"attempt":  attempt + 1,
			}).Warn("Retrying payment creation")
		}

		intent, err := provider.CreatePayment(ctx, req)
		if err == nil {
			return intent, nil
		}
		lastErr = err

		var provErr *providers.Error
		if errors.As(err, &provErr) && !provErr.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

// HandleCreatePayment initiates a payment: validates the tariff against the
// chosen provider, persists a pending record, creates the provider-side
// payment, and hands the chat layer whatever it needs to continue.
func HandleCreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	provider, ok := registry.Get(req.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("provider %s is not configured", req.Provider)})
		return
	}

	tariff, ok := tariffs.Get(req.TariffSlug)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown tariff %s", req.TariffSlug)})
		return
	}

	amount, currency, ok := tariff.PriceFor(req.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("tariff %s is not sold via %s", req.TariffSlug, req.Provider)})
		return
	}

	if err := ensureAccount(req.AccountID); err != nil {
		logger.WithError(err).WithField("account_id", req.AccountID).Error("Failed to ensure account")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate payment"})
		return
	}

	payment := &Payment{
		AccountID:    req.AccountID,
		Provider:     req.Provider,
		Status:       "pending",
		Amount:       amount,
		Currency:     currency,
		TariffSlug:   tariff.Slug,
		TokensAmount: tariff.EffectiveTokens(),
		Description:  tariff.Name,
	}
	if err := insertPendingPayment(payment); err != nil {
		logger.WithError(err).WithField("account_id", req.AccountID).Error("Failed to persist pending payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate payment"})
		return
	}

	intent, err := createProviderPayment(c.Request.Context(), provider, providers.PaymentRequest{
		Amount:      amount,
		Currency:    currency,
		UserID:      req.AccountID,
		TariffSlug:  tariff.Slug,
		Description: tariff.Name,
		ReturnURL:   req.ReturnURL,
		SaveMethod:  tariff.IsSubscription(),
		PaymentID:   payment.ID,
	})
	if err != nil {
		if markErr := markPaymentFailed(payment.ID, "failed", err.Error()); markErr != nil {
			logger.WithError(markErr).WithField("payment_id", payment.ID).Error("Failed to mark payment failed")
		}
		logger.WithError(err).WithFields(logging.Fields{
			"payment_id": payment.ID,
			"provider":   req.Provider,
			"account_id": req.AccountID,
		}).Error("Provider payment creation failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment provider rejected the request"})
		return
	}

	if intent.ExternalID != "" {
		if _, err := setPaymentExternalID(payment.ID, intent.ExternalID); err != nil {
			logger.WithError(err).WithField("payment_id", payment.ID).Error("Failed to store external id")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to initiate payment"})
			return
		}
	}

	if metrics != nil {
		metrics.PaymentsCreated.WithLabelValues(req.Provider).Inc()
		amountFloat, _ := amount.Float64()
		metrics.PaymentAmount.WithLabelValues(req.Provider, currency).Observe(amountFloat)
	}

	logger.WithFields(logging.Fields{
		"payment_id":  payment.ID,
		"external_id": intent.ExternalID,
		"provider":    req.Provider,
		"account_id":  req.AccountID,
		"tariff":      tariff.Slug,
	}).Info("Initiated payment")

	c.JSON(http.StatusCreated, CreatePaymentResponse{
		PaymentID:       payment.ID,
		ExternalID:      intent.ExternalID,
		ConfirmationURL: intent.ConfirmationURL,
		InvoicePayload:  intent.InvoicePayload,
	})
}

// HandleRefundPayment is the operator-facing refund: the provider reverses
// the charge, then the engine claws the tokens back.
func HandleRefundPayment(c *gin.Context) {
	paymentID, ok := idParam(c)
	if !ok {
		return
	}

	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	payment, err := getPaymentByID(paymentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	if payment.Status != "succeeded" {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("payment is %s, only succeeded payments can be refunded", payment.Status)})
		return
	}

	provider, ok := registry.Get(payment.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("provider %s is not configured", payment.Provider)})
		return
	}

	_, err = provider.Refund(c.Request.Context(), payment.ExternalID, nil, req.Reason)
	var unsupported *providers.Unsupported
	if errors.As(err, &unsupported) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": unsupported.Error()})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("payment_id", payment.ID).Error("Provider refund failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider refund failed"})
		return
	}

	if err := applyPaymentRefund(payment, req.Reason); err != nil {
		logger.WithError(err).WithField("payment_id", payment.ID).Error("Failed to apply refund")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refund accepted by provider but local reversal failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment_id": payment.ID, "status": "refunded"})
}
