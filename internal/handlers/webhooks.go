package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

// processProviderEvent is the shared ingestion path: verify authenticity
// first, then parse, then apply. Verification failures are acknowledged with
// a success status and no state change, so a probing caller learns nothing
// and a misconfigured provider does not retry-storm us.
func processProviderEvent(c *gin.Context, providerName, signature string) {
	provider, ok := registry.Get(providerName)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not configured"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	if !provider.VerifyWebhook(body, signature) {
		logger.WithFields(logging.Fields{
			"provider":    providerName,
			"remote_addr": c.ClientIP(),
		}).Warn("Rejected webhook with bad signature")
		if metrics != nil {
			metrics.WebhooksProcessed.WithLabelValues(providerName, "bad_signature").Inc()
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	outcome, err := provider.ParseEvent(body)
	if err != nil {
		logger.WithError(err).WithField("provider", providerName).Warn("Failed to parse provider event")
		if metrics != nil {
			metrics.WebhooksProcessed.WithLabelValues(providerName, "unparseable").Inc()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable event"})
		return
	}

	if err := applyOutcome(providerName, outcome); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"provider":    providerName,
			"external_id": outcome.ExternalID,
			"status":      outcome.Status,
		}).Error("Failed to apply provider event")
		if metrics != nil {
			metrics.WebhooksProcessed.WithLabelValues(providerName, "error").Inc()
		}
		// Internal failures are absorbed: the provider gets its 200 and
		// stops redelivering, the operator gets the log line.
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	if metrics != nil {
		metrics.WebhooksProcessed.WithLabelValues(providerName, "processed").Inc()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleYooKassaWebhook ingests YooKassa payment notifications.
func HandleYooKassaWebhook(c *gin.Context) {
	processProviderEvent(c, providers.YooKassa, "")
}

// HandleStripeWebhook ingests signed Stripe events.
func HandleStripeWebhook(c *gin.Context) {
	processProviderEvent(c, providers.Stripe, c.GetHeader("Stripe-Signature"))
}

// HandleStarsEvent ingests successful_payment events relayed by the chat
// layer. These are not open-internet webhooks; the relay connection itself
// is the authenticity guarantee.
func HandleStarsEvent(c *gin.Context) {
	processProviderEvent(c, providers.TelegramStars, "")
}
