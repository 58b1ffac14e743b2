package handlers

import (
	"context"

	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

// RenewalResult classifies one renewal attempt.
type RenewalResult string

const (
	RenewalSuccess               RenewalResult = "success"
	RenewalPaymentFailed         RenewalResult = "payment_failed"
	RenewalNoPaymentMethod       RenewalResult = "no_payment_method"
	RenewalProviderNotConfigured RenewalResult = "provider_not_configured"
	RenewalTariffNotFound        RenewalResult = "tariff_not_found"
	RenewalSkipped               RenewalResult = "skipped"
	RenewalError                 RenewalResult = "error"
)

// processSubscriptionRenewal attempts one off-session charge for the
// subscription's next period. Configuration gaps (missing method, provider
// or tariff) are unattemptable but still count against the retry budget, so
// a permanently broken subscription drains its attempts and expires instead
// of being retried forever.
func processSubscriptionRenewal(ctx context.Context, sub *Subscription) RenewalResult {
	result := renewOnce(ctx, sub)
	if metrics != nil {
		metrics.RenewalAttempts.WithLabelValues(string(result)).Inc()
	}
	return result
}

func renewOnce(ctx context.Context, sub *Subscription) RenewalResult {
	if !sub.CanBeRenewed() {
		return RenewalSkipped
	}
	if sub.Provider == providers.TelegramStars {
		// The platform charges Stars subscriptions itself; the engine only
		// observes the settlement events it relays.
		return RenewalSkipped
	}

	log := logger.WithFields(logging.Fields{
		"subscription_id": sub.ID,
		"account_id":      sub.AccountID,
		"tariff":          sub.TariffSlug,
		"provider":        sub.Provider,
	})

	if sub.PaymentMethodID == "" {
		log.Warn("Renewal has no saved payment method")
		return failAttempt(sub, RenewalNoPaymentMethod)
	}

	provider, ok := registry.Get(sub.Provider)
	if !ok {
		log.Warn("Renewal provider is not configured")
		return failAttempt(sub, RenewalProviderNotConfigured)
	}

	tariff, ok := tariffs.Get(sub.TariffSlug)
	if !ok {
		log.Warn("Renewal tariff no longer exists")
		return failAttempt(sub, RenewalTariffNotFound)
	}
	amount, currency, ok := tariff.PriceFor(sub.Provider)
	if !ok {
		log.Warn("Renewal tariff has no price for this provider")
		return failAttempt(sub, RenewalTariffNotFound)
	}

	outcome, err := provider.ChargeSavedMethod(ctx, sub.PaymentMethodID, providers.PaymentRequest{
		Amount:      amount,
		Currency:    currency,
		UserID:      sub.AccountID,
		TariffSlug:  tariff.Slug,
		Description: "Renewal: " + tariff.Name,
	})
	if err != nil {
		log.WithError(err).Warn("Renewal charge failed")
		return failAttempt(sub, RenewalPaymentFailed)
	}
	if outcome.Status == providers.StatusFailed || outcome.Status == providers.StatusCanceled {
		log.WithField("reason", outcome.ErrorReason).Warn("Renewal charge declined")
		return failAttempt(sub, RenewalPaymentFailed)
	}

	// Charge accepted. The payment record only exists from here on, so a
	// declined charge never leaves one behind.
	payment, _, err := recordOrGetExisting(&Payment{
		AccountID:    sub.AccountID,
		Provider:     sub.Provider,
		ExternalID:   outcome.ExternalID,
		Status:       "pending",
		Amount:       amount,
		Currency:     currency,
		TariffSlug:   tariff.Slug,
		TokensAmount: tariff.TokensPerPeriod,
		Description:  "Renewal: " + tariff.Name,
		IsRecurring:  true,
	})
	if err != nil {
		log.WithError(err).Error("Failed to record renewal payment")
		return RenewalError
	}

	if err := recordRenewalAttempt(sub.ID, true); err != nil {
		log.WithError(err).Error("Failed to stamp renewal attempt")
		return RenewalError
	}

	if !outcome.IsSuccess() {
		// Still processing on the provider side; its webhook settles the
		// record and renews the period once the charge clears.
		log.WithField("external_id", outcome.ExternalID).Info("Renewal charge pending provider settlement")
		return RenewalSuccess
	}

	if err := applyPaymentSuccess(payment, outcome); err != nil {
		log.WithError(err).Error("Failed to apply renewal payment")
		return RenewalError
	}

	log.WithField("payment_id", payment.ID).Info("Renewed subscription via saved method")
	return RenewalSuccess
}

// failAttempt records a failed renewal attempt and expires the subscription
// once the attempt budget is gone.
func failAttempt(sub *Subscription, result RenewalResult) RenewalResult {
	if err := recordRenewalAttempt(sub.ID, false); err != nil {
		logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to record renewal attempt")
		return RenewalError
	}

	if sub.RenewalAttempts+1 >= tariffs.Billing.RenewalMaxAttempts {
		if err := expireSubscription(sub.ID); err != nil {
			logger.WithError(err).WithField("subscription_id", sub.ID).Error("Failed to expire subscription")
			return RenewalError
		}
		if notifier != nil {
			notifier.SubscriptionExpired(sub)
		}
	} else if notifier != nil {
		notifier.RenewalFailed(sub, string(result))
	}
	return result
}
