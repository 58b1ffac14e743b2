package handlers

import (
	"context"
	"database/sql"
	"time"

	"github.com/tokenforge/bursar/pkg/config"
	"github.com/tokenforge/bursar/pkg/logging"
)

const (
	renewalBatchSize = 100
	retryBatchSize   = 50
)

// JobManager drives the periodic billing sweeps: upcoming renewals,
// past_due retries, the staleness backstop and the ledger audit. It is a
// single-process ticker loop, not a distributed queue; a subscription
// missed in one run is picked up in the next.
type JobManager struct {
	db     *sql.DB
	logger logging.Logger
	stopCh chan struct{}

	renewalInterval   time.Duration
	retryInterval     time.Duration
	stalenessInterval time.Duration
	auditInterval     time.Duration
}

// NewJobManager creates a job manager with daily sweep cadence, overridable
// per sweep via environment.
func NewJobManager(database *sql.DB, log logging.Logger) *JobManager {
	return &JobManager{
		db:                database,
		logger:            log,
		stopCh:            make(chan struct{}),
		renewalInterval:   config.GetEnvDuration("RENEWAL_SWEEP_INTERVAL", 24*time.Hour),
		retryInterval:     config.GetEnvDuration("RETRY_SWEEP_INTERVAL", 24*time.Hour),
		stalenessInterval: config.GetEnvDuration("STALENESS_SWEEP_INTERVAL", 24*time.Hour),
		auditInterval:     config.GetEnvDuration("LEDGER_AUDIT_INTERVAL", 24*time.Hour),
	}
}

// Start launches all background sweeps. The initial delays stagger the
// sweeps so they do not contend over the same subscription rows.
func (jm *JobManager) Start(ctx context.Context) {
	go jm.runRenewalSweep(ctx, 1*time.Minute)
	go jm.runPastDueSweep(ctx, 6*time.Minute)
	go jm.runStalenessSweep(ctx, 11*time.Minute)
	go jm.runLedgerAudit(ctx, 16*time.Minute)
	jm.logger.Info("Billing job manager started")
}

// Stop signals all sweeps to exit.
func (jm *JobManager) Stop() {
	close(jm.stopCh)
	jm.logger.Info("Billing job manager stopped")
}

func (jm *JobManager) runRenewalSweep(ctx context.Context, initialDelay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-jm.stopCh:
		return
	case <-time.After(initialDelay):
	}
	jm.sweepRenewals(ctx)

	ticker := time.NewTicker(jm.renewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepRenewals(ctx)
		}
	}
}

// sweepRenewals charges subscriptions whose period ends within the next 24
// hours. One failed subscription never blocks the rest of the batch.
func (jm *JobManager) sweepRenewals(ctx context.Context) {
	rows, err := jm.db.Query(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active'
		  AND auto_renewal = TRUE
		  AND cancel_at_period_end = FALSE
		  AND period_end <= NOW() + INTERVAL '24 hours'
		ORDER BY period_end ASC
		LIMIT $1`,
		renewalBatchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Renewal sweep query failed")
		return
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			jm.logger.WithError(err).Error("Failed to scan subscription in renewal sweep")
			continue
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Renewal sweep row iteration failed")
	}
	rows.Close()

	counts := map[RenewalResult]int{}
	for _, sub := range subs {
		counts[processSubscriptionRenewal(ctx, sub)]++
	}

	jm.logger.WithFields(logging.Fields{
		"total":   len(subs),
		"success": counts[RenewalSuccess],
		"failed":  counts[RenewalPaymentFailed],
		"skipped": counts[RenewalSkipped],
	}).Info("Renewal sweep completed")
}

func (jm *JobManager) runPastDueSweep(ctx context.Context, initialDelay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-jm.stopCh:
		return
	case <-time.After(initialDelay):
	}
	jm.sweepPastDue(ctx)

	ticker := time.NewTicker(jm.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepPastDue(ctx)
		}
	}
}

// sweepPastDue retries past_due subscriptions that still have attempt
// budget, oldest attempt first, and expires the ones that have run out.
func (jm *JobManager) sweepPastDue(ctx context.Context) {
	maxAttempts := tariffs.Billing.RenewalMaxAttempts

	res, err := jm.db.Exec(`
		UPDATE subscriptions
		SET status = 'expired', auto_renewal = FALSE, updated_at = NOW()
		WHERE status = 'past_due' AND renewal_attempts >= $1`,
		maxAttempts)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to expire exhausted subscriptions")
	} else if expired, _ := res.RowsAffected(); expired > 0 {
		if metrics != nil {
			metrics.SubscriptionsExpired.Add(float64(expired))
		}
		jm.logger.WithField("expired", expired).Info("Expired subscriptions with exhausted retry budget")
	}

	rows, err := jm.db.Query(`
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'past_due'
		  AND auto_renewal = TRUE
		  AND cancel_at_period_end = FALSE
		  AND renewal_attempts < $1
		ORDER BY last_renewal_attempt_at ASC NULLS FIRST
		LIMIT $2`,
		maxAttempts, retryBatchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Past-due sweep query failed")
		return
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			jm.logger.WithError(err).Error("Failed to scan subscription in past-due sweep")
			continue
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Past-due sweep row iteration failed")
	}
	rows.Close()

	recovered := 0
	for _, sub := range subs {
		if processSubscriptionRenewal(ctx, sub) == RenewalSuccess {
			recovered++
		}
	}

	jm.logger.WithFields(logging.Fields{
		"retried":   len(subs),
		"recovered": recovered,
	}).Info("Past-due sweep completed")
}

func (jm *JobManager) runStalenessSweep(ctx context.Context, initialDelay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-jm.stopCh:
		return
	case <-time.After(initialDelay):
	}
	jm.sweepStale()

	ticker := time.NewTicker(jm.stalenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.sweepStale()
		}
	}
}

// sweepStale is the correctness backstop: it force-expires past_due
// subscriptions whose period ended long ago, and closes out canceled
// subscriptions whose paid period has run out. It exists to catch whatever
// the two primary sweeps miss during scheduler downtime.
func (jm *JobManager) sweepStale() {
	res, err := jm.db.Exec(`
		UPDATE subscriptions
		SET status = 'expired', auto_renewal = FALSE, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM subscriptions
			WHERE status = 'past_due'
			  AND period_end < NOW() - make_interval(days => $1)
			LIMIT $2
		)`,
		tariffs.Billing.StalePastDueDays, retryBatchSize)
	if err != nil {
		jm.logger.WithError(err).Error("Staleness sweep failed")
		return
	}
	stale, _ := res.RowsAffected()

	res, err = jm.db.Exec(`
		UPDATE subscriptions
		SET status = 'expired', updated_at = NOW()
		WHERE status = 'canceled' AND period_end < NOW()`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to close out canceled subscriptions")
		return
	}
	closed, _ := res.RowsAffected()

	if stale > 0 || closed > 0 {
		if metrics != nil {
			metrics.SubscriptionsExpired.Add(float64(stale + closed))
		}
		jm.logger.WithFields(logging.Fields{
			"stale_past_due":  stale,
			"canceled_closed": closed,
		}).Warn("Staleness backstop expired subscriptions")
	}
}

func (jm *JobManager) runLedgerAudit(ctx context.Context, initialDelay time.Duration) {
	select {
	case <-ctx.Done():
		return
	case <-jm.stopCh:
		return
	case <-time.After(initialDelay):
	}
	jm.auditLedger()

	ticker := time.NewTicker(jm.auditInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.auditLedger()
		}
	}
}

// auditLedger re-verifies every cached balance against its ledger sum.
func (jm *JobManager) auditLedger() {
	drifted, err := auditLedgerBalances()
	if err != nil {
		jm.logger.WithError(err).Error("Ledger audit failed")
		return
	}
	if drifted == 0 {
		jm.logger.Info("Ledger audit completed, no drift")
	} else {
		jm.logger.WithField("drifted_accounts", drifted).Error("Ledger audit completed with drift")
	}
}
