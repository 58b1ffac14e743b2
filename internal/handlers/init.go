package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tokenforge/bursar/internal/catalog"
	"github.com/tokenforge/bursar/internal/providers"
	"github.com/tokenforge/bursar/pkg/logging"
)

var (
	db       *sql.DB
	logger   logging.Logger
	metrics  *BursarMetrics
	registry *providers.Registry
	tariffs  *catalog.Catalog
	notifier *Notifier
)

// BursarMetrics contains Prometheus metrics for billing operations
type BursarMetrics struct {
	PaymentsCreated      *prometheus.CounterVec
	WebhooksProcessed    *prometheus.CounterVec
	LedgerEntries        *prometheus.CounterVec
	RenewalAttempts      *prometheus.CounterVec
	SubscriptionsExpired prometheus.Counter
	LedgerAuditDrift     prometheus.Counter
	PaymentAmount        *prometheus.HistogramVec
}

// Init sets the shared dependencies for all handlers
func Init(database *sql.DB, log logging.Logger, billingMetrics *BursarMetrics, providerRegistry *providers.Registry, cat *catalog.Catalog, notify *Notifier) {
	db = database
	logger = log
	metrics = billingMetrics
	registry = providerRegistry
	tariffs = cat
	notifier = notify
}
