package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenforge/bursar/internal/providers"
)

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tariffs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidCatalog(t *testing.T) {
	path := writeCatalog(t, `
tariffs:
  starter:
    type: one_time
    name: "Starter"
    tokens: 100
    price:
      rub: 199.00
      usd: 2.49
      stars: 120
    enabled: true
  pro:
    type: subscription
    name: "Pro"
    tokens_per_period: 1000
    period_days: 30
    burn_unused: true
    price:
      rub: 1490.00
    enabled: true
billing:
  renewal_max_attempts: 5
  stale_past_due_days: 10
  registration_bonus: 15
`)

	cat, err := Load(path)
	require.NoError(t, err)

	starter, ok := cat.Get("starter")
	require.True(t, ok)
	assert.Equal(t, "starter", starter.Slug)
	assert.False(t, starter.IsSubscription())
	assert.Equal(t, int64(100), starter.EffectiveTokens())

	pro, ok := cat.Get("pro")
	require.True(t, ok)
	assert.True(t, pro.IsSubscription())
	assert.Equal(t, int64(1000), pro.EffectiveTokens())

	assert.Equal(t, 5, cat.Billing.RenewalMaxAttempts)
	assert.Equal(t, 10, cat.Billing.StalePastDueDays)
	assert.Equal(t, int64(15), cat.Billing.RegistrationBonus)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeCatalog(t, `
tariffs:
  starter:
    name: "Starter"
    tokens: 100
    enabled: true
`)

	cat, err := Load(path)
	require.NoError(t, err)

	starter := cat.Tariffs["starter"]
	assert.Equal(t, TypeOneTime, starter.Type)
	assert.Equal(t, 3, cat.Billing.RenewalMaxAttempts)
	assert.Equal(t, 7, cat.Billing.StalePastDueDays)
}

func TestLoadRejectsSubscriptionWithoutPeriod(t *testing.T) {
	path := writeCatalog(t, `
tariffs:
  broken:
    type: subscription
    name: "Broken"
    tokens_per_period: 100
    enabled: true
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownType(t *testing.T) {
	path := writeCatalog(t, `
tariffs:
  broken:
    type: lifetime
    name: "Broken"
    tokens: 100
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsZeroTokens(t *testing.T) {
	path := writeCatalog(t, `
tariffs:
  broken:
    type: one_time
    name: "Broken"
    tokens: 0
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGetSkipsDisabledTariffs(t *testing.T) {
	path := writeCatalog(t, `
tariffs:
  retired:
    type: one_time
    name: "Retired"
    tokens: 100
    enabled: false
`)

	cat, err := Load(path)
	require.NoError(t, err)

	_, ok := cat.Get("retired")
	assert.False(t, ok)

	// Disabled tariffs stay resolvable by direct map access so existing
	// subscriptions keep working.
	_, ok = cat.Tariffs["retired"]
	assert.True(t, ok)
}

func TestPriceForPerProvider(t *testing.T) {
	tariff := &Tariff{
		Slug: "starter",
		Price: Price{
			RUB:   decimal.RequireFromString("199.00"),
			Stars: 120,
		},
	}

	amount, currency, ok := tariff.PriceFor(providers.YooKassa)
	require.True(t, ok)
	assert.Equal(t, "RUB", currency)
	assert.Equal(t, "199", amount.String())

	_, _, ok = tariff.PriceFor(providers.Stripe)
	assert.False(t, ok, "no USD price means not sold via stripe")

	amount, currency, ok = tariff.PriceFor(providers.TelegramStars)
	require.True(t, ok)
	assert.Equal(t, "XTR", currency)
	assert.Equal(t, int64(120), amount.IntPart())
}
