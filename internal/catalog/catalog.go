package catalog

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/tokenforge/bursar/internal/providers"
)

// Tariff types.
const (
	TypeOneTime      = "one_time"
	TypeSubscription = "subscription"
)

// Price lists a tariff's cost per provider currency. A zero value means the
// tariff is not sold through that provider.
type Price struct {
	RUB   decimal.Decimal `yaml:"rub"`
	USD   decimal.Decimal `yaml:"usd"`
	Stars int64           `yaml:"stars"`
}

// Tariff is one priced offering: a one-time token bundle or a recurring
// subscription plan. Token counts are fixed here and copied onto records at
// purchase time, so later catalog edits never touch sold contracts.
type Tariff struct {
	Slug            string `yaml:"slug"`
	Type            string `yaml:"type"`
	Name            string `yaml:"name"`
	Tokens          int64  `yaml:"tokens"`
	TokensPerPeriod int64  `yaml:"tokens_per_period"`
	PeriodDays      int    `yaml:"period_days"`
	BurnUnused      bool   `yaml:"burn_unused"`
	Price           Price  `yaml:"price"`
	Enabled         bool   `yaml:"enabled"`
}

// IsSubscription reports whether the tariff is a recurring plan.
func (t *Tariff) IsSubscription() bool {
	return t.Type == TypeSubscription
}

// EffectiveTokens returns the tokens granted by one purchase or one period.
func (t *Tariff) EffectiveTokens() int64 {
	if t.IsSubscription() {
		return t.TokensPerPeriod
	}
	return t.Tokens
}

// PriceFor resolves the amount and currency for the given provider. The
// second return is false when the tariff is not available through it.
func (t *Tariff) PriceFor(provider string) (decimal.Decimal, string, bool) {
	switch provider {
	case providers.YooKassa:
		if t.Price.RUB.IsPositive() {
			return t.Price.RUB, "RUB", true
		}
	case providers.Stripe:
		if t.Price.USD.IsPositive() {
			return t.Price.USD, "USD", true
		}
	case providers.TelegramStars:
		if t.Price.Stars > 0 {
			return decimal.NewFromInt(t.Price.Stars), "XTR", true
		}
	}
	return decimal.Zero, "", false
}

// Billing holds engine-level knobs that are business decisions, injected
// rather than hardcoded.
type Billing struct {
	// RenewalMaxAttempts bounds how many failed renewal attempts a
	// subscription may accumulate before it is expired.
	RenewalMaxAttempts int `yaml:"renewal_max_attempts"`
	// StalePastDueDays is the backstop window: past_due subscriptions whose
	// period ended longer ago than this are force-expired.
	StalePastDueDays int `yaml:"stale_past_due_days"`
	// RegistrationBonus is credited once on first account contact.
	RegistrationBonus int64 `yaml:"registration_bonus"`
}

// Catalog is the full tariff table plus billing settings, loaded once at
// startup and passed to components as an explicit dependency.
type Catalog struct {
	Tariffs map[string]*Tariff `yaml:"tariffs"`
	Billing Billing            `yaml:"billing"`
}

// Load reads and validates the catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}

	for slug, tariff := range cat.Tariffs {
		if tariff.Slug == "" {
			tariff.Slug = slug
		}
		if tariff.Type == "" {
			tariff.Type = TypeOneTime
		}
		if tariff.Type != TypeOneTime && tariff.Type != TypeSubscription {
			return nil, fmt.Errorf("tariff %s has unknown type %q", slug, tariff.Type)
		}
		if tariff.IsSubscription() && tariff.PeriodDays < 1 {
			return nil, fmt.Errorf("tariff %s is a subscription without period_days", slug)
		}
		if tariff.EffectiveTokens() <= 0 {
			return nil, fmt.Errorf("tariff %s grants no tokens", slug)
		}
	}

	if cat.Billing.RenewalMaxAttempts <= 0 {
		cat.Billing.RenewalMaxAttempts = 3
	}
	if cat.Billing.StalePastDueDays <= 0 {
		cat.Billing.StalePastDueDays = 7
	}

	return &cat, nil
}

// Get returns an enabled tariff by slug.
func (c *Catalog) Get(slug string) (*Tariff, bool) {
	tariff, ok := c.Tariffs[slug]
	if !ok || !tariff.Enabled {
		return nil, false
	}
	return tariff, true
}
