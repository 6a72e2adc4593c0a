package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

var supportedNetworks = map[string]struct{}{
	"testnet": {},
	"mainnet": {},
}

// Validate checks the loaded configuration for missing or inconsistent values.
func Validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN.Value) == "" {
		return fmt.Errorf("database: dsn must be configured")
	}
	if len(cfg.Networks) == 0 {
		return fmt.Errorf("networks: at least one network must be configured")
	}
	if _, ok := cfg.Networks[cfg.DefaultNetwork]; !ok {
		return fmt.Errorf("default_network %q is not configured", cfg.DefaultNetwork)
	}
	for name, network := range cfg.Networks {
		if _, ok := supportedNetworks[name]; !ok {
			return fmt.Errorf("networks: unsupported network %q", name)
		}
		if network.Root == "" {
			return fmt.Errorf("networks.%s: root must be configured", name)
		}
		if network.RootKey.Value == "" {
			return fmt.Errorf("networks.%s: root_key must be configured", name)
		}
		if _, err := positiveDecimal(network.InitialBalance); err != nil {
			return fmt.Errorf("networks.%s: initial_balance: %w", name, err)
		}
		if len(network.Endpoints) == 0 {
			return fmt.Errorf("networks.%s: at least one endpoint must be configured", name)
		}
		seen := make(map[string]struct{}, len(network.Endpoints))
		for _, endpoint := range network.Endpoints {
			if _, dup := seen[endpoint.Name]; dup {
				return fmt.Errorf("networks.%s: duplicate endpoint name %q", name, endpoint.Name)
			}
			seen[endpoint.Name] = struct{}{}
			parsed, err := url.Parse(strings.TrimSpace(endpoint.URL))
			if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
				return fmt.Errorf("networks.%s: endpoint %s: invalid url %q", name, endpoint.Name, endpoint.URL)
			}
			if endpoint.RateLimit < 0 || endpoint.Burst < 0 {
				return fmt.Errorf("networks.%s: endpoint %s: rate limits must be non-negative", name, endpoint.Name)
			}
		}
	}
	if cfg.RPC.MaxDelay.Duration < cfg.RPC.BaseDelay.Duration {
		return fmt.Errorf("rpc: max_delay must be >= base_delay")
	}
	if cfg.Vault.Secret.Value == "" {
		return fmt.Errorf("vault: secret must be configured")
	}
	if len(cfg.Vault.Secret.Value) < 16 {
		return fmt.Errorf("vault: secret must be at least 16 characters")
	}
	if cfg.Funding.FeeBPS >= 10_000 {
		return fmt.Errorf("funding: fee_bps must be below 10000")
	}
	if cfg.Funding.ToleranceBPS >= 10_000 {
		return fmt.Errorf("funding: tolerance_bps must be below 10000")
	}
	floor, err := decimal.NewFromString(strings.TrimSpace(cfg.Funding.ToleranceFloor))
	if err != nil || floor.IsNegative() || !floor.Equal(floor.Truncate(0)) {
		return fmt.Errorf("funding: tolerance_floor must be a non-negative integer")
	}
	if len(cfg.Payout.Top3Split) != 3 {
		return fmt.Errorf("payout: top3_split_bps needs exactly three entries")
	}
	var total uint32
	for _, share := range cfg.Payout.Top3Split {
		total += share
	}
	if total != 10_000 {
		return fmt.Errorf("payout: top3_split_bps must sum to 10000, got %d", total)
	}
	currencies := make(map[string]struct{}, len(cfg.Payout.Policies))
	for _, policy := range cfg.Payout.Policies {
		currency := strings.ToUpper(strings.TrimSpace(policy.Currency))
		if currency == "" {
			return fmt.Errorf("payout: policy currency required")
		}
		if _, dup := currencies[currency]; dup {
			return fmt.Errorf("payout: duplicate policy for %s", currency)
		}
		currencies[currency] = struct{}{}
		if _, err := positiveDecimal(policy.DailyCap); err != nil {
			return fmt.Errorf("payout: %s daily_cap: %w", currency, err)
		}
		if strings.TrimSpace(policy.SoftInventory) != "" {
			if _, err := positiveDecimal(policy.SoftInventory); err != nil {
				return fmt.Errorf("payout: %s soft_inventory: %w", currency, err)
			}
		}
	}
	if cfg.API.JWTSecret.Value == "" {
		return fmt.Errorf("api: jwt_secret must be configured")
	}
	if cfg.Admin.BearerToken.Value == "" {
		return fmt.Errorf("admin: bearer_token must be configured")
	}
	return nil
}

func positiveDecimal(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q", raw)
	}
	if !value.IsPositive() {
		return decimal.Zero, fmt.Errorf("amount must be positive")
	}
	return value, nil
}
