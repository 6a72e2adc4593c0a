package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations for TOML and environment sources.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in Go notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Secret is a value sourced from a literal, an environment variable or a file.
type Secret struct {
	Value string `yaml:"value" toml:"value"`
	Env   string `yaml:"env" toml:"env"`
	File  string `yaml:"file" toml:"file"`
}

// DatabaseConfig selects the persistence driver.
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string `yaml:"driver" toml:"driver"`
	DSN    Secret `yaml:"dsn" toml:"dsn"`
}

// EndpointConfig describes one physical RPC endpoint. Order in the network list is
// the fallback priority.
type EndpointConfig struct {
	Name      string  `yaml:"name" toml:"name"`
	URL       string  `yaml:"url" toml:"url"`
	RateLimit float64 `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int     `yaml:"burst" toml:"burst"`
}

// NetworkConfig captures a logical ledger network.
type NetworkConfig struct {
	// Root is the custodial root account sub-accounts are created under.
	Root string `yaml:"root" toml:"root"`
	// RootKey signs account creation transactions on behalf of Root.
	RootKey Secret `yaml:"root_key" toml:"root_key"`
	// InitialBalance funds each new sub-account, in NEAR.
	InitialBalance string           `yaml:"initial_balance" toml:"initial_balance"`
	Endpoints      []EndpointConfig `yaml:"endpoints" toml:"endpoints"`
}

// RPCConfig tunes the resilience layer shared by every network.
type RPCConfig struct {
	MaxAttempts      int      `yaml:"max_attempts" toml:"max_attempts"`
	BaseDelay        Duration `yaml:"base_delay" toml:"base_delay"`
	MaxDelay         Duration `yaml:"max_delay" toml:"max_delay"`
	CallTimeout      Duration `yaml:"call_timeout" toml:"call_timeout"`
	FailureThreshold int      `yaml:"failure_threshold" toml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown" toml:"cooldown"`
}

// VaultConfig carries the secret the envelope key is derived from.
type VaultConfig struct {
	Secret Secret `yaml:"secret" toml:"secret"`
}

// WalletConfig tunes account allocation and on-chain verification.
type WalletConfig struct {
	AllocationAttempts int        `yaml:"allocation_attempts" toml:"allocation_attempts"`
	WarmUp             Duration   `yaml:"warm_up" toml:"warm_up"`
	VerifyBackoff      []Duration `yaml:"verify_backoff" toml:"verify_backoff"`
	Words              []string   `yaml:"words" toml:"words"`
}

// FundingConfig tunes payment verification.
type FundingConfig struct {
	Window       Duration `yaml:"window" toml:"window"`
	FeeBPS       uint32   `yaml:"fee_bps" toml:"fee_bps"`
	ToleranceBPS uint32   `yaml:"tolerance_bps" toml:"tolerance_bps"`
	// ToleranceFloor is the minimum tolerance in smallest units.
	ToleranceFloor string `yaml:"tolerance_floor" toml:"tolerance_floor"`
}

// PolicyConfig caps payouts for one currency. Amounts are decimal currency units.
type PolicyConfig struct {
	Currency      string `yaml:"currency" toml:"currency"`
	DailyCap      string `yaml:"daily_cap" toml:"daily_cap"`
	SoftInventory string `yaml:"soft_inventory" toml:"soft_inventory"`
}

// PayoutConfig tunes the distribution engine.
type PayoutConfig struct {
	PauseOnStart bool           `yaml:"pause" toml:"pause"`
	Top3Split    []uint32       `yaml:"top3_split_bps" toml:"top3_split_bps"`
	LeaseTTL     Duration       `yaml:"lease_ttl" toml:"lease_ttl"`
	Policies     []PolicyConfig `yaml:"policies" toml:"policies"`
}

// SchedulerConfig tunes distribution timers.
type SchedulerConfig struct {
	ReconcileInterval Duration `yaml:"reconcile_interval" toml:"reconcile_interval"`
}

// APIConfig secures the collaborator API with HMAC signed JWTs.
type APIConfig struct {
	JWTSecret Secret `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer    string `yaml:"issuer" toml:"issuer"`
	Audience  string `yaml:"audience" toml:"audience"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	BearerToken Secret `yaml:"bearer_token" toml:"bearer_token"`
}
