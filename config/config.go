package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime configuration for quizd.
type Config struct {
	ListenAddress  string                   `yaml:"listen" toml:"listen"`
	Environment    string                   `yaml:"environment" toml:"environment"`
	LogLevel       string                   `yaml:"log_level" toml:"log_level"`
	DefaultNetwork string                   `yaml:"default_network" toml:"default_network"`
	Database       DatabaseConfig           `yaml:"database" toml:"database"`
	Networks       map[string]NetworkConfig `yaml:"networks" toml:"networks"`
	RPC            RPCConfig                `yaml:"rpc" toml:"rpc"`
	Vault          VaultConfig              `yaml:"vault" toml:"vault"`
	Wallet         WalletConfig             `yaml:"wallet" toml:"wallet"`
	Funding        FundingConfig            `yaml:"funding" toml:"funding"`
	Payout         PayoutConfig             `yaml:"payout" toml:"payout"`
	Scheduler      SchedulerConfig          `yaml:"scheduler" toml:"scheduler"`
	API            APIConfig                `yaml:"api" toml:"api"`
	Admin          AdminConfig              `yaml:"admin" toml:"admin"`
}

// Load reads configuration from the supplied path. Files ending in .toml are decoded
// as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = strings.TrimSpace(os.Getenv("QUIZD_ENV"))
	}
	if cfg.DefaultNetwork == "" {
		cfg.DefaultNetwork = "testnet"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == (Secret{}) {
		cfg.Database.DSN.Value = "file:quizd.db?cache=shared"
	}
	for name, network := range cfg.Networks {
		if network.InitialBalance == "" {
			network.InitialBalance = "0.1"
		}
		for i := range network.Endpoints {
			if network.Endpoints[i].Name == "" {
				network.Endpoints[i].Name = fmt.Sprintf("endpoint-%d", i)
			}
		}
		cfg.Networks[name] = network
	}
	if cfg.RPC.MaxAttempts <= 0 {
		cfg.RPC.MaxAttempts = 3
	}
	if cfg.RPC.BaseDelay.Duration == 0 {
		cfg.RPC.BaseDelay.Duration = 4 * time.Second
	}
	if cfg.RPC.MaxDelay.Duration == 0 {
		cfg.RPC.MaxDelay.Duration = 10 * time.Second
	}
	if cfg.RPC.CallTimeout.Duration == 0 {
		cfg.RPC.CallTimeout.Duration = 10 * time.Second
	}
	if cfg.RPC.FailureThreshold <= 0 {
		cfg.RPC.FailureThreshold = 5
	}
	if cfg.RPC.Cooldown.Duration == 0 {
		cfg.RPC.Cooldown.Duration = time.Minute
	}
	if cfg.Wallet.AllocationAttempts <= 0 {
		cfg.Wallet.AllocationAttempts = 5
	}
	if cfg.Wallet.WarmUp.Duration == 0 {
		cfg.Wallet.WarmUp.Duration = time.Second
	}
	if len(cfg.Wallet.VerifyBackoff) == 0 {
		for _, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
			cfg.Wallet.VerifyBackoff = append(cfg.Wallet.VerifyBackoff, Duration{d})
		}
	}
	if cfg.Funding.Window.Duration == 0 {
		cfg.Funding.Window.Duration = 15 * time.Minute
	}
	if cfg.Funding.FeeBPS == 0 {
		cfg.Funding.FeeBPS = 200
	}
	if cfg.Funding.ToleranceBPS == 0 {
		cfg.Funding.ToleranceBPS = 1
	}
	if cfg.Funding.ToleranceFloor == "" {
		cfg.Funding.ToleranceFloor = "100000000000000000000"
	}
	if len(cfg.Payout.Top3Split) == 0 {
		cfg.Payout.Top3Split = []uint32{5000, 3000, 2000}
	}
	if cfg.Payout.LeaseTTL.Duration == 0 {
		cfg.Payout.LeaseTTL.Duration = 10 * time.Minute
	}
	if cfg.Scheduler.ReconcileInterval.Duration == 0 {
		cfg.Scheduler.ReconcileInterval.Duration = time.Minute
	}
}

func (c *Config) normalise() error {
	var err error
	if c.Database.DSN.Value, err = c.Database.DSN.Resolve(); err != nil {
		return fmt.Errorf("database dsn: %w", err)
	}
	if c.Vault.Secret.Value, err = c.Vault.Secret.Resolve(); err != nil {
		return fmt.Errorf("vault secret: %w", err)
	}
	if c.API.JWTSecret.Value, err = c.API.JWTSecret.Resolve(); err != nil {
		return fmt.Errorf("api jwt_secret: %w", err)
	}
	if c.Admin.BearerToken.Value, err = c.Admin.BearerToken.Resolve(); err != nil {
		return fmt.Errorf("admin bearer_token: %w", err)
	}
	for name, network := range c.Networks {
		if network.RootKey.Value, err = network.RootKey.Resolve(); err != nil {
			return fmt.Errorf("network %s root_key: %w", name, err)
		}
		network.Root = strings.ToLower(strings.TrimSpace(network.Root))
		c.Networks[name] = network
	}
	c.DefaultNetwork = strings.ToLower(strings.TrimSpace(c.DefaultNetwork))
	return nil
}

// Resolve returns the literal value, or reads it from the environment or a file.
func (s Secret) Resolve() (string, error) {
	value := strings.TrimSpace(s.Value)
	if value != "" {
		return value, nil
	}
	switch {
	case strings.TrimSpace(s.Env) != "":
		name := strings.TrimSpace(s.Env)
		value = strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("env %s is empty", name)
		}
		return value, nil
	case strings.TrimSpace(s.File) != "":
		contents, err := os.ReadFile(strings.TrimSpace(s.File))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", s.File, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

// NetworkNames returns the configured network names in sorted order.
func (c Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VerifyBackoffDurations flattens the configured verification schedule.
func (w WalletConfig) VerifyBackoffDurations() []time.Duration {
	out := make([]time.Duration, len(w.VerifyBackoff))
	for i, d := range w.VerifyBackoff {
		out[i] = d.Duration
	}
	return out
}
