package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const yamlConfig = `
listen: ":9000"
database:
  driver: sqlite
  dsn:
    value: "file::memory:"
networks:
  testnet:
    root: QuizFund.Testnet
    root_key:
      env: QUIZD_TEST_ROOT_KEY
    endpoints:
      - name: primary
        url: https://rpc.testnet.near.org
      - url: https://archival-rpc.testnet.near.org
        rate_limit: 5
        burst: 10
rpc:
  cooldown: 30s
vault:
  secret:
    file: %s
api:
  jwt_secret:
    value: jwt-secret-for-tests
admin:
  bearer_token:
    value: admin-token
payout:
  policies:
    - currency: near
      daily_cap: "1000"
`

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadYAMLAppliesDefaultsAndSecrets(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeFile(t, dir, "vault.secret", "  a-very-long-vault-secret\n")
	t.Setenv("QUIZD_TEST_ROOT_KEY", "ed25519:root")
	path := writeFile(t, dir, "quizd.yaml", fmt.Sprintf(yamlConfig, secretPath))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "testnet", cfg.DefaultNetwork)
	require.Equal(t, "a-very-long-vault-secret", cfg.Vault.Secret.Value)

	testnet := cfg.Networks["testnet"]
	require.Equal(t, "quizfund.testnet", testnet.Root)
	require.Equal(t, "ed25519:root", testnet.RootKey.Value)
	require.Equal(t, "0.1", testnet.InitialBalance)
	require.Equal(t, "primary", testnet.Endpoints[0].Name)
	require.Equal(t, "endpoint-1", testnet.Endpoints[1].Name)

	require.Equal(t, 3, cfg.RPC.MaxAttempts)
	require.Equal(t, 4*time.Second, cfg.RPC.BaseDelay.Duration)
	require.Equal(t, 10*time.Second, cfg.RPC.MaxDelay.Duration)
	require.Equal(t, 30*time.Second, cfg.RPC.Cooldown.Duration)
	require.Equal(t, 5, cfg.RPC.FailureThreshold)
	require.Equal(t, 5, cfg.Wallet.AllocationAttempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, cfg.Wallet.VerifyBackoffDurations())
	require.Equal(t, 15*time.Minute, cfg.Funding.Window.Duration)
	require.EqualValues(t, 200, cfg.Funding.FeeBPS)
	require.Equal(t, []uint32{5000, 3000, 2000}, cfg.Payout.Top3Split)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quizd.toml", `
listen = ":7100"
default_network = "mainnet"

[database]
driver = "postgres"
dsn = { value = "postgres://quiz@localhost/quiz" }

[networks.mainnet]
root = "quizfund.near"
root_key = { value = "ed25519:root" }
endpoints = [{ name = "a", url = "https://rpc.mainnet.near.org" }]

[rpc]
base_delay = "1s"
max_delay = "2s"

[vault]
secret = { value = "another-long-vault-secret" }

[api]
jwt_secret = { value = "jwt" }

[admin]
bearer_token = { value = "admin" }
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, time.Second, cfg.RPC.BaseDelay.Duration)
	require.Equal(t, []string{"mainnet"}, cfg.NetworkNames())
}

func TestValidateRejectsBadSplit(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeFile(t, dir, "vault.secret", "a-very-long-vault-secret")
	t.Setenv("QUIZD_TEST_ROOT_KEY", "ed25519:root")
	path := writeFile(t, dir, "quizd.yaml", fmt.Sprintf(yamlConfig, secretPath)+`
  top3_split_bps: [6000, 3000, 2000]
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "top3_split_bps must sum to 10000")
}

func TestValidateRejectsMissingEnvSecret(t *testing.T) {
	dir := t.TempDir()
	secretPath := writeFile(t, dir, "vault.secret", "a-very-long-vault-secret")
	t.Setenv("QUIZD_TEST_ROOT_KEY", "")
	path := writeFile(t, dir, "quizd.yaml", fmt.Sprintf(yamlConfig, secretPath))
	_, err := Load(path)
	require.ErrorContains(t, err, "QUIZD_TEST_ROOT_KEY is empty")
}
