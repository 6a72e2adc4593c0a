package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"quizfund/cmd/internal/passphrase"
	"quizfund/config"
	"quizfund/crypto"
	"quizfund/services/quizd"
	"quizfund/storage"
)

const (
	defaultEndpoint = "http://127.0.0.1:7090"
	defaultTokenEnv = "QUIZD_ADMIN_TOKEN"
	defaultVaultEnv = "QUIZD_VAULT_SECRET"
	defaultConfig   = "services/quizd/config.yaml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "breakers":
		err = runAdmin(cmd, args, http.MethodGet, "/admin/breakers", nil)
	case "reset-breaker":
		err = runResetBreaker(args)
	case "reset-all":
		err = runAdmin(cmd, args, http.MethodPost, "/admin/breakers/reset-all", nil)
	case "pause":
		err = runAdmin(cmd, args, http.MethodPost, "/admin/pause", nil)
	case "resume":
		err = runAdmin(cmd, args, http.MethodPost, "/admin/resume", nil)
	case "status":
		err = runAdmin(cmd, args, http.MethodGet, "/admin/status", nil)
	case "distribute":
		err = runDistribute(args)
	case "export":
		err = runExport(args)
	case "keygen":
		err = runKeygen(args)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: quizctl <command> [flags]

Operator commands (talk to a running quizd):
  breakers        list RPC endpoint breaker states
  reset-breaker   close one endpoint breaker (-name endpoint)
  reset-all       close every breaker
  pause           stop new distributions
  resume          allow distributions again
  status          show engine, scheduler and breaker status
  distribute      run a distribution immediately (-quiz id)

Offline commands:
  export          write transfer audit CSV and Parquet files
  keygen          generate a root key sealed with the vault secret`)
}

type adminFlags struct {
	endpoint string
	tokenEnv string
	timeout  time.Duration
}

func bindAdminFlags(fs *flag.FlagSet) *adminFlags {
	f := &adminFlags{}
	fs.StringVar(&f.endpoint, "endpoint", defaultEndpoint, "quizd base URL")
	fs.StringVar(&f.tokenEnv, "token-env", defaultTokenEnv, "environment variable holding the admin bearer token")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "request timeout")
	return f
}

func runAdmin(name string, args []string, method, path string, body any) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	f := bindAdminFlags(fs)
	fs.Parse(args)
	return callAdmin(f, method, path, body)
}

func runResetBreaker(args []string) error {
	fs := flag.NewFlagSet("reset-breaker", flag.ExitOnError)
	f := bindAdminFlags(fs)
	endpoint := fs.String("name", "", "endpoint name to reset")
	fs.Parse(args)
	if strings.TrimSpace(*endpoint) == "" {
		return fmt.Errorf("-name is required")
	}
	return callAdmin(f, http.MethodPost, "/admin/breakers/reset", map[string]string{"endpoint": *endpoint})
}

func runDistribute(args []string) error {
	fs := flag.NewFlagSet("distribute", flag.ExitOnError)
	f := bindAdminFlags(fs)
	quizID := fs.String("quiz", "", "quiz id")
	fs.Parse(args)
	if strings.TrimSpace(*quizID) == "" {
		return fmt.Errorf("-quiz is required")
	}
	return callAdmin(f, http.MethodPost, "/admin/quizzes/"+*quizID+"/distribute", nil)
}

func callAdmin(f *adminFlags, method, path string, body any) error {
	token, err := passphrase.NewSource(f.tokenEnv, "quizd admin token").Get()
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(f.endpoint, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		fmt.Println(resp.Status)
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "path to quizd configuration")
	fromText := fs.String("from", "", "window start (RFC3339), defaults to 24h before -to")
	toText := fs.String("to", "", "window end (RFC3339), defaults to now")
	dir := fs.String("out", ".", "output directory")
	fs.Parse(args)

	to := time.Now().UTC()
	if *toText != "" {
		parsed, err := time.Parse(time.RFC3339, *toText)
		if err != nil {
			return fmt.Errorf("parse -to: %w", err)
		}
		to = parsed
	}
	from := to.Add(-24 * time.Hour)
	if *fromText != "" {
		parsed, err := time.Parse(time.RFC3339, *fromText)
		if err != nil {
			return fmt.Errorf("parse -from: %w", err)
		}
		from = parsed
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN.Value)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	csvPath, parquetPath, err := quizd.NewExporter(store, nil).Export(context.Background(), from, to, *dir)
	if err != nil {
		return err
	}
	fmt.Println(csvPath)
	fmt.Println(parquetPath)
	return nil
}

// runKeygen prints the public key and the vault envelope only. The output can be
// used directly as a network root_key.
func runKeygen(args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	secretEnv := fs.String("secret-env", defaultVaultEnv, "environment variable holding the vault secret")
	out := fs.String("out", "", "write the sealed key JSON to this file instead of stdout")
	fs.Parse(args)

	secret, err := passphrase.NewSource(*secretEnv, "vault secret").Get()
	if err != nil {
		return err
	}
	vault, err := crypto.NewVault([]byte(secret))
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	defer key.Wipe()
	sealed, err := vault.SealKey(key)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}
	if *out == "" {
		fmt.Println(string(payload))
		return nil
	}
	if err := os.WriteFile(*out, append(payload, '\n'), 0o600); err != nil {
		return err
	}
	fmt.Println(key.PubKey().String())
	return nil
}
