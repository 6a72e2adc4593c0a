package quizd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/holiman/uint256"

	"quizfund/config"
	"quizfund/core/payout"
	"quizfund/core/types"
	"quizfund/core/verify"
	"quizfund/core/wallet"
	"quizfund/crypto"
	"quizfund/ledger"
	"quizfund/observability"
	"quizfund/observability/logging"
	telemetry "quizfund/observability/otel"
	"quizfund/rpc"
	"quizfund/storage"
)

// App is a fully wired daemon.
type App struct {
	Config    config.Config
	Store     *storage.Store
	Registry  *rpc.Registry
	Wallets   *wallet.Manager
	Verifier  *verify.Verifier
	Engine    *payout.Engine
	Scheduler *Scheduler
	Service   *Service
	Server    *Server
}

// Close releases the database handle.
func (a *App) Close() error {
	if a == nil || a.Store == nil {
		return nil
	}
	return a.Store.Close()
}

// Build wires every component from cfg.
func Build(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN.Value)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app, err := build(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

func build(cfg config.Config, store *storage.Store, logger *slog.Logger) (*App, error) {
	vault, err := crypto.NewVault([]byte(cfg.Vault.Secret.Value))
	if err != nil {
		return nil, fmt.Errorf("init vault: %w", err)
	}

	policy := rpc.Policy{
		MaxAttempts:      cfg.RPC.MaxAttempts,
		BaseDelay:        cfg.RPC.BaseDelay.Duration,
		MaxDelay:         cfg.RPC.MaxDelay.Duration,
		CallTimeout:      cfg.RPC.CallTimeout.Duration,
		FailureThreshold: cfg.RPC.FailureThreshold,
		Cooldown:         cfg.RPC.Cooldown.Duration,
	}
	names := make([]string, 0, len(cfg.Networks))
	for name := range cfg.Networks {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		pools       []*rpc.Pool
		networks    []wallet.Network
		ledgers     = make(map[types.Network]verify.Ledger, len(names))
		transferers = make(map[types.Network]payout.Transferer, len(names))
	)
	for _, name := range names {
		netCfg := cfg.Networks[name]
		network, err := types.ParseNetwork(name)
		if err != nil {
			return nil, err
		}
		endpoints := make([]rpc.Endpoint, 0, len(netCfg.Endpoints))
		for _, ep := range netCfg.Endpoints {
			endpoints = append(endpoints, rpc.Endpoint{Name: ep.Name, URL: ep.URL, RateLimit: ep.RateLimit, Burst: ep.Burst})
		}
		pool, err := rpc.NewPool(name, endpoints, policy, rpc.WithLogger(logger), rpc.WithMetrics(observability.RPC()))
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", name, err)
		}
		pools = append(pools, pool)
		client := ledger.NewClient(pool, ledger.WithLogger(logger))
		rootKey, err := vault.LoadKey(netCfg.RootKey.Value)
		if err != nil {
			return nil, fmt.Errorf("network %s root key: %w", name, err)
		}
		balance, err := types.ParseAmount(netCfg.InitialBalance, types.NEAR)
		if err != nil {
			return nil, fmt.Errorf("network %s initial balance: %w", name, err)
		}
		networks = append(networks, wallet.Network{
			Name:           network,
			Root:           netCfg.Root,
			RootKey:        rootKey,
			InitialBalance: balance,
			Ledger:         client,
		})
		ledgers[network] = client
		transferers[network] = client
	}
	registry, err := rpc.NewRegistry(pools...)
	if err != nil {
		return nil, err
	}

	backoff := make([]time.Duration, 0, len(cfg.Wallet.VerifyBackoff))
	for _, d := range cfg.Wallet.VerifyBackoff {
		backoff = append(backoff, d.Duration)
	}
	manager, err := wallet.NewManager(networks, vault, store,
		wallet.WithLogger(logger),
		wallet.WithAllocationAttempts(cfg.Wallet.AllocationAttempts),
		wallet.WithVerification(cfg.Wallet.WarmUp.Duration, backoff),
		wallet.WithWords(cfg.Wallet.Words),
	)
	if err != nil {
		return nil, err
	}

	floor, err := uint256.FromDecimal(cfg.Funding.ToleranceFloor)
	if err != nil {
		return nil, fmt.Errorf("funding tolerance floor: %w", err)
	}
	verifier, err := verify.New(store, ledgers, verify.Config{
		FeeBPS:         cfg.Funding.FeeBPS,
		ToleranceBPS:   cfg.Funding.ToleranceBPS,
		ToleranceFloor: floor,
		Window:         cfg.Funding.Window.Duration,
	}, verify.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	engineOpts := []payout.Option{payout.WithLogger(logger), payout.WithPaused(cfg.Payout.PauseOnStart)}
	if len(cfg.Payout.Policies) > 0 {
		defs, err := payout.PoliciesFromConfig(cfg.Payout.Policies)
		if err != nil {
			return nil, fmt.Errorf("load policies: %w", err)
		}
		enforcer, err := payout.NewPolicyEnforcer(defs)
		if err != nil {
			return nil, fmt.Errorf("init policies: %w", err)
		}
		engineOpts = append(engineOpts, payout.WithPolicies(enforcer))
	}
	var split [3]uint32
	copy(split[:], cfg.Payout.Top3Split)
	engine, err := payout.NewEngine(store, manager, vault, transferers, payout.Config{
		FeeBPS:    cfg.Funding.FeeBPS,
		Top3Split: split,
		LeaseTTL:  cfg.Payout.LeaseTTL.Duration,
		Worker:    workerID(),
	}, engineOpts...)
	if err != nil {
		return nil, err
	}

	scheduler := NewScheduler(SchedulerConfig{
		Distribute:        engine.Distribute,
		Quizzes:           store,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval.Duration,
		Logger:            logger,
	})
	svc, err := NewService(Dependencies{
		Store:     store,
		Verifier:  verifier,
		Engine:    engine,
		Wallets:   manager,
		Breakers:  registry,
		Scheduler: scheduler,
		Logger:    logger,
		FeeBPS:    cfg.Funding.FeeBPS,
		Window:    cfg.Funding.Window.Duration,
	})
	if err != nil {
		return nil, err
	}
	jwtAuth, err := NewJWTAuthenticator(JWTConfig{
		HMACSecret: cfg.API.JWTSecret.Value,
		Issuer:     cfg.API.Issuer,
		Audience:   cfg.API.Audience,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("api auth: %w", err)
	}
	adminAuth, err := NewAdminAuthenticator(AdminAuthConfig{BearerToken: cfg.Admin.BearerToken.Value})
	if err != nil {
		return nil, fmt.Errorf("admin auth: %w", err)
	}
	server := NewServer(svc, ServerConfig{JWT: jwtAuth, Admin: adminAuth, DefaultNetwork: cfg.DefaultNetwork})

	return &App{
		Config:    cfg,
		Store:     store,
		Registry:  registry,
		Wallets:   manager,
		Verifier:  verifier,
		Engine:    engine,
		Scheduler: scheduler,
		Service:   svc,
		Server:    server,
	}, nil
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "quizd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Main initialises and runs the quiz funding daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/quizd/config.yaml", "path to quizd configuration")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWithOptions("quizd", cfg.Environment, logging.Options{Level: cfg.LogLevel})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("quizd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	app, err := Build(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close() }()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      app.Server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		app.Scheduler.Start(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("quizd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			serveErr = err
		}
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
		stop()
	}
	<-schedulerDone
	return serveErr
}
