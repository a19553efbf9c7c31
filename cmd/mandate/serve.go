package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mandatehq/mandate/pkg/api"
	"github.com/mandatehq/mandate/pkg/capability"
	"github.com/mandatehq/mandate/pkg/config"
	"github.com/mandatehq/mandate/pkg/decision"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/executor"
	"github.com/mandatehq/mandate/pkg/governance"
	"github.com/mandatehq/mandate/pkg/guardian"
	"github.com/mandatehq/mandate/pkg/lease"
	"github.com/mandatehq/mandate/pkg/observability"
	"github.com/mandatehq/mandate/pkg/recovery"
	"github.com/mandatehq/mandate/pkg/runner"
	"github.com/mandatehq/mandate/pkg/sandbox"
	"github.com/mandatehq/mandate/pkg/schema"
	"github.com/mandatehq/mandate/pkg/store"
	"github.com/mandatehq/mandate/pkg/trust"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitMigration = 3
	exitHeld      = 4
	exitSignal    = 5
)

// instanceTTL bounds how stale a crashed kernel's boot lease may get before
// a successor takes the data directory over.
const instanceTTL = 30 * time.Second

const escalationSweepInterval = time.Minute

// runServe boots the kernel: one SQLite store, every subsystem wired over
// it, background sweeps, and the HTTP surface. It blocks until SIGINT or
// SIGTERM, then drains in-flight requests.
func runServe(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(stdout, "%sMandate Kernel %s starting...%s\n", ColorBold+ColorBlue, version, ColorReset)

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Environment = envOr("ENVIRONMENT", obsCfg.Environment)
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	obsCfg.Insecure = os.Getenv("OTLP_INSECURE") == "true"
	provider, err := observability.New(ctx, obsCfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: telemetry: %v\n", err)
		return exitConfig
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()
	slo := observability.NewSLOTracker()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(stderr, "mandate: data dir: %v\n", err)
		return exitConfig
	}
	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(stderr, "mandate: migrate: %v\n", err)
		return exitMigration
	}

	host, _ := os.Hostname()
	lock := store.NewInstanceLock(db, fmt.Sprintf("%s-%d", host, os.Getpid()), instanceTTL)
	if err := lock.Acquire(ctx); err != nil {
		if errors.Is(err, store.ErrInstanceHeld) {
			fmt.Fprintf(stderr, "mandate: data directory %s is held by another kernel\n", cfg.DataDir)
			return exitHeld
		}
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}
	defer func() { _ = lock.Release(context.Background()) }()
	lockLost := lock.Keep(ctx)

	schemas, err := schema.Load()
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}

	events := eventlog.New(db, logger)
	reg := capability.NewRegistry(db, schemas, logger)
	esc := capability.NewEscalations(db, reg, logger)
	authz := capability.NewAuthorizer(db, reg, esc, logger)

	gov, err := governance.NewEngine(db, reg, esc, events, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}
	if _, err := gov.LoadDir(ctx, cfg.PoliciesDir()); err != nil {
		fmt.Fprintf(stderr, "mandate: policies: %v\n", err)
		return exitConfig
	}

	plans := decision.NewRecorder(db, events, schemas, logger)

	ex, err := executor.New(db, plans, gov, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}
	ex.WithTrust(trust.New(db, events, logger))

	guard := guardian.New(db, events, logger)
	guard.RegisterCheck(guardian.ExecutionsSucceeded(db))
	guard.RegisterCheck(guardian.NoUnexpectedEffects(db))
	guard.RegisterCheck(guardian.PlanDisciplineHeld(db))

	leases := lease.NewManager(db, events, logger, lease.WithTTL(cfg.LeaseTTL))

	box, err := sandbox.New(ctx, sandbox.Config{}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: sandbox: %v\n", err)
		return exitConfig
	}
	defer func() { _ = box.Close(context.Background()) }()
	if err := loadModules(ctx, box, ex, cfg.ModulesDir()); err != nil {
		fmt.Fprintf(stderr, "mandate: modules: %v\n", err)
		return exitConfig
	}

	run, err := runner.New(db, runner.Deps{
		Events:      events,
		Leases:      leases,
		Plans:       plans,
		Registry:    reg,
		Authorizer:  authz,
		Escalations: esc,
		Governance:  gov,
		Executor:    ex,
		Guardian:    guard,
	}, logger,
		runner.WithMode(runner.Mode(cfg.AutonomousMode)),
		runner.WithObserver(provider),
	)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}

	// Recovery owns the lease sweep: its pass expires lapsed leases and
	// respawns the orphans, and RunQueued adopts the respawned items. A
	// separate bare sweeper would swallow the expired items before
	// recovery could see them.
	rec := recovery.New(db, leases, events, logger)
	go rec.Run(ctx, cfg.HeartbeatInterval)
	go run.RunQueued(ctx, time.Second)
	go sweepEscalations(ctx, esc, logger)

	controlToken, sessionSecret, err := deriveRunSecrets(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}
	if controlToken != "" && cfg.ControlToken == "" {
		tokenPath := filepath.Join(cfg.DataDir, "control-token")
		if err := os.WriteFile(tokenPath, []byte(controlToken+"\n"), 0o600); err != nil {
			fmt.Fprintf(stderr, "mandate: control token: %v\n", err)
			return exitConfig
		}
		logger.Info("per-run control token written", "path", tokenPath)
	}

	apiSrv, err := api.New(api.Deps{
		DB:          db,
		Tasks:       store.NewTaskStore(db),
		Events:      events,
		Plans:       plans,
		Registry:    reg,
		Escalations: esc,
		Authorizer:  authz,
		Governance:  gov,
		Executor:    ex,
		Runner:      run,
	}, api.Options{
		AdminToken:        cfg.AdminToken,
		ControlToken:      controlToken,
		SessionSecret:     sessionSecret,
		Version:           version,
		MaxTaskIterations: cfg.MaxTaskIterations,
		RedisAddr:         cfg.RedisAddr,
		RedisPassword:     cfg.RedisPassword,
		Provider:          provider,
		SLO:               slo,
	}, logger)
	if err != nil {
		fmt.Fprintf(stderr, "mandate: %v\n", err)
		return exitConfig
	}
	defer func() { _ = apiSrv.Close() }()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("kernel listening",
			"addr", srv.Addr,
			"mode", cfg.AutonomousMode,
			"modules", box.Modules(),
			"version", version)
		serveErr <- srv.ListenAndServe()
	}()

	exit := exitOK
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		exit = exitSignal
	case err := <-serveErr:
		fmt.Fprintf(stderr, "mandate: listen: %v\n", err)
		exit = exitConfig
	case err := <-lockLost:
		fmt.Fprintf(stderr, "mandate: boot lease lost: %v\n", err)
		exit = exitHeld
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	return exit
}

// deriveRunSecrets resolves the control token and the JWT session secret.
// An explicit CONTROL_TOKEN wins; otherwise both are derived from
// ADMIN_TOKEN and a fresh boot nonce, so neither outlives the process.
// Without an admin token the control and session tiers stay unreachable.
func deriveRunSecrets(cfg *config.Config, logger *slog.Logger) (string, []byte, error) {
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set; admin endpoints are unreachable")
		return cfg.ControlToken, nil, nil
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", nil, fmt.Errorf("boot nonce: %w", err)
	}

	controlToken := cfg.ControlToken
	if controlToken == "" {
		derived, err := api.DeriveControlToken(cfg.AdminToken, nonce)
		if err != nil {
			return "", nil, err
		}
		controlToken = derived
	}
	sessionSecret, err := api.DeriveSessionSecret(cfg.AdminToken, nonce)
	if err != nil {
		return "", nil, err
	}
	return controlToken, sessionSecret, nil
}

// loadModules compiles every .wasm file under dir and registers each as an
// executor action named after the file. A missing directory just means no
// tool modules are installed.
func loadModules(ctx context.Context, box *sandbox.Runtime, ex *executor.Executor, dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".wasm" {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".wasm")
		wasm, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := box.Load(ctx, name, wasm); err != nil {
			return err
		}
		if err := ex.RegisterAction(box.Action(name, name)); err != nil {
			return err
		}
	}
	return nil
}

// sweepEscalations expires pending approval requests whose deadline passed.
func sweepEscalations(ctx context.Context, esc *capability.Escalations, logger *slog.Logger) {
	ticker := time.NewTicker(escalationSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := esc.ExpireSweep(ctx); err != nil && ctx.Err() == nil {
				logger.Error("escalation sweep failed", "error", err)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
