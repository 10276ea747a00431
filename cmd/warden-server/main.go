package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/warden/internal/api"
	"github.com/triage-ai/warden/internal/audit"
	"github.com/triage-ai/warden/internal/execution"
	"github.com/triage-ai/warden/internal/hydrate"
	"github.com/triage-ai/warden/internal/llm"
	"github.com/triage-ai/warden/internal/planner"
	"github.com/triage-ai/warden/internal/pool"
	"github.com/triage-ai/warden/internal/safety"
	"github.com/triage-ai/warden/internal/sandbox"
	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/strategy"
	"github.com/triage-ai/warden/internal/tools"
)

const poolHealthService = "warden.v1.SessionPool"

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("WARDEN_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("WARDEN_HTTP_PORT", "8080")
	grpcPort := envOrDefault("WARDEN_GRPC_PORT", "50061")
	providerName := envOrDefault("WARDEN_PROVIDER", "dagger")
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	poolCfg := pool.Config{
		MaxSessions:    envOrDefaultInt("WARDEN_POOL_MAX_SESSIONS", 16),
		IdleTimeout:    envOrDefaultSeconds("WARDEN_POOL_IDLE_TIMEOUT_S", 900),
		HealthTTL:      envOrDefaultSeconds("WARDEN_POOL_HEALTH_TTL_S", 10),
		SweepInterval:  envOrDefaultSeconds("WARDEN_POOL_SWEEP_INTERVAL_S", 60),
		AcquireTimeout: envOrDefaultSeconds("WARDEN_POOL_ACQUIRE_TIMEOUT_S", 120),
	}
	defaultLimits := execution.Limits{
		BudgetUSD:      envOrDefaultFloat("WARDEN_DEFAULT_BUDGET_USD", 5),
		MaxSteps:       envOrDefaultInt("WARDEN_DEFAULT_MAX_STEPS", 50),
		UncertaintyPct: envOrDefaultFloat("WARDEN_DEFAULT_UNCERTAINTY_PCT", 70),
	}

	logger.Info("starting warden server",
		zap.String("http_port", httpPort),
		zap.String("grpc_port", grpcPort),
		zap.String("provider", providerName),
		zap.Int("max_sessions", poolCfg.MaxSessions),
		zap.Float64("default_budget_usd", defaultLimits.BudgetUSD),
		zap.Int("default_max_steps", defaultLimits.MaxSteps),
	)

	ctx := context.Background()

	// Operator safety rules
	var rules []safety.Rule
	if path := os.Getenv("WARDEN_RULES_FILE"); path != "" {
		var err error
		rules, err = safety.LoadRules(path)
		if err != nil {
			logger.Fatal("failed to load safety rules", zap.String("path", path), zap.Error(err))
		}
		logger.Info("operator safety rules loaded", zap.Int("count", len(rules)))
	}

	// Sandbox provider
	provider, closeProvider := mustBuildProvider(ctx, providerName, logger)
	defer closeProvider()

	sessions := pool.New(provider, nil, poolCfg, logger)

	// Audit: ClickHouse, or the log writer as fallback
	var writer audit.Writer
	var reader *audit.Reader
	if clickhouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(ctx, clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			writer = audit.NewLogWriter(logger)
		} else {
			writer = chWriter
			logger.Info("clickhouse writer connected")
		}
		reader, err = audit.NewReader(ctx, clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			reader = nil
		} else {
			defer func() { _ = reader.Close() }()
		}
	} else {
		writer = audit.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer writer.Close()

	deps := api.Dependencies{
		Rules:         rules,
		Pool:          sessions,
		DefaultLimits: defaultLimits,
		Audit:         audit.NewRecorder(writer, nil, logger),
		Token:         os.Getenv("WARDEN_API_TOKEN"),
		Logger:        logger,
	}
	if reader != nil {
		deps.Events = reader
	}

	// Postgres: projects and governance ceilings
	if postgresDSN != "" {
		db, err := store.Open(ctx, postgresDSN, 30*time.Second, logger)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		pgStore := store.NewStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("failed to ensure schema", zap.Error(err))
		}
		projects := store.NewCachedProjects(pgStore, time.Duration(envOrDefaultInt("WARDEN_PROJECT_CACHE_TTL_S", 60))*time.Second, logger)
		deps.Projects = projects
		deps.Limits = pgStore

		var key []byte
		if v := os.Getenv("WARDEN_SECRETS_KEY"); v != "" {
			key, err = hydrate.ParseKey(v)
			if err != nil {
				logger.Fatal("invalid WARDEN_SECRETS_KEY", zap.Error(err))
			}
		}
		h, err := hydrate.New(projects, hydrate.Config{
			SecretsKey:   key,
			GitToken:     os.Getenv("GITHUB_TOKEN"),
			GitUserName:  envOrDefault("WARDEN_GIT_USER_NAME", "warden"),
			GitUserEmail: envOrDefault("WARDEN_GIT_USER_EMAIL", "warden@localhost"),
		}, logger)
		if err != nil {
			logger.Fatal("failed to build hydrator", zap.Error(err))
		}
		deps.Hydrator = h
		logger.Info("postgres connected", zap.Bool("secrets_enabled", key != nil))
	} else {
		logger.Info("no POSTGRES_DSN set, running without projects or stored limits")
	}

	// Tools
	var host tools.RepoHost
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		gh, err := tools.NewGitHubHost(tools.GitHubConfig{Token: token, BaseURL: os.Getenv("GITHUB_API_URL")})
		if err != nil {
			logger.Fatal("failed to build github client", zap.Error(err))
		}
		host = gh
	}
	dispatcher, err := tools.NewDispatcher(host, logger)
	if err != nil {
		logger.Fatal("failed to build tool dispatcher", zap.Error(err))
	}
	deps.Tools = dispatcher

	// Model: planner and complexity classifier
	var classifier strategy.Classifier
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		model, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey:             apiKey,
			Model:              os.Getenv("ANTHROPIC_MODEL"),
			InputPricePerMTok:  envOrDefaultFloat("ANTHROPIC_INPUT_PRICE_PER_MTOK", 3),
			OutputPricePerMTok: envOrDefaultFloat("ANTHROPIC_OUTPUT_PRICE_PER_MTOK", 15),
			MaxRetryElapsed:    time.Minute,
		}, logger)
		if err != nil {
			logger.Fatal("failed to build model client", zap.Error(err))
		}
		deps.Planner = planner.New(model, planner.Config{}, logger)
		classifier = strategy.NewModelClassifier(model, strategy.Heuristic{}, logger)
		logger.Info("model planner enabled")
	} else {
		logger.Info("no ANTHROPIC_API_KEY set, executions need explicit steps")
	}
	deps.Strategy = strategy.NewController(classifier, strategy.Config{}, logger)

	srv := api.NewServer(deps)

	// gRPC health + reflection
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(poolHealthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", grpcPort), zap.Error(err))
	}
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
		}
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchPool(watchCtx, sessions, healthServer)

	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	healthServer.SetServingStatus(poolHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("executions did not stop in time", zap.Error(err))
	}
	sessions.ReleaseAll(shutdownCtx)
	grpcServer.GracefulStop()

	logger.Info("warden server stopped")
}

// watchPool keeps the pool's health status in line with its state.
func watchPool(ctx context.Context, p *pool.Manager, hs *health.Server) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status := healthpb.HealthCheckResponse_SERVING
		if p.Stats().Closed {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(poolHealthService, status)
	}
}

func mustBuildProvider(ctx context.Context, name string, logger *zap.Logger) (sandbox.Provider, func()) {
	switch name {
	case "local":
		logger.Warn("local provider runs commands on this host without isolation")
		return sandbox.NewLocalProvider(os.Getenv("WARDEN_LOCAL_DIR"), nil, logger), func() {}
	case "dagger":
		p, err := sandbox.NewDaggerProvider(ctx, sandbox.DaggerConfig{
			Image:            envOrDefault("WARDEN_SANDBOX_IMAGE", "alpine/git:latest"),
			RegistryAddress:  os.Getenv("WARDEN_REGISTRY_ADDRESS"),
			RegistryUsername: os.Getenv("WARDEN_REGISTRY_USERNAME"),
			RegistryToken:    os.Getenv("WARDEN_REGISTRY_TOKEN"),
			ConnectTimeout:   envOrDefaultSeconds("WARDEN_DAGGER_CONNECT_TIMEOUT_S", 60),
		}, logger)
		if err != nil {
			logger.Fatal("failed to connect to dagger", zap.Error(err))
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Warn("dagger close failed", zap.Error(err))
			}
		}
	default:
		logger.Fatal("unknown WARDEN_PROVIDER", zap.String("provider", name))
		return nil, nil
	}
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// envOrDefaultSeconds reads a whole number of seconds. Negative values
// pass through so a sweep interval can be disabled.
func envOrDefaultSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(envOrDefaultInt(key, defaultVal)) * time.Second
}
