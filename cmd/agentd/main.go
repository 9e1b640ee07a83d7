package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-agents/internal/agent"
	"github.com/nidhogg/nuka-agents/internal/api"
	"github.com/nidhogg/nuka-agents/internal/comm"
	"github.com/nidhogg/nuka-agents/internal/config"
	"github.com/nidhogg/nuka-agents/internal/memory"
	"github.com/nidhogg/nuka-agents/internal/provider"
	"github.com/nidhogg/nuka-agents/internal/retry"
	pgstore "github.com/nidhogg/nuka-agents/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agentd.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("Starting nuka-agents...", zap.String("config", cfgPath))

	ctx := context.Background()
	policy := retry.Policy{
		Attempts: cfg.Retry.Attempts,
		Initial:  cfg.Retry.Initial(),
		Max:      cfg.Retry.Max(),
	}

	// Redis backs both memory and the broker.
	var rdb *redis.Client
	if opts, perr := redis.ParseURL(cfg.Redis.URL); perr != nil {
		logger.Warn("invalid redis url", zap.Error(perr))
	} else {
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unavailable, running without memory", zap.Error(err))
			rdb.Close()
			rdb = nil
		} else {
			logger.Info("Redis connected", zap.String("addr", opts.Addr))
		}
	}

	// Initialize PostgreSQL journal
	var pgStore *pgstore.Store
	if cfg.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without message journal", zap.Error(pgErr))
		} else {
			dir := cfg.Postgres.MigrationsDir
			if dir == "" {
				dir = "migrations"
			}
			if mErr := ps.Migrate(ctx, dir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
		}
	}

	// Initialize communication
	broker, err := newBroker(cfg.Communication, rdb, logger)
	if err != nil {
		logger.Fatal("failed to create broker", zap.Error(err))
	}
	commOpts := []comm.Option{
		comm.WithHistoryLimit(cfg.Communication.HistoryLimit),
		comm.WithBroadcastFanout(cfg.Communication.BroadcastFanout),
	}
	if pgStore != nil {
		commOpts = append(commOpts, comm.WithRecorder(pgStore))
	}
	commHandler := comm.NewHandler(broker, logger, commOpts...)

	// Initialize memory
	var (
		memHandler memory.Handler
		janitor    *memory.Janitor
	)
	if rdb != nil {
		rh := memory.NewRedisHandler(rdb, memory.RedisOptions{
			TTL:                cfg.Memory.TTL(),
			MaxEntriesPerAgent: cfg.Memory.MaxEntriesPerAgent,
			KeyPrefix:          cfg.Memory.KeyPrefix,
		}, logger)
		memHandler = rh
		janitor = memory.NewJanitor(rh, cfg.Memory.CleanupInterval(), logger)
		janitor.Start()
	}

	// Initialize provider router
	router := provider.NewRouter(policy, logger)
	for _, pc := range cfg.Providers {
		p, err := provider.New(provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Model: pc.Model, MaxTokens: pc.MaxTokens,
			Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn("skipping provider", zap.String("id", pc.ID), zap.Error(err))
			continue
		}
		router.Register(p)
		if pc.Default {
			router.SetDefault(pc.ID)
		}
	}
	if len(cfg.Providers) == 0 {
		logger.Warn("no providers configured, generative tasks will fail")
	}

	// Initialize agents
	registry := agent.NewRegistry(logger)
	for _, ac := range cfg.Agents {
		a := newActor(cfg, ac, router, memHandler, policy, logger)
		a.SetCommunicationHandler(commHandler)
		if err := registry.Register(a); err != nil {
			logger.Fatal("failed to register agent", zap.String("id", ac.ID), zap.Error(err))
		}
	}
	if err := registry.StartAll(ctx); err != nil {
		logger.Fatal("failed to start agents", zap.Error(err))
	}
	logger.Info("Agents started", zap.Strings("ids", registry.IDs()))

	// Build HTTP handler
	var journal api.MessageJournal
	if pgStore != nil {
		journal = pgStore
	}
	handler := api.NewHandler(registry, commHandler, memHandler, journal, cfg.Server.CORSOrigins, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("nuka-agents listening", zap.String("port", port))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down nuka-agents...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("agents did not stop cleanly", zap.Error(err))
	}
	if err := commHandler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("communication shutdown", zap.Error(err))
	}
	if janitor != nil {
		janitor.Stop()
	}
	if rdb != nil {
		rdb.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = lvl
	return zc.Build()
}

func newBroker(cc config.CommunicationConfig, rdb *redis.Client, logger *zap.Logger) (comm.Broker, error) {
	switch cc.Broker {
	case "local":
		return comm.NewLocalBroker(cc.LocalQueueSize, logger), nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis broker requested but redis is unavailable")
		}
		b := comm.NewRedisBrokerFromClient(rdb, logger)
		b.SetSubscribeTimeout(cc.SubscribeTimeout())
		return b, nil
	}
	return nil, fmt.Errorf("unknown broker %q", cc.Broker)
}

func newActor(cfg *config.Config, ac config.AgentConfig, router *provider.Router, mem memory.Handler, policy retry.Policy, logger *zap.Logger) *agent.Actor {
	if ac.Provider != "" {
		router.Bind(ac.ID, ac.Provider)
	}
	if len(ac.Fallbacks) > 0 {
		router.SetFallbacks(ac.ID, ac.Fallbacks)
	}

	system := ac.SystemPrompt
	if profile := agent.LoadProfile(cfg.ProfilesDir, ac.ID); profile != "" {
		system = strings.TrimSpace(system + "\n\n" + profile)
	}

	var store *memory.Store
	if mem != nil {
		store = memory.NewStore(mem, ac.ID, logger)
	}
	proc := agent.NewGenerativeProcessor(ac.ID, router.For(ac.ID), agent.GenerativeOptions{
		SystemPrompt: system,
		Confidence:   ac.Confidence,
		Memory:       store,
	}, logger)

	a := agent.New(agent.Config{
		ID:           ac.ID,
		Type:         ac.Type,
		Capabilities: ac.Capabilities,
		Scheduler: agent.SchedulerConfig{
			QueueSize:     ac.QueueSize,
			TaskTimeout:   ac.TaskTimeout(),
			PickupTimeout: ac.PickupTimeout(),
			ShutdownGrace: ac.ShutdownGrace(),
			ResultHistory: ac.ResultHistory,
			MaxConcurrent: ac.MaxConcurrent,
		},
		RequestTimeout: cfg.Communication.RequestTimeout(),
		Retry:          policy,
	}, proc, logger)
	if store != nil {
		a.SetMemory(store)
	}
	return a
}
