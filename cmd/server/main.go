package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spellbound/duel-server/internal/bus"
	"github.com/spellbound/duel-server/internal/config"
	"github.com/spellbound/duel-server/internal/engine"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/gateway"
	"github.com/spellbound/duel-server/internal/lock"
	"github.com/spellbound/duel-server/internal/matchmaking"
	"github.com/spellbound/duel-server/internal/repository"
	"github.com/spellbound/duel-server/internal/scheduler"
	"github.com/spellbound/duel-server/internal/server"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With(zap.String("instance_id", instanceID))
	logger.Info("starting duel server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, instanceID, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("duel server stopped")
}

func run(ctx context.Context, cfg *config.Config, instanceID string, logger *zap.Logger) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.OpTimeout,
		WriteTimeout: cfg.Redis.OpTimeout,
	})
	defer rdb.Close()

	st := store.New(rdb)
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("state store connected", zap.String("addr", cfg.Redis.Addr))

	results, closeResults, err := openResults(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeResults()

	eventBus := bus.New(rdb, instanceID, logger)
	if err := eventBus.Start(ctx); err != nil {
		return err
	}
	defer eventBus.Close()

	timeouts := gameTimeouts(cfg.Game)
	hub := gateway.NewHub(eventBus, logger)
	defer hub.Close()
	locks := lock.New(rdb, cfg.Scheduler.LockTTL)
	eng := engine.New(st, locks, hub, results, engine.Config{
		Timeouts:     timeouts,
		CleanupGrace: cfg.Game.CleanupGrace,
		OpTimeout:    cfg.Redis.OpTimeout * 4,
	}, logger)
	matcher := matchmaking.New(instanceID, st, hub, matchmaking.Config{
		BracketWidth: cfg.Matchmaking.BracketWidth,
		Timeouts:     timeouts,
	}, logger)
	gw := gateway.New(instanceID, st, eng, matcher, hub, logger)

	sched := scheduler.New(instanceID, st, eng, locks, scheduler.Config{
		TickInterval:          cfg.Scheduler.TickInterval,
		TimeoutInterval:       cfg.Scheduler.TimeoutInterval,
		HeartbeatInterval:     cfg.Scheduler.HeartbeatInterval,
		ReclaimInterval:       cfg.Scheduler.ReclaimInterval,
		GCInterval:            cfg.Scheduler.GCInterval,
		DeadInstanceThreshold: cfg.Scheduler.DeadInstanceThreshold,
		InactivityThreshold:   cfg.Scheduler.InactivityThreshold,
	}, logger)

	grpcServer, healthServer := server.NewGRPCServer(
		server.Options{MaxConcurrentStreams: cfg.Server.GRPC.MaxConcurrentStreams},
		server.NewAdminServer(instanceID, version, st, eng, hub, logger),
		logger,
	)
	lis, err := net.Listen("tcp", cfg.Server.GRPC.Address)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	httpServer := &http.Server{
		Addr: cfg.Server.WebSocket.Address,
		Handler: gateway.NewServer(gw, gateway.TransportConfig{
			WriteTimeout:   cfg.Server.WebSocket.WriteTimeout,
			PongTimeout:    cfg.Server.WebSocket.PongTimeout,
			MaxMessageSize: cfg.Server.WebSocket.MaxMessageSize,
		}, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting gRPC server", zap.String("address", cfg.Server.GRPC.Address))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("starting websocket server", zap.String("address", cfg.Server.WebSocket.Address))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sched.Start(ctx)
		<-ctx.Done()
		logger.Info("shutting down gracefully...")

		healthServer.Shutdown()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		hub.CloseAll()
		grpcServer.GracefulStop()
		return err
	})

	logger.Info("duel server initialized",
		zap.String("version", version),
		zap.String("grpc_address", cfg.Server.GRPC.Address),
		zap.String("websocket_address", cfg.Server.WebSocket.Address),
	)
	return g.Wait()
}

// openResults connects the results database when one is configured.
func openResults(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (engine.ResultRecorder, func(), error) {
	if cfg.URL == "" {
		logger.Warn("database url not configured; match results are only logged")
		return nil, func() {}, nil
	}
	db, err := repository.NewDB(ctx, cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	stats := db.Stats()
	logger.Info("database connection pool initialized",
		zap.Int32("total_conns", stats.TotalConns()),
		zap.Int32("idle_conns", stats.IdleConns()),
	)
	return repository.NewResultRepository(db), db.Close, nil
}

func gameTimeouts(cfg config.GameConfig) game.Timeouts {
	return game.Timeouts{
		SpellCasting:     cfg.SpellCastingTimeout,
		SpellPropagation: cfg.PropagationWindow,
		SpellEffects:     cfg.EffectsWindow,
		EndOfRound:       cfg.StuckRoundThreshold,
		StateUpdate:      cfg.StateUpdateWindow,
		MatchStart:       cfg.MatchStartDelay,
	}
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
