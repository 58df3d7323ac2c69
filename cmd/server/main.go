// Command sensorauth-server starts the sensor auth gRPC server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/juancabe/sensor-proyect-sub000/internal/audit"
	"github.com/juancabe/sensor-proyect-sub000/internal/auth"
	"github.com/juancabe/sensor-proyect-sub000/internal/authz"
	"github.com/juancabe/sensor-proyect-sub000/internal/challenge"
	"github.com/juancabe/sensor-proyect-sub000/internal/config"
	"github.com/juancabe/sensor-proyect-sub000/internal/keystore"
	"github.com/juancabe/sensor-proyect-sub000/internal/limiter"
	"github.com/juancabe/sensor-proyect-sub000/internal/migrate"
	"github.com/juancabe/sensor-proyect-sub000/internal/mqtt"
	"github.com/juancabe/sensor-proyect-sub000/internal/repository/postgres"
	"github.com/juancabe/sensor-proyect-sub000/internal/revocation"
	grpcserver "github.com/juancabe/sensor-proyect-sub000/internal/server/grpc"
	"github.com/juancabe/sensor-proyect-sub000/internal/service"
	"github.com/juancabe/sensor-proyect-sub000/internal/token"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const shutdownGrace = 5 * time.Second

// main loads configuration, runs migrations, and serves gRPC until SIGINT/SIGTERM.
func main() {
	cfgPath := flag.String("config", "", "path to YAML config (env SENSORAUTH_* overrides)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.Addr),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(c config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Database.Migrate {
		if err := migrate.Up(ctx, cfg.Database.DSN, logger); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	}

	// DB pool
	db, err := postgres.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer db.Close()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	// Repositories
	users := postgres.NewUserRepo(db)
	places := postgres.NewPlaceRepo(db)
	sensors := postgres.NewSensorRepo(db)
	owners := postgres.NewResourceRepo(db)

	// Auth core
	keys := keystore.New(cfg.Auth.SigningKeyFile, sensors, logger)
	if _, err := keys.SigningKey(); err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	tokens, err := token.NewManager(keys, cfg.Auth.TokenLifetime)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	revoked := revocation.New(revocation.WithTTL(cfg.Auth.PoisonTTL), revocation.WithLogger(logger))
	core := auth.New(auth.Deps{
		Tokens:     tokens,
		Revocation: revoked,
		Authorizer: authz.New(owners),
		Passwords:  users,
		Devices:    keys,
		Logger:     logger,
	})

	// Optional integrations
	rec := audit.NewSink(nil, logger)
	if cfg.InfluxDB.Enabled {
		sink, closeSink, err := audit.Connect(cfg.InfluxDB, logger)
		if err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
		defer closeSink()
		rec = sink
	}
	var notifier service.Notifier
	if cfg.MQTT.Enabled {
		n, err := mqtt.Connect(cfg.MQTT, logger)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		defer n.Close()
		notifier = n
	}

	// Services
	challenges := challenge.New(cfg.Auth.ChallengeTTL)
	authSvc := service.NewAuthService(service.AuthDeps{
		Core:        core,
		Users:       users,
		Limiter:     limiter.NewPG(db.Pool, cfg.Limiter.Window, cfg.Limiter.MaxFails, cfg.Limiter.BlockFor),
		Challenges:  challenges,
		Notifier:    notifier,
		Audit:       rec,
		HashWorkers: cfg.Auth.HashWorkers,
		Logger:      logger,
	})
	sensorSvc := service.NewSensorService(core, places, sensors, rec)

	// gRPC server with interceptors
	opts := grpcserver.ServerOptions(core, logger)
	if cfg.Server.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled, tokens travel in clear text")
	}
	s := grpc.NewServer(opts...)
	if err := grpcserver.RegisterAuthServer(s, grpcserver.New(authSvc, sensorSvc, logger)); err != nil {
		return err
	}

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
	if cfg.Server.Reflection {
		reflection.Register(s)
	}

	// Listen
	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr), zap.Bool("tls", cfg.Server.TLSCert != ""))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		revoked.Run(gctx, cfg.Auth.SweepInterval)
		return nil
	})
	g.Go(func() error {
		challenges.Run(gctx, cfg.Auth.SweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		// graceful shutdown
		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			s.Stop()
		}
		return nil
	})
	return g.Wait()
}
