package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/oral-check/internal/auth"
	"github.com/example/oral-check/internal/backend"
	"github.com/example/oral-check/internal/classifier"
	"github.com/example/oral-check/internal/config"
	"github.com/example/oral-check/internal/grpcclient"
	"github.com/example/oral-check/internal/handlers"
	"github.com/example/oral-check/internal/imageprocessor"
	"github.com/example/oral-check/internal/knowledge"
	"github.com/example/oral-check/internal/logging"
	"github.com/example/oral-check/internal/repository"
	"github.com/example/oral-check/internal/usecase"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	kb, err := loadKnowledgeBase(cfg.KnowledgeBasePath)
	if err != nil {
		logger.Fatal("failed to load knowledge base", zap.Error(err))
	}

	b, err := newBackend(cfg.Backend, kb, logger)
	if err != nil {
		logger.Fatal("failed to build inference backend", zap.Error(err))
	}
	orchestrator := classifier.New(b, kb, imageprocessor.NewEncoder(int(cfg.HTTP.MaxUploadBytes)), logger, classifier.Options{
		LoadTimeout: cfg.Backend.LoadTimeout,
	})
	defer func() {
		if err := orchestrator.Close(); err != nil {
			logger.Warn("failed to release inference backend", zap.Error(err))
		}
	}()
	go func() {
		if err := orchestrator.Initialize(context.Background()); err != nil {
			logger.Warn("initial backend load failed; retry via /v1/model/initialize", zap.Error(err))
		}
	}()

	db := initDatabase(ctx, cfg.Database, logger)
	repo := repository.NewClassificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	cache := initRedis(redisCtx, cfg.Redis, logger)
	defer cache.Close()

	uc := usecase.NewDiagnosisUseCase(orchestrator, repo, cache, kb, logger)

	r := gin.Default()
	r.MaxMultipartMemory = cfg.HTTP.MaxUploadBytes

	authMiddleware := auth.JWTMiddleware(auth.Config{
		Secret:   cfg.Auth.JWTSecret,
		Audience: cfg.Auth.JWTAudience,
		Issuer:   cfg.Auth.JWTIssuer,
		Leeway:   cfg.Auth.Leeway,
	})

	handlers.RegisterRoutes(r, handlers.Dependencies{
		Diagnosis:      uc,
		Model:          orchestrator,
		Knowledge:      kb,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	}, authMiddleware)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: r,
	}

	logger.Info("oral-check API listening", zap.String("addr", cfg.HTTP.Addr), zap.String("backend", b.Name()))
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func loadKnowledgeBase(path string) (*knowledge.Base, error) {
	if path == "" {
		return knowledge.Default(), nil
	}
	return knowledge.LoadFile(path)
}

// newBackend selects the inference backend variant named by cfg.Kind.
func newBackend(cfg config.BackendConfig, kb *knowledge.Base, logger *zap.Logger) (backend.Backend, error) {
	switch cfg.Kind {
	case config.BackendSimulator:
		return backend.NewSimulator(backend.SimulatorConfig{
			LoadDelay:      cfg.Simulator.LoadDelay,
			InferenceDelay: cfg.Simulator.InferenceDelay,
			Timeout:        cfg.InferenceTimeout,
			Seed:           cfg.Simulator.Seed,
		}, kb.Keys(), logger)
	case config.BackendGRPC:
		return grpcclient.New(grpcclient.Config{
			Addr:          cfg.GRPC.Addr,
			HealthService: cfg.GRPC.HealthService,
			Method:        cfg.GRPC.Method,
			DialTimeout:   cfg.GRPC.DialTimeout,
			Timeout:       cfg.InferenceTimeout,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *usecase.RedisCache {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	cache := usecase.NewRedisCache(client, cfg.KeyPrefix)
	if err := cache.Ping(ctx); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return cache
}

// serveHTTPServer runs server until it fails or SIGINT/SIGTERM triggers a graceful shutdown.
func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
