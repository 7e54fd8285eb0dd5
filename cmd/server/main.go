package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"transfer-hub/internal/backend"
	"transfer-hub/internal/config"
	"transfer-hub/internal/events"
	"transfer-hub/internal/executor"
	apphttp "transfer-hub/internal/http"
	"transfer-hub/internal/orchestrator"
	"transfer-hub/internal/repository/sqlite"
	"transfer-hub/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	sessionRepo := sqlite.NewSessionRepository(db)
	if err := sessionRepo.Init(ctx); err != nil {
		logger.Fatalf("init session repository: %v", err)
	}

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	bus := events.NewBus(logger)
	defer bus.Close()

	reporter := backend.NewReporter(sessionRepo, bus, backend.DefaultPersistInterval, logger)
	exec := executor.New(executor.Config{
		StagingDir:       cfg.Transfer.StagingDir,
		MaxConcurrent:    cfg.Transfer.MaxConcurrent,
		ProgressInterval: cfg.Transfer.ProgressInterval,
		Logger:           logger,
	}, storageSvc, reporter)
	if err := exec.Start(ctx); err != nil {
		logger.Fatalf("start executor: %v", err)
	}

	local := backend.NewLocal(backend.Config{Logger: logger}, sessionRepo, exec, bus)

	notifier := orchestrator.NewLogNotifier(logger, 0)
	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:  cfg.Transfer.MaxConcurrent,
		CoalesceWindow: cfg.Transfer.CoalesceWindow,
		Logger:         logger,
		Notifier:       notifier,
	}, local, bus)
	if err := orch.Init(ctx); err != nil {
		// retried on the next task listing
		logger.Warnf("init orchestrator: %v", err)
	}
	if err := local.Recover(ctx); err != nil {
		logger.Warnf("recover sessions: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(orch, notifier, storageSvc, cfg.Auth.JWTSecret, logger)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	orch.Shutdown()
	exec.Shutdown()

	logger.Info("bye")
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*storage.S3Service, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 region %s", cfg.Storage.Region)
	return storage.NewS3Service(client, cfg.Transfer.ProgressInterval), nil
}
