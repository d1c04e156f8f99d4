package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securesend/internal/api"
	"securesend/internal/auth"
	"securesend/internal/blob"
	"securesend/internal/config"
	"securesend/internal/lock"
	"securesend/internal/logging"
	"securesend/internal/repository"
	"securesend/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("warning: could not load .env: %v", err)
	}

	var cfg config.Config
	if err := config.Load(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatalw("server stopped", "error", err)
	}
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	objects, err := openObjectStore(initCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer objects.Close()

	blobs, err := openBlobStore(initCtx, cfg)
	if err != nil {
		return err
	}

	handles, err := auth.NewHandleIssuer(cfg.HandleSecret, cfg.HandleTTL, nil)
	if err != nil {
		return fmt.Errorf("init handle issuer: %w", err)
	}
	if cfg.HandleSecret == "" {
		logger.Warn("SECURESEND_HANDLE_SECRET not set, using a random per-process secret")
	}

	svc := service.NewObjectService(objects, blobs, lock.NewKeyedLocker(), handles, logger, service.Options{
		PasswordCheckTimeout: cfg.PasswordCheckTimeout,
		MaxCipherSize:        cfg.MaxUploadSize,
		PresignFrames:        cfg.PresignFrames,
	})
	handler := api.NewHandler(svc, logger, cfg.MaxUploadSize, cfg.CORSOrigins)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := service.NewSweeper(svc, cfg.SweepInterval, repository.DefaultReclaimBatch, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	// No WriteTimeout: frame downloads are long-lived streams bounded by
	// the client's context.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("server listening",
			"addr", srv.Addr,
			"store", cfg.StoreKind,
			"blob", cfg.BlobKind,
			"presign", cfg.PresignFrames,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	<-sweepDone
	logger.Info("server stopped")
	return nil
}

func openObjectStore(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (repository.ObjectStore, error) {
	switch cfg.StoreKind {
	case config.StorePostgres:
		store, err := repository.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.RunMigrations(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		logger.Info("connected to postgres, migrations applied")
		return store, nil
	case config.StoreSQLite:
		store, err := repository.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Infow("opened sqlite store", "path", cfg.SQLitePath)
		return store, nil
	default:
		logger.Warn("using in-memory object store, data is lost on restart")
		return repository.NewInMemoryStore(), nil
	}
}

func openBlobStore(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.BlobKind {
	case config.BlobS3:
		client, err := blob.NewS3Client(ctx, blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 client: %w", err)
		}
		return blob.NewS3Store(client, cfg.S3Bucket), nil
	case config.BlobFS:
		return blob.NewFSStore(cfg.BlobDir)
	default:
		return blob.NewMemoryStore(), nil
	}
}
