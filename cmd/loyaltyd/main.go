// Package main запускает HTTP-сервер сервиса погашения QR-кодов.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/loyalty-scan/internal/config"
	"github.com/mmeshcher/loyalty-scan/internal/handler"
	"github.com/mmeshcher/loyalty-scan/internal/metrics"
	"github.com/mmeshcher/loyalty-scan/internal/middleware"
	"github.com/mmeshcher/loyalty-scan/internal/repository"
	"github.com/mmeshcher/loyalty-scan/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		sugar.Warnw("failed to load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := openRepository(cfg, logger)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	var recorder metrics.Recorder

	svc := service.NewService(repo, service.Options{
		StepTimeout:               cfg.StepTimeout,
		MaxRedemptionsPerCustomer: cfg.MaxRedemptionsPerCustomer,
		BusinessFallback:          cfg.BusinessFallback,
		FallbackPoints:            cfg.FallbackPoints,
		HistoryLimit:              cfg.HistoryLimit,
		Logger:                    logger,
		Notifier:                  recorder,
	})
	defer svc.Close()

	reconciler := service.NewReconciler(repo, cfg.ReconcileSchedule, recorder, logger)
	if err := reconciler.Start(); err != nil {
		sugar.Fatalw("reconciler initialization error", "error", err.Error())
	}
	defer reconciler.Stop()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is not set, auth cookies will not survive a restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sugar.Infow("starting loyalty scan server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// openRepository подключается к PostgreSQL или, если DATABASE_URI не задан, использует хранилище в памяти.
func openRepository(cfg *config.Config, logger *zap.Logger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		logger.Warn("DATABASE_URI is not set, using in-memory store")
		return repository.NewMemoryRepository(), nil
	}
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		return nil, err
	}
	return repo, nil
}
