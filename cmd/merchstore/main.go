// Package main запускает HTTP-сервер сервиса мерч-магазина.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/merchstore-system/internal/catalog"
	"github.com/mmeshcher/merchstore-system/internal/config"
	"github.com/mmeshcher/merchstore-system/internal/handler"
	"github.com/mmeshcher/merchstore-system/internal/payment"
	"github.com/mmeshcher/merchstore-system/internal/repository"
	"github.com/mmeshcher/merchstore-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	store, err := repository.NewPostgresStore(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer store.Close()

	catalogClient := catalog.NewClient(cfg.CatalogURL)

	loadCtx, loadCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := catalogClient.Load(loadCtx); err != nil {
		// каталог догрузится лениво при первом запросе
		sugar.Warnw("initial catalog load failed", "error", err.Error())
	}
	loadCancel()

	paymentClient := payment.NewClient(cfg.StripeAPIBase, cfg.StripeSecretKey)

	svc := service.NewService(store, catalogClient, paymentClient, cfg.SiteBaseURL)

	h := handler.NewHandler(svc, logger, cfg.StripeWebhookSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового обновления снимка каталога
	g.Go(func() error {
		svc.StartCatalogRefresh(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting merchstore server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
