package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/checkout-gateway/internal/api"
	"github.com/akylbek/payment-system/checkout-gateway/internal/config"
	"github.com/akylbek/payment-system/checkout-gateway/internal/events"
	"github.com/akylbek/payment-system/checkout-gateway/internal/interfaces"
	"github.com/akylbek/payment-system/checkout-gateway/internal/lock"
	"github.com/akylbek/payment-system/checkout-gateway/internal/processor"
	"github.com/akylbek/payment-system/checkout-gateway/internal/reconcile"
	"github.com/akylbek/payment-system/checkout-gateway/internal/repository"
	"github.com/akylbek/payment-system/checkout-gateway/internal/telemetry"
)

func main() {
	if err := telemetry.InitTelemetry("checkout-gateway"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Checkout Gateway")

	cfg := config.Load()

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	repo := repository.NewPaymentRepository(db)
	if err := repo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	// Connect to Redis when configured; the service degrades to an
	// in-process lock without it.
	var redisClient *redis.Client
	var locker interfaces.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		locker = lock.NewRedisLocker(redisClient)
	} else {
		telemetry.Logger.Warn("REDIS_URL not set, using in-process payment locks")
	}

	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.NATSURL)
	defer publisher.Close()

	gateway := processor.NewClient(cfg.Processor)
	engine := reconcile.NewEngine(repo, gateway, locker, publisher)

	r := api.NewRouter(engine, repo, redisClient, cfg.Processor.Environment)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		telemetry.Logger.Info("Checkout Gateway starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
