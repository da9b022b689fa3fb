package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/kovalyow/payment-ledger/internal/api"
	"github.com/kovalyow/payment-ledger/internal/config"
	"github.com/kovalyow/payment-ledger/internal/handler"
	"github.com/kovalyow/payment-ledger/internal/infrastructure/kafka"
	"github.com/kovalyow/payment-ledger/internal/infrastructure/redis"
	"github.com/kovalyow/payment-ledger/internal/observability"
	core "github.com/kovalyow/payment-ledger/internal/repository/postgres"
	service "github.com/kovalyow/payment-ledger/internal/services"
	_ "github.com/lib/pq"
)

func main() {
	shutdownTracing, _ := observability.Setup("payment-ledger")
	defer shutdownTracing(context.Background())

	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(context.Background()); err != nil {
		log.Fatalf("Failed to ping Postgres: %v", err)
	}

	if err := runMigrations(cfg); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	idempotencyRepo := core.NewPostgresIdempotencyRepository(db)
	accountRepo := core.NewPostgresAccountRepository(db)
	paymentRepo := core.NewPostgresPaymentRepository(db, idempotencyRepo)

	redisClient, err := redis.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	kafkaProducer := kafka.NewProducer(cfg.KafkaBrokers)
	defer kafkaProducer.Close()

	svc := service.NewLedgerService(accountRepo, paymentRepo, redisClient, kafkaProducer, cfg.HistoryPageSize)

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	reaper := service.NewStaleKeyReaper(idempotencyRepo, cfg.IdempotencyStaleAfter, cfg.ReapInterval)
	go reaper.Run(reaperCtx)

	router := api.SetupRouter(handler.NewHandler(svc))

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}
	go func() {
		log.Printf("Starting server on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	stopReaper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}
	log.Println("Server stopped")
}

func runMigrations(cfg *config.Config) error {
	m, err := migrate.New(cfg.MigrationsPath, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
