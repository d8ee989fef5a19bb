package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jcmexdev/outbox-sagas/internal/outbox"
	outboxsqlite "github.com/jcmexdev/outbox-sagas/internal/outbox/sqlite"
	"github.com/jcmexdev/outbox-sagas/internal/payment-service/adapters/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/payment-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/payment-service/storage"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/config"
	pkghttpx "github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/telemetry"
	sagasqlite "github.com/jcmexdev/outbox-sagas/internal/saga/sqlite"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[config.Payment]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	shutdown, err := telemetry.SetupTracer(ctx, cfg.ServiceName)
	if err != nil {
		slog.Error("failed to initialise tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			slog.Error("tracer shutdown error", "error", err)
		}
	}()

	db, err := sqlitex.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	payments, err := storage.New(db)
	if err != nil {
		slog.Error("failed to initialise payment store", "error", err)
		os.Exit(1)
	}
	outboxStore, err := outboxsqlite.New(db)
	if err != nil {
		slog.Error("failed to initialise outbox store", "error", err)
		os.Exit(1)
	}

	// The saga log lives in the order service's database; WAL mode lets
	// this process update it by path.
	sagas, err := sagasqlite.Open(cfg.SagaDBPath)
	if err != nil {
		slog.Error("failed to open saga store", "path", cfg.SagaDBPath, "error", err)
		os.Exit(1)
	}
	defer sagas.Close()

	relay, err := outbox.NewRelay(outboxStore, outbox.Targets{
		outbox.TargetInventory: cfg.Targets.InventoryBaseURL,
	}, outbox.RelayConfig{
		PollInterval:    cfg.Relay.PollInterval,
		BatchSize:       cfg.Relay.BatchSize,
		DeliveryTimeout: cfg.Relay.DeliveryTimeout,
	})
	if err != nil {
		slog.Error("failed to initialise outbox relay", "error", err)
		os.Exit(1)
	}
	go relay.Run(ctx)

	service := app.NewService(db, payments, outboxStore, sagas)
	handler := httpx.NewHandler(service)
	router := pkghttpx.NewRouter(cfg.ServiceName, handler.Register)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("payment service running", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
