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

	"github.com/jcmexdev/outbox-sagas/internal/pkg/config"
	pkghttpx "github.com/jcmexdev/outbox-sagas/internal/pkg/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/sqlitex"
	"github.com/jcmexdev/outbox-sagas/internal/pkg/telemetry"
	sagasqlite "github.com/jcmexdev/outbox-sagas/internal/saga/sqlite"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/adapters/httpx"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/app"
	"github.com/jcmexdev/outbox-sagas/internal/shipping-service/storage"
)

func main() {
	telemetry.InitLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load[config.Shipping]()
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

	shipments, err := storage.New(db)
	if err != nil {
		slog.Error("failed to initialise shipment store", "error", err)
		os.Exit(1)
	}

	sagas, err := sagasqlite.Open(cfg.SagaDBPath)
	if err != nil {
		slog.Error("failed to open saga store", "path", cfg.SagaDBPath, "error", err)
		os.Exit(1)
	}
	defer sagas.Close()

	// Last saga stage: nothing downstream, so no outbox and no relay here.
	service := app.NewService(db, shipments, sagas)
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

	slog.Info("shipping service running", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("failed to serve", "error", err)
		os.Exit(1)
	}
}
