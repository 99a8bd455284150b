package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coursetest/internal/app"
	"coursetest/internal/app/observability"
	"coursetest/internal/db"
)

func main() {
	cfg := app.LoadConfig()
	logger := observability.NewLogger(cfg.LogLevel)
	if cfg.IsProduction() && cfg.JWTSecret == app.DevJWTSecret {
		logger.Error("JWT_SECRET must be set in production")
		os.Exit(1)
	}

	dbConn, err := db.Open(context.Background(), db.Config{
		Driver:          db.Driver(cfg.DBDriver),
		DSN:             cfg.DBDSN,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifeMins) * time.Minute,
	})
	if err != nil {
		logger.Error("database error", "error", err)
		os.Exit(1)
	}
	defer dbConn.Close()

	r, cleanup, err := app.NewRouter(cfg, dbConn, logger)
	if err != nil {
		logger.Error("router setup failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("coursetest web listening", "addr", cfg.HTTPAddr, "env", cfg.AppEnv, "db_driver", string(dbConn.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	logger.Info("coursetest web stopped")
}
