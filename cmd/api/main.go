package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/timmy/tddf/internal/api"
	"github.com/timmy/tddf/internal/app"
	"github.com/timmy/tddf/internal/config"
	"github.com/timmy/tddf/internal/logger"
)

func main() {
	// Support CONFIG_PATH environment variable for production deployments
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	envCfg := logger.LoadFromEnv()
	envCfg.Environment = cfg.Environment
	if envCfg.ServiceName == "tddf" {
		envCfg.ServiceName = "tddf-api"
	}
	appLogger := logger.NewFromEnv(envCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	stopSchedulers := func() {}
	if cfg.Scheduler.Enabled {
		stopSchedulers = a.RunSchedulers(ctx)
	} else {
		appLogger.Info("Scheduler disabled; pipeline advances only through the ops API")
	}

	router := api.SetupRouter(api.Deps{
		Store:     a.Store,
		Pipeline:  a.Pipeline,
		Processor: a.Processor,
		Lifecycle: a.Lifecycle,
		Metrics:   a.Metrics,
	}, cfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.WithFields(logger.Fields{
			"port":        cfg.Server.Port,
			"environment": cfg.Environment,
		}).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.WithError(err).Error("Server forced to shutdown")
	}
	cancel()
	stopSchedulers()

	appLogger.Info("Server exited")
}
