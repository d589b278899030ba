package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"analytics-sync-service/internal/api"
	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/sync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if _, err := maxprocs.Set(maxprocs.Logger(logger.Log.Sugar().Infof)); err != nil {
		logger.Log.Warn("Failed to set GOMAXPROCS", zap.Error(err))
	}

	logger.Log.Info("Starting Analytics Sync Service", zap.String("state_storage", cfg.StateStorage.Type))

	// Init State Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	stateStore, err := store.NewSQLStore(ctx, cfg.StateStorage)
	cancel()
	if err != nil {
		logger.Log.Fatal("Failed to init state store", zap.Error(err))
	}

	// Init Sync Manager
	syncManager := sync.NewManager(cfg, stateStore)
	defer syncManager.Close()

	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager)
	if err := scheduler.Start(); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// Init API
	handler := api.NewHandler(syncManager, cfg.Server)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	scheduler.Stop()

	// A drain in flight gets its write timeout to finish.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.GetWriteTimeout())
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
