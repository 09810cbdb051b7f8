package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"social-ratelimit/internal/config"
	"social-ratelimit/internal/handler"
	"social-ratelimit/internal/janitor"
	"social-ratelimit/internal/logger"
	"social-ratelimit/internal/service"
	"social-ratelimit/internal/storage"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Inicializar logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting Social Rate Limiter API", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": cfg.LogLevel,
		"port":      cfg.ServerPort,
		"storage":   cfg.StorageType,
	})

	// Inicializar storage
	storageConfig := storage.BuildStorageConfig(cfg.StorageType, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTimeout)
	store, err := storage.NewStorageFactory().CreateStorage(storageConfig, appLogger)
	if err != nil {
		log.Fatalf("Failed to create storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLogger.Error("Failed to close storage", err, nil)
		}
	}()

	// Métricas em registry próprio
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry)

	// Inicializar services
	counter := service.NewWindowCounter(store, appLogger, service.WithMetrics(metrics))
	chains := cfg.Chains(service.DefaultChains(cfg.DefaultWindow, cfg.DefaultMaxRequests, cfg.BulkMaxRequests))
	protector, err := service.NewProtector(counter, chains, service.ProgressiveOptions{ViolationTTL: cfg.ViolationTTL}, appLogger)
	if err != nil {
		log.Fatalf("Invalid rate limit configuration: %v", err)
	}
	admin := service.NewAdminService(store, appLogger, metrics)

	logger.LogConfigEvent(appLogger, "chains_loaded", map[string]interface{}{
		"labels":      protector.Labels(),
		"policy_file": cfg.PolicyFile,
	})

	// Limpeza periódica de buckets sem expiração
	ctx, stop := context.WithCancel(context.Background())
	cleanupDone := janitor.Start(ctx, cfg.CleanupInterval, admin.Cleanup, appLogger)

	// Inicializar handlers
	handlers := handler.NewHandlers(protector, admin, registry, appLogger, handler.Options{
		AdminToken:  cfg.AdminToken,
		Window:      cfg.DefaultWindow,
		MaxRequests: cfg.DefaultMaxRequests,
	})

	// Configurar Gin
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	if err := handlers.SetupRoutes(router); err != nil {
		log.Fatalf("Failed to setup routes: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		appLogger.Info("Starting HTTP server", map[string]interface{}{
			"port": cfg.ServerPort,
			"addr": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Failed to start server", err, nil)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	appLogger.Info("Social Rate Limiter API is running", map[string]interface{}{
		"port": cfg.ServerPort,
		"rate_limits": map[string]interface{}{
			"window_seconds":     cfg.DefaultWindow.Seconds(),
			"max_requests":       cfg.DefaultMaxRequests,
			"bulk_max_requests":  cfg.BulkMaxRequests,
			"violation_ttl_secs": cfg.ViolationTTL.Seconds(),
		},
	})

	<-quit
	appLogger.Info("Shutting down server...", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", err, nil)
	}

	stop()
	<-cleanupDone

	appLogger.Info("Server stopped gracefully", nil)
}
