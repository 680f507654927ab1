package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/proxyfleet/proxyfleet/internal/api/http"
	"github.com/proxyfleet/proxyfleet/internal/db"
	"github.com/proxyfleet/proxyfleet/internal/dispatch"
	"github.com/proxyfleet/proxyfleet/internal/healthcheck"
	"github.com/proxyfleet/proxyfleet/internal/hub"
	"github.com/proxyfleet/proxyfleet/internal/registry"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Proxyfleet Hub", "version", AppVersion)

	if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.InitDB(ctx, config.Database.Url, config.Database.Schema)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	registrySvc := registry.NewService(pool)
	manager := hub.NewManager()
	agentHub := hub.NewHub(registrySvc, manager)

	checker := healthcheck.NewChecker(registrySvc, healthcheck.Config{
		Interval:       config.Checker.Interval,
		LivenessWindow: config.Checker.LivenessWindow,
		ProbeTimeout:   config.Checker.ProbeTimeout,
		TestURL:        config.Checker.TestURL,
	})
	dispatcher := dispatch.NewDispatcher(registrySvc, checker.LivenessWindow())

	services := &internalhttp.Services{
		Registry:   registrySvc,
		Hub:        agentHub,
		Dispatcher: dispatcher,
		Checker:    checker,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, config.Http, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	var checkerWg sync.WaitGroup
	checkerWg.Add(1)
	go func() {
		defer checkerWg.Done()
		checker.Run(ctx)
	}()

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	cancel()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		manager.CloseAll()
		checkerWg.Wait()
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}
