package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/pulsetrade/pulse-backend/internal/api"
	"github.com/pulsetrade/pulse-backend/internal/broker"
	"github.com/pulsetrade/pulse-backend/internal/config"
	"github.com/pulsetrade/pulse-backend/internal/monitoring"
	"github.com/pulsetrade/pulse-backend/internal/orders"
	"github.com/pulsetrade/pulse-backend/internal/workers"
	"github.com/pulsetrade/pulse-backend/pkg/database"
	"github.com/pulsetrade/pulse-backend/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability)
	rc := observability.NewWorkerContext("main")

	db, err := database.NewPostgresDB(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	brokerClient := newBrokerClient(cfg.Broker, logger)
	logger.Info(rc, "Broker adapter initialized", map[string]interface{}{
		"broker":   brokerClient.Name(),
		"use_mock": cfg.Broker.UseMock,
		"scenario": cfg.Broker.MockScenario,
	})

	store := orders.NewStore(db, logger)
	canceller := workers.NewCancellationHandler(store, brokerClient, logger, metrics)
	service := orders.NewService(store.Orders(), store.Slices(), canceller, logger)

	// Background workers. Execution workers share the store and broker;
	// each carries its own executor identity.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	splitter := workers.NewSplittingWorker(store, logger, metrics, cfg.SplittingWorker)
	splitter.Start(ctx)

	executors := make([]*workers.ExecutionWorker, 0, cfg.ExecutionWorker.WorkerCount)
	for i := 0; i < cfg.ExecutionWorker.WorkerCount; i++ {
		w := workers.NewExecutionWorker(store, brokerClient, logger, metrics, cfg.ExecutionWorker, i)
		w.Start(ctx)
		executors = append(executors, w)
	}

	monitor := workers.NewTimeoutMonitor(store, logger, metrics, cfg.TimeoutMonitor)
	monitor.Start(ctx)

	// HTTP server.
	router := mux.NewRouter()
	router.Use(api.ContextMiddleware(logger))
	api.NewHandler(service, logger).Register(router)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      cors.Default().Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info(rc, "HTTP server listening", map[string]interface{}{
			"addr":        server.Addr,
			"environment": cfg.Environment,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for shutdown signal.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info(rc, "Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(rc, "HTTP server shutdown failed", err)
	}

	// Workers finish their in-flight iteration; abandoned executions are
	// recovered via lease expiry, not shutdown coordination.
	splitter.Stop()
	for _, w := range executors {
		w.Stop()
	}
	monitor.Stop()

	logger.Info(rc, "Shutdown complete")
}

// newBrokerClient selects the broker adapter variant from configuration
func newBrokerClient(cfg config.BrokerConfig, logger *observability.Logger) broker.Adapter {
	if cfg.UseMock {
		return broker.NewMockClient(broker.MockScenario(cfg.MockScenario), logger)
	}
	return broker.NewZerodhaClient(cfg, logger)
}
