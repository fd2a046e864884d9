package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/fleetgate/fleetgate"
	"github.com/fleetgate/fleetgate/balancer"
	"github.com/fleetgate/fleetgate/config"
	"github.com/fleetgate/fleetgate/health"
	"github.com/fleetgate/fleetgate/lease"
	"github.com/fleetgate/fleetgate/metrics"
	"github.com/fleetgate/fleetgate/monitoring"
	"github.com/fleetgate/fleetgate/registry"
	"github.com/fleetgate/fleetgate/server"
	"github.com/fleetgate/fleetgate/store"
	"github.com/fleetgate/fleetgate/utils"
)

// How many days of persisted daily stats seed the throughput averages at
// boot.
const seedStatDays = 7

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	var fleetStore store.Store
	if cfg.PostgresDsn != "" {
		fleetStore, err = store.NewPostgresStore(cfg.PostgresDsn)
		if err != nil {
			sugar.Fatalw("Failed to connect to postgres", "error", err)
		}
	} else {
		sugar.Warn("No postgres_dsn configured, fleet state will not survive restarts")
		fleetStore = store.NewMemoryStore()
	}
	defer fleetStore.Close()

	var eventLog store.EventLog
	if cfg.ValkeyEndpoint != "" {
		valkeyClient, err := valkey.NewClient(valkey.ClientOption{
			InitAddress: []string{cfg.ValkeyEndpoint},
		})
		if err != nil {
			sugar.Fatalw("Failed to create Valkey client", "error", err)
		}
		defer valkeyClient.Close()
		eventLog = store.NewValkeyEventLog(valkeyClient)
	} else {
		sugar.Warn("No valkey_endpoint configured, using in-memory event log")
		eventLog = store.NewMemoryEventLog()
	}

	journal := store.NewJournal(fleetStore, sugar)
	defer journal.Stop()

	tracker := metrics.NewTracker(journal, eventLog, sugar)

	fleetRegistry := registry.New(registry.Config{
		AutoApprove:      cfg.Registry.AutoApprove,
		RegisterTimeout:  utils.Must(time.ParseDuration(cfg.Registry.RegisterTimeout)),
		OfflineThreshold: cfg.Health.OfflineThreshold,
	}, journal, sugar)
	fleetRegistry.OnStatusChange(func(endpointId uuid.UUID, from, to fleetgate.EndpointStatus) {
		if to == fleetgate.StatusOffline || to == fleetgate.StatusError {
			tracker.MarkOffline(endpointId)
		}
	})
	fleetRegistry.OnRemoval(tracker.Forget)

	monitor, err := monitoring.NewPrometheusMonitor("fleetgate")
	if err != nil {
		sugar.Fatalw("Failed to create metrics registry", "error", err)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	endpoints, routes, err := fleetStore.LoadAll(bootCtx)
	if err != nil {
		sugar.Fatalw("Failed to load fleet state", "error", err)
	}
	fleetRegistry.Seed(endpoints, routes)

	recentStats, err := fleetStore.LoadRecentStats(bootCtx, seedStatDays)
	if err != nil {
		sugar.Warnw("Failed to load recent stats for seeding", "error", err)
	} else {
		tracker.Seed(recentStats)
	}
	bootCancel()

	routeStaleness := utils.Must(time.ParseDuration(cfg.Balancer.RouteStaleness))
	fleetBalancer := balancer.New(fleetRegistry, tracker, routeStaleness, sugar)
	inferenceTimeout := utils.Must(time.ParseDuration(cfg.Lease.InferenceTimeout))
	leaseManager := lease.NewManager(tracker, fleetRegistry, inferenceTimeout, sugar)
	prober := health.NewProber(fleetRegistry, health.Config{
		ProbeInterval: utils.Must(time.ParseDuration(cfg.Health.ProbeInterval)),
		ProbeTimeout:  utils.Must(time.ParseDuration(cfg.Health.ProbeTimeout)),
	}, monitor, sugar)
	reconciler := metrics.NewReconciler(fleetStore, eventLog, sugar)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Settle seeded endpoints into their real state before serving.
	prober.CheckAll(ctx)

	stopProber := prober.Start(ctx)
	defer stopProber()
	stopSweeper := leaseManager.StartSweeper(utils.Must(time.ParseDuration(cfg.Lease.SweepInterval)))
	defer stopSweeper()
	stopReconciler := reconciler.Start()
	defer stopReconciler()

	apiServer := server.New(fleetRegistry, tracker, fleetBalancer, leaseManager, monitor, cfg.FleetgateApiKey, sugar)

	address := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: apiServer.Handler(),
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownSignal
		sugar.Infow("Shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Fatalw("Server forced to shutdown", "error", err)
		}
	}()

	sugar.Infow("Starting server", "address", address)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	sugar.Infow("Server exited gracefully")
}
