package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabriziosalmi/proximity-sub002/internal/alerts"
	"github.com/fabriziosalmi/proximity-sub002/internal/catalog"
	"github.com/fabriziosalmi/proximity-sub002/internal/config"
	"github.com/fabriziosalmi/proximity-sub002/internal/lifecycle"
	"github.com/fabriziosalmi/proximity-sub002/internal/network"
	"github.com/fabriziosalmi/proximity-sub002/internal/ports"
	"github.com/fabriziosalmi/proximity-sub002/internal/proxmox"
	"github.com/fabriziosalmi/proximity-sub002/internal/reconciler"
	"github.com/fabriziosalmi/proximity-sub002/internal/routes"
	"github.com/fabriziosalmi/proximity-sub002/internal/store"
	"github.com/fabriziosalmi/proximity-sub002/internal/tasks"
	"github.com/fabriziosalmi/proximity-sub002/internal/web"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
)

// ProximityServer represents the orchestration daemon
type ProximityServer struct {
	cfg        *config.Config
	store      *store.Store
	allocator  *ports.Allocator
	hypervisor proxmox.Client
	catalog    *catalog.Provider
	applier    *routes.Applier
	alerts     *alerts.Channel
	network    *network.Manager
	engine     *lifecycle.Engine
	queue      *tasks.Queue
	backlog    *tasks.RedisBacklog
	reconciler *reconciler.Reconciler
	janitor    *reconciler.Janitor
	webServer  *web.WebServer
	logger     *logrus.Logger
}

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "proximityd",
		Short: "Proximity Container Orchestration Daemon",
		Long: `Proximity is a lifecycle and network orchestration engine for LXC
containers on Proxmox hosts, with an isolated application network,
a DHCP/DNS service appliance and synthesized reverse-proxy routes.`,
		Run: func(cmd *cobra.Command, args []string) {
			log.Infof("Starting Proximity %s (built at %s)", Version, BuildTime)
			runServer(log, cfg)
		},
	}

	rootCmd.Flags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory (can also be set via PROXIMITY_DATA_DIR env var)")
	rootCmd.Flags().Uint16Var(&cfg.WebPort, "web-port", cfg.WebPort, "Management API port")
	rootCmd.Flags().StringVar(&cfg.CatalogDir, "catalog-dir", cfg.CatalogDir, "Directory of catalog template files")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Proximity %s (built at %s)\n", Version, BuildTime)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Failed to execute command: %v", err)
	}
}

func runServer(log *logrus.Logger, cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("Unknown log level %q, using info", cfg.LogLevel)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := createServer(log, cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := connectComponents(ctx, server); err != nil {
		log.Fatalf("Failed to start components: %v", err)
	}

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("Proximity daemon is running. Press Ctrl+C to stop.")

	sig := <-sigCh
	log.Infof("Received signal %v, shutting down...", sig)

	// Cancel context to signal shutdown to all components
	cancel()

	if err := shutdownServer(server); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}

	log.Info("Shutdown complete")
}

func createServer(log *logrus.Logger, cfg *config.Config) (*ProximityServer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	server := &ProximityServer{
		cfg:    cfg,
		logger: log,
	}

	// Initialize the application store
	st, err := store.NewStore(cfg.DataDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	server.store = st

	// Initialize the port allocator and rebuild the pool from persisted apps
	allocator, err := ports.NewAllocator(cfg.PortRangeStart, cfg.PortRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to create port allocator: %w", err)
	}
	apps, err := st.ListApps()
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	for _, app := range apps {
		if app.PublicPort != 0 {
			allocator.Reserve(app.PublicPort, app.InternalPort)
		}
	}
	log.Infof("Port allocator rebuilt, %d pairs in use", allocator.InUse())
	server.allocator = allocator

	// Initialize the hypervisor client
	if cfg.HypervisorToken == "" {
		log.Warn("PROXIMITY_PVE_TOKEN is empty, hypervisor calls will be rejected")
	}
	server.hypervisor = proxmox.NewHTTPClient(
		cfg.HypervisorURL, cfg.HypervisorToken, cfg.HypervisorNode, cfg.HypervisorInsecure, log)

	// Initialize the catalog
	catalogProvider, err := catalog.NewProvider(cfg.CatalogDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	server.catalog = catalogProvider

	// Initialize the route applier
	server.applier = routes.NewApplier(
		cfg.ProxyConfigPath,
		&routes.CommandValidator{Binary: "caddy"},
		&routes.CommandReloader{Binary: "caddy"},
		log,
	)

	// Initialize the alert channel
	server.alerts = alerts.NewChannel(log)

	// Initialize the network appliance manager
	server.network = network.NewManager(server.hypervisor, st, network.Options{
		BridgeName:     cfg.BridgeName,
		FallbackBridge: cfg.FallbackBridge,
		LANSubnet:      cfg.LANSubnet,
		LANGatewayIP:   cfg.LANGatewayIP,
		DHCPRange:      cfg.DHCPRange,
		DNSDomain:      cfg.DNSDomain,
		ApplianceImage: cfg.ApplianceImage,
	}, log).WithAlerter(server.alerts)

	// Initialize the lifecycle engine
	server.engine = lifecycle.NewEngine(
		st,
		allocator,
		server.network,
		server.hypervisor,
		catalogProvider,
		server.applier,
		routes.Options{
			PublicDomain:  cfg.PublicDomain,
			DNSDomain:     cfg.DNSDomain,
			UINetworkCIDR: cfg.UINetworkCIDR,
		},
		cfg.HypervisorNode,
		cfg.StepTimeout,
		log,
	)

	// Initialize the task queue, with a shared redis backlog when configured
	var backlog tasks.Backlog
	if cfg.RedisAddr != "" {
		rb, err := tasks.NewRedisBacklog(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("failed to connect redis backlog: %w", err)
		}
		server.backlog = rb
		backlog = rb
	}
	server.queue = tasks.NewQueue(backlog, cfg.TaskRetries, cfg.TaskBackoff, log)
	registerTaskHandlers(server)

	// Initialize the drift reconciler and the stuck-operation janitor
	server.reconciler = reconciler.NewReconciler(
		st, server.hypervisor, server.engine, server.alerts, cfg.ReconcileInterval, log)
	server.janitor = reconciler.NewJanitor(st, cfg.OperationTimeout, cfg.JanitorInterval, log)

	// Initialize the management API
	server.webServer = web.NewWebServer(
		server.engine, catalogProvider, server.queue, server.alerts, log, cfg.WebPort)

	return server, nil
}

func registerTaskHandlers(server *ProximityServer) {
	server.queue.Register("update", func(ctx context.Context, task tasks.Task) error {
		return server.engine.Update(ctx, task.AppID, task.Payload)
	})
	server.queue.Register("backup", func(ctx context.Context, task tasks.Task) error {
		app, err := server.engine.GetApp(task.AppID)
		if err != nil {
			return err
		}
		if app.ContainerID == 0 {
			return fmt.Errorf("application %s has no container to back up", task.AppID)
		}
		return server.hypervisor.Backup(ctx, app.ContainerID)
	})
	server.queue.WithResultFunc(func(task tasks.Task, err error) {
		if err != nil {
			server.logger.WithError(err).WithFields(logrus.Fields{
				"task": task.ID,
				"kind": task.Kind,
				"app":  task.AppID,
			}).Error("Background task failed after retries")
		}
	})
}

func connectComponents(ctx context.Context, server *ProximityServer) error {
	server.queue.Start(ctx, 2)
	server.reconciler.Start(ctx)
	server.janitor.Start(ctx)

	if err := server.webServer.Start(); err != nil {
		return fmt.Errorf("failed to start management API: %w", err)
	}
	return nil
}

func shutdownServer(server *ProximityServer) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := server.webServer.Stop(shutdownCtx); err != nil {
		server.logger.WithError(err).Error("Failed to stop management API")
		firstErr = err
	}

	server.reconciler.Stop()
	server.janitor.Stop()
	server.queue.Stop()

	if server.backlog != nil {
		if err := server.backlog.Close(); err != nil {
			server.logger.WithError(err).Error("Failed to close redis backlog")
		}
	}
	if err := server.store.Close(); err != nil {
		server.logger.WithError(err).Error("Failed to close store")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
