package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	ssconfig "github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/spf13/cobra"

	"github.com/c360studio/qflow/commands"
	"github.com/c360studio/qflow/config"
	"github.com/c360studio/qflow/events"
	adaptivecontroller "github.com/c360studio/qflow/processor/adaptive-controller"
	flowrunner "github.com/c360studio/qflow/processor/flow-runner"
	ledgerarchiver "github.com/c360studio/qflow/processor/ledger-archiver"
)

func newServeCommand(opts *commands.Options, logLevel *string) *cobra.Command {
	var (
		flowsDir    string
		metricsAddr string
		httpPort    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a qflow node",
		Long: `Serve runs the full node: the flow runner with its execution engine,
the adaptive controller, and the ledger archiver, wired to NATS
JetStream.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, *logLevel, flowsDir, metricsAddr, httpPort)
		},
	}

	cmd.Flags().StringVar(&flowsDir, "flows-dir", "", "Directory watched for flow definitions to register")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address for the control plane (e.g. :9100)")
	cmd.Flags().IntVar(&httpPort, "http-port", 8080, "HTTP port for health endpoints")
	return cmd
}

func runServe(opts *commands.Options, logLevel, flowsDir, metricsAddr string, httpPort int) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load node configuration
	cfg, err := opts.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	serverCfg, err := buildServerConfig(cfg, opts, flowsDir, metricsAddr)
	if err != nil {
		return fmt.Errorf("build server config: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, serverCfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, serverCfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Qflow node ready", "version", Version, "node_id", cfg.Node.ID)

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := types.PlatformMeta{Org: "qflow", Platform: "qflow-node"}

	// Config manager gives the component-manager service access to
	// per-component configs.
	configManager, err := ssconfig.NewConfigManager(serverCfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	slog.Debug("Registering qflow component factories")
	if err := flowrunner.Register(componentRegistry); err != nil {
		return fmt.Errorf("register flow-runner: %w", err)
	}
	if err := adaptivecontroller.Register(componentRegistry); err != nil {
		return fmt.Errorf("register adaptive-controller: %w", err)
	}
	if err := ledgerarchiver.Register(componentRegistry); err != nil {
		return fmt.Errorf("register ledger-archiver: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(serverCfg, httpPort)

	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	if err := configureAndCreateServices(serverCfg, manager, svcDeps); err != nil {
		return err
	}
	slog.Info("All services configured")

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Qflow shutdown complete")
	return nil
}

// buildServerConfig translates the node's YAML configuration into the
// component-hosting config: platform identity, NATS, the two streams,
// and one component entry per processor.
func buildServerConfig(cfg *config.Config, opts *commands.Options, flowsDir, metricsAddr string) (*ssconfig.Config, error) {
	natsURL := opts.ResolveNATSURL(cfg)

	runnerCfg := flowrunner.DefaultConfig()
	runnerCfg.NodeID = cfg.Node.ID
	runnerCfg.Capabilities = cfg.Node.Capabilities
	runnerCfg.DAOSubnets = cfg.Node.DAOSubnets
	runnerCfg.MaxConcurrentSteps = cfg.Engine.MaxConcurrentSteps
	runnerCfg.Workers = cfg.Engine.Workers()
	runnerCfg.StepTimeout = time.Duration(cfg.Engine.TimeoutMs) * time.Millisecond
	runnerCfg.FailureStrategy = cfg.Engine.FailureStrategy
	runnerCfg.DefaultIsolation = cfg.Sandbox.DefaultIsolation
	runnerCfg.ScratchDir = cfg.Sandbox.ScratchDir
	runnerCfg.MaxModuleBytes = cfg.Sandbox.MaxModuleBytes
	runnerCfg.DataDir = opts.ResolveDataDir()
	runnerCfg.CacheMaxEntries = cfg.Cache.MaxEntries
	runnerCfg.CacheTTL = cfg.Cache.DefaultTTL
	runnerCfg.WatchDir = flowsDir
	runnerJSON, err := json.Marshal(runnerCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal flow-runner config: %w", err)
	}

	controllerCfg := adaptivecontroller.DefaultConfig()
	controllerCfg.NodeID = cfg.Node.ID
	controllerCfg.SampleInterval = cfg.Control.SampleInterval
	controllerCfg.ActionCooldown = cfg.Control.ActionCooldown
	controllerCfg.MaxConcurrentActions = cfg.Control.MaxConcurrentActions
	controllerCfg.PauseBurnThreshold = cfg.Control.PauseBurnThreshold
	controllerCfg.RerouteBurnThreshold = cfg.Control.RerouteBurnThreshold
	controllerCfg.MetricsAddr = metricsAddr
	controllerJSON, err := json.Marshal(controllerCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal adaptive-controller config: %w", err)
	}

	archiverCfg := ledgerarchiver.DefaultConfig()
	archiverCfg.NodeID = cfg.Node.ID
	archiverCfg.DataDir = opts.ResolveDataDir()
	archiverJSON, err := json.Marshal(archiverCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal ledger-archiver config: %w", err)
	}

	return &ssconfig.Config{
		Version: "1.0.0",
		Platform: ssconfig.PlatformConfig{
			Org:         "qflow",
			ID:          "qflow-node",
			Environment: "dev",
		},
		NATS: ssconfig.NATSConfig{
			URLs:          []string{natsURL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: ssconfig.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{},
		Components: ssconfig.ComponentConfigs{
			"flow-runner": types.ComponentConfig{
				Name:    "flow-runner",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  runnerJSON,
			},
			"adaptive-controller": types.ComponentConfig{
				Name:    "adaptive-controller",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  controllerJSON,
			},
			"ledger-archiver": types.ComponentConfig{
				Name:    "ledger-archiver",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  archiverJSON,
			},
		},
		Streams: ssconfig.StreamConfigs{
			events.EventStream: ssconfig.StreamConfig{
				Subjects: events.EventStreamSubjects,
				MaxAge:   "168h",
				Storage:  "file",
				Replicas: 1,
			},
			events.CommandStream: ssconfig.StreamConfig{
				Subjects: events.CommandStreamSubjects,
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
		},
	}, nil
}

func connectToNATS(ctx context.Context, cfg *ssconfig.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURLs := strings.Join(cfg.NATS.URLs, ",")
	logger.Info("Connecting to NATS", "url", natsURLs)

	client, err := natsclient.NewClient(natsURLs,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20), // Higher threshold for startup bursts
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURLs)
	}

	logger.Info("Connected to NATS", "url", natsURLs)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set QFLOW_NATS_URL to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *ssconfig.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := ssconfig.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *ssconfig.Config, httpPort int) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		defaultConfig := map[string]any{
			"http_port":  httpPort,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Qflow API",
				"description": "distributed serverless automation engine",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *ssconfig.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			continue
		}
		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}
	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}
	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered", "key", name)
		return nil
	}
	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}
	slog.Info("Created service", "name", name)
	return nil
}
