package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/meshmcp/meshmcp/internal/adapter/inbound/admin"
	httpadapter "github.com/meshmcp/meshmcp/internal/adapter/inbound/http"
	"github.com/meshmcp/meshmcp/internal/adapter/inbound/stdio"
	"github.com/meshmcp/meshmcp/internal/adapter/outbound/cachestore"
	mcpclient "github.com/meshmcp/meshmcp/internal/adapter/outbound/mcp"
	"github.com/meshmcp/meshmcp/internal/adapter/outbound/memory"
	"github.com/meshmcp/meshmcp/internal/adapter/outbound/state"
	"github.com/meshmcp/meshmcp/internal/adapter/outbound/workflow"
	"github.com/meshmcp/meshmcp/internal/adapter/outbound/wsendpoint"
	"github.com/meshmcp/meshmcp/internal/config"
	"github.com/meshmcp/meshmcp/internal/domain/event"
	"github.com/meshmcp/meshmcp/internal/domain/proxy"
	"github.com/meshmcp/meshmcp/internal/domain/upstream"
	"github.com/meshmcp/meshmcp/internal/port/outbound"
	"github.com/meshmcp/meshmcp/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start [-- command [args...]]",
	Short: "Start the proxy server",
	Long: `Start the meshmcp proxy server.

The proxy can operate in two modes:

1. Multi-upstream mode (default): upstreams are configured through the
   admin API and persisted to state.json. The proxy routes tools/call and
   tools/list requests to the right upstream based on the tool cache.

2. Single-upstream mode: configure upstream.http or upstream.command in
   your config file, or pass a command after "--", and the proxy connects
   directly to that one server.

Examples:
  # Start with config file settings
  meshmcp start

  # Start with a specific MCP server command
  meshmcp start -- npx @modelcontextprotocol/server-filesystem /tmp

  # Start with a specific config file
  meshmcp --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first).
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}

	// Stdio transport is used ONLY when the user explicitly passes "-- command [args]".
	// This is decoupled from cfg.Upstream.Command to avoid Viper contamination issues.
	stdioTransport := len(args) > 0

	if len(args) > 0 {
		cfg.Upstream.Command = args[0]
		if len(args) > 1 {
			cfg.Upstream.Args = args[1:]
		} else {
			cfg.Upstream.Args = nil
		}
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	statePath := stateFilePath
	if statePath == "" {
		statePath = os.Getenv("MESHMCP_STATE_PATH")
	}
	if statePath == "" {
		statePath = cfg.State.Path
	}

	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	logger.Debug("log level configured", "level", cfg.Server.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := run(ctx, cfg, statePath, stdioTransport, logger); err != nil {
		return err
	}

	logger.Info("meshmcp stopped")
	return nil
}

// run wires together every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, statePath string, stdioTransport bool, logger *slog.Logger) error {
	startTime := time.Now().UTC()

	stateStore := state.NewFileStateStore(statePath, logger)
	appState, err := stateStore.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if err := stateStore.Save(appState); err != nil {
		return fmt.Errorf("failed to save initial state: %w", err)
	}
	logger.Info("state loaded",
		"path", statePath,
		"upstreams", len(appState.Upstreams),
		"endpoints", len(appState.Endpoints),
		"custom_tools", len(appState.CustomTools),
	)

	upstreamStore := memory.NewUpstreamStore()
	upstreamService := service.NewUpstreamService(upstreamStore, stateStore, logger)
	if err := upstreamService.LoadFromState(ctx, appState); err != nil {
		return fmt.Errorf("failed to load upstreams from state: %w", err)
	}

	// Backward-compat: a single YAML-configured upstream with no state.json
	// upstreams auto-migrates into state.json on first boot.
	hasStateUpstreams := len(appState.Upstreams) > 0
	if cfg.HasYAMLUpstream() && !hasStateUpstreams {
		yamlUpstream := migrateYAMLUpstream(cfg)
		if _, err := upstreamService.Add(ctx, yamlUpstream); err != nil {
			logger.Warn("failed to migrate YAML upstream into state.json", "error", err)
		} else {
			logger.Info("migrated YAML upstream to state.json", "name", yamlUpstream.Name, "transport", yamlUpstream.Transport)
		}
	}

	eventBus := event.NewBus()

	clientFactory := defaultClientFactory(cfg)
	manager := service.NewServiceManager(upstreamService, clientFactory, logger)
	manager.WithEventBus(eventBus)
	defer func() { _ = manager.Close() }()

	if err := manager.StartAll(ctx); err != nil {
		logger.Error("failed to start all upstreams", "error", err)
	}

	statusAll := manager.StatusAll()
	var connectedCount int
	for _, status := range statusAll {
		if status == upstream.StatusConnected {
			connectedCount++
		}
	}
	logger.Info("service manager started", "total", len(statusAll), "connected", connectedCount)

	healthMonitor := service.NewServiceHealthMonitor(manager, eventBus, logger, 30*time.Second)
	healthMonitor.Start(ctx)

	toolSyncStore, err := service.NewFileCustomToolStore(stateStore)
	if err != nil {
		return fmt.Errorf("failed to create tool-sync store: %w", err)
	}
	toolSyncService := service.NewToolSyncService(toolSyncStore, logger)
	toolSyncService.WithEventBus(eventBus)

	toolCache := upstream.NewToolCache()
	discoveryService := service.NewToolDiscoveryService(upstreamService, toolCache, clientFactory, logger)
	defer discoveryService.Stop()

	// Every successful discovery (initial, periodic retry, or triggered by
	// the admin API after adding a server) projects enabled tools into the
	// custom-tool list.
	discoveryService.SetOnDiscovered(func(u *upstream.Upstream, tools []*upstream.DiscoveredTool) {
		toolSyncService.SyncToolsAfterConnection(ctx, u, tools)
	})

	if err := discoveryService.DiscoverAll(ctx); err != nil {
		logger.Error("tool discovery failed", "error", err)
	}
	discoveryService.StartPeriodicRetry(ctx)

	toolCount := toolCache.Count()
	logger.Info("tool discovery complete", "tools", toolCount)

	dialer := func(ctx context.Context, url string) (service.EndpointConn, error) {
		return wsendpoint.Dial(ctx, url)
	}
	endpointManager := service.NewEndpointManager(dialer, logger)
	endpointManager.WithEventBus(eventBus)
	defer func() { _ = endpointManager.Close() }()

	for _, ep := range appState.Endpoints {
		if _, err := endpointManager.AddEndpoint(ep.URL); err != nil {
			logger.Warn("failed to add persisted endpoint", "url", ep.URL, "error", err)
		}
	}

	apiHandler := admin.NewAdminAPIHandler(
		admin.WithUpstreamService(upstreamService),
		admin.WithServiceManager(manager),
		admin.WithEndpointManager(endpointManager),
		admin.WithToolDiscoveryService(discoveryService),
		admin.WithToolSyncService(toolSyncService),
		admin.WithToolCache(toolCache),
		admin.WithStateStore(stateStore),
		admin.WithAPILogger(logger),
		admin.WithBuildInfo(&admin.BuildInfo{
			Version:   Version,
			Commit:    Commit,
			BuildDate: BuildDate,
		}),
		admin.WithStartTime(startTime),
		admin.WithEventBus(eventBus),
	)

	metricsRegistry := prometheus.NewRegistry()
	perfMonitor, err := newPerformanceMonitor(metricsRegistry)
	if err != nil {
		logger.Warn("performance monitor disabled", "error", err)
	}
	if perfMonitor != nil {
		manager.WithMetrics(perfMonitor)
	}

	cacheManager, err := newCacheManager(ctx, cfg, logger)
	if err != nil {
		logger.Warn("result cache disabled", "error", err)
	}
	if cacheManager != nil {
		defer cacheManager.Stop()
	}

	cacheAdapter := proxy.NewToolCacheAdapter(toolCache)
	messageHandler := service.NewMessageHandler(cacheAdapter, manager, logger)
	if perfMonitor != nil {
		messageHandler.WithMetrics(perfMonitor)
	}
	if cacheManager != nil {
		messageHandler.WithCache(cacheManager)
	}

	// Shares toolSyncStore with ToolSyncService: ToolSyncService appends
	// mcp-handler aliases on connect, CustomToolService additionally accepts
	// operator registrations (including proxy-handler tools) and is the
	// reader consulted on every tools/call.
	workflowClient := workflow.NewHTTPWorkflowClient(30 * time.Second)
	customToolService := service.NewCustomToolService(toolSyncStore, cacheAdapter, workflowClient, logger)
	messageHandler.WithCustomTools(customToolService)

	// Single-upstream mode only applies when YAML bootstraps exactly one
	// upstream and state.json has none (multi-upstream mode otherwise wins).
	var mcpClient outbound.MCPClient
	if cfg.HasYAMLUpstream() && !hasStateUpstreams {
		httpTimeout, err := time.ParseDuration(cfg.Upstream.HTTPTimeout)
		if err != nil {
			httpTimeout = 30 * time.Second
		}
		if cfg.Upstream.HTTP != "" {
			mcpClient = mcpclient.NewHTTPClient(cfg.Upstream.HTTP, mcpclient.WithTimeout(httpTimeout))
			logger.Info("upstream mode: http", "endpoint", cfg.Upstream.HTTP, "timeout", httpTimeout)
		} else {
			mcpClient = mcpclient.NewStdioClient(cfg.Upstream.Command, cfg.Upstream.Args...)
			logger.Info("upstream mode: stdio", "command", cfg.Upstream.Command, "args", cfg.Upstream.Args)
		}
	}

	var interceptor proxy.MessageInterceptor = messageHandler
	proxyService := service.NewProxyService(mcpClient, interceptor, logger)

	logger.Info("meshmcp starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"upstreams", len(statusAll),
		"connected", connectedCount,
		"tools", toolCount,
		"endpoints", len(appState.Endpoints),
		"state_file", statePath,
	)

	if stdioTransport {
		transport := stdio.NewStdioTransport(proxyService)
		logger.Info("transport mode: stdio")
		return transport.Start(ctx)
	}

	printBanner(Version, cfg.Server.HTTPAddr, cfg.DevMode, len(statusAll), connectedCount, toolCount, len(appState.Endpoints))

	healthChecker := httpadapter.NewHealthChecker(manager, endpointManager, Version)

	transportOpts := []httpadapter.Option{
		httpadapter.WithAddr(cfg.Server.HTTPAddr),
		httpadapter.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpadapter.WithLogger(logger),
		httpadapter.WithHealthChecker(healthChecker),
		httpadapter.WithExtraHandler(apiHandler.Routes()),
		httpadapter.WithMetricsRegistry(metricsRegistry),
	}

	transport := httpadapter.NewHTTPTransport(proxyService, transportOpts...)
	logger.Info("transport mode: http", "addr", cfg.Server.HTTPAddr)
	return transport.Start(ctx)
}

// newPerformanceMonitor wires an OTel meter, backed by the Prometheus
// exporter writing into reg, into a service.PerformanceMonitor so
// connection/tool-call latency and error counts are exported on /metrics
// alongside the transport's own collectors.
func newPerformanceMonitor(reg *prometheus.Registry) (*service.PerformanceMonitor, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create otel prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("meshmcp")

	return service.NewPerformanceMonitor(meter)
}

// newCacheManager builds the tools/call result cache per cfg.Cache. Returns
// a nil manager (not an error) when caching is disabled.
func newCacheManager(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*service.CacheManager, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}

	ttl, err := time.ParseDuration(cfg.Cache.TTL)
	if err != nil {
		ttl = 5 * time.Minute
	}
	sweep, err := time.ParseDuration(cfg.Cache.CleanupInterval)
	if err != nil {
		sweep = time.Minute
	}

	store, err := cachestore.NewSQLiteStore(cfg.Cache.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open cache snapshot store: %w", err)
	}

	manager := service.NewCacheManager(ttl, sweep, store, logger)
	manager.StartSweep(ctx)
	return manager, nil
}

// defaultClientFactory returns a ClientFactory that creates an MCPClient
// matching the upstream's configured transport.
func defaultClientFactory(cfg *config.Config) service.ClientFactory {
	return func(u *upstream.Upstream) (outbound.MCPClient, error) {
		switch u.Transport {
		case upstream.TransportStdio:
			return mcpclient.NewStdioClient(u.Command, u.Args...), nil
		case upstream.TransportSSE:
			return mcpclient.NewSSEClient(u.URL), nil
		case upstream.TransportStreamableHTTP:
			httpTimeout, err := time.ParseDuration(cfg.Upstream.HTTPTimeout)
			if err != nil {
				httpTimeout = 30 * time.Second
			}
			return mcpclient.NewHTTPClient(u.URL, mcpclient.WithTimeout(httpTimeout)), nil
		default:
			return nil, fmt.Errorf("unsupported upstream transport: %s", u.Transport)
		}
	}
}

// migrateYAMLUpstream builds an upstream.Upstream from the YAML config's
// single bootstrap upstream, for initial persistence into state.json.
func migrateYAMLUpstream(cfg *config.Config) *upstream.Upstream {
	u := &upstream.Upstream{
		Name:    "default",
		Enabled: true,
	}

	if cfg.Upstream.HTTP != "" {
		u.Transport = upstream.TransportStreamableHTTP
		u.URL = cfg.Upstream.HTTP
	} else {
		u.Transport = upstream.TransportStdio
		u.Command = cfg.Upstream.Command
		u.Args = cfg.Upstream.Args
	}

	return u
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr. Only called in
// HTTP mode, to avoid interfering with stdio MCP transport on stdout.
func printBanner(version, httpAddr string, devMode bool, upstreamCount, connectedCount, toolCount, endpointCount int) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	adminURL := fmt.Sprintf("http://localhost%s/admin", httpAddr)
	if !strings.HasPrefix(httpAddr, ":") {
		adminURL = fmt.Sprintf("http://%s/admin", httpAddr)
	}
	proxyURL := fmt.Sprintf("http://localhost%s/mcp", httpAddr)
	if !strings.HasPrefix(httpAddr, ":") {
		proxyURL = fmt.Sprintf("http://%s/mcp", httpAddr)
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s meshmcp %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Admin API:", adminURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Proxy:", proxyURL)
	fmt.Fprintf(os.Stderr, "  %-14s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-14s %d connected / %d configured\n", "Upstreams:", connectedCount, upstreamCount)
	fmt.Fprintf(os.Stderr, "  %-14s %d discovered\n", "Tools:", toolCount)
	fmt.Fprintf(os.Stderr, "  %-14s %d configured\n", "Endpoints:", endpointCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}
