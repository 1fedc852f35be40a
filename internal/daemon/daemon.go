// Package daemon wires the gateway together: config, channel plugins, the
// inbound pipeline, account lifecycle, the agent bridge and the HTTP
// listener they share.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/chatgate/internal/config"
	"github.com/harun/chatgate/internal/logger"
	"github.com/harun/chatgate/internal/observability"
	"github.com/harun/chatgate/internal/tracing"
	"github.com/harun/chatgate/pkg/channels"
	"github.com/harun/chatgate/pkg/channels/dingtalk"
	"github.com/harun/chatgate/pkg/channels/signedhook"
	"github.com/harun/chatgate/pkg/channels/wecom"
	"github.com/harun/chatgate/pkg/commandqueue"
	"github.com/harun/chatgate/pkg/dedup"
	"github.com/harun/chatgate/pkg/gateway"
	"github.com/harun/chatgate/pkg/inbound"
	"github.com/harun/chatgate/pkg/lifecycle"
	"github.com/harun/chatgate/pkg/outbound"
	"github.com/harun/chatgate/pkg/pairing"
	"github.com/harun/chatgate/pkg/security"
	"github.com/harun/chatgate/pkg/webhook"
	"github.com/rs/zerolog"
)

// Daemon represents the chatgate daemon service
type Daemon struct {
	cfgMu  sync.RWMutex
	config *config.Config

	loader *config.Loader
	logger *logger.Logger
	log    zerolog.Logger

	// Core modules
	plugins    *channels.Registry
	webhooks   *webhook.Registry
	dedup      *dedup.Cache
	pairing    *pairing.Manager
	gate       *security.Gate
	queue      *commandqueue.CommandQueue
	normalizer *inbound.Normalizer
	accounts   *lifecycle.Manager
	deliverer  *outbound.Deliverer

	// Services
	bridge         *gateway.Server
	router         *Router
	approver       *Approver
	webhookHandler *webhook.Handler
	maintenance    *Maintenance
	watcher        *config.Watcher
	httpServer     *http.Server
	listener       net.Listener

	// Internal
	pidLock     *PIDLock
	extra       []*channels.Plugin
	watchConfig bool

	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
	auditEnabled   bool
}

// Version is the build version, overridable with -ldflags "-X".
var Version = "0.1.0"

// Status is a point-in-time view of the daemon.
type Status struct {
	Running       bool                 `json:"running"`
	StartTime     time.Time            `json:"startTime,omitempty"`
	Uptime        time.Duration        `json:"uptime"`
	Addr          string               `json:"addr,omitempty"`
	Accounts      []lifecycle.Snapshot `json:"accounts"`
	BridgeClients int                  `json:"bridgeClients"`
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithPlugins registers extra channel plugins next to the built-in ones.
func WithPlugins(plugins ...*channels.Plugin) Option {
	return func(d *Daemon) {
		d.extra = append(d.extra, plugins...)
	}
}

// WithConfigWatch enables reconciling accounts when the config file changes.
func WithConfigWatch(enabled bool) Option {
	return func(d *Daemon) {
		d.watchConfig = enabled
	}
}

// New creates a new daemon instance
func New(cfg *config.Config, loader *config.Loader, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg.Clone(),
		loader: loader,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}); err != nil {
			d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.log.Info().Msg("Tracing initialized successfully")
		}
	}

	if cfg.Logging.AuditFile != "" {
		if err := observability.OpenAuditLog(cfg.Logging.AuditFile); err != nil {
			d.log.Warn().Err(err).Str("path", cfg.Logging.AuditFile).Msg("Failed to open audit log")
		} else {
			d.auditEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.pidLock = NewPIDLock(cfg.DataDir, d.log)
	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.pairing != nil {
		_ = d.pairing.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
	if d.auditEnabled {
		observability.CloseAuditLog()
		d.auditEnabled = false
	}
}

// NewPluginRegistry registers the built-in channels followed by extra.
func NewPluginRegistry(extra ...*channels.Plugin) (*channels.Registry, error) {
	registry := channels.NewRegistry()
	builtin := []*channels.Plugin{wecom.New(), dingtalk.New(), signedhook.New()}
	for _, p := range append(builtin, extra...) {
		if err := registry.Register(p); err != nil {
			return nil, fmt.Errorf("failed to register channel %s: %w", p.ID, err)
		}
	}
	return registry, nil
}

// OpenPairing opens the configured pairing store and wraps it in a manager.
func OpenPairing(cfg *config.Config) (*pairing.Manager, error) {
	store, err := pairing.Open(cfg.Pairing.Store, cfg.Pairing.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pairing store: %w", err)
	}
	manager, err := pairing.NewManager(pairing.ManagerOptions{
		Store:      store,
		MaxPending: cfg.Pairing.MaxPending,
		PendingTTL: time.Duration(cfg.Pairing.TTLMinutes) * time.Minute,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create pairing manager: %w", err)
	}
	return manager, nil
}

// initializeCoreModules builds the inbound pipeline in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.Config()

	plugins, err := NewPluginRegistry(d.extra...)
	if err != nil {
		return err
	}
	d.plugins = plugins
	d.log.Info().Strs("channels", d.plugins.IDs()).Msg("Channel plugins registered")

	d.webhooks = webhook.NewRegistry()
	d.dedup = dedup.New(dedup.Options{
		TTL:       time.Duration(cfg.Dedup.TTLSeconds) * time.Second,
		Threshold: cfg.Dedup.Threshold,
	})

	d.pairing, err = OpenPairing(cfg)
	if err != nil {
		return err
	}
	d.log.Info().Str("store", cfg.Pairing.Store).Str("path", cfg.Pairing.Path).Msg("Pairing manager initialized")

	d.gate = security.NewGate(d.pairing, d.logger.GetZerolog())
	d.queue = commandqueue.New()
	return nil
}

// initializeServices builds the bridge, the account runner and the HTTP
// surface on top of the core modules.
func (d *Daemon) initializeServices() error {
	cfg := d.Config()
	base := d.logger.GetZerolog()

	var writer AllowListWriter
	if d.loader != nil {
		writer = d.loader
	}
	d.approver = NewApprover(d.pairing, d.plugins, writer, d.Config, base)

	// The runner dispatches into the normalizer, which is built last because
	// it needs the bridge and the runner itself.
	d.accounts = lifecycle.NewManager(lifecycle.Options{
		Plugins:    d.plugins,
		Webhooks:   d.webhooks,
		Dispatcher: dispatcherFunc(d.dispatch),
		Logger:     base,
	})

	d.deliverer = outbound.New(outbound.Options{
		Plugins:       d.plugins,
		Config:        d.Config,
		Accounts:      d.accounts,
		RetryMax:      cfg.Outbound.RetryMax,
		RetryBackoff:  time.Duration(cfg.Outbound.RetryBackoffMs) * time.Millisecond,
		RatePerSecond: cfg.Outbound.RatePerSecond,
		Burst:         cfg.Outbound.Burst,
		Logger:        base,
	})

	var bridge Bridge
	if cfg.Bridge.Enabled {
		if cfg.Bridge.SharedSecret == "" {
			return fmt.Errorf("bridge.shared_secret is required when the bridge is enabled")
		}
		server, err := gateway.NewServer(gateway.Config{
			SharedSecret: cfg.Bridge.SharedSecret,
			ReplyTTL:     time.Duration(cfg.Bridge.ReplyTTLSeconds) * time.Second,
			Sender:       d.deliverer,
			Status:       statusFunc(d.Snapshots),
			Pairing:      d.approver,
			Logger:       base,
		})
		if err != nil {
			return fmt.Errorf("failed to create agent bridge: %w", err)
		}
		d.bridge = server
		bridge = server
	}
	d.router = NewRouter(bridge, base)

	d.normalizer = inbound.New(inbound.Options{
		Plugins: d.plugins,
		Config:  d.Config,
		Dedup:   d.dedup,
		Gate:    d.gate,
		Queue:   d.queue,
		Status:  d.accounts,
		Handler: d.router.RouteMessage,
		Logger:  base,
	})

	d.webhookHandler = webhook.NewHandler(d.webhooks, webhook.HandlerOptions{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Fallback:     time.Duration(cfg.Server.ReplyFallbackMs) * time.Millisecond,
		RateLimit:    cfg.Server.RateLimitPerMinute,
		Logger:       base,
	})

	maintenance, err := NewMaintenance(cfg.Maintenance.Schedule, d.pairing, d.queue, d.Snapshots, base)
	if err != nil {
		return err
	}
	d.maintenance = maintenance

	d.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

type statusFunc func() []lifecycle.Snapshot

func (f statusFunc) Snapshots() []lifecycle.Snapshot { return f() }

type dispatcherFunc func(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) channels.DispatchResult

func (f dispatcherFunc) Dispatch(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) channels.DispatchResult {
	return f(ctx, msg, replier)
}

func (d *Daemon) dispatch(ctx context.Context, msg channels.InboundMessage, replier channels.Replier) channels.DispatchResult {
	return d.normalizer.Dispatch(ctx, msg, replier)
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.log.With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting chatgate daemon")

	if err := d.pidLock.Acquire(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to acquire PID file: %w", err)
	}

	listener, err := net.Listen("tcp", d.httpServer.Addr)
	if err != nil {
		_ = d.pidLock.Release()
		d.setStopped()
		return fmt.Errorf("failed to listen on %s: %w", d.httpServer.Addr, err)
	}
	d.mu.Lock()
	d.listener = listener
	d.mu.Unlock()
	go func() {
		if err := d.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	logger.Info().Str("addr", listener.Addr().String()).Msg("HTTP server started")

	if d.bridge != nil {
		d.bridge.Start()
		logger.Info().Str("path", d.Config().Bridge.Path).Msg("Agent bridge started")
	}

	if err := d.accounts.Reconcile(d.ctx, d.Config()); err != nil {
		logger.Warn().Err(err).Msg("Some accounts failed to start")
	}
	logger.Info().Int("accounts", len(d.accounts.Snapshots())).Msg("Channel accounts started")

	d.maintenance.Start()

	if d.watchConfig && d.loader != nil {
		watcher, err := config.NewWatcher(d.loader, d.Reload, d.logger.GetZerolog())
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to create config watcher")
		} else if err := watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start config watcher")
			_ = watcher.Stop()
		} else {
			d.watcher = watcher
		}
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Reload swaps in cfg and reconciles running accounts against it.
func (d *Daemon) Reload(cfg *config.Config) {
	d.cfgMu.Lock()
	d.config = cfg.Clone()
	d.cfgMu.Unlock()

	err := d.accounts.Reconcile(d.ctx, d.Config())
	if err != nil {
		d.log.Warn().Err(err).Msg("Reconcile after reload finished with errors")
	}
	observability.AuditConfig(d.ctx, "config.reload", "daemon", map[string]interface{}{
		"reconcile_error": err != nil,
	})
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.log.With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping chatgate daemon")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
		d.watcher = nil
	}

	d.maintenance.Stop()

	// Accounts first so no new inbound work arrives.
	d.accounts.StopAll()
	logger.Info().Msg("Channel accounts stopped")

	if d.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		d.bridge.Stop(ctx)
		cancel()
	}

	if !d.queue.WaitForActive(5 * time.Second) {
		logger.Warn().Msg("Timeout waiting for agent callbacks")
	}
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to shut down HTTP server")
	}
	cancel()
	d.webhookHandler.Close()

	d.cancel()

	if err := d.pidLock.Release(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.pairing.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close pairing store")
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if d.auditEnabled {
		observability.CloseAuditLog()
		d.auditEnabled = false
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	if d.listener != nil {
		status.Addr = d.listener.Addr().String()
	}
	d.mu.RUnlock()

	status.Accounts = d.Snapshots()
	if d.bridge != nil {
		status.BridgeClients = len(d.bridge.GetConnectedClients())
	}
	return status
}

// Snapshots lists every configured account with its runtime state.
func (d *Daemon) Snapshots() []lifecycle.Snapshot {
	return d.accounts.Status(d.Config())
}

// Wait blocks until SIGINT or SIGTERM and then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.log.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Config returns the current config snapshot. Callers must not mutate it.
func (d *Daemon) Config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.config
}

// Addr returns the listener address once started.
func (d *Daemon) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Deliverer returns the outbound deliverer.
func (d *Daemon) Deliverer() *outbound.Deliverer {
	return d.deliverer
}

// Approver returns the pairing approver.
func (d *Daemon) Approver() *Approver {
	return d.approver
}

// Bridge returns the agent bridge, or nil when it is disabled.
func (d *Daemon) Bridge() *gateway.Server {
	return d.bridge
}
