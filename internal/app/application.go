package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"taskrelay/internal/api"
	"taskrelay/internal/auth"
	"taskrelay/internal/config"
	"taskrelay/internal/database"
	"taskrelay/internal/hub"
	"taskrelay/internal/presence"
	"taskrelay/internal/relay"
	"taskrelay/internal/rooms"
	"taskrelay/internal/router"
	"taskrelay/internal/session"
	"taskrelay/internal/websocket"
	"taskrelay/pkg/interfaces"
	pkgdatabase "taskrelay/pkg/database"
)

// rateLimitSweep is how often idle rate limiter entries are dropped
const rateLimitSweep = 5 * time.Minute

// Application coordinates all system components.
// Initialization order: Database → Gate → Registry → Hub → Router → Relay →
// Presence → Session → Socket handler → API → HTTP
type Application struct {
	config     *config.Config
	dbManager  *database.Manager
	gate       *auth.Gate
	registry   *rooms.Registry
	messageHub *hub.Hub
	router     *router.Router
	relay      *relay.NATSRelay
	presence   *presence.Tracker
	limiter    *router.RateLimiter
	sessions   *session.Manager
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewApplication builds every component. cfg must carry an auth secret.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Database.Path
	if cfg.Database.MaxConnections > 0 {
		dbConfig.MaxConnections = cfg.Database.MaxConnections
	}
	dbConfig.ConnMaxLifetime = cfg.Database.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Database.Timeout / 3

	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	if err := dbManager.Migrate(); err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	slog.Info("database ready", "path", cfg.Database.Path)

	gate, err := auth.NewGate(auth.Config{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
	}, dbManager)
	if err != nil {
		_ = dbManager.Close()
		return nil, fmt.Errorf("failed to initialize auth gate: %w", err)
	}

	registry := rooms.NewRegistry(cfg.Rooms.Shards)
	messageHub := hub.NewHub(registry, hub.Config{
		Workers:   cfg.Hub.Workers,
		QueueSize: cfg.Hub.QueueSize,
	})
	messageRouter := router.NewRouter(messageHub, nil)

	var natsRelay *relay.NATSRelay
	if cfg.Relay.Enabled {
		natsRelay, err = relay.Connect(relay.Config{
			URL:           cfg.Relay.URL,
			Name:          "taskrelay",
			User:          cfg.Relay.User,
			Password:      cfg.Relay.Password,
			SubjectPrefix: cfg.Relay.SubjectPrefix,
		})
		if err != nil {
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to connect relay: %w", err)
		}
		if err := messageRouter.AttachRelay(natsRelay); err != nil {
			_ = natsRelay.Close()
			_ = dbManager.Close()
			return nil, fmt.Errorf("failed to subscribe relay: %w", err)
		}
		slog.Info("relay attached", "url", cfg.Relay.URL, "instance_id", natsRelay.InstanceID())
	}

	tracker := presence.NewTracker(presence.Config{
		GraceWindow:   cfg.Presence.GraceWindow,
		TypingTimeout: cfg.Presence.TypingTimeout,
	}, nil, messageRouter, registry)

	limiter := router.NewRateLimiter(cfg.WebSocket.RateLimitPerMinute, time.Minute, nil)
	sessions := session.NewManager(gate, registry, tracker, messageRouter, limiter)

	wsHandler := websocket.NewHandler(websocket.HandlerConfig{
		AuthTimeout:     cfg.WebSocket.AuthTimeout,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		PingInterval:    cfg.WebSocket.PingInterval,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	}, gate, sessions)

	apiServer := api.NewServer(api.Options{
		Publisher:      messageRouter,
		Memberships:    dbManager,
		Rooms:          registry,
		Hub:            messageHub,
		Presence:       tracker,
		ServiceKey:     cfg.HTTP.ServiceKey,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/ws", wsHandler)

	// WriteTimeout is left to the socket writer; http.Server's would cut
	// hijacked connections short.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
	}

	return &Application{
		config:     cfg,
		dbManager:  dbManager,
		gate:       gate,
		registry:   registry,
		messageHub: messageHub,
		router:     messageRouter,
		relay:      natsRelay,
		presence:   tracker,
		limiter:    limiter,
		sessions:   sessions,
		apiServer:  apiServer,
		httpServer: httpServer,
	}, nil
}

// Start starts the hub, binds the listener and serves in the background
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return errors.New("application already started")
	}

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.done = make(chan struct{})

	go app.sweepRateLimits(runCtx)
	go func() {
		defer close(app.done)
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("taskrelay started", "addr", listener.Addr().String())
	return nil
}

func (app *Application) sweepRateLimits(ctx context.Context) {
	ticker := time.NewTicker(rateLimitSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			app.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// Stop shuts down in reverse order: HTTP, live sockets, relay, hub, database
func (app *Application) Stop(ctx context.Context) error {
	slog.Info("shutting down taskrelay")

	app.mu.Lock()
	started := app.listener != nil
	if app.cancel != nil {
		app.cancel()
	}
	app.mu.Unlock()

	var errs []error
	if started {
		if err := app.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// hijacked sockets are not covered by Shutdown
	for _, conn := range app.registry.All() {
		_ = conn.Close()
	}

	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay close: %w", err))
		}
	}

	if app.messageHub.IsRunning() {
		if err := app.messageHub.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("hub stop: %w", err))
		}
	}

	if err := app.dbManager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}

	if started {
		select {
		case <-app.done:
		case <-ctx.Done():
		}
	}

	slog.Info("taskrelay shutdown complete")
	return errors.Join(errs...)
}

// Addr returns the bound address once started, else the configured one
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Publisher is the in-process entry point for the external service layer
func (app *Application) Publisher() interfaces.EventPublisher {
	return app.router
}

// Router exposes the typed event helpers
func (app *Application) Router() *router.Router {
	return app.router
}

// Memberships is the local authorization replica
func (app *Application) Memberships() interfaces.MembershipStore {
	return app.dbManager
}

// IssueToken mints a client token signed with the configured secret
func (app *Application) IssueToken(userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = app.config.Auth.TokenTTL
	}
	return app.gate.IssueToken(userID, nil, ttl)
}
