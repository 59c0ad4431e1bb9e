package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Authenticator validates a raw bearer token
type Authenticator interface {
	Authenticate(raw string) (*types.Identity, error)
}

// HandlerConfig holds socket timeouts and limits
type HandlerConfig struct {
	AuthTimeout     time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// DefaultHandlerConfig returns production defaults
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		AuthTimeout:     10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBuffer:      256,
		MaxMessageBytes: 128 * 1024,
	}
}

// Handler upgrades HTTP requests to sockets and runs their read pumps
type Handler struct {
	config   HandlerConfig
	auth     Authenticator
	session  interfaces.SessionHandler
	upgrader websocket.Upgrader
}

// NewHandler creates a socket handler
func NewHandler(config HandlerConfig, auth Authenticator, session interfaces.SessionHandler) *Handler {
	h := &Handler{
		config:  config,
		auth:    auth,
		session: session,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// TokenFromRequest extracts a bearer token from ?token= or the Authorization header
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// ServeHTTP authenticates the handshake when a token is present, upgrades,
// and then blocks in the read pump until the connection ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.session == nil {
		http.Error(w, ErrNoSession.Error(), http.StatusInternalServerError)
		return
	}

	var identity *types.Identity
	if raw := TokenFromRequest(r); raw != "" {
		id, err := h.auth.Authenticate(raw)
		if err != nil {
			slog.Info("handshake rejected", "remote_addr", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := NewConnection(ws, ConnectionOptions{
		SendBuffer:   h.config.SendBuffer,
		PingInterval: h.config.PingInterval,
		WriteTimeout: h.config.WriteTimeout,
	})
	if identity != nil {
		conn.SetIdentity(identity)
	}

	h.serve(r.Context(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *Connection) {
	// close first so no frame is queued after the session lets go of the connection
	defer func() {
		_ = conn.Close()
		h.session.Close(conn)
		slog.Info("connection closed", "connection_id", conn.ID(), "user_id", conn.UserID())
	}()

	if err := h.session.Open(ctx, conn); err != nil {
		slog.Warn("session open failed", "connection_id", conn.ID(), "error", err)
		return
	}
	slog.Info("connection opened", "connection_id", conn.ID(), "user_id", conn.UserID())

	if !conn.IsAuthenticated() {
		timer := time.AfterFunc(h.config.AuthTimeout, func() {
			if !conn.IsAuthenticated() {
				slog.Info("closing unauthenticated connection", "connection_id", conn.ID(), "error", ErrAuthTimeout)
				_ = conn.Close()
			}
		})
		defer timer.Stop()
	}

	h.readPump(ctx, conn)
}

func (h *Handler) readPump(ctx context.Context, conn *Connection) {
	ws := conn.conn
	if h.config.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.config.MaxMessageBytes)
	}

	extend := func() error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && !conn.Closed() {
				slog.Debug("websocket read ended", "connection_id", conn.ID(), "error", err)
			}
			return
		}
		if err := extend(); err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if err := h.session.HandleFrame(ctx, conn, data); err != nil {
			if errors.Is(err, types.ErrInvalidToken) {
				slog.Info("closing connection after failed authentication", "connection_id", conn.ID(), "error", err)
				conn.Flush(time.Second)
				return
			}
			slog.Debug("frame rejected", "connection_id", conn.ID(), "error", err)
		}
	}
}
