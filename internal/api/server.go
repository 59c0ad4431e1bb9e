package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"taskrelay/internal/hub"
	"taskrelay/internal/rooms"
	"taskrelay/internal/router"
	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// maxBodyBytes bounds producer request bodies; the payload itself is capped
// separately by the router.
const maxBodyBytes = 2 * types.MaxPayloadBytes

// Publisher is the slice of the router used by the producer API
type Publisher interface {
	interfaces.EventPublisher
	PublishDerived(ctx context.Context, eventType string, payload json.RawMessage) ([]types.RoomID, error)
	MemberAdded(ctx context.Context, projectID types.ID, userID string, addedBy string) error
}

// Memberships is the replica behind the authorization oracle
type Memberships interface {
	AddMember(ctx context.Context, projectID, userID string) error
	RemoveMember(ctx context.Context, projectID, userID string) error
	ListMembers(ctx context.Context, projectID string) ([]string, error)
	ListProjects(ctx context.Context, userID string) ([]string, error)
	HealthCheck(ctx context.Context) error
}

type RoomStats interface {
	Stats() rooms.Stats
}

type HubStats interface {
	Stats() hub.Stats
}

type PresenceStats interface {
	OnlineCount() int
	TypingCount() int
}

// Options carries the server dependencies. Stats sources are optional.
type Options struct {
	Publisher   Publisher
	Memberships Memberships
	Rooms       RoomStats
	Hub         HubStats
	Presence    PresenceStats
	// ServiceKey protects /api; when empty the producer endpoints answer 503
	ServiceKey     string
	AllowedOrigins []string
}

// Server is the producer-facing HTTP API. It does no business logic of its
// own; everything is forwarded to the router and the membership store.
type Server struct {
	opts    Options
	router  *http.ServeMux
	started time.Time
	now     func() time.Time
}

func NewServer(opts Options) *Server {
	s := &Server{
		opts:    opts,
		router:  http.NewServeMux(),
		started: time.Now(),
		now:     time.Now,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/events", s.corsMiddleware(s.jsonMiddleware(s.serviceAuth(http.HandlerFunc(s.handleEvents)))))
	s.router.Handle("/api/memberships", s.corsMiddleware(s.jsonMiddleware(s.serviceAuth(http.HandlerFunc(s.handleMemberships)))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(s.serviceAuth(http.HandlerFunc(s.handleStats)))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Request/Response types

type PublishRequest struct {
	EventType   string          `json:"event_type"`
	TargetRooms []string        `json:"target_rooms"`
	Payload     json.RawMessage `json:"payload"`
}

type PublishResponse struct {
	Status string         `json:"status"`
	Rooms  []types.RoomID `json:"rooms"`
}

type MembershipRequest struct {
	ProjectID types.ID `json:"project_id"`
	UserID    types.ID `json:"user_id"`
	AddedBy   string   `json:"added_by,omitempty"`
}

type MembershipResponse struct {
	ProjectID types.ID `json:"project_id"`
	UserID    string   `json:"user_id"`
	Status    string   `json:"status"`
	Notified  bool     `json:"notified,omitempty"`
}

type ProjectMembersResponse struct {
	ProjectID types.ID `json:"project_id"`
	Members   []string `json:"members"`
}

type UserProjectsResponse struct {
	UserID   string   `json:"user_id"`
	Projects []string `json:"projects"`
}

type StatsResponse struct {
	Timestamp time.Time    `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	Rooms     *rooms.Stats `json:"rooms,omitempty"`
	Hub       *hub.Stats   `json:"hub,omitempty"`
	Presence  *struct {
		Online int `json:"online"`
		Typing int `json:"typing"`
	} `json:"presence,omitempty"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Database    string    `json:"database"`
	Connections int       `json:"connections"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// PublishErrorResponse tells a producer which rooms already took the event
// so a retry can target only the failed ones.
type PublishErrorResponse struct {
	ErrorResponse
	AcceptedRooms []types.RoomID `json:"accepted_rooms"`
	FailedRooms   []types.RoomID `json:"failed_rooms"`
}

// POST /api/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PublishRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// without target rooms the router derives them from the payload
	var (
		targets []types.RoomID
		err     error
	)
	if len(req.TargetRooms) == 0 {
		targets, err = s.opts.Publisher.PublishDerived(r.Context(), req.EventType, req.Payload)
	} else {
		event := &types.DomainEvent{
			Type:        req.EventType,
			TargetRooms: make([]types.RoomID, 0, len(req.TargetRooms)),
			Payload:     req.Payload,
		}
		for _, room := range req.TargetRooms {
			event.TargetRooms = append(event.TargetRooms, types.RoomID(room))
		}
		targets = event.TargetRooms
		err = s.opts.Publisher.Publish(r.Context(), event)
	}

	if err != nil {
		status := publishStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("publish failed", "event_type", req.EventType, "error", err)
		}
		failed := router.FailedRooms(err)
		if len(failed) == 0 {
			s.sendError(w, err.Error(), status)
			return
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(PublishErrorResponse{
			ErrorResponse: ErrorResponse{
				Error:   http.StatusText(status),
				Code:    status,
				Message: err.Error(),
			},
			AcceptedRooms: acceptedRooms(targets, failed),
			FailedRooms:   failed,
		})
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(PublishResponse{Status: "accepted", Rooms: targets})
}

func acceptedRooms(targets, failed []types.RoomID) []types.RoomID {
	accepted := make([]types.RoomID, 0, len(targets))
	for _, room := range targets {
		if !slices.Contains(failed, room) && !slices.Contains(accepted, room) {
			accepted = append(accepted, room)
		}
	}
	return accepted
}

func publishStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrMalformedIntent), types.KindOf(err) == types.KindMalformedIntent:
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrQueueFull), errors.Is(err, hub.ErrHubNotRunning):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GET, POST and DELETE /api/memberships
func (s *Server) handleMemberships(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost && r.Method != http.MethodDelete {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Memberships == nil {
		s.sendError(w, "Membership store not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodGet {
		s.listMemberships(w, r)
		return
	}

	var req MembershipRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if !types.IsValidID(string(req.ProjectID)) {
		s.sendError(w, "Valid project_id is required", http.StatusBadRequest)
		return
	}
	if !types.IsValidID(string(req.UserID)) {
		s.sendError(w, "Valid user_id is required", http.StatusBadRequest)
		return
	}

	projectID, userID := string(req.ProjectID), string(req.UserID)
	resp := MembershipResponse{ProjectID: req.ProjectID, UserID: userID}

	if r.Method == http.MethodDelete {
		if err := s.opts.Memberships.RemoveMember(r.Context(), projectID, userID); err != nil {
			slog.Error("remove member failed", "project_id", projectID, "user_id", userID, "error", err)
			s.sendError(w, "Failed to remove member", http.StatusInternalServerError)
			return
		}
		resp.Status = "removed"
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	if err := s.opts.Memberships.AddMember(r.Context(), projectID, userID); err != nil {
		slog.Error("add member failed", "project_id", projectID, "user_id", userID, "error", err)
		s.sendError(w, "Failed to add member", http.StatusInternalServerError)
		return
	}
	resp.Status = "added"

	// the replica is already updated; a failed notification is not fatal
	if err := s.opts.Publisher.MemberAdded(r.Context(), req.ProjectID, userID, req.AddedBy); err != nil {
		slog.Warn("member_added notification failed", "project_id", projectID, "user_id", userID, "error", err)
	} else {
		resp.Notified = true
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// listMemberships answers ?project_id= with the project's members and
// ?user_id= with the user's projects.
func (s *Server) listMemberships(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	projectID, userID := query.Get("project_id"), query.Get("user_id")

	switch {
	case projectID != "" && userID == "":
		if !types.IsValidID(projectID) {
			s.sendError(w, "Valid project_id is required", http.StatusBadRequest)
			return
		}
		members, err := s.opts.Memberships.ListMembers(r.Context(), projectID)
		if err != nil {
			slog.Error("list members failed", "project_id", projectID, "error", err)
			s.sendError(w, "Failed to list members", http.StatusInternalServerError)
			return
		}
		if members == nil {
			members = []string{}
		}
		_ = json.NewEncoder(w).Encode(ProjectMembersResponse{ProjectID: types.ID(projectID), Members: members})

	case userID != "" && projectID == "":
		if !types.IsValidID(userID) {
			s.sendError(w, "Valid user_id is required", http.StatusBadRequest)
			return
		}
		projects, err := s.opts.Memberships.ListProjects(r.Context(), userID)
		if err != nil {
			slog.Error("list projects failed", "user_id", userID, "error", err)
			s.sendError(w, "Failed to list projects", http.StatusInternalServerError)
			return
		}
		if projects == nil {
			projects = []string{}
		}
		_ = json.NewEncoder(w).Encode(UserProjectsResponse{UserID: userID, Projects: projects})

	default:
		s.sendError(w, "Exactly one of project_id or user_id is required", http.StatusBadRequest)
	}
}

// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	now := s.now()
	resp := StatsResponse{
		Timestamp: now.UTC(),
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
	}
	if s.opts.Rooms != nil {
		st := s.opts.Rooms.Stats()
		resp.Rooms = &st
	}
	if s.opts.Hub != nil {
		st := s.opts.Hub.Stats()
		resp.Hub = &st
	}
	if s.opts.Presence != nil {
		resp.Presence = &struct {
			Online int `json:"online"`
			Typing int `json:"typing"`
		}{Online: s.opts.Presence.OnlineCount(), Typing: s.opts.Presence.TypingCount()}
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"

	if s.opts.Memberships == nil {
		dbStatus = "not_configured"
	} else if err := s.opts.Memberships.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: s.now().UTC(),
		Database:  dbStatus,
	}
	if s.opts.Rooms != nil {
		response.Connections = s.opts.Rooms.Stats().Connections
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// serviceAuth checks the bearer service key with a constant-time compare
func (s *Server) serviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ServiceKey == "" {
			s.sendError(w, "Producer API disabled", http.StatusServiceUnavailable)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.opts.ServiceKey)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="taskrelay"`)
			s.sendError(w, "Invalid service key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) string {
	if len(s.opts.AllowedOrigins) == 0 {
		return "*"
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			if origin != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
