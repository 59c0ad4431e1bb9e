// Package session runs the server side of one client socket: it registers the
// connection, dispatches inbound intents through an explicit table and
// releases everything the connection held when it goes away.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// Gate authenticates tokens and authorizes project joins
type Gate interface {
	Authenticate(raw string) (*types.Identity, error)
	AuthorizeProject(ctx context.Context, identity *types.Identity, projectID types.ID) error
}

// Rooms is the subset of the room registry the session manager drives
type Rooms interface {
	Register(conn interfaces.Connection) error
	Join(connectionID string, room types.RoomID) error
	Leave(connectionID string, room types.RoomID) error
	RoomsOf(connectionID string) []types.RoomID
	UsersIn(room types.RoomID) []string
	DropConnection(connectionID string) []types.RoomID
}

// Presence is the subset of the presence tracker the session manager drives
type Presence interface {
	ConnectionAuthenticated(userID string)
	ConnectionDropped(userID string, rooms []types.RoomID)
	ConnectionClosed(connectionID string)
	RoomJoined(userID string, room types.RoomID)
	SetTyping(ctx context.Context, connectionID string, projectID, taskID types.ID, userID string, isTyping bool) error
	OnlineUsers(userIDs []string) []string
}

// Publisher broadcasts shaped events to rooms
type Publisher interface {
	PublishPayload(ctx context.Context, eventType string, rooms []types.RoomID, payload any, exclude string) error
}

// Limiter throttles intents per user
type Limiter interface {
	Allow(userID string) bool
}

// Manager implements interfaces.SessionHandler
type Manager struct {
	gate      Gate
	rooms     Rooms
	presence  Presence
	publisher Publisher
	limiter   Limiter
	table     map[string]HandlerFunc
	now       func() time.Time
}

var _ interfaces.SessionHandler = (*Manager)(nil)

// NewManager wires a session manager. limiter may be nil.
func NewManager(gate Gate, rooms Rooms, presence Presence, publisher Publisher, limiter Limiter) *Manager {
	m := &Manager{
		gate:      gate,
		rooms:     rooms,
		presence:  presence,
		publisher: publisher,
		limiter:   limiter,
		now:       time.Now,
	}
	m.table = DefaultTable()
	return m
}

// Open registers the connection and greets it. A connection that already
// carries an identity from the handshake is authenticated immediately.
func (m *Manager) Open(ctx context.Context, conn interfaces.ClientConnection) error {
	if err := m.rooms.Register(conn); err != nil {
		return err
	}
	if conn.IsAuthenticated() {
		return m.completeAuthentication(conn)
	}
	m.reply(conn, Reply{Type: types.EventConnected, Data: types.ConnectedPayload{ConnectionID: conn.ID()}})
	return nil
}

// completeAuthentication joins the personal room, counts the user online and
// confirms to the client.
func (m *Manager) completeAuthentication(conn interfaces.ClientConnection) error {
	userID := conn.UserID()
	if err := m.rooms.Join(conn.ID(), types.UserRoom(userID)); err != nil {
		return err
	}
	m.presence.ConnectionAuthenticated(userID)
	m.reply(conn, Reply{
		Type: types.EventConnected,
		Data: types.ConnectedPayload{ConnectionID: conn.ID(), UserID: userID},
	})
	slog.Info("connection authenticated", "connection_id", conn.ID(), "user_id", userID)
	return nil
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HandleFrame decodes one intent, runs its handler and applies the result.
// Every failure is reported to the sender as an error event.
func (m *Manager) HandleFrame(ctx context.Context, conn interfaces.ClientConnection, raw []byte) error {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		return m.fail(conn, ErrMalformedFrame)
	}

	handler, ok := m.table[f.Type]
	if !ok {
		return m.fail(conn, ErrUnknownIntent)
	}

	if !conn.IsAuthenticated() && f.Type != types.IntentAuthenticate && f.Type != types.IntentPing {
		return m.fail(conn, ErrNotAuthenticated)
	}
	if conn.IsAuthenticated() && m.limiter != nil && !m.limiter.Allow(conn.UserID()) {
		return m.fail(conn, ErrRateLimited)
	}

	req := Request{
		Conn:     conn,
		Identity: conn.Identity(),
		Type:     f.Type,
		Data:     f.Data,
		Now:      m.now().UTC(),
	}
	result, err := handler(ctx, m, req)
	if err != nil {
		return m.fail(conn, err)
	}
	return m.apply(ctx, conn, result)
}

// apply executes a handler result in a fixed order: authentication, leaves,
// joins, replies, typing changes, then publications.
func (m *Manager) apply(ctx context.Context, conn interfaces.ClientConnection, result Result) error {
	if result.Authenticate != nil {
		if !conn.SetIdentity(result.Authenticate) {
			return m.fail(conn, ErrAlreadyAuthenticated)
		}
		if err := m.completeAuthentication(conn); err != nil {
			return m.fail(conn, err)
		}
	}

	for _, room := range result.Leaves {
		if err := m.rooms.Leave(conn.ID(), room); err != nil {
			return m.fail(conn, err)
		}
	}
	for _, room := range result.Joins {
		if err := m.rooms.Join(conn.ID(), room); err != nil {
			return m.fail(conn, err)
		}
		m.presence.RoomJoined(conn.UserID(), room)
	}

	for _, r := range result.Replies {
		m.reply(conn, r)
	}

	for _, change := range result.Typing {
		if err := m.presence.SetTyping(ctx, conn.ID(), change.ProjectID, change.TaskID, conn.UserID(), change.IsTyping); err != nil {
			slog.Warn("typing broadcast failed", "connection_id", conn.ID(), "error", err)
		}
	}

	for _, p := range result.Publish {
		if err := m.publisher.PublishPayload(ctx, p.Type, p.Rooms, p.Payload, p.Exclude); err != nil {
			slog.Warn("publish failed", "event_type", p.Type, "connection_id", conn.ID(), "error", err)
			return m.fail(conn, err)
		}
	}
	return nil
}

// Close drops the connection from every room, clears its typing entries and
// releases its presence reference.
func (m *Manager) Close(conn interfaces.ClientConnection) {
	rooms := m.rooms.DropConnection(conn.ID())
	m.presence.ConnectionClosed(conn.ID())
	if conn.IsAuthenticated() {
		m.presence.ConnectionDropped(conn.UserID(), rooms)
	}
}

func (m *Manager) reply(conn interfaces.ClientConnection, r Reply) {
	env, err := types.NewEnvelope(r.Type, r.Room, r.Data, m.now().UTC())
	if err != nil {
		slog.Error("failed to encode reply", "event_type", r.Type, "error", err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("failed to encode reply", "event_type", r.Type, "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("reply not delivered", "connection_id", conn.ID(), "event_type", r.Type, "error", err)
		conn.RequestLivenessCheck()
	}
}

// fail sends an error event to the sender and returns err
func (m *Manager) fail(conn interfaces.ClientConnection, err error) error {
	m.reply(conn, Reply{
		Type: types.EventError,
		Data: types.ErrorPayload{Message: err.Error(), Kind: string(types.KindOf(err))},
	})
	return err
}
