// Package presence tracks which users are online and who is typing on which task.
//
// Online state is reference counted per user over authenticated live
// connections. Going offline is deferred by a grace window so a quick
// reconnect does not flap the indicator. Typing entries expire on their own
// if no refresh arrives.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"taskrelay/pkg/types"
)

// Defaults used when Config fields are zero
const (
	DefaultGraceWindow   = 3 * time.Second
	DefaultTypingTimeout = 5 * time.Second
)

// Broadcaster delivers presence and typing transitions to rooms
type Broadcaster interface {
	Presence(ctx context.Context, userID string, online bool, rooms []types.RoomID) error
	Typing(ctx context.Context, taskID types.ID, userID string, isTyping bool, projectID types.ID, exclude string) error
}

// RoomLookup returns the rooms a user's live connections have joined
type RoomLookup interface {
	RoomsOfUser(userID string) []types.RoomID
}

type Config struct {
	GraceWindow   time.Duration
	TypingTimeout time.Duration
}

// Status is the presence view of one user
type Status struct {
	UserID         string    `json:"user_id"`
	Online         bool      `json:"online"`
	Connections    int       `json:"connections"`
	LastTransition time.Time `json:"last_transition"`
}

type userState struct {
	connections    int
	online         bool
	lastTransition time.Time

	offlineTimer clockwork.Timer
	generation   uint64

	// rooms to notify when the user finally goes offline
	rooms map[types.RoomID]struct{}
}

type typingKey struct {
	taskID types.ID
	userID string
}

type typingEntry struct {
	projectID    types.ID
	connectionID string
	expiresAt    time.Time
	timer        clockwork.Timer
	generation   uint64
}

// Tracker owns presence and typing state
type Tracker struct {
	config Config
	clock  clockwork.Clock
	out    Broadcaster
	rooms  RoomLookup

	// mu also serializes outbound transitions so peers see them in order
	mu     sync.Mutex
	users  map[string]*userState
	typing map[typingKey]*typingEntry
	seq    uint64
}

// NewTracker creates a tracker. A nil clock uses the wall clock.
func NewTracker(config Config, clock clockwork.Clock, out Broadcaster, rooms RoomLookup) *Tracker {
	if config.GraceWindow <= 0 {
		config.GraceWindow = DefaultGraceWindow
	}
	if config.TypingTimeout <= 0 {
		config.TypingTimeout = DefaultTypingTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		config: config,
		clock:  clock,
		out:    out,
		rooms:  rooms,
		users:  make(map[string]*userState),
		typing: make(map[typingKey]*typingEntry),
	}
}

// ConnectionAuthenticated records a new authenticated connection for userID.
// The first live connection announces the user online unless an offline
// transition was still pending, in which case the pending one is cancelled.
func (t *Tracker) ConnectionAuthenticated(userID string) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.users[userID]
	if !ok {
		state = &userState{rooms: make(map[types.RoomID]struct{})}
		t.users[userID] = state
	}
	state.connections++
	if state.connections != 1 {
		return
	}

	if state.offlineTimer != nil {
		state.offlineTimer.Stop()
		state.offlineTimer = nil
		state.generation++
		slog.Debug("reconnect within grace window", "user_id", userID)
	}
	if state.online {
		return
	}

	state.online = true
	state.lastTransition = t.clock.Now()

	rooms := t.sharedRooms(userID)
	for _, room := range rooms {
		state.rooms[room] = struct{}{}
	}
	if len(rooms) == 0 {
		return
	}
	if err := t.out.Presence(context.Background(), userID, true, rooms); err != nil {
		slog.Warn("failed to broadcast online presence", "user_id", userID, "error", err)
	}
}

// ConnectionDropped records the loss of one authenticated connection. rooms
// are the rooms that connection had joined; they are notified if the user goes
// offline after the grace window.
func (t *Tracker) ConnectionDropped(userID string, rooms []types.RoomID) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.users[userID]
	if !ok || state.connections == 0 {
		return
	}
	for _, room := range rooms {
		if !room.IsPersonal() {
			state.rooms[room] = struct{}{}
		}
	}

	state.connections--
	if state.connections > 0 {
		return
	}

	state.generation++
	generation := state.generation
	state.offlineTimer = t.clock.AfterFunc(t.config.GraceWindow, func() {
		t.expireOnline(userID, generation)
	})
}

func (t *Tracker) expireOnline(userID string, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.users[userID]
	if !ok || state.generation != generation || state.connections > 0 {
		return
	}
	delete(t.users, userID)

	if !state.online {
		return
	}
	rooms := make([]types.RoomID, 0, len(state.rooms))
	for room := range state.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })

	slog.Debug("user offline", "user_id", userID, "rooms", len(rooms))
	if len(rooms) == 0 {
		return
	}
	if err := t.out.Presence(context.Background(), userID, false, rooms); err != nil {
		slog.Warn("failed to broadcast offline presence", "user_id", userID, "error", err)
	}
}

// RoomJoined records that one of the user's connections joined room. The
// first time a room is seen during an online period the user is announced
// there, and the room is remembered for the eventual offline transition.
func (t *Tracker) RoomJoined(userID string, room types.RoomID) {
	if room.IsPersonal() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.users[userID]
	if !ok || !state.online {
		return
	}
	if _, seen := state.rooms[room]; seen {
		return
	}
	state.rooms[room] = struct{}{}
	if err := t.out.Presence(context.Background(), userID, true, []types.RoomID{room}); err != nil {
		slog.Warn("failed to announce presence", "user_id", userID, "room", room, "error", err)
	}
}

func (t *Tracker) sharedRooms(userID string) []types.RoomID {
	if t.rooms == nil {
		return nil
	}
	var rooms []types.RoomID
	for _, room := range t.rooms.RoomsOfUser(userID) {
		if !room.IsPersonal() {
			rooms = append(rooms, room)
		}
	}
	return rooms
}

// Online reports whether the user is currently online
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.users[userID]
	return ok && state.online
}

// OnlineUsers filters userIDs down to those online, sorted
func (t *Tracker) OnlineUsers(userIDs []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	online := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if state, ok := t.users[id]; ok && state.online {
			online = append(online, id)
		}
	}
	sort.Strings(online)
	return online
}

// Status returns the presence view of a user
func (t *Tracker) Status(userID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := Status{UserID: userID}
	if state, ok := t.users[userID]; ok {
		status.Online = state.online
		status.Connections = state.connections
		status.LastTransition = state.lastTransition
	}
	return status
}

// OnlineCount returns the number of users currently online
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, state := range t.users {
		if state.online {
			n++
		}
	}
	return n
}
