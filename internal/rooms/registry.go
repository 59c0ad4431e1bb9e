package rooms

import (
	"hash/fnv"
	"sort"
	"sync"

	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

// DefaultShards is the number of room shards when none is configured
const DefaultShards = 32

// Registry maps rooms to member connections and connections to joined rooms.
// Both directions change together: a connection's entry lock is taken first,
// then the shard lock of the room being mutated.
type Registry struct {
	shards []*shard

	mu          sync.RWMutex
	connections map[string]*entry
}

type shard struct {
	mu    sync.RWMutex
	rooms map[types.RoomID]map[string]interfaces.Connection
}

type entry struct {
	mu      sync.Mutex
	conn    interfaces.Connection
	rooms   map[types.RoomID]struct{}
	dropped bool
}

// Stats is a point-in-time view of registry size
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
	Memberships int `json:"memberships"`
}

// NewRegistry creates a registry with the given number of shards
func NewRegistry(shards int) *Registry {
	if shards <= 0 {
		shards = DefaultShards
	}
	r := &Registry{
		shards:      make([]*shard, shards),
		connections: make(map[string]*entry),
	}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[types.RoomID]map[string]interfaces.Connection)}
	}
	return r
}

func (r *Registry) shardFor(room types.RoomID) *shard {
	h := fnv.New32a()
	h.Write([]byte(room))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) entryFor(connectionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.connections[connectionID]
	return e, ok
}

// Register makes a connection eligible for joins
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrConnectionExists
	}
	r.connections[conn.ID()] = &entry{
		conn:  conn,
		rooms: make(map[types.RoomID]struct{}),
	}
	return nil
}

// Join adds the connection to a room, creating the room on first join.
// Joining a room the connection is already in is a no-op.
func (r *Registry) Join(connectionID string, room types.RoomID) error {
	if room == "" {
		return ErrEmptyRoom
	}
	e, ok := r.entryFor(connectionID)
	if !ok {
		return ErrConnectionNotRegistered
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dropped {
		return ErrConnectionNotRegistered
	}
	if _, joined := e.rooms[room]; joined {
		return nil
	}

	s := r.shardFor(room)
	s.mu.Lock()
	members, exists := s.rooms[room]
	if !exists {
		members = make(map[string]interfaces.Connection)
		s.rooms[room] = members
	}
	members[connectionID] = e.conn
	s.mu.Unlock()

	e.rooms[room] = struct{}{}
	return nil
}

// Leave removes the connection from a room. Leaving a room the connection
// is not in is a no-op. Empty rooms are removed.
func (r *Registry) Leave(connectionID string, room types.RoomID) error {
	e, ok := r.entryFor(connectionID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, joined := e.rooms[room]; !joined {
		return nil
	}
	r.removeMember(room, connectionID)
	delete(e.rooms, room)
	return nil
}

func (r *Registry) removeMember(room types.RoomID, connectionID string) {
	s := r.shardFor(room)
	s.mu.Lock()
	defer s.mu.Unlock()

	members, exists := s.rooms[room]
	if !exists {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
}

// DropConnection removes the connection from every room and forgets it.
// It returns the rooms the connection was in; dropping twice returns nil.
func (r *Registry) DropConnection(connectionID string) []types.RoomID {
	r.mu.Lock()
	e, ok := r.connections[connectionID]
	delete(r.connections, connectionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = true

	rooms := make([]types.RoomID, 0, len(e.rooms))
	for room := range e.rooms {
		r.removeMember(room, connectionID)
		rooms = append(rooms, room)
	}
	e.rooms = make(map[types.RoomID]struct{})

	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Members returns the connection ids in a room
func (r *Registry) Members(room types.RoomID) []string {
	s := r.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connections returns a snapshot of the connections in a room. The snapshot
// is safe to iterate while other goroutines join and leave.
func (r *Registry) Connections(room types.RoomID) []interfaces.Connection {
	s := r.shardFor(room)
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.rooms[room]
	conns := make([]interfaces.Connection, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	return conns
}

// RoomsOf returns the rooms a connection has joined
func (r *Registry) RoomsOf(connectionID string) []types.RoomID {
	e, ok := r.entryFor(connectionID)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rooms := make([]types.RoomID, 0, len(e.rooms))
	for room := range e.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// RoomsOfUser returns the union of rooms joined by every live connection of a user
func (r *Registry) RoomsOfUser(userID string) []types.RoomID {
	r.mu.RLock()
	entries := make([]*entry, 0)
	for _, e := range r.connections {
		if e.conn.UserID() == userID {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	seen := make(map[types.RoomID]struct{})
	for _, e := range entries {
		e.mu.Lock()
		for room := range e.rooms {
			seen[room] = struct{}{}
		}
		e.mu.Unlock()
	}

	rooms := make([]types.RoomID, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Connection looks up a registered connection
func (r *Registry) Connection(connectionID string) (interfaces.Connection, bool) {
	e, ok := r.entryFor(connectionID)
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// All snapshots every registered connection
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interfaces.Connection, 0, len(r.connections))
	for _, e := range r.connections {
		out = append(out, e.conn)
	}
	return out
}

// UsersIn returns the distinct authenticated user ids present in a room
func (r *Registry) UsersIn(room types.RoomID) []string {
	seen := make(map[string]struct{})
	for _, conn := range r.Connections(room) {
		if conn.IsAuthenticated() && conn.UserID() != "" {
			seen[conn.UserID()] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for user := range seen {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Stats counts connections, rooms and memberships
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	stats := Stats{Connections: len(r.connections)}
	r.mu.RUnlock()

	for _, s := range r.shards {
		s.mu.RLock()
		stats.Rooms += len(s.rooms)
		for _, members := range s.rooms {
			stats.Memberships += len(members)
		}
		s.mu.RUnlock()
	}
	return stats
}
