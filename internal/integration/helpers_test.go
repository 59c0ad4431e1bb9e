// Package integration runs several server instances in one process and
// checks that rooms spanning them behave like one room.
package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/auth"
	"taskrelay/internal/database"
	"taskrelay/internal/hub"
	"taskrelay/internal/presence"
	"taskrelay/internal/rooms"
	"taskrelay/internal/router"
	"taskrelay/internal/session"
	"taskrelay/internal/testutil"
	pkgdatabase "taskrelay/pkg/database"
	"taskrelay/pkg/interfaces"
	"taskrelay/pkg/types"
)

const testSecret = "integration-secret"

// InitializeTestDatabase opens a migrated membership replica in a temp dir
func InitializeTestDatabase(t *testing.T) *database.Manager {
	t.Helper()
	config := pkgdatabase.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "members.db")

	manager, err := database.NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	require.NoError(t, manager.Migrate())
	return manager
}

// memoryBus stands in for NATS: every broadcast reaches every other relay
type memoryBus struct {
	mu     sync.RWMutex
	relays []*memoryRelay
}

type memoryRelay struct {
	bus *memoryBus
	id  string

	mu      sync.Mutex
	deliver func(types.RoomID, []byte, string)
}

var _ interfaces.Relay = (*memoryRelay)(nil)

func (b *memoryBus) join() *memoryRelay {
	r := &memoryRelay{bus: b, id: uuid.NewString()}
	b.mu.Lock()
	b.relays = append(b.relays, r)
	b.mu.Unlock()
	return r
}

func (r *memoryRelay) Broadcast(ctx context.Context, room types.RoomID, frame []byte, exclude string) error {
	r.bus.mu.RLock()
	defer r.bus.mu.RUnlock()
	for _, peer := range r.bus.relays {
		if peer.id == r.id {
			continue
		}
		peer.mu.Lock()
		deliver := peer.deliver
		peer.mu.Unlock()
		if deliver != nil {
			deliver(room, append([]byte(nil), frame...), exclude)
		}
	}
	return nil
}

func (r *memoryRelay) Subscribe(deliver func(types.RoomID, []byte, string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliver = deliver
	return nil
}

func (r *memoryRelay) Close() error {
	return r.Subscribe(nil)
}

// instance is one server process minus the socket layer
type instance struct {
	registry *rooms.Registry
	router   *router.Router
	tracker  *presence.Tracker
	sessions *session.Manager
	gate     *auth.Gate
}

func newInstance(t *testing.T, bus *memoryBus, oracle interfaces.AuthorizationOracle, clock clockwork.Clock) *instance {
	t.Helper()

	registry := rooms.NewRegistry(8)
	h := hub.NewHub(registry, hub.Config{Workers: 2, QueueSize: 256})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	r := router.NewRouter(h, nil)
	require.NoError(t, r.AttachRelay(bus.join()))

	tracker := presence.NewTracker(presence.Config{GraceWindow: 3 * time.Second, TypingTimeout: 5 * time.Second}, clock, r, registry)
	gate, err := auth.NewGate(auth.Config{Secret: testSecret}, oracle)
	require.NoError(t, err)

	return &instance{
		registry: registry,
		router:   r,
		tracker:  tracker,
		sessions: session.NewManager(gate, registry, tracker, r, nil),
		gate:     gate,
	}
}

func (in *instance) connect(t *testing.T, id, userID string) *testutil.FakeConnection {
	t.Helper()
	token, err := in.gate.IssueToken(userID, nil, time.Hour)
	require.NoError(t, err)
	identity, err := in.gate.Authenticate(token)
	require.NoError(t, err)

	conn := testutil.NewFakeConnection(id, "")
	require.True(t, conn.SetIdentity(identity))
	require.NoError(t, in.sessions.Open(context.Background(), conn))
	return conn
}

func (in *instance) send(t *testing.T, conn *testutil.FakeConnection, intent string, data any) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": intent, "data": data})
	require.NoError(t, err)
	return in.sessions.HandleFrame(context.Background(), conn, raw)
}

func countOf(conn *testutil.FakeConnection, eventType string) func() int {
	return func() int { return len(conn.EnvelopesOfType(eventType)) }
}
