package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/auth"
	"taskrelay/internal/hub"
	"taskrelay/internal/presence"
	"taskrelay/internal/rooms"
	"taskrelay/internal/router"
	"taskrelay/internal/testutil"
	"taskrelay/pkg/types"
)

type memberOracle map[string]bool

func (m memberOracle) IsMember(ctx context.Context, userID, projectID string) (bool, error) {
	return m[userID+"/"+projectID], nil
}

type stack struct {
	manager  *Manager
	registry *rooms.Registry
	tracker  *presence.Tracker
	gate     *auth.Gate
	clock    *clockwork.FakeClock
}

func newStack(t *testing.T, limit int) *stack {
	t.Helper()

	registry := rooms.NewRegistry(4)
	h := hub.NewHub(registry, hub.Config{Workers: 2, QueueSize: 256})
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	r := router.NewRouter(h, nil)
	clock := clockwork.NewFakeClock()
	tracker := presence.NewTracker(presence.Config{GraceWindow: 3 * time.Second, TypingTimeout: 5 * time.Second}, clock, r, registry)

	gate, err := auth.NewGate(auth.Config{Secret: "test-secret"}, memberOracle{
		"alice/456": true,
		"bob/456":   true,
		"carol/789": true,
	})
	require.NoError(t, err)

	return &stack{
		manager:  NewManager(gate, registry, tracker, r, router.NewRateLimiter(limit, time.Minute, clock)),
		registry: registry,
		tracker:  tracker,
		gate:     gate,
		clock:    clock,
	}
}

func (s *stack) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.gate.IssueToken(userID, nil, time.Hour)
	require.NoError(t, err)
	return token
}

// open returns a connection that authenticated with a handshake token
func (s *stack) open(t *testing.T, id, userID string) *testutil.FakeConnection {
	t.Helper()
	conn := testutil.NewFakeConnection(id, "")
	identity, err := s.gate.Authenticate(s.token(t, userID))
	require.NoError(t, err)
	require.True(t, conn.SetIdentity(identity))
	require.NoError(t, s.manager.Open(context.Background(), conn))
	return conn
}

func send(t *testing.T, s *stack, conn *testutil.FakeConnection, intent string, data any) error {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": intent, "data": data})
	require.NoError(t, err)
	return s.manager.HandleFrame(context.Background(), conn, raw)
}

func lastError(t *testing.T, conn *testutil.FakeConnection) types.ErrorPayload {
	t.Helper()
	errs := conn.EnvelopesOfType(types.EventError)
	require.NotEmpty(t, errs)
	var payload types.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Data, &payload))
	return payload
}

func TestOpenAnonymousConnection(t *testing.T) {
	s := newStack(t, 0)
	conn := testutil.NewFakeConnection("c1", "")
	require.NoError(t, s.manager.Open(context.Background(), conn))

	connected := conn.EnvelopesOfType(types.EventConnected)
	require.Len(t, connected, 1)
	assert.JSONEq(t, `{"connection_id":"c1"}`, string(connected[0].Data))
	assert.Empty(t, s.registry.RoomsOf("c1"))
}

func TestOpenAuthenticatedConnection(t *testing.T) {
	s := newStack(t, 0)
	conn := s.open(t, "c1", "alice")

	connected := conn.EnvelopesOfType(types.EventConnected)
	require.Len(t, connected, 1)
	assert.JSONEq(t, `{"connection_id":"c1","user_id":"alice"}`, string(connected[0].Data))
	assert.Equal(t, []types.RoomID{"user:alice"}, s.registry.RoomsOf("c1"))
	assert.True(t, s.tracker.Online("alice"))
}

func TestUnauthenticatedJoinIsRejected(t *testing.T) {
	s := newStack(t, 0)
	conn := testutil.NewFakeConnection("c1", "")
	require.NoError(t, s.manager.Open(context.Background(), conn))

	err := send(t, s, conn, types.IntentJoinProject, map[string]any{"project_id": 456})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, "unauthorized", lastError(t, conn).Kind)
	assert.NotContains(t, s.registry.Members(types.ProjectRoom("456")), "c1")
}

func TestAuthenticateIntent(t *testing.T) {
	s := newStack(t, 0)
	conn := testutil.NewFakeConnection("c1", "")
	require.NoError(t, s.manager.Open(context.Background(), conn))

	require.NoError(t, send(t, s, conn, types.IntentAuthenticate, map[string]any{"token": s.token(t, "alice")}))
	assert.Equal(t, "alice", conn.UserID())
	assert.Equal(t, []types.RoomID{"user:alice"}, s.registry.RoomsOf("c1"))

	err := send(t, s, conn, types.IntentAuthenticate, map[string]any{"token": s.token(t, "alice")})
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
}

func TestAuthenticateIntentWithBadToken(t *testing.T) {
	s := newStack(t, 0)
	conn := testutil.NewFakeConnection("c1", "")
	require.NoError(t, s.manager.Open(context.Background(), conn))

	err := send(t, s, conn, types.IntentAuthenticate, map[string]any{"token": "forged"})
	assert.ErrorIs(t, err, types.ErrInvalidToken)
	assert.Equal(t, "invalid_token", lastError(t, conn).Kind)
	assert.False(t, conn.IsAuthenticated())
}

func TestJoinProject(t *testing.T) {
	s := newStack(t, 0)
	bob := s.open(t, "b1", "bob")
	require.NoError(t, send(t, s, bob, types.IntentJoinProject, map[string]any{"project_id": "456"}))

	alice := s.open(t, "a1", "alice")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))

	assert.ElementsMatch(t, []string{"a1", "b1"}, s.registry.Members(types.ProjectRoom("456")))

	ack := alice.EnvelopesOfType(types.EventJoinedProject)
	require.Len(t, ack, 1)
	assert.JSONEq(t, `{"project_id":"456","room":"project:456"}`, string(ack[0].Data))

	snapshot := alice.EnvelopesOfType(types.EventPresenceSnapshot)
	require.Len(t, snapshot, 1)
	assert.JSONEq(t, `{"project_id":"456","online_user_ids":["alice","bob"]}`, string(snapshot[0].Data))

	// bob sees alice appear in the room
	require.Eventually(t, func() bool {
		for _, env := range bob.EnvelopesOfType(types.EventUserPresence) {
			if string(env.Data) == `{"user_id":"alice","online":true}` {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestJoinProjectNotMember(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")

	err := send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": "789"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Empty(t, s.registry.Members(types.ProjectRoom("789")))

	// the connection survives and can still join its own project
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": "456"}))
}

func TestLeaveProject(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": "456"}))
	require.NoError(t, send(t, s, alice, types.IntentLeaveProject, map[string]any{"project_id": "456"}))

	assert.Empty(t, s.registry.Members(types.ProjectRoom("456")))
	assert.Len(t, alice.EnvelopesOfType(types.EventLeftProject), 1)

	// leaving again is a no-op
	require.NoError(t, send(t, s, alice, types.IntentLeaveProject, map[string]any{"project_id": "456"}))
}

// TestTaskStatusUpdateScenario: A joins project:456, B (already joined) updates
// task 123 to done; A receives task_status_changed and other rooms do not.
func TestTaskStatusUpdateScenario(t *testing.T) {
	s := newStack(t, 0)
	bob := s.open(t, "b1", "bob")
	require.NoError(t, send(t, s, bob, types.IntentJoinProject, map[string]any{"project_id": 456}))
	carol := s.open(t, "c1", "carol")
	require.NoError(t, send(t, s, carol, types.IntentJoinProject, map[string]any{"project_id": 789}))
	alice := s.open(t, "a1", "alice")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))

	require.NoError(t, send(t, s, bob, types.IntentTaskStatusUpdate, map[string]any{
		"task_id": 123, "status": "done", "project_id": 456,
	}))

	require.Eventually(t, func() bool {
		return len(alice.EnvelopesOfType(types.EventTaskStatusChanged)) == 1
	}, time.Second, 5*time.Millisecond)

	env := alice.EnvelopesOfType(types.EventTaskStatusChanged)[0]
	var payload types.TaskStatusChangedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, types.ID("123"), payload.TaskID)
	assert.Equal(t, "done", payload.NewStatus)
	assert.Equal(t, types.RoomID("project:456"), env.Room)

	assert.Never(t, func() bool {
		return len(carol.EnvelopesOfType(types.EventTaskStatusChanged)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBroadcastRequiresJoinedProject(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")

	cases := map[string]map[string]any{
		types.IntentTaskStatusUpdate:     {"task_id": 1, "status": "done", "project_id": 456},
		types.IntentTaskAssignmentUpdate: {"task_id": 1, "assignee_id": "bob", "project_id": 456},
		types.IntentNewComment:           {"task_id": 1, "comment": "hi", "project_id": 456},
		types.IntentUserTyping:           {"task_id": 1, "is_typing": true, "project_id": 456},
	}
	for intent, data := range cases {
		t.Run(intent, func(t *testing.T) {
			err := send(t, s, alice, intent, data)
			assert.ErrorIs(t, err, ErrNotInProject)
		})
	}
}

func TestMalformedIntents(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))

	cases := []struct {
		name   string
		intent string
		data   any
		want   error
	}{
		{"unknown", "delete_everything", nil, ErrUnknownIntent},
		{"missing project", types.IntentJoinProject, map[string]any{}, ErrInvalidProjectID},
		{"float project", types.IntentJoinProject, map[string]any{"project_id": 4.5}, types.ErrMalformedIntent},
		{"missing task", types.IntentTaskStatusUpdate, map[string]any{"status": "done", "project_id": 456}, ErrInvalidTaskID},
		{"missing status", types.IntentTaskStatusUpdate, map[string]any{"task_id": 1, "project_id": 456}, ErrMissingStatus},
		{"missing assignee", types.IntentTaskAssignmentUpdate, map[string]any{"task_id": 1, "project_id": 456}, ErrInvalidAssigneeID},
		{"missing comment", types.IntentNewComment, map[string]any{"task_id": 1, "project_id": 456}, ErrMissingComment},
		{"bad data", types.IntentUserTyping, "not an object", types.ErrMalformedIntent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := send(t, s, alice, tc.intent, tc.data)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, "malformed_intent", lastError(t, alice).Kind)
		})
	}

	err := s.manager.HandleFrame(context.Background(), alice, []byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestNewCommentBroadcast(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")
	bob := s.open(t, "b1", "bob")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))
	require.NoError(t, send(t, s, bob, types.IntentJoinProject, map[string]any{"project_id": 456}))

	require.NoError(t, send(t, s, bob, types.IntentNewComment, map[string]any{
		"task_id": "123", "comment": map[string]any{"body": "ship it"}, "project_id": "456",
	}))

	require.Eventually(t, func() bool {
		return len(alice.EnvelopesOfType(types.EventCommentAdded)) == 1
	}, time.Second, 5*time.Millisecond)

	var payload types.CommentAddedPayload
	require.NoError(t, json.Unmarshal(alice.EnvelopesOfType(types.EventCommentAdded)[0].Data, &payload))
	assert.Equal(t, "bob", payload.AuthorID)
	assert.JSONEq(t, `{"body":"ship it"}`, string(payload.Comment))
	assert.False(t, payload.Timestamp.IsZero())
}

func TestTaskAssignmentNotifiesAssignee(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")
	bob := s.open(t, "b1", "bob")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))

	require.NoError(t, send(t, s, alice, types.IntentTaskAssignmentUpdate, map[string]any{
		"task_id": 123, "assignee_id": "bob", "project_id": 456,
	}))

	require.Eventually(t, func() bool {
		return len(bob.EnvelopesOfType(types.EventTaskAssignedToYou)) == 1 &&
			len(alice.EnvelopesOfType(types.EventTaskAssigned)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"task":{"id":"123","project_id":"456"}}`,
		string(bob.EnvelopesOfType(types.EventTaskAssignedToYou)[0].Data))
}

func TestTypingExcludesSenderAndClearsOnClose(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")
	bob := s.open(t, "b1", "bob")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))
	require.NoError(t, send(t, s, bob, types.IntentJoinProject, map[string]any{"project_id": 456}))

	require.NoError(t, send(t, s, bob, types.IntentUserTyping, map[string]any{
		"task_id": 123, "project_id": 456, "is_typing": true,
	}))
	require.Eventually(t, func() bool {
		return len(alice.EnvelopesOfType(types.EventUserTypingStatus)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, bob.EnvelopesOfType(types.EventUserTypingStatus))

	// bob drops without a stop signal
	require.NoError(t, bob.Close())
	s.manager.Close(bob)
	assert.False(t, s.tracker.IsTyping("123", "bob"))

	require.Eventually(t, func() bool {
		typing := alice.EnvelopesOfType(types.EventUserTypingStatus)
		return len(typing) == 2 && string(typing[1].Data) == `{"task_id":"123","user_id":"bob","is_typing":false}`
	}, time.Second, 5*time.Millisecond)
}

// TestOfflineAfterGraceScenario: the sole connection of a user drops and,
// with no reconnect, peers get exactly one offline event.
func TestOfflineAfterGraceScenario(t *testing.T) {
	s := newStack(t, 0)
	alice := s.open(t, "a1", "alice")
	bob := s.open(t, "b1", "bob")
	require.NoError(t, send(t, s, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))
	require.NoError(t, send(t, s, bob, types.IntentJoinProject, map[string]any{"project_id": 456}))

	require.NoError(t, bob.Close())
	s.manager.Close(bob)
	assert.Empty(t, s.registry.RoomsOf("b1"))
	assert.NotContains(t, s.registry.Members(types.ProjectRoom("456")), "b1")

	offline := func() int {
		n := 0
		for _, env := range alice.EnvelopesOfType(types.EventUserPresence) {
			if string(env.Data) == `{"user_id":"bob","online":false}` {
				n++
			}
		}
		return n
	}

	s.clock.Advance(3 * time.Second)
	require.Eventually(t, func() bool { return offline() == 1 }, time.Second, 5*time.Millisecond)
	s.clock.Advance(time.Minute)
	assert.Never(t, func() bool { return offline() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestPing(t *testing.T) {
	s := newStack(t, 0)
	conn := testutil.NewFakeConnection("c1", "")
	require.NoError(t, s.manager.Open(context.Background(), conn))

	require.NoError(t, send(t, s, conn, types.IntentPing, map[string]any{"timestamp": 1700000000}))
	pongs := conn.EnvelopesOfType(types.EventPong)
	require.Len(t, pongs, 1)
	assert.JSONEq(t, `{"timestamp":1700000000}`, string(pongs[0].Data))

	require.NoError(t, send(t, s, conn, types.IntentPing, nil))
	assert.Len(t, conn.EnvelopesOfType(types.EventPong), 2)
}

func TestRateLimitedIntents(t *testing.T) {
	s := newStack(t, 3)
	alice := s.open(t, "a1", "alice")

	for i := 0; i < 3; i++ {
		require.NoError(t, send(t, s, alice, types.IntentPing, nil), fmt.Sprint(i))
	}
	err := send(t, s, alice, types.IntentPing, nil)
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, "rate_limited", lastError(t, alice).Kind)

	s.clock.Advance(time.Minute)
	assert.NoError(t, send(t, s, alice, types.IntentPing, nil))
}

func TestCloseAnonymousConnection(t *testing.T) {
	s := newStack(t, 0)
	conn := testutil.NewFakeConnection("c1", "")
	require.NoError(t, s.manager.Open(context.Background(), conn))
	s.manager.Close(conn)

	_, ok := s.registry.Connection("c1")
	assert.False(t, ok)
}
