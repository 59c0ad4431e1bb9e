package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/pkg/types"
)

type cluster struct {
	a, b  *instance
	clock *clockwork.FakeClock
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	store := InitializeTestDatabase(t)
	ctx := context.Background()
	require.NoError(t, store.AddMember(ctx, "456", "alice"))
	require.NoError(t, store.AddMember(ctx, "456", "bob"))
	require.NoError(t, store.AddMember(ctx, "789", "carol"))

	bus := &memoryBus{}
	clock := clockwork.NewFakeClock()
	return &cluster{
		a:     newInstance(t, bus, store, clock),
		b:     newInstance(t, bus, store, clock),
		clock: clock,
	}
}

func eventually(t *testing.T, count func() int, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return count() == want }, time.Second, 5*time.Millisecond)
}

// TestStatusUpdateCrossesInstances tests the task status scenario with peers split over two instances
func TestStatusUpdateCrossesInstances(t *testing.T) {
	c := newCluster(t)

	alice := c.a.connect(t, "a1", "alice")
	bob := c.b.connect(t, "b1", "bob")
	carol := c.b.connect(t, "c1", "carol")
	require.NoError(t, c.a.send(t, alice, types.IntentJoinProject, map[string]any{"project_id": 456}))
	require.NoError(t, c.b.send(t, bob, types.IntentJoinProject, map[string]any{"project_id": "456"}))
	require.NoError(t, c.b.send(t, carol, types.IntentJoinProject, map[string]any{"project_id": "789"}))

	require.NoError(t, c.a.send(t, alice, types.IntentTaskStatusUpdate,
		map[string]any{"task_id": 123, "status": "done", "project_id": 456}))

	eventually(t, countOf(bob, types.EventTaskStatusChanged), 1)
	eventually(t, countOf(alice, types.EventTaskStatusChanged), 1)

	var payload types.TaskStatusChangedPayload
	require.NoError(t, json.Unmarshal(bob.EnvelopesOfType(types.EventTaskStatusChanged)[0].Data, &payload))
	assert.Equal(t, types.ID("123"), payload.TaskID)
	assert.Equal(t, "done", payload.NewStatus)

	// no echo back through the relay and nothing leaks into other projects
	assert.Never(t, func() bool {
		return countOf(alice, types.EventTaskStatusChanged)() > 1 ||
			countOf(carol, types.EventTaskStatusChanged)() > 0
	}, 100*time.Millisecond, 10*time.Millisecond)
}

func TestProducerEventOnOneInstanceReachesAll(t *testing.T) {
	c := newCluster(t)

	alice := c.a.connect(t, "a1", "alice")
	bob := c.b.connect(t, "b1", "bob")
	require.NoError(t, c.a.send(t, alice, types.IntentJoinProject, map[string]any{"project_id": "456"}))
	require.NoError(t, c.b.send(t, bob, types.IntentJoinProject, map[string]any{"project_id": "456"}))

	require.NoError(t, c.b.router.TaskUpdated(context.Background(), "77", map[string]string{"title": "ship"}, "456", "ops"))
	require.NoError(t, c.b.router.DueDateReminder(context.Background(), map[string]string{"id": "77"}, "alice"))

	eventually(t, countOf(alice, types.EventTaskUpdated), 1)
	eventually(t, countOf(bob, types.EventTaskUpdated), 1)
	eventually(t, countOf(alice, types.EventDueDateReminder), 1)
	assert.Empty(t, bob.EnvelopesOfType(types.EventDueDateReminder))
}

func TestTypingExclusionAcrossInstances(t *testing.T) {
	c := newCluster(t)

	alice := c.a.connect(t, "a1", "alice")
	bob := c.b.connect(t, "b1", "bob")
	require.NoError(t, c.a.send(t, alice, types.IntentJoinProject, map[string]any{"project_id": "456"}))
	require.NoError(t, c.b.send(t, bob, types.IntentJoinProject, map[string]any{"project_id": "456"}))

	require.NoError(t, c.a.send(t, alice, types.IntentUserTyping,
		map[string]any{"task_id": "9", "project_id": "456", "is_typing": true}))

	eventually(t, countOf(bob, types.EventUserTypingStatus), 1)
	assert.Never(t, func() bool { return countOf(alice, types.EventUserTypingStatus)() > 0 },
		50*time.Millisecond, 5*time.Millisecond)
}

func TestMembershipReplicaGatesJoins(t *testing.T) {
	c := newCluster(t)

	carol := c.a.connect(t, "c1", "carol")
	err := c.a.send(t, carol, types.IntentJoinProject, map[string]any{"project_id": "456"})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, []types.RoomID{types.UserRoom("carol")}, c.a.registry.RoomsOfUser("carol"))
}
