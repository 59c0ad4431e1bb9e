package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stops(out *recorder) int {
	n := 0
	for _, c := range out.typingCalls() {
		if !c.isTyping {
			n++
		}
	}
	return n
}

func TestSetTypingBroadcastsExcludingSender(t *testing.T) {
	tracker, out, _ := newTestTracker(nil)

	require.NoError(t, tracker.SetTyping(context.Background(), "c1", "456", "123", "u1", true))

	calls := out.typingCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, typingCall{"123", "u1", true, "456", "c1"}, calls[0])
	assert.True(t, tracker.IsTyping("123", "u1"))
}

func TestTypingExpiresExactlyOnce(t *testing.T) {
	tracker, out, clock := newTestTracker(nil)

	require.NoError(t, tracker.SetTyping(context.Background(), "c1", "456", "123", "u1", true))
	clock.Advance(5 * time.Second)

	require.Eventually(t, func() bool { return stops(out) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, tracker.IsTyping("123", "u1"))

	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return stops(out) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTypingRefreshExtendsExpiry(t *testing.T) {
	tracker, out, clock := newTestTracker(nil)
	ctx := context.Background()

	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", true))
	clock.Advance(4 * time.Second)
	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", true))
	clock.Advance(4 * time.Second)

	assert.Never(t, func() bool { return stops(out) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.True(t, tracker.IsTyping("123", "u1"))

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return stops(out) == 1 }, time.Second, 5*time.Millisecond)
}

func TestExplicitStopCancelsExpiry(t *testing.T) {
	tracker, out, clock := newTestTracker(nil)
	ctx := context.Background()

	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", true))
	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", false))
	assert.Equal(t, 1, stops(out))

	// a second stop and the old timer are both silent
	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", false))
	clock.Advance(time.Minute)
	assert.Never(t, func() bool { return stops(out) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Zero(t, tracker.TypingCount())
}

func TestConnectionClosedClearsOwnedEntries(t *testing.T) {
	tracker, out, clock := newTestTracker(nil)
	ctx := context.Background()

	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", true))
	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "124", "u1", true))
	require.NoError(t, tracker.SetTyping(ctx, "c2", "456", "123", "u2", true))

	tracker.ConnectionClosed("c1")
	assert.Equal(t, 2, stops(out))
	assert.False(t, tracker.IsTyping("123", "u1"))
	assert.True(t, tracker.IsTyping("123", "u2"))

	// expiry of the cleared entries stays silent; u2 still expires
	clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool { return stops(out) == 3 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return stops(out) > 3 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestTypingEntriesAreIndependent(t *testing.T) {
	tracker, _, _ := newTestTracker(nil)
	ctx := context.Background()

	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "123", "u1", true))
	require.NoError(t, tracker.SetTyping(ctx, "c2", "456", "123", "u2", true))
	require.NoError(t, tracker.SetTyping(ctx, "c1", "456", "999", "u1", true))

	assert.Equal(t, 3, tracker.TypingCount())
}
