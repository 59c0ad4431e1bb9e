package presence

import (
	"context"
	"log/slog"

	"taskrelay/pkg/types"
)

// SetTyping records a typing signal from connectionID and broadcasts it to the
// task's project room, excluding the sender. A true signal (re)arms the expiry
// timer; a false signal clears the entry. Clearing an entry that does not
// exist is a no-op, so each typing run ends with exactly one stop.
func (t *Tracker) SetTyping(ctx context.Context, connectionID string, projectID, taskID types.ID, userID string, isTyping bool) error {
	key := typingKey{taskID: taskID, userID: userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.typing[key]
	if !isTyping {
		if !exists {
			return nil
		}
		t.clearTyping(key, entry)
		return t.out.Typing(ctx, taskID, userID, false, entry.projectID, connectionID)
	}

	if exists {
		entry.timer.Stop()
	} else {
		entry = &typingEntry{}
		t.typing[key] = entry
	}
	t.seq++
	entry.generation = t.seq
	entry.projectID = projectID
	entry.connectionID = connectionID
	entry.expiresAt = t.clock.Now().Add(t.config.TypingTimeout)

	generation := entry.generation
	entry.timer = t.clock.AfterFunc(t.config.TypingTimeout, func() {
		t.expireTyping(key, generation)
	})

	return t.out.Typing(ctx, taskID, userID, true, projectID, connectionID)
}

func (t *Tracker) expireTyping(key typingKey, generation uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.typing[key]
	if !ok || entry.generation != generation {
		return
	}
	delete(t.typing, key)

	slog.Debug("typing expired", "task_id", key.taskID, "user_id", key.userID)
	if err := t.out.Typing(context.Background(), key.taskID, key.userID, false, entry.projectID, entry.connectionID); err != nil {
		slog.Warn("failed to broadcast typing stop", "task_id", key.taskID, "user_id", key.userID, "error", err)
	}
}

func (t *Tracker) clearTyping(key typingKey, entry *typingEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(t.typing, key)
}

// ConnectionClosed clears every typing entry that connectionID owns and
// broadcasts a stop for each.
func (t *Tracker) ConnectionClosed(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.typing {
		if entry.connectionID != connectionID {
			continue
		}
		t.clearTyping(key, entry)
		if err := t.out.Typing(context.Background(), key.taskID, key.userID, false, entry.projectID, connectionID); err != nil {
			slog.Warn("failed to broadcast typing stop", "task_id", key.taskID, "user_id", key.userID, "error", err)
		}
	}
}

// IsTyping reports whether userID currently has a live typing entry on taskID
func (t *Tracker) IsTyping(taskID types.ID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[typingKey{taskID: taskID, userID: userID}]
	return ok
}

// TypingCount returns the number of live typing entries
func (t *Tracker) TypingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.typing)
}
