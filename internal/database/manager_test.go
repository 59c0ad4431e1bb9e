package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/pkg/database"
	"taskrelay/pkg/interfaces"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := &database.Config{
		DatabasePath:    filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 30,
	}

	manager, err := NewManager(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	require.NoError(t, manager.Migrate())
	return manager
}

func TestManager_NewManagerRejectsInvalidConfig(t *testing.T) {
	_, err := NewManager(&database.Config{})
	assert.Error(t, err)
}

func TestManager_MigrateValidatesSchema(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_members.sql"), []byte(`
CREATE TABLE project_members (project_id TEXT, user_id TEXT, added_at TEXT);
CREATE INDEX idx_project_members_user ON project_members (user_id);`), 0o644))

	manager, err := NewManager(&database.Config{
		DatabasePath:    filepath.Join(t.TempDir(), "drift.db"),
		MigrationsPath:  dir,
		MaxConnections:  2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	err = manager.Migrate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
	assert.Contains(t, err.Error(), "added_at")
}

func TestManager_MembershipLifecycle(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	ok, err := manager.IsMember(ctx, "alice", "456")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, manager.AddMember(ctx, "456", "alice"))
	require.NoError(t, manager.AddMember(ctx, "456", "alice"), "duplicate add is a no-op")
	require.NoError(t, manager.AddMember(ctx, "789", "alice"))
	require.NoError(t, manager.AddMember(ctx, "456", "bob"))

	ok, err = manager.IsMember(ctx, "alice", "456")
	require.NoError(t, err)
	assert.True(t, ok)

	projects, err := manager.ListProjects(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"456", "789"}, projects)

	members, err := manager.ListMembers(ctx, "456")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, manager.RemoveMember(ctx, "456", "alice"))
	require.NoError(t, manager.RemoveMember(ctx, "456", "alice"), "removing twice is a no-op")

	ok, err = manager.IsMember(ctx, "alice", "456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_ConcurrentWritesAreSerialized(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.AddMember(ctx, "p1", fmt.Sprintf("user%02d", i)))
		}(i)
	}
	wg.Wait()

	members, err := manager.ListMembers(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, members, 50)
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)
	assert.NoError(t, manager.HealthCheck(context.Background()))
}

func TestManager_WritesAfterCloseFail(t *testing.T) {
	manager := setupTestDB(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "close is idempotent")

	err := manager.AddMember(context.Background(), "p1", "u1")
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, err, interfaces.ErrClosed)
}

func TestManager_CancelledContext(t *testing.T) {
	manager := setupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.AddMember(ctx, "p1", "u1")
	assert.Error(t, err)
}
