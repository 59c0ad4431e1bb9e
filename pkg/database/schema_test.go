package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaValidator_AfterMigrations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, "").ApplyMigrations())

	assert.NoError(t, NewSchemaValidator(db).Validate())
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)

	err := NewSchemaValidator(db).ValidateTablesExist()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_members")
}

func TestSchemaValidator_WrongColumnType(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE project_members (project_id INTEGER, user_id TEXT, added_at DATETIME)`)
	require.NoError(t, err)

	err = NewSchemaValidator(db).ValidateTableStructure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project_id")
}

func TestSchema_CheckConstraintRejectsEmptyIDs(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, "").ApplyMigrations())

	_, err := db.Exec(`INSERT INTO project_members (project_id, user_id) VALUES ('', 'u1')`)
	assert.Error(t, err)
}
