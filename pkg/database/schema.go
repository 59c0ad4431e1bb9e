package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that the membership schema matches what the store expects
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range []string{"project_members", "schema_migrations"} {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies column names and declared types
func (v *SchemaValidator) ValidateTableStructure() error {
	columns := map[string]string{
		"project_id": "TEXT",
		"user_id":    "TEXT",
		"added_at":   "DATETIME",
	}
	if err := v.validateColumns("project_members", columns); err != nil {
		return fmt.Errorf("project_members table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies the per-user lookup index
func (v *SchemaValidator) ValidateIndexes() error {
	exists, err := v.objectExists("index", "idx_project_members_user")
	if err != nil {
		return fmt.Errorf("error checking index idx_project_members_user: %w", err)
	}
	if !exists {
		return fmt.Errorf("required index idx_project_members_user does not exist")
	}
	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]string)
	for rows.Next() {
		var (
			cid          int
			name, kind   string
			notNull, pk  int
			defaultValue interface{}
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = kind
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, kind := range expected {
		got, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if got != kind {
			return fmt.Errorf("column %s has type %s, expected %s", column, got, kind)
		}
	}
	return nil
}
