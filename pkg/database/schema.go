package database

import (
	"database/sql"
	"fmt"
	"sort"
)

// Tables, columns and indexes the session directory relies on
var (
	requiredColumns = map[string]map[string]string{
		"sessions": {
			"id":         "TEXT",
			"name":       "TEXT",
			"owner_id":   "TEXT",
			"status":     "TEXT",
			"created_at": "DATETIME",
			"ended_at":   "DATETIME",
		},
		"host_grants": {
			"session_id": "TEXT",
			"token_hash": "TEXT",
			"expires_at": "DATETIME",
			"created_at": "DATETIME",
		},
		"messages": {
			"id":         "TEXT",
			"session_id": "TEXT",
			"from_user":  "TEXT",
			"text":       "TEXT",
			"timestamp":  "DATETIME",
		},
		"schema_migrations": {
			"version":    "TEXT",
			"applied_at": "DATETIME",
		},
	}

	requiredIndexes = []string{
		"idx_sessions_status",
		"idx_sessions_owner",
		"idx_host_grants_expiry",
		"idx_messages_session_time",
	}
)

// SchemaValidator checks a migrated database before the service uses it
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every structural check
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTableStructure verifies that every required table exists with the
// expected column types
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
		if err := v.validateColumns(table, requiredColumns[table]); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
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
			name         string
			dataType     string
			notNull      int
			defaultValue interface{}
			pk           int
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		found[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, wantType := range expected {
		gotType, ok := found[column]
		if !ok {
			return fmt.Errorf("column %s not found", column)
		}
		if gotType != wantType {
			return fmt.Errorf("column %s has type %s, expected %s", column, gotType, wantType)
		}
	}
	return nil
}
