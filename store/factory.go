package store

import (
	"fmt"
	"strings"
)

// DefaultDSN is the SQLite file used when no DSN is configured.
const DefaultDSN = "data/ragstream.db"

// NewRunStore creates a run store based on the DSN.
// - Empty DSN: SQLite at data/ragstream.db
// - postgres:// or postgresql://: PostgreSQL
// - Anything else: SQLite at the specified path
func NewRunStore(dsn string) (RunStore, error) {
	if dsn == "" {
		return NewSQLiteStore(DefaultDSN)
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		s, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	}

	return NewSQLiteStore(dsn)
}
