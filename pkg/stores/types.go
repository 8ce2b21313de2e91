package stores

import (
	"fmt"
	"time"
)

// Dialect selects the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Validate checks if the dialect is supported.
func (d Dialect) Validate() error {
	switch d {
	case DialectSQLite, DialectPostgres:
		return nil
	default:
		return fmt.Errorf("unsupported database dialect: %s", d)
	}
}

// driverName returns the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Config holds SQL store configuration.
type Config struct {
	// Dialect is sqlite or postgres.
	Dialect Dialect `mapstructure:"dialect" validate:"required,oneof=sqlite postgres"`

	// DSN is a file path (or ":memory:") for sqlite and a connection URL for postgres.
	DSN string `mapstructure:"dsn" validate:"required"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Event level values stored with events.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventFilter narrows ListEvents.
type EventFilter struct {
	JobID      string
	WorkflowID string
	ResourceID string
	Limit      int
}
