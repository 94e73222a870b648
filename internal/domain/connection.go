package domain

import "time"

// SharedConnectionConfig is a named, reusable set of connection
// credentials that PgSQLConfig/MySQLConfig reference by ID instead
// of inlining. DeletedAt marks a soft delete: existing jobs referencing
// a deleted connection fail snapshot construction with
// ErrConnConfigDeleted rather than silently losing their credentials.
type SharedConnectionConfig struct {
	ID             string
	Name           string
	Kind           RunnerKind
	Host           string
	Port           int
	Username       string
	PasswordSecret string
	Database       string
	CreatedAt      time.Time
	DeletedAt      *time.Time
}
