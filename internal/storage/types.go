// Package storage persists timezone assignments, guild memberships and the
// nickname audit trail.
//
// Two drivers are supported:
//   - "sqlite": embedded database file (modernc.org/sqlite, no cgo)
//   - "postgres": shared server, schema managed by golang-migrate
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDisabled is returned by a nil store.
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned when a user has no timezone assignment.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
type Config struct {
	Driver      string
	Path        string        // sqlite only
	DSN         string        // postgres only
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Assignment is a user's active timezone.
type Assignment struct {
	UserID     string
	TimezoneID string
	AssignedAt time.Time
}

// AuditEntry records one applied nickname change.
type AuditEntry struct {
	At            time.Time
	RequestID     string
	Source        string // "sweep", "drift", "cli"
	UserID        string
	PartitionID   string
	PartitionName string
	OldName       string
	NewName       string
}

// Directory is the read side used by the reconciler.
type Directory interface {
	// ListInUseTimezones returns the distinct assigned timezones in a stable order.
	ListInUseTimezones(ctx context.Context) ([]string, error)
	ListUsersInTimezone(ctx context.Context, timezoneID string) ([]string, error)
	ListUserPartitions(ctx context.Context, userID string) ([]string, error)
}

// Store is the full persistence API.
type Store interface {
	Directory

	GetTimezone(ctx context.Context, userID string) (Assignment, error)
	SetTimezone(ctx context.Context, userID, timezoneID string) error
	ClearTimezone(ctx context.Context, userID string) error
	AddMembership(ctx context.Context, userID, partitionID string) error
	// DeleteUserData removes the assignment and every membership of userID.
	DeleteUserData(ctx context.Context, userID string) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	// ListAudit returns userID's most recent audit entries, newest first.
	ListAudit(ctx context.Context, userID string, limit int) ([]AuditEntry, error)
	Close() error
}
