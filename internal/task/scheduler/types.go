package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("scheduler closed")
	// ErrBusy is returned by Sweep when another sweep is in flight and overlap is not allowed.
	ErrBusy = errors.New("sweep already in progress")
)

// DefaultSpec fires at minute zero of every hour.
const DefaultSpec = "0 * * * *"

// Config controls the reconciliation scheduler.
type Config struct {
	Enabled bool
	// Spec is a cron expression, "@hourly", or an interval such as "1h" or "01:00".
	// Intervals are aligned to multiples of the interval in Timezone.
	Spec string
	// Timezone the schedule is evaluated in. Defaults to UTC.
	Timezone string
	// AllowOverlap lets a tick start while the previous sweep is still running.
	AllowOverlap bool
	// SweepTimeout bounds one sweep; 0 means no limit.
	SweepTimeout time.Duration
}

// State is the lifecycle state reported by Status.
type State string

const (
	StateIdle    State = "idle"
	StateArmed   State = "armed"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Directory is the read side the sweep needs.
type Directory interface {
	ListInUseTimezones(ctx context.Context) ([]string, error)
	ListUsersInTimezone(ctx context.Context, timezoneID string) ([]string, error)
}

// Detector classifies a timezone.
type Detector interface {
	HasJustTransitioned(timezoneID string) bool
}

// Updater applies one user's timezone to every guild.
type Updater interface {
	ApplyTimezoneChange(ctx context.Context, userID, timezoneID string) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	ID           string        `json:"id"`
	Started      time.Time     `json:"started"`
	Finished     time.Time     `json:"finished"`
	Took         time.Duration `json:"took"`
	Zones        int           `json:"zones"`
	Transitioned []string      `json:"transitioned,omitempty"`
	// UsersProcessed counts users pushed through the updater.
	UsersProcessed int `json:"users_processed"`
	// UsersUpdated counts users with at least one nickname changed.
	UsersUpdated int `json:"users_updated"`
	// NicknamesUpdated sums updated guilds over all users.
	NicknamesUpdated int    `json:"nicknames_updated"`
	Failures         int    `json:"failures"`
	Error            string `json:"error,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Running    bool      `json:"running"`
	State      State     `json:"state"`
	Spec       string    `json:"spec"`
	Timezone   string    `json:"timezone"`
	Next       time.Time `json:"next,omitempty"`
	NextCheck  string    `json:"next_check"`
	InFlight   int       `json:"in_flight"`
	LastReport *Report   `json:"last_report,omitempty"`
}

// runState counts in-flight sweeps.
type runState struct {
	mu       sync.Mutex
	inflight int
}

// tryAcquire takes the slot only when no sweep is running.
func (s *runState) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) acquire() {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()
}

func (s *runState) release() {
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}
