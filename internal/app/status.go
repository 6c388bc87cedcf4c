package app

import (
	"time"

	"tzbot/internal/runtime/supervisor"
	"tzbot/internal/task/scheduler"
)

// Status is served at /fleet/v1/status.
type Status struct {
	Role       string             `json:"role"`
	Shards     []string           `json:"shards"`
	StartedAt  time.Time          `json:"started_at"`
	Uptime     string             `json:"uptime"`
	Scheduler  *scheduler.Status  `json:"scheduler,omitempty"`
	Goroutines []supervisor.Stats `json:"goroutines,omitempty"`
	// EventsDropped counts bus events lost to slow subscribers.
	EventsDropped uint64 `json:"events_dropped"`
}

func (a *App) Status() Status {
	st := Status{
		Role:          a.role,
		StartedAt:     a.startedAt,
		EventsDropped: a.bus.Dropped(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	for _, hs := range a.shards {
		st.Shards = append(st.Shards, hs.worker.ID)
	}
	if a.sched != nil {
		s := a.sched.Status()
		st.Scheduler = &s
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	return st
}
