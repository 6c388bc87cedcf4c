// Package audit carries applied nickname changes to the log and the audit
// table without ever blocking the code that made the change.
package audit

import (
	"context"
	"time"

	"tzbot/internal/eventbus"
	"tzbot/internal/storage"
	logx "tzbot/pkg/logx"
)

// Sink publishes audit entries on the bus. The zero value drops everything.
type Sink struct {
	Bus eventbus.Bus
}

// Record publishes e. It never blocks and never fails.
func (s Sink) Record(e storage.AuditEntry) {
	if s.Bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.Bus.Publish(eventbus.Event{Type: eventbus.TypeNicknameUpdated, Time: e.At, Data: e})
}

// Appender persists entries.
type Appender interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Recorder drains audit events into the log and, when set, the store.
type Recorder struct {
	Bus     eventbus.Bus
	Store   Appender
	Log     logx.Logger
	Timeout time.Duration
}

// Run consumes events until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.Bus.Subscribe(256, eventbus.TypeNicknameUpdated)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e, ok := ev.Data.(storage.AuditEntry)
			if !ok {
				continue
			}
			r.write(ctx, e)
		}
	}
}

func (r *Recorder) write(ctx context.Context, e storage.AuditEntry) {
	r.Log.Info("nickname updated",
		logx.String("source", e.Source),
		logx.String("request_id", e.RequestID),
		logx.String("user", e.UserID),
		logx.String("guild", e.PartitionID),
		logx.String("guild_name", e.PartitionName),
		logx.String("old", e.OldName),
		logx.String("new", e.NewName),
	)
	if r.Store == nil {
		return
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.Store.AppendAudit(wctx, e); err != nil {
		r.Log.Warn("audit append failed", logx.String("user", e.UserID), logx.Err(err))
	}
}

// Direct writes entries synchronously. One-shot tools use it since they
// exit before a Recorder would drain the bus.
type Direct struct {
	Store   Appender
	Log     logx.Logger
	Timeout time.Duration
}

func (d Direct) Record(e storage.AuditEntry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r := Recorder{Store: d.Store, Log: d.Log, Timeout: d.Timeout}
	r.write(context.Background(), e)
}
