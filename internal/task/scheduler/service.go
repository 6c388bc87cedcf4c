package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tzbot/internal/eventbus"
	"tzbot/internal/metrics"
	logx "tzbot/pkg/logx"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Service owns the sweep timer.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	bus     eventbus.Bus
	metrics metrics.Recorder

	dir Directory
	det Detector
	upd Updater
	now func() time.Time

	c      *cron.Cron
	entry  cron.EntryID
	loc    *time.Location
	runCtx context.Context
	closed bool

	run  runState
	wg   sync.WaitGroup
	last *Report
}

// Deps are the collaborators of a Service.
type Deps struct {
	Directory Directory
	Detector  Detector
	Updater   Updater
	Bus       eventbus.Bus
	Metrics   metrics.Recorder
	// Now defaults to time.Now.
	Now func() time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Service{
		cfg:     normalize(cfg),
		log:     log,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		dir:     deps.Directory,
		det:     deps.Detector,
		upd:     deps.Updater,
		now:     deps.Now,
	}
}

func normalize(cfg Config) Config {
	if strings.TrimSpace(cfg.Spec) == "" {
		cfg.Spec = DefaultSpec
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = "UTC"
	}
	return cfg
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start arms the schedule. Sweeps run under ctx; Stop does not cancel it.
// Starting an armed scheduler is a no-op and returns false.
func (s *Service) Start(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.c != nil {
		s.log.Info("scheduler already running")
		return false, nil
	}
	if err := s.armLocked(ctx); err != nil {
		return false, err
	}
	next := s.c.Entry(s.entry).Next
	s.log.Info("scheduler started",
		logx.String("spec", s.cfg.Spec),
		logx.String("tz", s.loc.String()),
		logx.String("next", describeNext(next, s.now())),
		logx.Time("next_at", next),
	)
	return true, nil
}

func (s *Service) armLocked(ctx context.Context) error {
	sched, err := ParseHourly(s.cfg.Spec)
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		return fmt.Errorf("scheduler timezone %q: %w", s.cfg.Timezone, err)
	}

	s.runCtx = ctx
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	s.entry = s.c.Schedule(sched, cron.FuncJob(s.tick))
	s.c.Start()
	return nil
}

// Stop disarms the schedule and returns to idle. A running sweep finishes on
// its own. Stop is idempotent.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()

	if c == nil {
		return
	}
	// Not waiting on the returned context: that would block on an in-flight sweep.
	_ = c.Stop()
	s.log.Info("scheduler stopped", logx.Int("in_flight", s.run.count()))
}

// Close stops the scheduler permanently and waits for in-flight sweeps until
// ctx is done.
func (s *Service) Close(ctx context.Context) error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps the configuration. A running schedule is re-armed when the
// spec or timezone changed.
func (s *Service) Apply(cfg Config) error {
	cfg = normalize(cfg)
	if _, err := ParseHourly(cfg.Spec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cfg
	s.cfg = cfg
	if s.c == nil || (prev.Spec == cfg.Spec && prev.Timezone == cfg.Timezone) {
		return nil
	}
	old := s.c
	if err := s.armLocked(s.runCtx); err != nil {
		// The previous schedule keeps running.
		s.cfg = prev
		return err
	}
	_ = old.Stop()
	s.log.Info("scheduler re-armed", logx.String("spec", cfg.Spec), logx.String("tz", cfg.Timezone))
	return nil
}

// Status reports the lifecycle state and the next check.
func (s *Service) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:  s.c != nil,
		Spec:     s.cfg.Spec,
		Timezone: s.cfg.Timezone,
	}
	if s.c != nil {
		st.Next = s.c.Entry(s.entry).Next
	}
	if s.last != nil {
		r := *s.last
		st.LastReport = &r
	}
	closed := s.closed
	s.mu.Unlock()

	st.InFlight = s.run.count()
	switch {
	case closed:
		st.State = StateStopped
	case st.InFlight > 0:
		st.State = StateRunning
	case st.Running:
		st.State = StateArmed
	default:
		st.State = StateIdle
	}
	st.NextCheck = describeNext(st.Next, s.now())
	return st
}

func (s *Service) tick() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.Sweep(ctx); errors.Is(err, ErrBusy) {
		s.log.Warn("previous sweep still running; tick skipped")
		s.metrics.RecordOverlapSkip()
	}
}

// Sweep runs one reconciliation pass now. It returns ErrBusy when a sweep is
// already running and overlap is not allowed, and ErrClosed after Close.
func (s *Service) Sweep(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Report{}, ErrClosed
	}
	cfg := s.cfg
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if cfg.AllowOverlap {
		s.run.acquire()
	} else if !s.run.tryAcquire() {
		return Report{}, ErrBusy
	}
	defer s.run.release()

	if cfg.SweepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.SweepTimeout)
		defer cancel()
	}
	rep, err := s.sweep(ctx)

	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
	s.metrics.RecordSweep(rep.Took, rep.Zones, len(rep.Transitioned), rep.NicknamesUpdated, err)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepFinished, Time: rep.Finished, Data: rep})
	}
	return rep, err
}

func (s *Service) sweep(ctx context.Context) (rep Report, err error) {
	rep = Report{ID: uuid.NewString(), Started: s.now()}
	log := s.log.With(logx.String("sweep", rep.ID))
	defer func() {
		rep.Finished = s.now()
		rep.Took = rep.Finished.Sub(rep.Started)
		if err != nil {
			rep.Error = err.Error()
		}
	}()

	zones, err := s.dir.ListInUseTimezones(ctx)
	if err != nil {
		log.Error("sweep aborted: directory unavailable", logx.Err(err))
		return rep, fmt.Errorf("list in-use timezones: %w", err)
	}
	rep.Zones = len(zones)
	if len(zones) == 0 {
		log.Debug("sweep: no timezones in use")
		return rep, nil
	}

	for _, z := range zones {
		if s.det.HasJustTransitioned(z) {
			rep.Transitioned = append(rep.Transitioned, z)
		}
	}
	if len(rep.Transitioned) == 0 {
		log.Debug("sweep: no transitions", logx.Int("zones", rep.Zones))
		return rep, nil
	}

	for _, z := range rep.Transitioned {
		s.reconcileZone(ctx, log, z, &rep)
	}

	log.Info("sweep finished",
		logx.Int("zones", rep.Zones),
		logx.Int("timezones_affected", len(rep.Transitioned)),
		logx.Strings("transitioned", rep.Transitioned),
		logx.Int("users_processed", rep.UsersProcessed),
		logx.Int("users_updated", rep.UsersUpdated),
		logx.Int("nicknames_updated", rep.NicknamesUpdated),
		logx.Int("failures", rep.Failures),
	)
	return rep, nil
}

func (s *Service) reconcileZone(ctx context.Context, log logx.Logger, zone string, rep *Report) {
	users, err := s.dir.ListUsersInTimezone(ctx, zone)
	if err != nil {
		log.Error("list users failed", logx.String("tz", zone), logx.Err(err))
		rep.Failures++
		return
	}
	for _, u := range users {
		n, err := s.upd.ApplyTimezoneChange(ctx, u, zone)
		rep.UsersProcessed++
		if err != nil {
			log.Warn("apply timezone change failed", logx.String("tz", zone), logx.String("user", u), logx.Err(err))
			rep.Failures++
			continue
		}
		if n > 0 {
			rep.UsersUpdated++
			rep.NicknamesUpdated += n
		}
	}
}
