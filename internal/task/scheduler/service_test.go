package scheduler

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tzbot/internal/eventbus"
	logx "tzbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDir struct {
	zones   []string
	users   map[string][]string
	zoneErr error
}

func (d *stubDir) ListInUseTimezones(context.Context) ([]string, error) {
	return d.zones, d.zoneErr
}

func (d *stubDir) ListUsersInTimezone(_ context.Context, tz string) ([]string, error) {
	return d.users[tz], nil
}

type stubDetector struct {
	mu          sync.Mutex
	transitions map[string]bool
	checked     []string
}

func (d *stubDetector) HasJustTransitioned(tz string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checked = append(d.checked, tz)
	return d.transitions[tz]
}

type call struct{ user, tz string }

type stubUpdater struct {
	mu    sync.Mutex
	calls []call
	n     int
	err   error
	gate  chan struct{}
	start chan struct{}
}

func (u *stubUpdater) ApplyTimezoneChange(_ context.Context, user, tz string) (int, error) {
	if u.start != nil {
		u.start <- struct{}{}
	}
	if u.gate != nil {
		<-u.gate
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, call{user, tz})
	return u.n, u.err
}

func (u *stubUpdater) snapshot() []call {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]call(nil), u.calls...)
}

func newTestService(cfg Config, dir *stubDir, det *stubDetector, upd *stubUpdater) *Service {
	return New(cfg, Deps{Directory: dir, Detector: det, Updater: upd, Bus: eventbus.New()}, nopLog())
}

func TestSweepFansOutOnlyTransitionedZones(t *testing.T) {
	t.Parallel()
	dir := &stubDir{
		zones: []string{"America/New_York", "Europe/London"},
		users: map[string][]string{"America/New_York": {"u1"}, "Europe/London": {"u2"}},
	}
	det := &stubDetector{transitions: map[string]bool{"America/New_York": true}}
	upd := &stubUpdater{n: 2}
	s := newTestService(Config{}, dir, det, upd)

	rep, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []call{{"u1", "America/New_York"}}, upd.snapshot())
	assert.Equal(t, []string{"America/New_York", "Europe/London"}, det.checked)
	assert.Equal(t, 2, rep.Zones)
	assert.Equal(t, []string{"America/New_York"}, rep.Transitioned)
	assert.Equal(t, 1, rep.UsersUpdated)
	assert.Equal(t, 2, rep.NicknamesUpdated)
	assert.NotEmpty(t, rep.ID)
}

func TestSweepEmptyDirectoryDoesNothing(t *testing.T) {
	t.Parallel()
	det := &stubDetector{}
	upd := &stubUpdater{}
	s := newTestService(Config{}, &stubDir{}, det, upd)

	rep, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Zones)
	assert.Empty(t, det.checked)
	assert.Empty(t, upd.snapshot())
}

func TestSweepDirectoryFailureIsReportedAndRecoverable(t *testing.T) {
	t.Parallel()
	dir := &stubDir{zoneErr: errors.New("connection refused")}
	s := newTestService(Config{}, dir, &stubDetector{}, &stubUpdater{})

	rep, err := s.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, rep.Error, "connection refused")
	assert.Equal(t, rep.Error, s.Status().LastReport.Error)

	dir.zoneErr = nil
	_, err = s.Sweep(context.Background())
	assert.NoError(t, err)
}

func TestSweepIsolatesUserFailures(t *testing.T) {
	t.Parallel()
	dir := &stubDir{
		zones: []string{"Europe/Paris"},
		users: map[string][]string{"Europe/Paris": {"a", "b"}},
	}
	upd := &stubUpdater{err: errors.New("shard down")}
	s := newTestService(Config{}, dir, &stubDetector{transitions: map[string]bool{"Europe/Paris": true}}, upd)

	rep, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, upd.snapshot(), 2)
	assert.Equal(t, 2, rep.Failures)
	assert.Equal(t, 2, rep.UsersProcessed)
}

func overlapFixture(allow bool) (*Service, *stubUpdater) {
	dir := &stubDir{
		zones: []string{"Asia/Tokyo"},
		users: map[string][]string{"Asia/Tokyo": {"u"}},
	}
	upd := &stubUpdater{gate: make(chan struct{}), start: make(chan struct{}, 4)}
	s := newTestService(Config{AllowOverlap: allow}, dir, &stubDetector{transitions: map[string]bool{"Asia/Tokyo": true}}, upd)
	return s, upd
}

func TestOverlappingSweepIsSkipped(t *testing.T) {
	t.Parallel()
	s, upd := overlapFixture(false)

	done := make(chan error, 1)
	go func() {
		_, err := s.Sweep(context.Background())
		done <- err
	}()
	<-upd.start
	assert.Equal(t, StateRunning, s.Status().State)

	_, err := s.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	close(upd.gate)
	require.NoError(t, <-done)
	assert.Len(t, upd.snapshot(), 1)
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestOverlapAllowedRunsBoth(t *testing.T) {
	t.Parallel()
	s, upd := overlapFixture(true)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Sweep(context.Background())
			done <- err
		}()
	}
	<-upd.start
	<-upd.start
	assert.Equal(t, 2, s.Status().InFlight)
	close(upd.gate)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Len(t, upd.snapshot(), 2)
}

func TestStopDoesNotCancelInFlightSweep(t *testing.T) {
	t.Parallel()
	s, upd := overlapFixture(false)
	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan Report, 1)
	go func() {
		rep, _ := s.Sweep(context.Background())
		done <- rep
	}()
	<-upd.start
	s.Stop()
	assert.False(t, s.Status().Running)

	close(upd.gate)
	rep := <-done
	assert.Equal(t, 1, rep.UsersProcessed)
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{}, &stubDir{}, &stubDetector{}, &stubUpdater{})
	assert.Equal(t, StateIdle, s.Status().State)
	assert.Equal(t, "not scheduled", s.Status().NextCheck)

	ok, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "second start is a no-op")

	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, StateArmed, st.State)
	assert.Equal(t, DefaultSpec, st.Spec)
	assert.Equal(t, "UTC", st.Timezone)
	require.False(t, st.Next.IsZero())
	assert.Zero(t, st.Next.Minute())
	assert.Zero(t, st.Next.Second())
	assert.LessOrEqual(t, time.Until(st.Next), time.Hour)
	assert.Contains(t, st.NextCheck, "(in ")

	s.Stop()
	s.Stop()
	assert.Equal(t, StateIdle, s.Status().State)

	ok, err = s.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, ok, "restart after stop")

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateStopped, s.Status().State)
	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStartLogsNextCheck(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	s := New(Config{}, Deps{Directory: &stubDir{}, Detector: &stubDetector{}, Updater: &stubUpdater{}}, logx.NewJSON(&buf, "info"))
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	out := buf.String()
	s.Stop()

	assert.Contains(t, out, `"message":"scheduler started"`)
	assert.Contains(t, out, `"next_at":"`)
	assert.Contains(t, out, `"spec":"`+DefaultSpec+`"`)
}

func TestStartRejectsBadConfig(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{Spec: "whenever"}, &stubDir{}, &stubDetector{}, &stubUpdater{})
	_, err := s.Start(context.Background())
	assert.Error(t, err)
	assert.False(t, s.Status().Running)

	s = newTestService(Config{Spec: "0 */2 * * *"}, &stubDir{}, &stubDetector{}, &stubUpdater{})
	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotHourly)
	assert.False(t, s.Status().Running)

	s = newTestService(Config{Timezone: "Mars/Olympus"}, &stubDir{}, &stubDetector{}, &stubUpdater{})
	_, err = s.Start(context.Background())
	assert.Error(t, err)
}

func TestApplyReArmsOnSpecChange(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{}, &stubDir{}, &stubDetector{}, &stubUpdater{})
	_, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop()

	require.NoError(t, s.Apply(Config{Spec: "1h"}))
	st := s.Status()
	assert.Equal(t, "1h", st.Spec)
	assert.Zero(t, st.Next.Minute())

	assert.Error(t, s.Apply(Config{Spec: "0 * * * *", Timezone: "Nowhere/Land"}))
	assert.Equal(t, "1h", s.Status().Spec, "failed apply keeps the previous config")
}

func TestApplyRejectsNonHourlySpec(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{}, &stubDir{}, &stubDetector{}, &stubUpdater{})

	for _, spec := range []string{"30m", "0 */2 * * *"} {
		err := s.Apply(Config{Spec: spec})
		assert.ErrorIs(t, err, ErrNotHourly, spec)
		assert.Equal(t, DefaultSpec, s.Status().Spec, "idle service keeps %s out", spec)
	}

	_, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Stop()

	assert.ErrorIs(t, s.Apply(Config{Spec: "2h"}), ErrNotHourly)
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, DefaultSpec, st.Spec)
	assert.Zero(t, st.Next.Minute())
}

func TestSweepPublishesReport(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(1, eventbus.TypeSweepFinished)
	defer unsub()
	s := New(Config{}, Deps{Directory: &stubDir{}, Detector: &stubDetector{}, Updater: &stubUpdater{}, Bus: bus}, nopLog())

	rep, err := s.Sweep(context.Background())
	require.NoError(t, err)
	ev := <-ch
	assert.Equal(t, rep.ID, ev.Data.(Report).ID)
}
