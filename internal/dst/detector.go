// Package dst detects daylight saving transitions for a timezone.
//
// A zone is checked only while its local clock reads 5 AM; on that hour the
// offset now is compared with the offset 24 hours earlier. Hourly polling
// therefore looks at every zone exactly once per local day.
package dst

import (
	"time"

	"tzbot/internal/tz"
	logx "tzbot/pkg/logx"
)

// CheckHour is the local hour at which a zone is examined.
const CheckHour = 5

// Detector classifies timezones as just-transitioned. It keeps no state
// between calls.
type Detector struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// OffsetSeconds defaults to tz.OffsetSeconds.
	OffsetSeconds func(id string, at time.Time) (int, error)
	Log           logx.Logger
}

// New returns a Detector using the wall clock.
func New(log logx.Logger) *Detector {
	return &Detector{Log: log}
}

// HasJustTransitioned reports whether id's offset changed within the last 24
// hours. It is false outside the check hour and for unresolvable zones.
func (d *Detector) HasJustTransitioned(id string) bool {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	loc, err := tz.Load(id)
	if err != nil {
		d.Log.Warn("dst check skipped", logx.String("tz", id), logx.Err(err))
		return false
	}
	at := now()
	if at.In(loc).Hour() != CheckHour {
		return false
	}

	offset := d.OffsetSeconds
	if offset == nil {
		offset = tz.OffsetSeconds
	}
	cur, err := offset(id, at)
	if err != nil {
		d.Log.Warn("dst offset failed", logx.String("tz", id), logx.Err(err))
		return false
	}
	prev, err := offset(id, at.Add(-24*time.Hour))
	if err != nil {
		d.Log.Warn("dst offset failed", logx.String("tz", id), logx.Err(err))
		return false
	}
	if cur == prev {
		return false
	}
	d.Log.Info("dst transition detected",
		logx.String("tz", id),
		logx.String("from", tz.Label(prev)),
		logx.String("to", tz.Label(cur)),
	)
	return true
}
