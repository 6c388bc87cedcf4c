package scheduler

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a parsed schedule string.
//
// Supported forms:
//   - Cron: "0 * * * *", "@hourly"
//   - Interval duration: "1h", "30m"
//   - Interval HH:MM: "01:00"
//
// "cron:" forces cron parsing; "interval:" or "every:" force interval parsing.
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5-field and 6-field (with seconds) specs and descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses raw into a cron expression or an interval.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr}, nil
	case strings.HasPrefix(low, "interval:"):
		d, err := parseInterval(s[len("interval:"):])
		return ParsedSpec{Kind: SpecInterval, Every: d}, err
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		return ParsedSpec{Kind: SpecInterval, Every: d}, err
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if d, err := parseInterval(s); err == nil {
		return ParsedSpec{Kind: SpecInterval, Every: d}, nil
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q (use cron like '0 * * * *', HH:MM like '01:00', or duration like '1h')", raw)
}

// Schedule builds the cron.Schedule for p.
func (p ParsedSpec) Schedule() (cron.Schedule, error) {
	switch p.Kind {
	case SpecCron:
		return cronParser.Parse(p.Cron)
	case SpecInterval:
		return alignedEvery{every: p.Every}, nil
	default:
		return nil, fmt.Errorf("unsupported schedule kind")
	}
}

// ErrNotHourly rejects schedules that skip or repeat an hour. Each zone's
// DST check runs on the one tick inside its local check hour.
var ErrNotHourly = errors.New("schedule must fire once at the top of every hour")

// ParseHourly parses raw and builds its schedule, rejecting anything that
// does not fire once at the top of every hour.
func ParseHourly(raw string) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	sched, err := ps.Schedule()
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", raw, err)
	}
	if err := checkHourly(sched); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", raw, err)
	}
	return sched, nil
}

// checkHourly walks two days of ticks from a fixed UTC midnight.
func checkHourly(sched cron.Schedule) error {
	start := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	prev := start.Add(-time.Second)
	for i := 0; i < 48; i++ {
		next := sched.Next(prev)
		if !next.Equal(start.Add(time.Duration(i) * time.Hour)) {
			return ErrNotHourly
		}
		prev = next
	}
	return nil
}

// alignedEvery fires on wall-clock multiples of every ("1h" fires at :00),
// unlike cron.Every which counts from the moment it is armed.
type alignedEvery struct {
	every time.Duration
}

func (a alignedEvery) Next(t time.Time) time.Time {
	_, off := t.Zone()
	shift := time.Duration(off) * time.Second
	return t.Add(shift).Truncate(a.every).Add(a.every - shift)
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '1h')", v)
		}
	}
	if d < time.Minute {
		return 0, fmt.Errorf("interval must be at least 1m")
	}
	return d, nil
}

// describeNext renders the next check for humans, e.g.
// "2024-03-10 09:00:00 UTC (in 42m)".
func describeNext(next, now time.Time) string {
	if next.IsZero() {
		return "not scheduled"
	}
	in := next.Sub(now).Round(time.Second)
	if in < 0 {
		in = 0
	}
	return fmt.Sprintf("%s (in %s)", next.Format("2006-01-02 15:04:05 MST"), in)
}
