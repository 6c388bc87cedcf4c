// Package tz resolves IANA timezone identifiers and renders UTC offset labels
// such as "UTC+9", "UTC-5" or "UTC+5.5".
//
// The timezone database is embedded (time/tzdata) so results do not depend on
// the host's zoneinfo installation.
package tz

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"
)

// ErrInvalidTimezone is returned when an identifier does not resolve to a zone.
var ErrInvalidTimezone = errors.New("invalid timezone")

// Load resolves id to a location. The empty string and "Local" are rejected:
// time.LoadLocation maps them to UTC and the host zone respectively, neither
// of which is something a user assigned.
func Load(id string) (*time.Location, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.EqualFold(id, "local") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, id)
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, id, err)
	}
	return loc, nil
}

// IsValid reports whether id names a zone in the timezone database.
func IsValid(id string) bool {
	loc, err := Load(id)
	if err != nil {
		return false
	}
	name, _ := time.Now().In(loc).Zone()
	return name != ""
}

// Offset returns the offset label for id at instant at.
func Offset(id string, at time.Time) (string, error) {
	loc, err := Load(id)
	if err != nil {
		return "", err
	}
	_, secs := at.In(loc).Zone()
	return Label(secs), nil
}

// OffsetSeconds returns the offset east of UTC, in seconds, for id at instant at.
func OffsetSeconds(id string, at time.Time) (int, error) {
	loc, err := Load(id)
	if err != nil {
		return 0, err
	}
	_, secs := at.In(loc).Zone()
	return secs, nil
}

// Label renders an offset given in seconds east of UTC.
//
//	0      -> "UTC+0"
//	32400  -> "UTC+9"
//	-18000 -> "UTC-5"
//	19800  -> "UTC+5.5"
//	20700  -> "UTC+5.75"
func Label(secondsEast int) string {
	minutes := secondsEast / 60
	if minutes == 0 {
		return "UTC+0"
	}
	sign := "+"
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	if minutes%60 == 0 {
		return "UTC" + sign + strconv.Itoa(minutes/60)
	}
	return "UTC" + sign + strconv.FormatFloat(float64(minutes)/60, 'f', -1, 64)
}
