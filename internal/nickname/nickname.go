// Package nickname derives timezone-annotated display names, e.g.
// "John" + America/New_York -> "John (UTC-5)", within the platform length limit.
package nickname

import (
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"tzbot/internal/tz"
)

// MaxLength is Discord's nickname limit, in characters.
const MaxLength = 32

// MinLength fits the widest annotation, " (UTC+12.75)", with no base left.
const MinLength = 12

// PinnedMarker is the label given to the pinned legacy subject instead of an offset.
const PinnedMarker = "UTC+Del"

// annotation matches a trailing " (UTC±N)" / " (UTC±N.N)" suffix, plus the pinned marker.
var annotation = regexp.MustCompile(`(?i)\s*\(UTC(?:[+-]\d+(?:\.\d+)?|\+Del)\)\s*$`)

// Strip removes a trailing offset annotation and surrounding whitespace.
func Strip(name string) string {
	if name == "" {
		return ""
	}
	return strings.TrimSpace(annotation.ReplaceAllString(name, ""))
}

// HasAnnotation reports whether name already ends with an offset annotation.
func HasAnnotation(name string) bool {
	return name != "" && annotation.MatchString(name)
}

// OffsetFunc computes the offset label for a timezone at an instant.
type OffsetFunc func(id string, at time.Time) (string, error)

// Transformer composes "<base> (<label>)" display names.
type Transformer struct {
	// Offset defaults to tz.Offset.
	Offset OffsetFunc
	// Now defaults to time.Now.
	Now func() time.Time
	// MaxLength defaults to MaxLength and is raised to MinLength.
	MaxLength int
	// PinnedSubjectID always receives PinnedMarker regardless of timezone. Empty disables the rule.
	PinnedSubjectID string
}

// New returns a Transformer with the production offset calculator and clock.
func New(pinnedSubjectID string) *Transformer {
	return &Transformer{PinnedSubjectID: pinnedSubjectID}
}

// Format returns the new display name for subjectID. current is the member's
// present nickname (may be empty), fallback is the account username.
//
// ok is false when the offset cannot be computed; callers must leave the name
// untouched and report the failure.
func (t *Transformer) Format(current, timezoneID, fallback, subjectID string) (string, bool) {
	var label string
	if t.PinnedSubjectID != "" && subjectID == t.PinnedSubjectID {
		label = PinnedMarker
	} else {
		offset := t.Offset
		if offset == nil {
			offset = tz.Offset
		}
		now := time.Now
		if t.Now != nil {
			now = t.Now
		}
		l, err := offset(timezoneID, now())
		if err != nil {
			return "", false
		}
		label = l
	}

	base := Strip(current)
	if base == "" {
		base = Strip(fallback)
	}
	return Compose(base, label, t.maxLength()), true
}

func (t *Transformer) maxLength() int {
	if t == nil || t.MaxLength <= 0 {
		return MaxLength
	}
	return min(max(t.MaxLength, MinLength), MaxLength)
}

// Compose joins base and label, cutting base from the right so the result
// is at most maxLen characters. The annotation itself is never cut, so a
// maxLen below MinLength can be exceeded.
func Compose(base, label string, maxLen int) string {
	suffix := "(" + label + ")"
	if base == "" {
		return suffix
	}
	suffix = " " + suffix
	budget := maxLen - utf8.RuneCountInString(suffix)
	if budget < 0 {
		budget = 0
	}
	if utf8.RuneCountInString(base) > budget {
		base = strings.TrimRightFunc(string([]rune(base)[:budget]), unicode.IsSpace)
		if base == "" {
			return strings.TrimPrefix(suffix, " ")
		}
	}
	return base + suffix
}
