package nickname

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func fixedOffset(label string) OffsetFunc {
	return func(string, time.Time) (string, error) { return label, nil }
}

func TestStrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"John", "John"},
		{"  John  ", "John"},
		{"John (UTC+9)", "John"},
		{"John (utc-5)", "John"},
		{"John (UTC+5.5)", "John"},
		{"John(UTC+0)  ", "John"},
		{"John (UTC+Del)", "John"},
		{"John (UTC+9) (UTC-5)", "John (UTC+9)"},
		{"John (friend)", "John (friend)"},
		{"(UTC+3) John", "(UTC+3) John"},
	}
	for _, tt := range tests {
		if got := Strip(tt.in); got != tt.want {
			t.Fatalf("Strip(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHasAnnotation(t *testing.T) {
	t.Parallel()
	yes := []string{"A (UTC+1)", "A (UTC-10)", "A (uTc+5.75)", "B (UTC+Del)"}
	no := []string{"", "A", "A (UTC)", "A (UTC+)", "A (GMT+1)", "(UTC+1) A"}
	for _, s := range yes {
		if !HasAnnotation(s) {
			t.Fatalf("HasAnnotation(%q) = false", s)
		}
	}
	for _, s := range no {
		if HasAnnotation(s) {
			t.Fatalf("HasAnnotation(%q) = true", s)
		}
	}
}

func TestFormatReplacesExistingAnnotation(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: fixedOffset("UTC-5")}
	got, ok := tr.Format("John (UTC+9)", "America/New_York", "john_doe", "u1")
	if !ok || got != "John (UTC-5)" {
		t.Fatalf("Format = %q, %v; want %q", got, ok, "John (UTC-5)")
	}
}

func TestFormatFallsBackToUsername(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: fixedOffset("UTC+1")}
	got, ok := tr.Format("", "Europe/Paris", "marie", "u2")
	if !ok || got != "marie (UTC+1)" {
		t.Fatalf("Format = %q, %v", got, ok)
	}
	got, _ = tr.Format("  (UTC+3) ", "Europe/Paris", "marie", "u2")
	if got != "marie (UTC+1)" {
		t.Fatalf("Format(annotation only) = %q", got)
	}
}

func TestFormatTruncatesBaseOnly(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: fixedOffset("UTC-5")}
	got, ok := tr.Format(strings.Repeat("A", 40), "America/New_York", "x", "u3")
	if !ok {
		t.Fatalf("Format failed")
	}
	if utf8.RuneCountInString(got) != 32 {
		t.Fatalf("len = %d, want 32 (%q)", utf8.RuneCountInString(got), got)
	}
	if !strings.HasSuffix(got, " (UTC-5)") {
		t.Fatalf("annotation lost: %q", got)
	}
}

func TestFormatTruncatesByCharacters(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: fixedOffset("UTC+5.75")}
	got, _ := tr.Format(strings.Repeat("é", 30), "Asia/Kathmandu", "x", "u4")
	if n := utf8.RuneCountInString(got); n != 32 {
		t.Fatalf("rune len = %d, want 32", n)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
}

func TestFormatOffsetFailureReturnsNotOK(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: func(string, time.Time) (string, error) { return "", errors.New("boom") }}
	if got, ok := tr.Format("John", "Not/AZone", "john", "u5"); ok || got != "" {
		t.Fatalf("Format = %q, %v; want failure", got, ok)
	}
}

func TestFormatWithRealCalculator(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Now: func() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) }}
	got, ok := tr.Format("Aki", "Asia/Tokyo", "aki", "u6")
	if !ok || got != "Aki (UTC+9)" {
		t.Fatalf("Format = %q, %v", got, ok)
	}
	if _, ok := tr.Format("Aki", "Not/AZone", "aki", "u6"); ok {
		t.Fatalf("expected failure for invalid zone")
	}
}

func TestFormatPinnedSubject(t *testing.T) {
	t.Parallel()
	calls := 0
	tr := &Transformer{
		PinnedSubjectID: "42",
		Offset: func(string, time.Time) (string, error) {
			calls++
			return "UTC+3", nil
		},
	}
	for _, zone := range []string{"Europe/Moscow", "Not/AZone", ""} {
		got, ok := tr.Format("Legacy (UTC+3)", zone, "legacy", "42")
		if !ok || got != "Legacy (UTC+Del)" {
			t.Fatalf("Format(pinned, %q) = %q, %v", zone, got, ok)
		}
	}
	if calls != 0 {
		t.Fatalf("offset computed %d times for pinned subject", calls)
	}
	// Reapplying to its own output is stable.
	got, _ := tr.Format("Legacy (UTC+Del)", "Europe/Moscow", "legacy", "42")
	if got != "Legacy (UTC+Del)" {
		t.Fatalf("pinned reapply = %q", got)
	}
}

func TestFormatRoundTripIsStable(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: fixedOffset("UTC+10")}
	for _, base := range []string{"a", "Sam", strings.Repeat("long name ", 5), "name (nick)"} {
		once, _ := tr.Format(base, "Australia/Sydney", "fallback", "u")
		twice, _ := tr.Format(Strip(once), "Australia/Sydney", "fallback", "u")
		if once != twice {
			t.Fatalf("round trip for %q: %q != %q", base, once, twice)
		}
		again, _ := tr.Format(once, "Australia/Sydney", "fallback", "u")
		if again != once {
			t.Fatalf("reformat of own output for %q: %q != %q", base, again, once)
		}
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()
	if got := Compose("", "UTC+0", 32); got != "(UTC+0)" {
		t.Fatalf("Compose(empty) = %q", got)
	}
	if got := Compose("abcdef", "UTC+12.75", 14); got != "ab (UTC+12.75)" {
		t.Fatalf("Compose(short budget) = %q", got)
	}
	// A cut landing on a space must not leave a double space before the annotation.
	if got := Compose("ab cdef", "UTC+1", 11); got != "ab (UTC+1)" {
		t.Fatalf("Compose(cut at space) = %q", got)
	}
}

func TestFormatClampsLimitToAnnotationWidth(t *testing.T) {
	t.Parallel()
	tr := &Transformer{Offset: fixedOffset("UTC-5"), MaxLength: 6}
	got, ok := tr.Format("Johnathan", "America/New_York", "", "u1")
	if !ok || got != "John (UTC-5)" {
		t.Fatalf("Format = %q, %v", got, ok)
	}

	tr = &Transformer{Offset: fixedOffset("UTC+12.75"), MaxLength: 1}
	got, _ = tr.Format("Johnathan", "Pacific/Chatham", "", "u1")
	if got != "(UTC+12.75)" || utf8.RuneCountInString(got) > MinLength {
		t.Fatalf("Format(widest) = %q", got)
	}

	tr = &Transformer{Offset: fixedOffset("UTC+1"), MaxLength: 99}
	got, _ = tr.Format(strings.Repeat("a", 40), "Europe/Paris", "", "u1")
	if n := utf8.RuneCountInString(got); n != MaxLength {
		t.Fatalf("Format(over cap) has %d characters", n)
	}
}
