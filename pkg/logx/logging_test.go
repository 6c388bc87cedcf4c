package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) SendText(_ context.Context, channelID, text string) error {
	c.mu.Lock()
	c.sent = append(c.sent, channelID+"|"+text)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if l.With(String("a", "b")).IsZero() {
		t.Fatalf("derived logger with fields should not be zero")
	}
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "test"))
	l.Debug("hello", Int("n", 3), Time("at", time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC)))

	out := buf.String()
	for _, want := range []string{`"comp":"test"`, `"n":3`, `"at":"2024-03-10T07:00:00`, `"message":"hello"`, `"level":"debug"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %s", out, want)
		}
	}
}

func TestParseLevelFallsBack(t *testing.T) {
	t.Parallel()
	if got := parseLevel("warning", zerolog.InfoLevel); got != zerolog.WarnLevel {
		t.Fatalf("parseLevel(warning) = %v", got)
	}
	if got := parseLevel("bogus", zerolog.ErrorLevel); got != zerolog.ErrorLevel {
		t.Fatalf("parseLevel(bogus) = %v", got)
	}
}

func TestMirrorForwardsOnlyAboveMinLevel(t *testing.T) {
	sender := &captureSender{}
	svc, log := New(Config{
		Level: "debug",
		Mirror: MirrorConfig{
			Enabled:    true,
			ChannelID:  "123",
			MinLevel:   "warn",
			RatePerSec: 50,
		},
	}, sender)
	defer svc.Close()

	log.Info("quiet")
	log.Warn("loud", String("tz", "Europe/London"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.messages()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("mirrored %d messages, want 1: %v", len(msgs), msgs)
	}
	if !strings.HasPrefix(msgs[0], "123|[WARN] loud") || !strings.Contains(msgs[0], "tz=Europe/London") {
		t.Fatalf("unexpected mirror message %q", msgs[0])
	}
}

func TestFormatMirrorJSONHandlesPlainText(t *testing.T) {
	t.Parallel()
	if got := formatMirrorJSON([]byte("  not json \n")); got != "not json" {
		t.Fatalf("formatMirrorJSON(plain) = %q", got)
	}
}

func TestClipCountsRunes(t *testing.T) {
	t.Parallel()
	if got := clip("héllo wörld", 6); got != "héllo…" {
		t.Fatalf("clip = %q", got)
	}
	if got := clip("short", 10); got != "short" {
		t.Fatalf("clip(short) = %q", got)
	}
}

func TestNilErrFieldIsSkipped(t *testing.T) {
	var buf bytes.Buffer
	NewJSON(&buf, "info").Info("ok", Err(nil))
	if strings.Contains(buf.String(), `"err"`) {
		t.Fatalf("nil error rendered: %s", buf.String())
	}
}
