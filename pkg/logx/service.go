package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender delivers a mirrored log line to an ops channel.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) error
}

// mirrorMaxLen keeps mirrored lines under Discord's 2000 character cap.
const mirrorMaxLen = 1900

// Service owns the sinks. Apply rebuilds them; Loggers from Logger() pick up
// the new sinks on their next record.
type Service struct {
	mu   sync.Mutex
	zl   atomic.Pointer[zerolog.Logger]
	file *os.File
	m    *mirror
}

// New applies cfg and returns the service with its root Logger. sender may be
// nil and installed later with SetSender.
func New(cfg Config, sender Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{m: newMirror(sender)}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender installs the mirror transport. The gateway session is built
// after logging, so it arrives late.
func (s *Service) SetSender(sender Sender) { s.m.setSender(sender) }

// Apply swaps outputs and levels. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := openLogFile(cfg.File.Path); f != nil {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	s.m.configure(cfg.Mirror)
	if cfg.Mirror.Enabled {
		outs = append(outs, s.m)
	}
	if len(outs) == 0 {
		outs = append(outs, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()

	s.m.stop()
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./tzbot.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

type mirrorLine struct {
	channelID string
	text      string
}

// mirror is a zerolog.LevelWriter that queues records for a Sender. Writes
// never block: a full queue or an exhausted limiter drops the record.
type mirror struct {
	mu        sync.Mutex
	sender    Sender
	channelID string
	minLevel  zerolog.Level
	limiter   *rate.Limiter
	enabled   bool

	queue   chan mirrorLine
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newMirror(sender Sender) *mirror {
	return &mirror{sender: sender, queue: make(chan mirrorLine, 256)}
}

func (m *mirror) setSender(sender Sender) {
	m.mu.Lock()
	m.sender = sender
	m.mu.Unlock()
}

func (m *mirror) configure(cfg MirrorConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = cfg.Enabled
	m.channelID = strings.TrimSpace(cfg.ChannelID)
	m.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	perSec := max(1, cfg.RatePerSec)
	m.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)

	if !m.enabled {
		return
	}
	if m.channelID == "" {
		fmt.Fprintln(os.Stderr, "logx: mirror enabled without a channel id; nothing will be sent")
	}
	if !m.started {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.started = true
		m.wg.Add(1)
		go m.run(ctx)
	}
}

func (m *mirror) stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

func (m *mirror) run(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-m.queue:
			m.mu.Lock()
			sender := m.sender
			m.mu.Unlock()
			if sender != nil {
				_ = sender.SendText(ctx, line.channelID, line.text)
			}
		}
	}
}

func (m *mirror) Write(p []byte) (int, error) {
	return m.WriteLevel(zerolog.InfoLevel, p)
}

func (m *mirror) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	m.mu.Lock()
	ok := m.enabled && m.channelID != "" && level >= m.minLevel && m.limiter.Allow()
	channelID := m.channelID
	m.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatMirrorJSON(p); text != "" {
		select {
		case m.queue <- mirrorLine{channelID: channelID, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatMirrorJSON turns one JSON record into "[LEVEL] message" followed by
// one line per field, sorted by key.
func formatMirrorJSON(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var rec map[string]any
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return clip(raw, mirrorMaxLen)
	}

	var b strings.Builder
	if lvl, _ := rec["level"].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := rec["message"].(string)
	b.WriteString(msg)

	delete(rec, "time")
	delete(rec, "level")
	delete(rec, "message")
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%s", k, clip(fmt.Sprint(rec[k]), 300))
	}
	return clip(b.String(), mirrorMaxLen)
}

// clip shortens s to at most n runes, marking the cut with "…".
func clip(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
