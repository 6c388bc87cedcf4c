package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tzbot/internal/eventbus"
	"tzbot/internal/storage"
	logx "tzbot/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAppender struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
	err     error
}

func (m *memAppender) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return m.err
}

func (m *memAppender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestRecorderPersistsAndLogs(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	store := &memAppender{err: errors.New("disk full")}
	var out syncBuffer
	rec := &Recorder{Bus: bus, Store: store, Log: logx.NewJSON(&out, "info")}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	sink := Sink{Bus: bus}
	require.Eventually(t, func() bool {
		sink.Record(storage.AuditEntry{Source: "sweep", UserID: "u1", PartitionID: "p2", OldName: "a", NewName: "a (UTC+1)"})
		return store.count() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Contains(t, out.String(), `"message":"nickname updated"`)
	assert.Contains(t, out.String(), `"guild":"p2"`)
	assert.Contains(t, out.String(), "audit append failed")
	assert.False(t, store.entries[0].At.IsZero())
}

func TestZeroSinkIsNoop(t *testing.T) {
	t.Parallel()
	Sink{}.Record(storage.AuditEntry{UserID: "u"})
}

func TestDirectWritesSynchronously(t *testing.T) {
	t.Parallel()
	store := &memAppender{}
	Direct{Store: store, Log: logx.Nop()}.Record(storage.AuditEntry{Source: "cli", UserID: "u"})
	require.Equal(t, 1, store.count())
	assert.Equal(t, "cli", store.entries[0].Source)
	assert.False(t, store.entries[0].At.IsZero())
}
