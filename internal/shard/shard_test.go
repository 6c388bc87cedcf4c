package shard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tzbot/internal/fleet"
	"tzbot/internal/nickname"
	"tzbot/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembers struct {
	mu       sync.Mutex
	guilds   map[string]string
	members  map[string]MemberSnapshot // guild|user
	failSet  map[string]error          // guild
	setCalls []string
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{
		guilds:  map[string]string{},
		members: map[string]MemberSnapshot{},
		failSet: map[string]error{},
	}
}

func (f *fakeMembers) Partition(_ context.Context, guildID string) (string, bool) {
	name, ok := f.guilds[guildID]
	return name, ok
}

func (f *fakeMembers) Member(_ context.Context, guildID, userID string) (MemberSnapshot, bool, error) {
	m, ok := f.members[guildID+"|"+userID]
	return m, ok, nil
}

func (f *fakeMembers) SetNickname(_ context.Context, guildID, userID, nick string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSet[guildID]; err != nil {
		return err
	}
	f.setCalls = append(f.setCalls, guildID+"|"+userID+"|"+nick)
	m := f.members[guildID+"|"+userID]
	m.Nickname = nick
	f.members[guildID+"|"+userID] = m
	return nil
}

func fixedNames(label string) *nickname.Transformer {
	return &nickname.Transformer{Offset: func(string, time.Time) (string, error) { return label, nil }}
}

func TestWorkerPolicyOrder(t *testing.T) {
	t.Parallel()
	fm := newFakeMembers()
	fm.guilds = map[string]string{"owner": "Owned", "perm": "Locked", "same": "Same", "upd": "Upd", "fail": "Fail", "gone": "Gone"}
	fm.members["owner|u1"] = MemberSnapshot{Nickname: "Boss", IsOwner: true, IsManageable: true}
	fm.members["perm|u1"] = MemberSnapshot{Nickname: "Mod", IsManageable: false}
	fm.members["same|u1"] = MemberSnapshot{Nickname: "Sam (UTC-5)", IsManageable: true}
	fm.members["upd|u1"] = MemberSnapshot{Nickname: "", Username: "sam", IsManageable: true}
	fm.members["fail|u1"] = MemberSnapshot{Nickname: "Sam", IsManageable: true}
	fm.failSet["fail"] = errors.New("403 missing permissions")

	w := NewWorker("s0", fm, fixedNames("UTC-5"), 0, 0, nopLog())
	resp := w.Apply(context.Background(), fleet.UpdateRequest{
		UserID:     "u1",
		TimezoneID: "America/New_York",
		Partitions: []string{"elsewhere", "gone", "owner", "perm", "same", "upd", "fail"},
	})

	assert.Equal(t, "s0", resp.ShardID)
	assert.Equal(t, 1, resp.Updated)
	require.Len(t, resp.Results, 5)

	byID := map[string]fleet.PartitionResult{}
	for _, r := range resp.Results {
		byID[r.PartitionID] = r
	}
	assert.Equal(t, fleet.OutcomeSkippedOwner, byID["owner"].Outcome)
	assert.Equal(t, fleet.OutcomeSkippedPermissions, byID["perm"].Outcome)
	assert.Equal(t, fleet.OutcomeNoChange, byID["same"].Outcome)
	assert.Equal(t, fleet.OutcomeUpdated, byID["upd"].Outcome)
	assert.Equal(t, "sam (UTC-5)", byID["upd"].NewName)
	assert.Equal(t, "Upd", byID["upd"].PartitionName)
	assert.Equal(t, fleet.OutcomeError, byID["fail"].Outcome)
	assert.Contains(t, byID["fail"].Error, "403")
	assert.NotContains(t, byID, "gone")
	assert.NotContains(t, byID, "elsewhere")

	assert.Equal(t, []string{"upd|u1|sam (UTC-5)"}, fm.setCalls)
}

func TestWorkerOffsetFailureIsError(t *testing.T) {
	t.Parallel()
	fm := newFakeMembers()
	fm.guilds["g"] = "G"
	fm.members["g|u"] = MemberSnapshot{Nickname: "x", IsManageable: true}

	w := NewWorker("s0", fm, nil, 0, 0, nopLog())
	res, ok := w.Reapply(context.Background(), "g", "u", "Not/AZone")
	require.True(t, ok)
	assert.Equal(t, fleet.OutcomeError, res.Outcome)
	assert.Empty(t, fm.setCalls)
}

func TestWorkerIsIdempotent(t *testing.T) {
	t.Parallel()
	fm := newFakeMembers()
	fm.guilds["g"] = "G"
	fm.members["g|u"] = MemberSnapshot{Nickname: "Aki (UTC+8)", IsManageable: true}

	w := NewWorker("s0", fm, fixedNames("UTC+9"), 0, 0, nopLog())
	req := fleet.UpdateRequest{UserID: "u", TimezoneID: "Asia/Tokyo", Partitions: []string{"g"}}

	first := w.Apply(context.Background(), req)
	second := w.Apply(context.Background(), req)
	assert.Equal(t, 1, first.Updated)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, fleet.OutcomeNoChange, second.Results[0].Outcome)
	assert.Len(t, fm.setCalls, 1)
}

func TestWorkerRateLimitHonoursContext(t *testing.T) {
	t.Parallel()
	fm := newFakeMembers()
	fm.guilds["g"] = "G"
	fm.members["g|u"] = MemberSnapshot{Nickname: "a", IsManageable: true}

	w := NewWorker("s0", fm, fixedNames("UTC+1"), 0.0001, 1, nopLog())
	// Drain the single token.
	require.True(t, w.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, ok := w.Reapply(ctx, "g", "u", "Europe/Paris")
	require.True(t, ok)
	assert.Equal(t, fleet.OutcomeError, res.Outcome)
	assert.Empty(t, fm.setCalls)

	w.SetRate(0, 5)
	res, _ = w.Reapply(context.Background(), "g", "u", "Europe/Paris")
	assert.Equal(t, fleet.OutcomeUpdated, res.Outcome)
}

type fakeAssignments map[string]string

func (f fakeAssignments) GetTimezone(_ context.Context, userID string) (storage.Assignment, error) {
	tz, ok := f[userID]
	if !ok {
		return storage.Assignment{}, storage.ErrNotFound
	}
	return storage.Assignment{UserID: userID, TimezoneID: tz}, nil
}

type captureAudit struct {
	entries []storage.AuditEntry
}

func (c *captureAudit) Record(e storage.AuditEntry) { c.entries = append(c.entries, e) }

func TestDriftHandlerTriggerConditions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ev      MemberEvent
		want    bool
		updated bool
	}{
		{"annotation removed", MemberEvent{GuildID: "g", UserID: "u", Nickname: "Sam", IsManageable: true}, true, true},
		{"still annotated", MemberEvent{GuildID: "g", UserID: "u", Nickname: "Sam (UTC+2)", IsManageable: true}, false, false},
		{"owner", MemberEvent{GuildID: "g", UserID: "u", Nickname: "Sam", IsOwner: true, IsManageable: true}, false, false},
		{"not manageable", MemberEvent{GuildID: "g", UserID: "u", Nickname: "Sam"}, false, false},
		{"no timezone", MemberEvent{GuildID: "g", UserID: "nobody", Nickname: "Sam", IsManageable: true}, false, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fm := newFakeMembers()
			fm.guilds["g"] = "G"
			fm.members["g|u"] = MemberSnapshot{Nickname: tt.ev.Nickname, IsManageable: true}
			fm.members["g|nobody"] = MemberSnapshot{Nickname: tt.ev.Nickname, IsManageable: true}

			audit := &captureAudit{}
			h := &DriftHandler{
				Worker:      NewWorker("s0", fm, fixedNames("UTC+1"), 0, 0, nopLog()),
				Assignments: fakeAssignments{"u": "Europe/Paris"},
				Audit:       audit,
			}
			res, ok := h.OnMemberUpdate(context.Background(), tt.ev)
			assert.Equal(t, tt.want, ok)
			if tt.updated {
				assert.Equal(t, fleet.OutcomeUpdated, res.Outcome)
				assert.Equal(t, "Sam (UTC+1)", res.NewName)
				require.Len(t, audit.entries, 1)
				assert.Equal(t, "drift", audit.entries[0].Source)
			} else {
				assert.Empty(t, audit.entries)
				assert.Empty(t, fm.setCalls)
			}
		})
	}
}
