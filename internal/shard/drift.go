package shard

import (
	"context"
	"errors"

	"tzbot/internal/fleet"
	"tzbot/internal/metrics"
	"tzbot/internal/nickname"
	"tzbot/internal/storage"
	logx "tzbot/pkg/logx"
)

// MemberEvent is a member update observed on the gateway.
type MemberEvent struct {
	GuildID      string
	UserID       string
	Nickname     string
	IsOwner      bool
	IsManageable bool
}

// Assignments looks up a user's timezone.
type Assignments interface {
	GetTimezone(ctx context.Context, userID string) (storage.Assignment, error)
}

// AuditSink receives applied changes. Record must not block.
type AuditSink interface {
	Record(e storage.AuditEntry)
}

// DriftHandler restores the annotation when a member edits it away.
type DriftHandler struct {
	Worker      *Worker
	Assignments Assignments
	Audit       AuditSink
	Log         logx.Logger
	Metrics     metrics.Recorder
}

// OnMemberUpdate reapplies the nickname in ev.GuildID when the user has a
// timezone, the new nickname lacks the annotation, and the bot may edit the
// member. ok reports whether a reapplication was attempted.
func (h *DriftHandler) OnMemberUpdate(ctx context.Context, ev MemberEvent) (fleet.PartitionResult, bool) {
	if ev.IsOwner || !ev.IsManageable || nickname.HasAnnotation(ev.Nickname) {
		return fleet.PartitionResult{}, false
	}
	a, err := h.Assignments.GetTimezone(ctx, ev.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.Log.Warn("drift lookup failed", logx.String("user", ev.UserID), logx.Err(err))
		}
		return fleet.PartitionResult{}, false
	}

	res, ok := h.Worker.Reapply(ctx, ev.GuildID, ev.UserID, a.TimezoneID)
	if !ok {
		return res, false
	}
	if res.Outcome == fleet.OutcomeUpdated {
		if h.Metrics != nil {
			h.Metrics.RecordDriftCorrection()
		}
		if h.Audit != nil {
			h.Audit.Record(storage.AuditEntry{
				Source:        "drift",
				UserID:        ev.UserID,
				PartitionID:   res.PartitionID,
				PartitionName: res.PartitionName,
				OldName:       res.OldName,
				NewName:       res.NewName,
			})
		}
	}
	h.Log.Debug("drift handled",
		logx.String("guild", ev.GuildID),
		logx.String("user", ev.UserID),
		logx.String("outcome", string(res.Outcome)),
	)
	return res, true
}
