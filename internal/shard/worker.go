// Package shard runs the per-partition nickname policy on the guilds one
// process hosts. It answers fleet requests from the coordinator and handles
// drift events raised by the gateway.
package shard

import (
	"context"
	"fmt"
	"time"

	"tzbot/internal/fleet"
	"tzbot/internal/metrics"
	"tzbot/internal/nickname"
	logx "tzbot/pkg/logx"

	"golang.org/x/time/rate"
)

// MemberSnapshot is what the platform reports about one member of a guild.
type MemberSnapshot struct {
	Nickname string
	Username string
	IsOwner  bool
	// IsManageable is false when role hierarchy or missing permissions
	// prevent the bot from editing this member.
	IsManageable bool
}

// MemberManager is the partition-management capability of one shard.
type MemberManager interface {
	// Partition reports whether guildID is hosted here, and its name.
	Partition(ctx context.Context, guildID string) (name string, ok bool)
	// Member returns ok=false when the user is not in the guild.
	Member(ctx context.Context, guildID, userID string) (MemberSnapshot, bool, error)
	SetNickname(ctx context.Context, guildID, userID, nick string) error
}

// Worker applies nickname changes on the guilds its MemberManager hosts.
type Worker struct {
	ID      string
	Members MemberManager
	Names   *nickname.Transformer
	Log     logx.Logger
	Metrics metrics.Recorder

	limiter *rate.Limiter
}

// NewWorker returns a Worker whose nickname edits are limited to perSec with
// the given burst. perSec <= 0 disables limiting.
func NewWorker(id string, members MemberManager, names *nickname.Transformer, perSec float64, burst int, log logx.Logger) *Worker {
	if names == nil {
		names = nickname.New("")
	}
	w := &Worker{ID: id, Members: members, Names: names, Log: log, Metrics: metrics.Nop{}}
	w.SetRate(perSec, burst)
	return w
}

// SetRate changes the edit rate. It is safe to call while Apply runs.
func (w *Worker) SetRate(perSec float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSec)
	if perSec <= 0 {
		limit = rate.Inf
	}
	if w.limiter == nil {
		w.limiter = rate.NewLimiter(limit, burst)
		return
	}
	w.limiter.SetLimit(limit)
	w.limiter.SetBurst(burst)
}

var _ fleet.Applier = (*Worker)(nil)

// Apply runs the partition policy for every requested guild hosted here.
// Guilds hosted elsewhere, and members not found, produce no result.
func (w *Worker) Apply(ctx context.Context, req fleet.UpdateRequest) fleet.UpdateResponse {
	resp := fleet.UpdateResponse{ShardID: w.ID}
	for _, pid := range req.Partitions {
		res, ok := w.Reapply(ctx, pid, req.UserID, req.TimezoneID)
		if !ok {
			continue
		}
		resp.Results = append(resp.Results, res)
	}
	resp.Updated = resp.CountUpdated()
	if len(resp.Results) > 0 {
		w.Log.Debug("shard apply done",
			logx.String("request_id", req.RequestID),
			logx.String("user", req.UserID),
			logx.Int("results", len(resp.Results)),
			logx.Int("updated", resp.Updated),
		)
	}
	return resp
}

// Reapply runs the policy for one guild. ok is false when the guild is not
// hosted here or the member is absent.
func (w *Worker) Reapply(ctx context.Context, guildID, userID, timezoneID string) (fleet.PartitionResult, bool) {
	name, ok := w.Members.Partition(ctx, guildID)
	if !ok {
		return fleet.PartitionResult{}, false
	}
	m, found, err := w.Members.Member(ctx, guildID, userID)
	if err != nil {
		w.Log.Debug("member lookup failed", logx.String("guild", guildID), logx.String("user", userID), logx.Err(err))
		return fleet.PartitionResult{}, false
	}
	if !found {
		return fleet.PartitionResult{}, false
	}

	res := fleet.PartitionResult{PartitionID: guildID, PartitionName: name, OldName: m.Nickname}
	defer func() { w.metrics().RecordPartitionOutcome(string(res.Outcome)) }()

	switch {
	case m.IsOwner:
		res.Outcome = fleet.OutcomeSkippedOwner
		return res, true
	case !m.IsManageable:
		res.Outcome = fleet.OutcomeSkippedPermissions
		return res, true
	}

	next, ok := w.Names.Format(m.Nickname, timezoneID, m.Username, userID)
	if !ok {
		res.Outcome = fleet.OutcomeError
		res.Error = fmt.Sprintf("cannot compute offset for %q", timezoneID)
		return res, true
	}
	res.NewName = next
	if next == m.Nickname {
		res.Outcome = fleet.OutcomeNoChange
		return res, true
	}

	if err := w.wait(ctx); err != nil {
		res.Outcome = fleet.OutcomeError
		res.Error = err.Error()
		return res, true
	}
	if err := w.Members.SetNickname(ctx, guildID, userID, next); err != nil {
		w.Log.Warn("set nickname failed",
			logx.String("guild", guildID),
			logx.String("user", userID),
			logx.Err(err),
		)
		res.Outcome = fleet.OutcomeError
		res.Error = err.Error()
		return res, true
	}
	res.Outcome = fleet.OutcomeUpdated
	return res, true
}

func (w *Worker) wait(ctx context.Context) error {
	if w.limiter == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return w.limiter.Wait(ctx)
}

func (w *Worker) metrics() metrics.Recorder {
	if w.Metrics == nil {
		return metrics.Nop{}
	}
	return w.Metrics
}
