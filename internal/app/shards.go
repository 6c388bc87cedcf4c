package app

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"tzbot/internal/fleet"
	"tzbot/internal/shard"
	"tzbot/internal/storage"
	logx "tzbot/pkg/logx"
)

// localShards answers fleet requests for every gateway shard this process hosts.
type localShards []*shard.Worker

func (l localShards) Apply(ctx context.Context, req fleet.UpdateRequest) fleet.UpdateResponse {
	ids := make([]string, 0, len(l))
	var out fleet.UpdateResponse
	for _, w := range l {
		ids = append(ids, w.ID)
		out.Results = append(out.Results, w.Apply(ctx, req).Results...)
	}
	out.ShardID = strings.Join(ids, ",")
	out.Updated = out.CountUpdated()
	return out
}

func shardName(id int) string { return "shard-" + strconv.Itoa(id) }

// memberships records guild membership of users with a timezone.
type memberships interface {
	GetTimezone(ctx context.Context, userID string) (storage.Assignment, error)
	AddMembership(ctx context.Context, userID, partitionID string) error
}

// consumeMemberEvents feeds gateway member updates to the drift handler.
// Members with a timezone are also recorded in the directory so sweeps
// reach every guild they share with the bot.
func consumeMemberEvents(ctx context.Context, events <-chan shard.MemberEvent, dir memberships, h *shard.DriftHandler, log logx.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := dir.GetTimezone(ctx, ev.UserID); err != nil {
				if !errors.Is(err, storage.ErrNotFound) {
					log.Debug("membership lookup failed", logx.String("user", ev.UserID), logx.Err(err))
				}
				continue
			}
			if err := dir.AddMembership(ctx, ev.UserID, ev.GuildID); err != nil {
				log.Warn("record membership failed", logx.String("user", ev.UserID), logx.String("guild", ev.GuildID), logx.Err(err))
			}
			h.OnMemberUpdate(ctx, ev)
		}
	}
}
