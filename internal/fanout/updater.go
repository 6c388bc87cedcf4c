// Package fanout applies one user's timezone change on every shard of the
// fleet and aggregates the results.
package fanout

import (
	"context"
	"errors"
	"time"

	"tzbot/internal/eventbus"
	"tzbot/internal/fleet"
	"tzbot/internal/metrics"
	"tzbot/internal/storage"
	logx "tzbot/pkg/logx"

	"github.com/google/uuid"
)

// DefaultTimeout bounds how long one broadcast waits for the slowest shard.
const DefaultTimeout = 30 * time.Second

// PartitionLister resolves which guilds a user belongs to.
type PartitionLister interface {
	ListUserPartitions(ctx context.Context, userID string) ([]string, error)
}

// AuditSink receives applied changes. Record must not block.
type AuditSink interface {
	Record(e storage.AuditEntry)
}

// Updater broadcasts update requests to all shards.
type Updater struct {
	Directory PartitionLister
	Shards    []fleet.Client
	Audit     AuditSink
	Timeout   time.Duration
	Log       logx.Logger
	Metrics   metrics.Recorder
	// Bus, when set, receives a shard-missed event per broadcast with misses.
	Bus eventbus.Bus
	// Source tags audit entries ("sweep" unless set).
	Source string
}

// Result is the aggregate of one broadcast.
type Result struct {
	RequestID string
	Updated   int
	Responses []fleet.UpdateResponse
	// Missed lists shards that failed or did not answer in time.
	Missed []string
}

// ShardMissed is the payload of eventbus.TypeShardMissed.
type ShardMissed struct {
	RequestID string
	UserID    string
	Shards    []string
}

type shardReply struct {
	idx  int
	resp fleet.UpdateResponse
	err  error
}

// ApplyTimezoneChange re-derives userID's nickname in every guild they share
// with the bot and returns how many were updated. A user with no guilds is
// zero work.
func (u *Updater) ApplyTimezoneChange(ctx context.Context, userID, timezoneID string) (int, error) {
	res, err := u.Broadcast(ctx, userID, timezoneID)
	return res.Updated, err
}

// Broadcast is ApplyTimezoneChange with the per-shard detail.
func (u *Updater) Broadcast(ctx context.Context, userID, timezoneID string) (Result, error) {
	parts, err := u.Directory.ListUserPartitions(ctx, userID)
	if err != nil {
		return Result{}, err
	}
	if len(parts) == 0 {
		return Result{}, nil
	}

	req := fleet.UpdateRequest{
		RequestID:  uuid.NewString(),
		Source:     u.source(),
		UserID:     userID,
		TimezoneID: timezoneID,
		Partitions: parts,
	}
	out := Result{RequestID: req.RequestID}
	if len(u.Shards) == 0 {
		return out, nil
	}

	timeout := u.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	bctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	replies := make(chan shardReply, len(u.Shards))
	for i, c := range u.Shards {
		go func(i int, c fleet.Client) {
			resp, err := c.Apply(bctx, req)
			replies <- shardReply{idx: i, resp: resp, err: err}
		}(i, c)
	}

	out.Responses, out.Missed = u.gather(bctx, req.RequestID, replies, timeout)

	if len(out.Missed) > 0 && u.Bus != nil {
		u.Bus.Publish(eventbus.Event{Type: eventbus.TypeShardMissed, Time: time.Now(), Data: ShardMissed{
			RequestID: req.RequestID,
			UserID:    userID,
			Shards:    out.Missed,
		}})
	}

	for _, resp := range out.Responses {
		for _, pr := range resp.Results {
			if pr.Outcome != fleet.OutcomeUpdated {
				continue
			}
			out.Updated++
			u.record(req, pr)
		}
	}
	return out, nil
}

// gather reads one reply per shard until ctx is done. Replies already
// buffered when the deadline fires still count; shards with no reply by then
// are missed.
func (u *Updater) gather(ctx context.Context, requestID string, replies <-chan shardReply, timeout time.Duration) ([]fleet.UpdateResponse, []string) {
	var (
		responses []fleet.UpdateResponse
		missed    []string
	)
	answered := make([]bool, len(u.Shards))
	take := func(r shardReply) {
		answered[r.idx] = true
		if r.err == nil {
			responses = append(responses, r.resp)
			return
		}
		name := u.Shards[r.idx].Name()
		u.Log.Warn("shard apply failed",
			logx.String("shard", name),
			logx.String("request_id", requestID),
			logx.Err(r.err),
		)
		u.metrics().RecordShardFailure(name, errors.Is(r.err, context.DeadlineExceeded))
		missed = append(missed, name)
	}

	for pending := len(u.Shards); pending > 0; pending-- {
		select {
		case r := <-replies:
			take(r)
			continue
		case <-ctx.Done():
		}
	drain:
		for ; pending > 0; pending-- {
			select {
			case r := <-replies:
				take(r)
			default:
				break drain
			}
		}
		for i, c := range u.Shards {
			if answered[i] {
				continue
			}
			u.Log.Warn("shard missed fan-out deadline",
				logx.String("shard", c.Name()),
				logx.String("request_id", requestID),
				logx.Duration("timeout", timeout),
			)
			u.metrics().RecordShardFailure(c.Name(), true)
			missed = append(missed, c.Name())
		}
		break
	}
	return responses, missed
}

func (u *Updater) record(req fleet.UpdateRequest, pr fleet.PartitionResult) {
	if u.Audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			u.Log.Warn("audit sink panicked", logx.Any("panic", r))
		}
	}()
	u.Audit.Record(storage.AuditEntry{
		RequestID:     req.RequestID,
		Source:        req.Source,
		UserID:        req.UserID,
		PartitionID:   pr.PartitionID,
		PartitionName: pr.PartitionName,
		OldName:       pr.OldName,
		NewName:       pr.NewName,
	})
}

func (u *Updater) source() string {
	if u.Source == "" {
		return "sweep"
	}
	return u.Source
}

func (u *Updater) metrics() metrics.Recorder {
	if u.Metrics == nil {
		return metrics.Nop{}
	}
	return u.Metrics
}

// WithSource returns a copy of u that tags audit entries with src.
func (u *Updater) WithSource(src string) *Updater {
	c := *u
	c.Source = src
	return &c
}
