// Package discord connects one shard of the bot to the Discord gateway and
// exposes the guilds it hosts as a shard.MemberManager.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tzbot/internal/shard"
	logx "tzbot/pkg/logx"

	"github.com/bwmarrin/discordgo"
)

// Config selects the gateway shard this process runs.
type Config struct {
	Token      string
	ShardID    int
	ShardCount int
	// Intents defaults to guilds and guild members.
	Intents discordgo.Intent
}

const defaultIntents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers

// maxMessageLen is Discord's limit for a plain message.
const maxMessageLen = 2000

type Adapter struct {
	cfg Config
	log logx.Logger
	s   *discordgo.Session

	runMu    sync.Mutex
	running  bool
	removers []func()
	out      chan<- shard.MemberEvent

	// droppedEvents counts member updates dropped because the consumer fell behind.
	droppedEvents atomic.Uint64
	runCancel     context.CancelFunc
	runWG         sync.WaitGroup
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 1
	}
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.ShardCount {
		return nil, fmt.Errorf("shard id %d out of range [0,%d)", cfg.ShardID, cfg.ShardCount)
	}
	if cfg.Intents == 0 {
		cfg.Intents = defaultIntents
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.ShardID = cfg.ShardID
	s.ShardCount = cfg.ShardCount
	s.Identify.Intents = cfg.Intents
	s.State.TrackMembers = true
	s.State.TrackRoles = true
	return &Adapter{cfg: cfg, log: log, s: s}, nil
}

// Start opens the gateway. Member updates that change a nickname are sent to
// out without blocking the gateway; a full channel drops the event.
func (a *Adapter) Start(ctx context.Context, out chan<- shard.MemberEvent) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out = out
	a.removers = append(a.removers,
		a.s.AddHandler(a.onReady),
		a.s.AddHandler(a.onMemberUpdate),
	)
	if err := a.s.Open(); err != nil {
		for _, rm := range a.removers {
			rm()
		}
		a.removers = nil
		return fmt.Errorf("open gateway: %w", err)
	}
	a.running = true

	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-rctx.Done():
				a.flushDropped(out)
				return
			case <-t.C:
				a.flushDropped(out)
			}
		}
	}()
	return nil
}

func (a *Adapter) flushDropped(out chan<- shard.MemberEvent) {
	if n := a.droppedEvents.Swap(0); n > 0 {
		a.log.Warn("member updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
	}
}

// Stop closes the gateway. It is safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	cancel := a.runCancel
	a.runCancel = nil
	removers := a.removers
	a.removers = nil
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	for _, rm := range removers {
		rm()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan error, 1)
	go func() {
		err := a.s.Close()
		a.runWG.Wait()
		done <- err
	}()
	select {
	case err := <-done:
		a.log.Info("gateway closed")
		return err
	case <-ctx.Done():
		a.log.Warn("gateway close cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// SendText posts text to a channel. It implements logx.Sender.
func (a *Adapter) SendText(ctx context.Context, channelID, text string) error {
	_, err := a.s.ChannelMessageSend(channelID, truncateMessage(text), discordgo.WithContext(ctx))
	return err
}

// Partition reports whether guildID is in this shard's state.
func (a *Adapter) Partition(_ context.Context, guildID string) (string, bool) {
	if ShardFor(guildID, a.cfg.ShardCount) != a.cfg.ShardID {
		return "", false
	}
	g, err := a.s.State.Guild(guildID)
	if err != nil || g.Unavailable {
		return "", false
	}
	return g.Name, true
}

// Member looks the member up in state, then over REST.
func (a *Adapter) Member(ctx context.Context, guildID, userID string) (shard.MemberSnapshot, bool, error) {
	g, err := a.s.State.Guild(guildID)
	if err != nil {
		return shard.MemberSnapshot{}, false, nil
	}
	m, ok, err := a.member(ctx, guildID, userID)
	if err != nil || !ok {
		return shard.MemberSnapshot{}, ok, err
	}
	bot, ok, err := a.member(ctx, guildID, a.botID())
	if err != nil {
		return shard.MemberSnapshot{}, false, fmt.Errorf("bot member: %w", err)
	}
	snap := snapshot(g, m)
	snap.IsManageable = ok && canManage(g, bot, m)
	return snap, true, nil
}

func (a *Adapter) SetNickname(ctx context.Context, guildID, userID, nick string) error {
	return a.s.GuildMemberNickname(guildID, userID, nick, discordgo.WithContext(ctx))
}

func (a *Adapter) member(ctx context.Context, guildID, userID string) (*discordgo.Member, bool, error) {
	if userID == "" {
		return nil, false, nil
	}
	if m, err := a.s.State.Member(guildID, userID); err == nil {
		return m, true, nil
	}
	m, err := a.s.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		if isUnknownMember(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return m, true, nil
}

func (a *Adapter) botID() string {
	if a.s.State == nil || a.s.State.User == nil {
		return ""
	}
	return a.s.State.User.ID
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.log.Info("gateway ready",
		logx.String("user", r.User.Username),
		logx.Int("shard", a.cfg.ShardID),
		logx.Int("shards", a.cfg.ShardCount),
		logx.Int("guilds", len(r.Guilds)),
	)
}

func (a *Adapter) onMemberUpdate(_ *discordgo.Session, ev *discordgo.GuildMemberUpdate) {
	if ev.Member == nil || ev.User == nil || ev.User.ID == a.botID() {
		return
	}
	if ev.BeforeUpdate != nil && ev.BeforeUpdate.Nick == ev.Nick {
		return
	}
	g, err := a.s.State.Guild(ev.GuildID)
	if err != nil {
		return
	}
	me := shard.MemberEvent{
		GuildID:  ev.GuildID,
		UserID:   ev.User.ID,
		Nickname: ev.Nick,
		IsOwner:  g.OwnerID == ev.User.ID,
	}
	if bot, err := a.s.State.Member(ev.GuildID, a.botID()); err == nil {
		me.IsManageable = canManage(g, bot, ev.Member)
	}

	a.runMu.Lock()
	out := a.out
	a.runMu.Unlock()
	if out == nil {
		return
	}
	select {
	case out <- me:
	default:
		a.droppedEvents.Add(1)
	}
}
