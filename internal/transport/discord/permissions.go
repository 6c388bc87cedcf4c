package discord

import (
	"errors"
	"net/http"
	"strconv"

	"tzbot/internal/shard"

	"github.com/bwmarrin/discordgo"
)

// ShardFor returns the gateway shard that receives guildID's events.
func ShardFor(guildID string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	id, err := strconv.ParseUint(guildID, 10, 64)
	if err != nil {
		return -1
	}
	return int((id >> 22) % uint64(shardCount))
}

func snapshot(g *discordgo.Guild, m *discordgo.Member) shard.MemberSnapshot {
	snap := shard.MemberSnapshot{Nickname: m.Nick}
	if m.User != nil {
		snap.Username = displayName(m.User)
		snap.IsOwner = g.OwnerID == m.User.ID
	}
	return snap
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// canManage reports whether bot may change target's nickname: the target is
// not the owner, bot holds Manage Nicknames (or Administrator, or owns the
// guild), and bot's highest role sits above target's.
func canManage(g *discordgo.Guild, bot, target *discordgo.Member) bool {
	if g == nil || bot == nil || target == nil || bot.User == nil || target.User == nil {
		return false
	}
	if target.User.ID == g.OwnerID {
		return false
	}
	if bot.User.ID == g.OwnerID {
		return true
	}
	perms := memberPermissions(g, bot)
	if perms&(discordgo.PermissionManageNicknames|discordgo.PermissionAdministrator) == 0 {
		return false
	}
	return highestPosition(g, bot) > highestPosition(g, target)
}

// memberPermissions ORs the @everyone role with every role the member holds.
func memberPermissions(g *discordgo.Guild, m *discordgo.Member) int64 {
	held := make(map[string]bool, len(m.Roles)+1)
	held[g.ID] = true
	for _, id := range m.Roles {
		held[id] = true
	}
	var perms int64
	for _, r := range g.Roles {
		if held[r.ID] {
			perms |= r.Permissions
		}
	}
	return perms
}

func highestPosition(g *discordgo.Guild, m *discordgo.Member) int {
	held := make(map[string]bool, len(m.Roles))
	for _, id := range m.Roles {
		held[id] = true
	}
	top := 0
	for _, r := range g.Roles {
		if held[r.ID] && r.Position > top {
			top = r.Position
		}
	}
	return top
}

func isUnknownMember(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			return true
		}
	}
	return rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

func truncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLen {
		return s
	}
	return string(r[:maxMessageLen-1]) + "…"
}
