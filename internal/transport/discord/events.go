package discord

import (
	"github.com/bwmarrin/discordgo"

	"scrimbot/internal/mirror"
	"scrimbot/internal/snapshot"
)

// Gateway payload to notification mapping. Each reports false for events the
// mirror ignores (DMs, unavailable guilds, empty payloads).
//
// Only create and delete are mapped. Updates (renames, reorders) are not
// mirrored; the next GuildCreate after a reconnect rehydrates the guild.

func notificationFor(ev any) (mirror.Notification, bool) {
	switch e := ev.(type) {
	case *discordgo.GuildCreate:
		return guildObserved(e)
	case *discordgo.ChannelCreate:
		return channelCreated(e)
	case *discordgo.ChannelDelete:
		return channelDeleted(e)
	case *discordgo.GuildRoleCreate:
		return roleCreated(e)
	case *discordgo.GuildRoleDelete:
		return roleDeleted(e)
	}
	return mirror.Notification{}, false
}

func guildObserved(e *discordgo.GuildCreate) (mirror.Notification, bool) {
	if e == nil || e.Guild == nil || e.ID == "" || e.Unavailable {
		return mirror.Notification{}, false
	}
	n := mirror.Notification{
		Kind:     mirror.GuildObserved,
		GuildID:  e.ID,
		Guild:    snapshot.FromGuild(e.Guild),
		Channels: make([]snapshot.Channel, 0, len(e.Channels)),
		Roles:    make([]snapshot.Role, 0, len(e.Roles)),
	}
	for _, c := range e.Channels {
		if c == nil {
			continue
		}
		ch := snapshot.FromChannel(c)
		if ch.GuildID == "" {
			// GUILD_CREATE channels omit guild_id.
			ch.GuildID = e.ID
		}
		n.Channels = append(n.Channels, ch)
	}
	for _, r := range e.Roles {
		if r != nil {
			n.Roles = append(n.Roles, snapshot.FromRole(e.ID, r))
		}
	}
	return n, true
}

func channelCreated(e *discordgo.ChannelCreate) (mirror.Notification, bool) {
	if e == nil || e.Channel == nil || e.GuildID == "" || e.ID == "" {
		return mirror.Notification{}, false
	}
	return mirror.Notification{Kind: mirror.ChannelCreated, GuildID: e.GuildID, Channel: snapshot.FromChannel(e.Channel)}, true
}

func channelDeleted(e *discordgo.ChannelDelete) (mirror.Notification, bool) {
	if e == nil || e.Channel == nil || e.GuildID == "" || e.ID == "" {
		return mirror.Notification{}, false
	}
	return mirror.Notification{Kind: mirror.ChannelDeleted, GuildID: e.GuildID, ID: e.ID}, true
}

func roleCreated(e *discordgo.GuildRoleCreate) (mirror.Notification, bool) {
	if e == nil || e.GuildRole == nil || e.Role == nil || e.GuildID == "" {
		return mirror.Notification{}, false
	}
	return mirror.Notification{Kind: mirror.RoleCreated, GuildID: e.GuildID, Role: snapshot.FromRole(e.GuildID, e.Role)}, true
}

func roleDeleted(e *discordgo.GuildRoleDelete) (mirror.Notification, bool) {
	if e == nil || e.GuildID == "" || e.RoleID == "" {
		return mirror.Notification{}, false
	}
	return mirror.Notification{Kind: mirror.RoleDeleted, GuildID: e.GuildID, ID: e.RoleID}, true
}
