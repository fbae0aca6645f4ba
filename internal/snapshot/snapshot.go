package snapshot

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/bwmarrin/snowflake"
)

// Version is the schema version written into every record.
const Version = 1

// discordEpochMS is the Discord snowflake epoch (2015-01-01T00:00:00Z).
// snowflake.Epoch is a package global shared with other users of the
// library, so it is never reassigned here.
const discordEpochMS int64 = 1420070400000

// ChannelKind is the closed set of channel types the mirror distinguishes.
type ChannelKind string

const (
	KindText         ChannelKind = "text"
	KindVoice        ChannelKind = "voice"
	KindCategory     ChannelKind = "category"
	KindAnnouncement ChannelKind = "announcement"
	KindStage        ChannelKind = "stage"
	KindForum        ChannelKind = "forum"
	KindThread       ChannelKind = "thread"
	KindUnknown      ChannelKind = "unknown"
)

// Valid reports whether k is one of the known kinds.
func (k ChannelKind) Valid() bool {
	switch k {
	case KindText, KindVoice, KindCategory, KindAnnouncement, KindStage, KindForum, KindThread, KindUnknown:
		return true
	}
	return false
}

func kindOf(t discordgo.ChannelType) ChannelKind {
	switch t {
	case discordgo.ChannelTypeGuildText:
		return KindText
	case discordgo.ChannelTypeGuildVoice:
		return KindVoice
	case discordgo.ChannelTypeGuildCategory:
		return KindCategory
	case discordgo.ChannelTypeGuildNews:
		return KindAnnouncement
	case discordgo.ChannelTypeGuildStageVoice:
		return KindStage
	case discordgo.ChannelTypeGuildForum:
		return KindForum
	case discordgo.ChannelTypeGuildNewsThread,
		discordgo.ChannelTypeGuildPublicThread,
		discordgo.ChannelTypeGuildPrivateThread:
		return KindThread
	default:
		return KindUnknown
	}
}

type Guild struct {
	V           int       `cbor:"v"`
	ID          string    `cbor:"id"`
	Name        string    `cbor:"name"`
	Icon        string    `cbor:"icon,omitempty"`
	MemberCount int       `cbor:"member_count"`
	CreatedAt   time.Time `cbor:"created_at"`
}

type Channel struct {
	V         int         `cbor:"v"`
	ID        string      `cbor:"id"`
	GuildID   string      `cbor:"guild_id"`
	Name      string      `cbor:"name"`
	Kind      ChannelKind `cbor:"kind"`
	ParentID  string      `cbor:"parent_id,omitempty"`
	Position  int         `cbor:"position"`
	CreatedAt time.Time   `cbor:"created_at"`
}

// Role keeps Permissions as an opaque bitfield. It is round-tripped, never
// interpreted.
type Role struct {
	V           int       `cbor:"v"`
	ID          string    `cbor:"id"`
	GuildID     string    `cbor:"guild_id"`
	Name        string    `cbor:"name"`
	Color       int       `cbor:"color"`
	Hoist       bool      `cbor:"hoist"`
	Position    int       `cbor:"position"`
	Permissions uint64    `cbor:"permissions"`
	Managed     bool      `cbor:"managed,omitempty"`
	CreatedAt   time.Time `cbor:"created_at"`
}

// FromGuild copies the guild-level fields. Channels and roles are converted
// separately, usually from g.Channels and g.Roles.
func FromGuild(g *discordgo.Guild) Guild {
	if g == nil {
		return Guild{V: Version}
	}
	return Guild{
		V:           Version,
		ID:          g.ID,
		Name:        g.Name,
		Icon:        g.Icon,
		MemberCount: g.MemberCount,
		CreatedAt:   CreatedAt(g.ID),
	}
}

func FromChannel(c *discordgo.Channel) Channel {
	if c == nil {
		return Channel{V: Version, Kind: KindUnknown}
	}
	return Channel{
		V:         Version,
		ID:        c.ID,
		GuildID:   c.GuildID,
		Name:      c.Name,
		Kind:      kindOf(c.Type),
		ParentID:  c.ParentID,
		Position:  c.Position,
		CreatedAt: CreatedAt(c.ID),
	}
}

// FromRole needs the guild id explicitly: discordgo roles do not carry it.
func FromRole(guildID string, r *discordgo.Role) Role {
	if r == nil {
		return Role{V: Version, GuildID: guildID}
	}
	return Role{
		V:           Version,
		ID:          r.ID,
		GuildID:     guildID,
		Name:        r.Name,
		Color:       r.Color,
		Hoist:       r.Hoist,
		Position:    r.Position,
		Permissions: uint64(r.Permissions),
		Managed:     r.Managed,
		CreatedAt:   CreatedAt(r.ID),
	}
}

// CreatedAt returns the creation time embedded in a Discord snowflake id, or
// the zero time when id does not parse.
func CreatedAt(id string) time.Time {
	sf, err := snowflake.ParseString(id)
	if err != nil || sf.Int64() <= 0 {
		return time.Time{}
	}
	ms := (sf.Int64() >> 22) + discordEpochMS
	return time.UnixMilli(ms).UTC()
}
