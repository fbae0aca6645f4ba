// Package mirror keeps a copy of Discord guild state (guild meta, channels,
// roles) in the shared key-value store so command handlers can answer
// existence questions without calling the rate-limited REST API.
//
// Layout per guild:
//
//	mirror:guild:<id>           guild meta record (presence means "hydrated")
//	mirror:guild:<id>:channels  hash channel-id -> channel record
//	mirror:guild:<id>:roles     hash role-id    -> role record
//
// There is no update path: a renamed channel or role keeps its old name
// here until the guild is hydrated again.
package mirror

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/kv"
	"scrimbot/internal/snapshot"
	logx "scrimbot/pkg/logx"
)

const stripes = 64

type Mirror struct {
	st  kv.Store
	ks  kv.Keyspace
	log logx.Logger
	bus eventbus.Bus

	// Per-guild write serialization inside this process. Hydration and
	// incremental updates of one guild never interleave through the same Mirror.
	locks [stripes]sync.Mutex
}

func New(st kv.Store, ks kv.Keyspace, log logx.Logger, bus eventbus.Bus) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Mirror{st: st, ks: ks, log: log.With(logx.String("comp", "mirror")), bus: bus}
}

func (m *Mirror) guildKey(id string) string { return m.ks.Key(kv.NamespaceMirror, "guild", id) }
func (m *Mirror) channelsKey(id string) string {
	return m.ks.Key(kv.NamespaceMirror, "guild", id, "channels")
}
func (m *Mirror) rolesKey(id string) string { return m.ks.Key(kv.NamespaceMirror, "guild", id, "roles") }

func (m *Mirror) lockGuild(id string) func() {
	mu := &m.locks[xxhash.Sum64String(id)%stripes]
	mu.Lock()
	return mu.Unlock
}

// HydrateGuild replaces everything cached for the guild in one store write.
// Channels and roles missing from the arguments disappear from the cache.
func (m *Mirror) HydrateGuild(ctx context.Context, g snapshot.Guild, channels []snapshot.Channel, roles []snapshot.Role) error {
	id := strings.TrimSpace(g.ID)
	if id == "" {
		return fmt.Errorf("mirror hydrate: empty guild id")
	}
	g.ID = id

	meta, err := snapshot.Encode(g)
	if err != nil {
		return err
	}
	chs := make(map[string][]byte, len(channels))
	for _, c := range channels {
		if c.ID == "" {
			continue
		}
		if c.GuildID == "" {
			c.GuildID = id
		}
		b, err := snapshot.Encode(c)
		if err != nil {
			return err
		}
		chs[c.ID] = b
	}
	rs := make(map[string][]byte, len(roles))
	for _, r := range roles {
		if r.ID == "" {
			continue
		}
		if r.GuildID == "" {
			r.GuildID = id
		}
		b, err := snapshot.Encode(r)
		if err != nil {
			return err
		}
		rs[r.ID] = b
	}

	unlock := m.lockGuild(id)
	defer unlock()
	err = m.st.Replace(ctx, kv.Replacement{
		Keys: map[string][]byte{m.guildKey(id): meta},
		Hashes: map[string]map[string][]byte{
			m.channelsKey(id): chs,
			m.rolesKey(id):    rs,
		},
	})
	if err != nil {
		return fmt.Errorf("mirror hydrate %s: %w", id, err)
	}
	m.log.Debug("guild hydrated", logx.String("guild_id", id), logx.Int("channels", len(chs)), logx.Int("roles", len(rs)))
	m.bus.Publish(eventbus.Event{Type: eventbus.MirrorHydrated, Data: eventbus.MirrorEvent{GuildID: id, Op: "hydrate"}})
	return nil
}

func (m *Mirror) UpsertChannel(ctx context.Context, guildID string, c snapshot.Channel) error {
	if guildID == "" || c.ID == "" {
		return fmt.Errorf("mirror upsert channel: empty id")
	}
	c.GuildID = guildID
	b, err := snapshot.Encode(c)
	if err != nil {
		return err
	}
	unlock := m.lockGuild(guildID)
	defer unlock()
	if err := m.st.HSet(ctx, m.channelsKey(guildID), c.ID, b); err != nil {
		return fmt.Errorf("mirror upsert channel %s/%s: %w", guildID, c.ID, err)
	}
	return nil
}

// RemoveChannel is a no-op for an unknown channel.
func (m *Mirror) RemoveChannel(ctx context.Context, guildID, channelID string) error {
	unlock := m.lockGuild(guildID)
	defer unlock()
	if err := m.st.HDel(ctx, m.channelsKey(guildID), channelID); err != nil {
		return fmt.Errorf("mirror remove channel %s/%s: %w", guildID, channelID, err)
	}
	return nil
}

func (m *Mirror) UpsertRole(ctx context.Context, guildID string, r snapshot.Role) error {
	if guildID == "" || r.ID == "" {
		return fmt.Errorf("mirror upsert role: empty id")
	}
	r.GuildID = guildID
	b, err := snapshot.Encode(r)
	if err != nil {
		return err
	}
	unlock := m.lockGuild(guildID)
	defer unlock()
	if err := m.st.HSet(ctx, m.rolesKey(guildID), r.ID, b); err != nil {
		return fmt.Errorf("mirror upsert role %s/%s: %w", guildID, r.ID, err)
	}
	return nil
}

func (m *Mirror) RemoveRole(ctx context.Context, guildID, roleID string) error {
	unlock := m.lockGuild(guildID)
	defer unlock()
	if err := m.st.HDel(ctx, m.rolesKey(guildID), roleID); err != nil {
		return fmt.Errorf("mirror remove role %s/%s: %w", guildID, roleID, err)
	}
	return nil
}

// ReadGuild returns hydrated=false when the guild was never hydrated.
func (m *Mirror) ReadGuild(ctx context.Context, guildID string) (snapshot.Guild, bool, error) {
	b, ok, err := m.st.Get(ctx, m.guildKey(guildID))
	if err != nil {
		return snapshot.Guild{}, false, fmt.Errorf("mirror read guild %s: %w", guildID, err)
	}
	if !ok {
		return snapshot.Guild{}, false, nil
	}
	var g snapshot.Guild
	if err := snapshot.Decode(b, &g); err != nil {
		return snapshot.Guild{}, false, fmt.Errorf("mirror read guild %s: %w", guildID, err)
	}
	return g, true, nil
}

// ReadChannels returns the cached channels keyed by id. hydrated=false
// distinguishes a guild that was never hydrated from one with no channels.
func (m *Mirror) ReadChannels(ctx context.Context, guildID string) (map[string]snapshot.Channel, bool, error) {
	raw, hydrated, err := m.readHash(ctx, guildID, m.channelsKey(guildID))
	if err != nil || !hydrated {
		return nil, hydrated, err
	}
	out := make(map[string]snapshot.Channel, len(raw))
	for id, b := range raw {
		var c snapshot.Channel
		if err := snapshot.Decode(b, &c); err != nil {
			m.log.Warn("skipping undecodable channel record", logx.String("guild_id", guildID), logx.String("channel_id", id), logx.Err(err))
			continue
		}
		out[id] = c
	}
	return out, true, nil
}

func (m *Mirror) ReadRoles(ctx context.Context, guildID string) (map[string]snapshot.Role, bool, error) {
	raw, hydrated, err := m.readHash(ctx, guildID, m.rolesKey(guildID))
	if err != nil || !hydrated {
		return nil, hydrated, err
	}
	out := make(map[string]snapshot.Role, len(raw))
	for id, b := range raw {
		var r snapshot.Role
		if err := snapshot.Decode(b, &r); err != nil {
			m.log.Warn("skipping undecodable role record", logx.String("guild_id", guildID), logx.String("role_id", id), logx.Err(err))
			continue
		}
		out[id] = r
	}
	return out, true, nil
}

// RolesByPosition lists roles by precedence: a lower position ranks higher,
// so the result is ascending by position, then by id for equal positions.
func (m *Mirror) RolesByPosition(ctx context.Context, guildID string) ([]snapshot.Role, bool, error) {
	roles, hydrated, err := m.ReadRoles(ctx, guildID)
	if err != nil || !hydrated {
		return nil, hydrated, err
	}
	out := make([]snapshot.Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out, true, nil
}

// HasChannel reports whether the channel is cached for the guild. A guild
// that was never hydrated yields hydrated=false and no answer.
func (m *Mirror) HasChannel(ctx context.Context, guildID, channelID string) (found, hydrated bool, err error) {
	chs, hydrated, err := m.ReadChannels(ctx, guildID)
	if err != nil || !hydrated {
		return false, hydrated, err
	}
	_, found = chs[channelID]
	return found, true, nil
}

func (m *Mirror) HasRole(ctx context.Context, guildID, roleID string) (found, hydrated bool, err error) {
	roles, hydrated, err := m.ReadRoles(ctx, guildID)
	if err != nil || !hydrated {
		return false, hydrated, err
	}
	_, found = roles[roleID]
	return found, true, nil
}

func (m *Mirror) readHash(ctx context.Context, guildID, key string) (map[string][]byte, bool, error) {
	_, ok, err := m.st.Get(ctx, m.guildKey(guildID))
	if err != nil {
		return nil, false, fmt.Errorf("mirror read %s: %w", guildID, err)
	}
	if !ok {
		return nil, false, nil
	}
	raw, err := m.st.HGetAll(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("mirror read %s: %w", guildID, err)
	}
	return raw, true, nil
}
