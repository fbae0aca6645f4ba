package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/kv"
	"scrimbot/internal/snapshot"
	logx "scrimbot/pkg/logx"
)

func newTestMirror(t *testing.T) (*Mirror, kv.Store) {
	t.Helper()
	st := kv.NewMemory(nil)
	return New(st, kv.Keyspace{Prefix: "test"}, logx.Nop(), nil), st
}

func ch(id, name string) snapshot.Channel {
	return snapshot.Channel{V: snapshot.Version, ID: id, Name: name, Kind: snapshot.KindText}
}

func role(id, name string, pos int) snapshot.Role {
	return snapshot.Role{V: snapshot.Version, ID: id, Name: name, Position: pos}
}

func names[T any](m map[string]T, name func(T) string) map[string]string {
	out := make(map[string]string, len(m))
	for id, v := range m {
		out[id] = name(v)
	}
	return out
}

func channelNames(m map[string]snapshot.Channel) map[string]string {
	return names(m, func(c snapshot.Channel) string { return c.Name })
}

func roleNames(m map[string]snapshot.Role) map[string]string {
	return names(m, func(r snapshot.Role) string { return r.Name })
}

func equalNames(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func TestHydrateIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMirror(t)

	g := snapshot.Guild{V: snapshot.Version, ID: "G1", Name: "Scrims"}
	chs := []snapshot.Channel{ch("C1", "general"), ch("C2", "register")}
	roles := []snapshot.Role{role("R1", "admin", 2)}

	for i := 0; i < 2; i++ {
		if err := m.HydrateGuild(ctx, g, chs, roles); err != nil {
			t.Fatalf("HydrateGuild #%d: %v", i, err)
		}
	}

	got, hydrated, err := m.ReadChannels(ctx, "G1")
	if err != nil || !hydrated {
		t.Fatalf("ReadChannels = %v, %v", hydrated, err)
	}
	if want := map[string]string{"C1": "general", "C2": "register"}; !equalNames(channelNames(got), want) {
		t.Fatalf("channels = %v, want %v", channelNames(got), want)
	}
	if got["C1"].GuildID != "G1" {
		t.Fatalf("channel guild id = %q", got["C1"].GuildID)
	}
	meta, hydrated, err := m.ReadGuild(ctx, "G1")
	if err != nil || !hydrated || meta.Name != "Scrims" {
		t.Fatalf("ReadGuild = %+v, %v, %v", meta, hydrated, err)
	}
}

func TestHydrateReplacesStaleEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMirror(t)
	g := snapshot.Guild{ID: "G1"}

	if err := m.HydrateGuild(ctx, g, []snapshot.Channel{ch("C1", "general"), ch("C9", "old")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.HydrateGuild(ctx, g, []snapshot.Channel{ch("C1", "general")}, nil); err != nil {
		t.Fatal(err)
	}
	got, _, _ := m.ReadChannels(ctx, "G1")
	if _, ok := got["C9"]; ok || len(got) != 1 {
		t.Fatalf("channels after rehydrate = %v", channelNames(got))
	}
}

func TestNotHydratedDiffersFromEmpty(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMirror(t)

	chs, hydrated, err := m.ReadChannels(ctx, "G404")
	if err != nil || hydrated || chs != nil {
		t.Fatalf("unknown guild: %v, %v, %v", chs, hydrated, err)
	}

	if err := m.HydrateGuild(ctx, snapshot.Guild{ID: "G2"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	chs, hydrated, err = m.ReadChannels(ctx, "G2")
	if err != nil || !hydrated || len(chs) != 0 {
		t.Fatalf("empty guild: %v, %v, %v", chs, hydrated, err)
	}
	_, hydrated, _ = m.HasRole(ctx, "G404", "R1")
	if hydrated {
		t.Fatal("HasRole reported hydrated for unknown guild")
	}
}

func TestCreateDeleteSymmetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMirror(t)
	if err := m.HydrateGuild(ctx, snapshot.Guild{ID: "G1"}, []snapshot.Channel{ch("C1", "general")}, []snapshot.Role{role("R1", "admin", 1)}); err != nil {
		t.Fatal(err)
	}
	before, _, _ := m.ReadChannels(ctx, "G1")
	beforeRoles, _, _ := m.ReadRoles(ctx, "G1")

	if err := m.UpsertChannel(ctx, "G1", ch("C2", "scrim-1")); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveChannel(ctx, "G1", "C2"); err != nil {
		t.Fatal(err)
	}
	if err := m.UpsertRole(ctx, "G1", role("R2", "mod", 0)); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveRole(ctx, "G1", "R2"); err != nil {
		t.Fatal(err)
	}

	after, _, _ := m.ReadChannels(ctx, "G1")
	afterRoles, _, _ := m.ReadRoles(ctx, "G1")
	if !equalNames(channelNames(before), channelNames(after)) {
		t.Fatalf("channels %v != %v", channelNames(before), channelNames(after))
	}
	if !equalNames(roleNames(beforeRoles), roleNames(afterRoles)) {
		t.Fatalf("roles %v != %v", roleNames(beforeRoles), roleNames(afterRoles))
	}

	// Removing something unknown is a no-op.
	if err := m.RemoveChannel(ctx, "G1", "C404"); err != nil {
		t.Fatalf("RemoveChannel(unknown): %v", err)
	}
}

func TestGuildScenarioRemoveThenAddRole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMirror(t)

	if err := m.HydrateGuild(ctx, snapshot.Guild{ID: "G1"}, []snapshot.Channel{ch("C1", "general")}, []snapshot.Role{role("R1", "admin", 1)}); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveChannel(ctx, "G1", "C1"); err != nil {
		t.Fatal(err)
	}
	chs, hydrated, err := m.ReadChannels(ctx, "G1")
	if err != nil || !hydrated || len(chs) != 0 {
		t.Fatalf("channels = %v, %v, %v; want empty", channelNames(chs), hydrated, err)
	}

	if err := m.UpsertRole(ctx, "G1", role("R2", "mod", 0)); err != nil {
		t.Fatal(err)
	}
	roles, _, err := m.ReadRoles(ctx, "G1")
	if err != nil {
		t.Fatal(err)
	}
	if want := map[string]string{"R1": "admin", "R2": "mod"}; !equalNames(roleNames(roles), want) {
		t.Fatalf("roles = %v, want %v", roleNames(roles), want)
	}
}

func TestRolesByPosition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMirror(t)
	roles := []snapshot.Role{role("R3", "everyone", 0), role("R1", "admin", 5), role("R2", "mod", 3), role("R0", "mod2", 3)}
	if err := m.HydrateGuild(ctx, snapshot.Guild{ID: "G1"}, nil, roles); err != nil {
		t.Fatal(err)
	}
	got, _, err := m.RolesByPosition(ctx, "G1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"R3", "R0", "R2", "R1"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, r := range got {
		if r.ID != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full %v)", i, r.ID, want[i], got)
		}
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, st := newTestMirror(t)
	_ = st.Close()

	if err := m.UpsertChannel(ctx, "G1", ch("C1", "general")); !errors.Is(err, kv.ErrClosed) {
		t.Fatalf("UpsertChannel err = %v, want ErrClosed", err)
	}
	if _, _, err := m.ReadRoles(ctx, "G1"); err == nil {
		t.Fatal("ReadRoles on closed store: expected error")
	}
}

func TestHydratePublishesEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	m := New(kv.NewMemory(nil), kv.Keyspace{}, logx.Nop(), bus)

	if err := m.HydrateGuild(context.Background(), snapshot.Guild{ID: "G1"}, nil, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.MirrorHydrated {
			t.Fatalf("event type = %s", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}
