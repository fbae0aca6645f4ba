package mirror

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/snapshot"
	logx "scrimbot/pkg/logx"
)

// Kind is the type of lifecycle notification delivered by the platform adapter.
type Kind int

const (
	GuildObserved Kind = iota + 1
	ChannelCreated
	ChannelDeleted
	RoleCreated
	RoleDeleted
)

func (k Kind) String() string {
	switch k {
	case GuildObserved:
		return "guild_observed"
	case ChannelCreated:
		return "channel_created"
	case ChannelDeleted:
		return "channel_deleted"
	case RoleCreated:
		return "role_created"
	case RoleDeleted:
		return "role_deleted"
	default:
		return "unknown"
	}
}

// Notification is one platform lifecycle event, already flattened.
// Fields not used by Kind are left empty.
type Notification struct {
	Kind    Kind
	GuildID string

	Guild    snapshot.Guild
	Channels []snapshot.Channel
	Roles    []snapshot.Role

	Channel snapshot.Channel
	Role    snapshot.Role

	// ID is the removed channel or role id.
	ID string
}

var ErrApplierStopped = errors.New("mirror applier stopped")

// Applier feeds notifications into a Mirror. Each guild hashes to one shard
// and each shard is drained by a single goroutine, so notifications for one
// guild are applied in the order Submit saw them.
//
// Mirror errors are logged and dropped; the next hydration repairs the cache.
type Applier struct {
	m   *Mirror
	log logx.Logger
	bus eventbus.Bus

	shards []chan Notification

	mu      sync.Mutex
	running bool
	stopped chan struct{}
}

func NewApplier(m *Mirror, shards, buffer int, log logx.Logger) *Applier {
	if shards <= 0 {
		shards = 8
	}
	if buffer <= 0 {
		buffer = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Applier{
		m:       m,
		log:     log.With(logx.String("comp", "mirror.applier")),
		bus:     m.bus,
		shards:  make([]chan Notification, shards),
		stopped: make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i] = make(chan Notification, buffer)
	}
	return a
}

func (a *Applier) shardFor(guildID string) chan Notification {
	return a.shards[xxhash.Sum64String(guildID)%uint64(len(a.shards))]
}

// Submit queues n behind earlier notifications of the same guild. It blocks
// while the shard buffer is full, until ctx is done or the applier stops.
func (a *Applier) Submit(ctx context.Context, n Notification) error {
	if n.GuildID == "" {
		n.GuildID = n.Guild.ID
	}
	select {
	case <-a.stopped:
		return ErrApplierStopped
	default:
	}
	select {
	case a.shardFor(n.GuildID) <- n:
		return nil
	case <-a.stopped:
		return ErrApplierStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains all shards until ctx is canceled. Notifications still buffered
// at that point are discarded.
func (a *Applier) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("mirror applier already running")
	}
	a.running = true
	a.mu.Unlock()

	var wg sync.WaitGroup
	for _, ch := range a.shards {
		wg.Add(1)
		go func(ch chan Notification) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case n := <-ch:
					a.apply(ctx, n)
				}
			}
		}(ch)
	}
	<-ctx.Done()
	close(a.stopped)
	wg.Wait()
	return nil
}

func (a *Applier) apply(ctx context.Context, n Notification) {
	var (
		err error
		id  string
	)
	switch n.Kind {
	case GuildObserved:
		err = a.m.HydrateGuild(ctx, n.Guild, n.Channels, n.Roles)
	case ChannelCreated:
		id = n.Channel.ID
		err = a.m.UpsertChannel(ctx, n.GuildID, n.Channel)
	case ChannelDeleted:
		id = n.ID
		err = a.m.RemoveChannel(ctx, n.GuildID, n.ID)
	case RoleCreated:
		id = n.Role.ID
		err = a.m.UpsertRole(ctx, n.GuildID, n.Role)
	case RoleDeleted:
		id = n.ID
		err = a.m.RemoveRole(ctx, n.GuildID, n.ID)
	default:
		a.log.Warn("unknown mirror notification", logx.Int("kind", int(n.Kind)), logx.String("guild_id", n.GuildID))
		return
	}

	ev := eventbus.MirrorEvent{GuildID: n.GuildID, Op: n.Kind.String(), ID: id}
	if err != nil {
		ev.Err = err.Error()
		a.log.Warn("mirror update failed", logx.String("op", n.Kind.String()), logx.String("guild_id", n.GuildID), logx.String("id", id), logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.MirrorApplied, Data: ev})
}
