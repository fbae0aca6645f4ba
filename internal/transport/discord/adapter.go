// Package discord adapts a discordgo session to scrimbot. Inbound gateway
// events become mirror notifications; outbound it implements the scrim
// Platform and the logx channel sink.
package discord

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"scrimbot/internal/mirror"
	rtsup "scrimbot/internal/runtime/supervisor"
	"scrimbot/internal/scrim"
	logx "scrimbot/pkg/logx"
)

type Config struct {
	Token      string
	ShardID    int
	ShardCount int
	// RESTRate caps outbound REST calls per second on top of discordgo's
	// per-route buckets. Burst is RESTBurst.
	RESTRate       float64
	RESTBurst      int
	RequestTimeout time.Duration
}

// Sink receives lifecycle notifications. *mirror.Applier implements it.
type Sink interface {
	Submit(ctx context.Context, n mirror.Notification) error
}

// rest is the subset of *discordgo.Session used outbound.
type rest interface {
	ChannelPermissionSet(channelID, targetID string, targetType discordgo.PermissionOverwriteType, allow, deny int64, options ...discordgo.RequestOption) error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var (
	_ scrim.Platform     = (*Adapter)(nil)
	_ logx.ChannelSender = (*Adapter)(nil)
)

type Adapter struct {
	cfg     Config
	log     logx.Logger
	session *discordgo.Session
	rest    rest
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	sink    Sink
	ctx     context.Context
	remove  []func()

	// dropped is reset by each report; droppedTotal is not.
	dropped      atomic.Uint64
	droppedTotal atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	// Handlers run on the gateway read loop so per-guild order is kept
	// through to the applier.
	s.SyncEvents = true
	// 429s go back to the queue with their Retry-After instead of blocking a worker.
	s.ShouldRetryOnRateLimit = false
	if cfg.ShardCount > 1 {
		s.ShardID, s.ShardCount = cfg.ShardID, cfg.ShardCount
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := newAdapter(cfg, log, s)
	a.session = s
	return a, nil
}

func newAdapter(cfg Config, log logx.Logger, r rest) *Adapter {
	if cfg.RESTRate <= 0 {
		cfg.RESTRate = 5
	}
	if cfg.RESTBurst <= 0 {
		cfg.RESTBurst = 5
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "discord")),
		rest:    r,
		limiter: rate.NewLimiter(rate.Limit(cfg.RESTRate), cfg.RESTBurst),
	}
}

// Start opens the gateway and forwards lifecycle events to sink until Stop.
// REST calls work without Start.
func (a *Adapter) Start(ctx context.Context, sink Sink) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	if a.session == nil {
		return errors.New("discord adapter has no session")
	}
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log),
		// Adapter errors are best effort.
		rtsup.WithCancelOnError(false),
	)
	a.sink = sink
	a.ctx = a.sup.Context()
	a.remove = []func(){
		a.session.AddHandler(a.onEvent),
		a.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.log.Info("gateway ready", logx.String("user", r.User.Username), logx.Int("guilds", len(r.Guilds)))
		}),
	}
	if err := a.session.Open(); err != nil {
		a.removeHandlersLocked()
		a.sup.Cancel()
		return err
	}
	a.running = true

	sup := a.sup
	sup.Go("discord.drop_report", func(c context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped()
				return nil
			case <-t.C:
				a.reportDropped()
			}
		}
	})
	a.log.Info("gateway opened", logx.Int("shard", a.cfg.ShardID), logx.Int("shards", a.cfg.ShardCount))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	a.removeHandlersLocked()
	sup := a.sup
	a.runMu.Unlock()

	err := a.session.Close()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	a.log.Info("gateway closed")
	return err
}

func (a *Adapter) removeHandlersLocked() {
	for _, rm := range a.remove {
		rm()
	}
	a.remove = nil
}

// Dropped returns the number of lifecycle notifications the mirror refused
// since the adapter was created.
func (a *Adapter) Dropped() uint64 { return a.droppedTotal.Load() }

func (a *Adapter) reportDropped() {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("lifecycle events dropped", logx.Uint64("count", n))
	}
}

// forward blocks the gateway loop while the guild's shard is full. A gateway
// stall is preferable to reordering or losing a guild's notifications.
func (a *Adapter) forward(n mirror.Notification, ok bool) {
	if !ok {
		return
	}
	a.runMu.Lock()
	sink, ctx := a.sink, a.ctx
	a.runMu.Unlock()
	if sink == nil || ctx == nil {
		return
	}
	if err := sink.Submit(ctx, n); err != nil {
		a.dropped.Add(1)
		a.droppedTotal.Add(1)
		a.log.Debug("lifecycle event not applied", logx.String("op", n.Kind.String()), logx.String("guild_id", n.GuildID), logx.Err(err))
	}
}

// onEvent receives every gateway payload.
func (a *Adapter) onEvent(_ *discordgo.Session, ev any) {
	a.forward(notificationFor(ev))
}
