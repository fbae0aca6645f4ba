// Package scrim runs scheduled scrim lifecycle actions. Opening registration
// takes a lock per (action, scrim), reads the scrim from the relational store
// and patches the registration channel on the platform.
package scrim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"scrimbot/internal/eventbus"
	"scrimbot/internal/kv"
	"scrimbot/internal/lock"
	"scrimbot/internal/storage"
	"scrimbot/internal/task/queue"
	logx "scrimbot/pkg/logx"
)

// ErrPlatformRequest wraps a failed outbound platform call. The wrapped error
// keeps any engine.NoRetry or engine.RetryAfter marker set by the adapter.
var ErrPlatformRequest = errors.New("platform request failed")

// Platform is the outbound side of the chat platform.
type Platform interface {
	SetChannelPermissions(ctx context.Context, channelID string, overwrites []PermissionOverwrite) error
}

// Locker is satisfied by *lock.Manager.
type Locker interface {
	WithLock(ctx context.Context, resource string, lease time.Duration, fn func(ctx context.Context) error, opts ...lock.Option) error
}

type State string

const (
	StateScheduled State = "scheduled"
	StateLocking   State = "locking"
	StateExecuting State = "executing"
	StateDone      State = "done"
	StateSkipped   State = "skipped"
	StateDropped   State = "dropped"
	StateFailed    State = "failed"
)

const (
	ReasonMalformedID     = "malformed_scrim_id"
	ReasonLockUnavailable = "lock_unavailable"
	ReasonScrimNotFound   = "scrim_not_found"
	ReasonNoChannel       = "no_registration_channel"
	ReasonOpened          = "registration_opened"
)

// Outcome is the terminal state of one handled job.
type Outcome struct {
	State   State
	ScrimID int64
	Reason  string
	Err     error
}

type Config struct {
	// Lease bounds the guarded section and is also the window in which a
	// redelivered job is skipped after a success.
	Lease time.Duration
}

type Controller struct {
	scrims   storage.ScrimStore
	locks    Locker
	platform Platform
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
}

func NewController(scrims storage.ScrimStore, locks Locker, platform Platform, cfg Config, log logx.Logger, bus eventbus.Bus) *Controller {
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Controller{
		scrims:   scrims,
		locks:    locks,
		platform: platform,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "scrim")),
		bus:      bus,
	}
}

// Register routes the controller's actions on d.
func (c *Controller) Register(d *queue.Dispatcher) {
	d.Register(queue.ActionScrimRegistrationStart, queue.HandlerFunc(c.handleRegistrationStart))
}

func (c *Controller) handleRegistrationStart(ctx context.Context, j queue.Job) error {
	out := c.OpenRegistration(ctx, j.TargetID)
	switch out.State {
	case StateDropped:
		return fmt.Errorf("%w: scrim id %q", queue.ErrMalformedJob, j.TargetID)
	case StateFailed:
		return out.Err
	}
	return nil
}

// OpenRegistration performs the open-registration action for the scrim whose
// id is rawID. Running it again inside the lease window after a success is a
// skip; running it after the window re-applies the same overwrite.
func (c *Controller) OpenRegistration(ctx context.Context, rawID string) Outcome {
	id, ok := parseScrimID(rawID)
	if !ok {
		return c.finish(Outcome{State: StateDropped, Reason: ReasonMalformedID})
	}
	log := c.log.With(logx.Int64("scrim_id", id))
	resource := "scrim:" + strconv.FormatInt(id, 10) + ":open-registration"

	log.Debug("acquiring lock", logx.String("state", string(StateLocking)), logx.String("resource", resource))
	out := Outcome{ScrimID: id}
	err := c.locks.WithLock(ctx, resource, c.cfg.Lease, func(ctx context.Context) error {
		log.Debug("executing", logx.String("state", string(StateExecuting)))
		var err error
		out.State, out.Reason, err = c.open(ctx, id)
		return err
	}, lock.HoldOnSuccess())

	switch {
	case errors.Is(err, lock.ErrLockUnavailable):
		if errors.Is(err, kv.ErrUnavailable) || errors.Is(err, kv.ErrClosed) {
			log.Warn("lock store failed; skipping", logx.Err(err))
		}
		c.bus.Publish(eventbus.Event{Type: eventbus.JobSkipped, Data: eventbus.JobEvent{
			Name:   queue.Job{Action: queue.ActionScrimRegistrationStart, TargetID: rawID}.Name(),
			Reason: ReasonLockUnavailable,
		}})
		return c.finish(Outcome{State: StateSkipped, ScrimID: id, Reason: ReasonLockUnavailable})
	case err != nil:
		return c.finish(Outcome{State: StateFailed, ScrimID: id, Reason: err.Error(), Err: err})
	}
	return c.finish(out)
}

func (c *Controller) open(ctx context.Context, id int64) (State, string, error) {
	sc, err := c.scrims.GetScrim(ctx, id)
	if errors.Is(err, storage.ErrScrimNotFound) {
		return StateDone, ReasonScrimNotFound, nil
	}
	if err != nil {
		return StateFailed, "", fmt.Errorf("load scrim %d: %w", id, err)
	}
	// Re-read state inside the lock: the channel may have been unset since scheduling.
	if sc.RegistrationChannelID == "" || sc.GuildID == "" {
		return StateDone, ReasonNoChannel, nil
	}
	role := sc.OpenRoleID
	if role == "" {
		role = sc.GuildID
	}
	ow := []PermissionOverwrite{RegistrationOverwrite(role)}
	if err := c.platform.SetChannelPermissions(ctx, sc.RegistrationChannelID, ow); err != nil {
		return StateFailed, "", fmt.Errorf("%w: channel %s: %w", ErrPlatformRequest, sc.RegistrationChannelID, err)
	}
	return StateDone, ReasonOpened, nil
}

func (c *Controller) finish(out Outcome) Outcome {
	fields := []logx.Field{
		logx.Int64("scrim_id", out.ScrimID),
		logx.String("state", string(out.State)),
		logx.String("reason", out.Reason),
	}
	switch out.State {
	case StateFailed:
		c.log.Warn("open registration failed", fields...)
	case StateDropped:
		c.log.Warn("open registration dropped", fields...)
	case StateSkipped:
		c.log.Debug("open registration skipped", fields...)
	default:
		c.log.Info("open registration finished", fields...)
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.ScrimOutcome, Data: eventbus.ScrimEvent{
		ScrimID: out.ScrimID,
		Action:  string(queue.ActionScrimRegistrationStart),
		State:   string(out.State),
		Reason:  out.Reason,
	}})
	return out
}

// parseScrimID accepts a positive base-10 int64 with no sign or spaces.
func parseScrimID(s string) (int64, bool) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
