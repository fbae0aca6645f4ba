package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"scrimbot/internal/scrim"
	"scrimbot/internal/task/engine"
	logx "scrimbot/pkg/logx"
)

// SetChannelPermissions writes each overwrite with PUT
// /channels/{id}/permissions/{overwrite}. The call is idempotent: writing the
// same overwrite twice leaves the channel unchanged.
func (a *Adapter) SetChannelPermissions(ctx context.Context, channelID string, overwrites []scrim.PermissionOverwrite) error {
	for _, ow := range overwrites {
		typ := discordgo.PermissionOverwriteTypeRole
		if ow.Type == scrim.OverwriteMember {
			typ = discordgo.PermissionOverwriteTypeMember
		}
		err := a.call(ctx, func(opts ...discordgo.RequestOption) error {
			return a.rest.ChannelPermissionSet(channelID, ow.ID, typ, int64(ow.Allow), int64(ow.Deny), opts...)
		})
		if err != nil {
			return fmt.Errorf("set permissions %s on channel %s: %w", ow.ID, channelID, err)
		}
		a.log.Debug("channel permissions set", logx.String("channel_id", channelID), logx.String("target", ow.ID), logx.Uint64("allow", ow.Allow))
	}
	return nil
}

// SendLog posts a log line to channelID.
func (a *Adapter) SendLog(ctx context.Context, channelID, text string) error {
	return a.call(ctx, func(opts ...discordgo.RequestOption) error {
		_, err := a.rest.ChannelMessageSend(channelID, text, opts...)
		return err
	})
}

func (a *Adapter) call(ctx context.Context, fn func(opts ...discordgo.RequestOption) error) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	return classify(fn(discordgo.WithContext(rctx)))
}

// classify marks REST failures for the queue: 429 carries its Retry-After,
// other 4xx are permanent, everything else is retried with backoff.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return engine.RetryAfter(err, rl.RetryAfter)
	}
	var re *discordgo.RESTError
	if !errors.As(err, &re) || re.Response == nil {
		return err
	}
	switch code := re.Response.StatusCode; {
	case code == http.StatusTooManyRequests:
		return engine.RetryAfter(err, retryAfter(re.Response.Header))
	case code >= 400 && code < 500:
		return engine.NoRetry(err)
	default:
		return err
	}
}

// retryAfter reads Retry-After as (possibly fractional) seconds.
func retryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return time.Second
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return time.Second
	}
	return time.Duration(secs * float64(time.Second))
}
