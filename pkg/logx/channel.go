package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChannelConfig copies lines at or above MinLevel (default warn) into a chat
// channel, at most RatePerSec lines per second (default 1).
type ChannelConfig struct {
	Enabled    bool
	ChannelID  string
	MinLevel   string
	RatePerSec int
}

// ChannelSender delivers a rendered log line to a chat channel. The Discord
// adapter implements it; logx never imports the transport.
type ChannelSender interface {
	SendLog(ctx context.Context, channelID, text string) error
}

// Discord rejects messages over 2000 characters.
const maxChannelMessage = 1900

type channelLine struct {
	channelID string
	text      string
}

// channelSink is a zerolog.LevelWriter that never blocks the caller: lines
// over the rate or beyond the queue are dropped.
type channelSink struct {
	queue chan channelLine

	mu        sync.Mutex
	sender    ChannelSender
	channelID string
	limiter   *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newChannelSink(sender ChannelSender) *channelSink {
	return &channelSink{queue: make(chan channelLine, 256), sender: sender}
}

func (c *channelSink) setSender(sender ChannelSender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

// configure returns the writer to install, or nil when channel logging is off.
func (c *channelSink) configure(cfg ChannelConfig) zerolog.LevelWriter {
	if !cfg.Enabled {
		return nil
	}
	perSec := max(cfg.RatePerSec, 1)
	c.mu.Lock()
	c.channelID = strings.TrimSpace(cfg.ChannelID)
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	c.mu.Unlock()

	c.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.wg.Add(1)
		go c.deliver(ctx)
	})
	return &zerolog.FilteredLevelWriter{
		Writer: zerolog.LevelWriterAdapter{Writer: c},
		Level:  ParseLevel(cfg.MinLevel, LevelWarn),
	}
}

// Write queues p for delivery. Level filtering happens in the wrapping
// FilteredLevelWriter.
func (c *channelSink) Write(p []byte) (int, error) {
	c.mu.Lock()
	id, lim := c.channelID, c.limiter
	c.mu.Unlock()
	if id == "" || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	select {
	case c.queue <- channelLine{channelID: id, text: renderChannelLine(p)}:
	default:
	}
	return len(p), nil
}

func (c *channelSink) deliver(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			sender := c.sender
			c.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = sender.SendLog(sctx, line.channelID, line.text)
			cancel()
		}
	}
}

func (c *channelSink) close() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

// renderChannelLine turns a JSON log line into
//
//	**WARN** message
//	`key=value` `key=value`
//
// Non-JSON input is sent as is.
func renderChannelLine(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, maxChannelMessage)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "**%s** ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName:
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i == 0 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "`%s=%s`", k, clip(fmt.Sprint(m[k]), 300))
	}
	return clip(b.String(), maxChannelMessage)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
