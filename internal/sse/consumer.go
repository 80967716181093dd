// Package sse consumes the marketplace server's notification stream.
//
// The stream is a long-lived text/event-stream delivering `notification`
// events (JSON payloads with a type discriminator, e.g. NEW_MESSAGE) and
// `count-update` events carrying the authoritative unread total.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// TokenFunc supplies a fresh bearer token per connection attempt.
type TokenFunc func() (string, error)

// Config holds consumer configuration.
type Config struct {
	// StreamURL is the absolute URL of the event stream.
	StreamURL string

	// Reconnect backoff. The consumer retries with exponential backoff up
	// to Ceiling between attempts; after MaxElapsed of consecutive failure
	// it gives up and reports offline. A manual resync re-arms it.
	ReconnectInitial time.Duration
	ReconnectCeiling time.Duration
	MaxElapsed       time.Duration
}

// Handlers receives decoded stream events. Nil funcs are skipped.
type Handlers struct {
	OnNotification func(model.Notification)
	OnCountUpdate  func(model.CountUpdate)
}

// Consumer maintains the standing connection to the notification stream.
type Consumer struct {
	cfg      Config
	token    TokenFunc
	handlers Handlers
	client   *http.Client
	logger   *logger.Logger

	mu      sync.Mutex
	running bool
}

// New creates a consumer.
func New(cfg Config, token TokenFunc, handlers Handlers, log *logger.Logger) *Consumer {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectCeiling <= 0 {
		cfg.ReconnectCeiling = 30 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 5 * time.Minute
	}
	return &Consumer{
		cfg:      cfg,
		token:    token,
		handlers: handlers,
		// No overall timeout: the stream is long-lived by design.
		client: &http.Client{},
		logger: log,
	}
}

// Launch starts Run in a background goroutine unless one is already active.
// onExit receives Run's result when that goroutine terminates. Returns false
// if a previous run is still in flight. A consumer that gave up can be
// re-armed by calling Launch again.
func (c *Consumer) Launch(ctx context.Context, onExit func(error)) bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		err := c.Run(ctx)
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		if onExit != nil {
			onExit(err)
		}
	}()
	return true
}

// Run connects and consumes until ctx is cancelled or the backoff budget is
// exhausted. Returns nil on cancellation, an error when giving up.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectInitial
	b.MaxInterval = c.cfg.ReconnectCeiling
	b.MaxElapsedTime = c.cfg.MaxElapsed

	operation := func() error {
		err := c.consumeOnce(ctx, b)
		if err == nil || ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		c.logger.Warn("notification stream dropped, reconnecting", "error", err)
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	metrics.SSEConnected.Set(0)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("notification stream gave up: %w", err)
	}
	return nil
}

// consumeOnce holds one connection open and dispatches its events. A clean
// read of at least one event resets the backoff clock.
func (c *Consumer) consumeOnce(ctx context.Context, b *backoff.ExponentialBackOff) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.StreamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return fmt.Errorf("failed to mint stream token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stream connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	metrics.SSEConnected.Set(1)
	defer metrics.SSEConnected.Set(0)
	c.logger.Info("notification stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data != "" {
				c.dispatch(event, data)
				b.Reset()
			}
			event, data = "", ""
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("stream closed by server")
}

func (c *Consumer) dispatch(event, data string) {
	metrics.SSEEventsTotal.WithLabelValues(event).Inc()

	switch event {
	case "notification":
		var notif model.Notification
		if err := json.Unmarshal([]byte(data), &notif); err != nil {
			c.logger.Warn("dropping undecodable notification event", "error", err)
			return
		}
		if c.handlers.OnNotification != nil {
			c.handlers.OnNotification(notif)
		}
	case "count-update":
		var update model.CountUpdate
		if err := json.Unmarshal([]byte(data), &update); err != nil {
			c.logger.Warn("dropping undecodable count-update event", "error", err)
			return
		}
		if c.handlers.OnCountUpdate != nil {
			c.handlers.OnCountUpdate(update)
		}
	case "connect", "heartbeat":
		// connection bookkeeping only
	default:
		c.logger.Debug("ignoring unknown stream event", "event", event)
	}
}
