// Package feed consumes the upstream signal generator's websocket stream and
// forwards ticks into the pipeline. Signal computation itself lives upstream;
// this is transport only.
package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"etf-trading-bot/internal/pipeline"
)

// Sink receives decoded ticks. Satisfied by *pipeline.Driver.
type Sink interface {
	Offer(tick pipeline.Tick)
}

// Client maintains a websocket subscription to the signal stream with
// automatic reconnect.
type Client struct {
	url    string
	sink   Sink
	logger zerolog.Logger

	// ReconnectBase is the initial backoff; it doubles per failure up to
	// ReconnectMax.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// NewClient creates a feed client for the given stream URL.
func NewClient(url string, sink Sink, logger zerolog.Logger) *Client {
	return &Client{
		url:           url,
		sink:          sink,
		logger:        logger.With().Str("component", "SignalFeed").Logger(),
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// Run connects and pumps ticks until ctx is cancelled, reconnecting with
// exponential backoff on any failure.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.ReconnectBase
	for {
		if err := c.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("signal stream disconnected, reconnecting")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.ReconnectMax {
				backoff = c.ReconnectMax
			}
			continue
		}
		backoff = c.ReconnectBase
	}
}

// pump runs one websocket session.
func (c *Client) pump(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	c.logger.Info().Str("url", c.url).Msg("signal stream connected")

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var tick pipeline.Tick
		if err := json.Unmarshal(payload, &tick); err != nil {
			c.logger.Warn().Err(err).Msg("malformed tick payload, skipping")
			continue
		}
		if tick.At.IsZero() {
			tick.At = time.Now()
		}
		c.sink.Offer(tick)
	}
}
