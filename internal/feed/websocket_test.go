package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"etf-trading-bot/internal/pipeline"
)

// captureSink collects offered ticks.
type captureSink struct {
	mu    sync.Mutex
	ticks []pipeline.Tick
}

func (s *captureSink) Offer(tick pipeline.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)
}

func (s *captureSink) snapshot() []pipeline.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Tick, len(s.ticks))
	copy(out, s.ticks)
	return out
}

var upgrader = websocket.Upgrader{}

// serveTicks upgrades each connection and writes the given payloads, then
// holds the connection open until the test finishes.
func serveTicks(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, payload := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				return
			}
		}
		// Keep the session open so the client blocks in ReadMessage until the
		// test cancels.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunDeliversTicks(t *testing.T) {
	srv := serveTicks(t, []string{
		`{"signal":"BULL","price":"520.10","upper_band":"521","lower_band":"519","ts":"2026-08-28T14:30:00Z"}`,
		`not json`,
		`{"signal":"NEUTRAL","price":"519.90"}`,
	})

	sink := &captureSink{}
	client := NewClient(wsURL(srv), sink, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for len(sink.snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for ticks, got %d", len(sink.snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run must return nil on cancellation, got %v", err)
	}

	ticks := sink.snapshot()
	if len(ticks) != 2 {
		t.Fatalf("malformed payloads must be skipped, got %d ticks", len(ticks))
	}
	if ticks[0].Signal != pipeline.SignalBull || !ticks[0].Price.Equal(decimal.RequireFromString("520.10")) {
		t.Errorf("first tick mismatch: %+v", ticks[0])
	}
	want := time.Date(2026, 8, 28, 14, 30, 0, 0, time.UTC)
	if !ticks[0].At.Equal(want) {
		t.Errorf("timestamp not parsed: %s", ticks[0].At)
	}
	if ticks[1].Signal != pipeline.SignalNeutral {
		t.Errorf("second tick mismatch: %+v", ticks[1])
	}
	if ticks[1].At.IsZero() {
		t.Error("missing timestamp must default to receive time")
	}
}

func TestRunReconnectsAfterDrop(t *testing.T) {
	var mu sync.Mutex
	sessions := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		sessions++
		n := sessions
		mu.Unlock()
		if n == 1 {
			// Drop the first session immediately to force a reconnect.
			conn.Close()
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"signal":"BULL","price":"520"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	sink := &captureSink{}
	client := NewClient(wsURL(srv), sink, zerolog.Nop())
	client.ReconnectBase = 5 * time.Millisecond
	client.ReconnectMax = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for len(sink.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a tick after reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if sessions < 2 {
		t.Errorf("expected a reconnect, saw %d session(s)", sessions)
	}
}
