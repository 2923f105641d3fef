package relay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"kataribe/pkg/kataribe"
)

type scriptedConn struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
	closed bool
}

func (c *scriptedConn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.frames) == 0 {
		if c.err != nil {
			return nil, c.err
		}
		return nil, io.EOF
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]

	return frame, nil
}

func (c *scriptedConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*kataribe.DisplayEvent
}

func (s *recordingSink) Publish(_ context.Context, event *kataribe.DisplayEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)

	return nil
}

func (s *recordingSink) published() []*kataribe.DisplayEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*kataribe.DisplayEvent(nil), s.events...)
}

func eventFrame(conversationID, eventID, body string) []byte {
	return fmt.Appendf(nil, `{
		"v": 1,
		"type": "event.new",
		"ts": "2026-08-24T10:00:00Z",
		"payload": {
			"conversation_id": %q,
			"event_id": %q,
			"kind": "message",
			"at_ms": 1700003000000,
			"author": {"id": "u1"},
			"body": %q
		}
	}`, conversationID, eventID, body)
}

func TestNewDriverValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewDriver(nil); err == nil {
		t.Fatal("NewDriver(nil dialer) error = nil, want error")
	}

	driver, err := NewDriver(func(context.Context) (Conn, error) {
		return &scriptedConn{}, nil
	}, WithName("relay-main"))
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}
	if driver.Name() != "relay-main" {
		t.Fatalf("driver name = %q, want relay-main", driver.Name())
	}
}

func TestDriverPublishesEventFrames(t *testing.T) {
	t.Parallel()

	conn := &scriptedConn{
		frames: [][]byte{
			[]byte(`{"v":1,"type":"hello","ts":"2026-08-24T10:00:00Z"}`),
			eventFrame("room-1", "room-1-e1", "first"),
			eventFrame("room-1", "room-1-e2", "second"),
		},
		err: context.Canceled,
	}

	driver, err := NewDriver(func(context.Context) (Conn, error) {
		return conn, nil
	})
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}

	sink := &recordingSink{}
	if err := driver.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	published := sink.published()
	if len(published) != 2 {
		t.Fatalf("published %d events, want 2 (hello frames skipped)", len(published))
	}
	if published[0].ID != "room-1-e1" || published[1].ID != "room-1-e2" {
		t.Fatalf("published ids = %q, %q; want room-1-e1, room-1-e2",
			published[0].ID, published[1].ID)
	}
	if !conn.closed {
		t.Fatal("connection was not closed after the session ended")
	}
}

func TestDriverSkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	conn := &scriptedConn{
		frames: [][]byte{
			[]byte(`not json`),
			[]byte(`{"v":1,"type":"weird","ts":"2026-08-24T10:00:00Z"}`),
			eventFrame("room-1", "room-1-e1", "survives"),
		},
		err: context.Canceled,
	}

	var mu sync.Mutex
	var reported []error
	driver, err := NewDriver(
		func(context.Context) (Conn, error) { return conn, nil },
		WithErrorHandler(func(_ context.Context, err error) {
			mu.Lock()
			defer mu.Unlock()
			reported = append(reported, err)
		}),
	)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}

	sink := &recordingSink{}
	if err := driver.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if published := sink.published(); len(published) != 1 || published[0].ID != "room-1-e1" {
		t.Fatalf("published = %+v, want only room-1-e1", published)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 {
		t.Fatalf("reported %d frame errors, want 2", len(reported))
	}
	for _, reportedErr := range reported {
		if !strings.Contains(reportedErr.Error(), "handle relay frame") {
			t.Fatalf("reported error = %v, want frame handling error", reportedErr)
		}
	}
}

func TestDriverReconnectsAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	dials := 0
	driver, err := NewDriver(
		func(context.Context) (Conn, error) {
			mu.Lock()
			defer mu.Unlock()
			dials++
			switch dials {
			case 1:
				return &scriptedConn{
					frames: [][]byte{eventFrame("room-1", "room-1-e1", "before drop")},
					err:    fmt.Errorf("connection reset"),
				}, nil
			default:
				return &scriptedConn{
					frames: [][]byte{eventFrame("room-1", "room-1-e2", "after reconnect")},
					err:    context.Canceled,
				}, nil
			}
		},
		WithReconnectBackoff(time.Millisecond, 2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}

	sink := &recordingSink{}
	if err := driver.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	published := sink.published()
	if len(published) != 2 {
		t.Fatalf("published %d events across reconnect, want 2", len(published))
	}

	mu.Lock()
	defer mu.Unlock()
	if dials != 2 {
		t.Fatalf("dialed %d times, want 2", dials)
	}
}

func TestDriverStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	driver, err := NewDriver(
		func(dialCtx context.Context) (Conn, error) {
			cancel()
			return nil, fmt.Errorf("gateway unreachable")
		},
		WithReconnectBackoff(time.Millisecond, 2*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewDriver() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- driver.Start(ctx, &recordingSink{})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() after cancel error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after context cancellation")
	}
}

func TestBuildRuntimeFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "valid config",
			raw: `{
				"url": "wss://relay.example/v1",
				"publish_timeout": "5s",
				"dial_timeout": "3s",
				"reconnect_min": "500ms",
				"reconnect_max": "10s"
			}`,
		},
		{name: "minimal config", raw: `{"url": "wss://relay.example/v1"}`},
		{name: "empty config", raw: "", wantErr: "missing config"},
		{name: "missing url", raw: `{}`, wantErr: "url is required"},
		{name: "bad duration", raw: `{"url": "wss://x", "dial_timeout": "soon"}`, wantErr: "dial_timeout"},
		{
			name:    "inverted backoff range",
			raw:     `{"url": "wss://x", "reconnect_min": "10s", "reconnect_max": "1s"}`,
			wantErr: "reconnect_max below reconnect_min",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			driver, err := BuildRuntimeFromConfig("relay-main", nil, []byte(tt.raw))
			if tt.wantErr != "" {
				if err == nil {
					t.Fatal("BuildRuntimeFromConfig() error = nil, want error")
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("BuildRuntimeFromConfig() error = %v, want substring %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildRuntimeFromConfig() error = %v", err)
			}
			if driver.Name() != "relay-main" {
				t.Fatalf("driver name = %q, want relay-main", driver.Name())
			}
		})
	}
}
