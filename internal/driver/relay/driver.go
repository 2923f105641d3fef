package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/coder/websocket"

	"kataribe/pkg/kataribe"
)

const (
	defaultPublishTimeout = 2 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultReadLimit      = 1 << 20

	relaySubprotocol = "kataribe.relay.v1"
)

// Conn is the subset of a gateway connection the read loop needs.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes one gateway connection.
type Dialer func(ctx context.Context) (Conn, error)

// wsConn adapts coder/websocket to Conn, accepting text frames only.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) Read(ctx context.Context) ([]byte, error) {
	messageType, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if messageType != websocket.MessageText {
		return nil, fmt.Errorf("read relay frame: unsupported message type %v", messageType)
	}

	return data, nil
}

func (c wsConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// NewWebsocketDialer builds a Dialer for one gateway URL.
func NewWebsocketDialer(gatewayURL string, dialTimeout time.Duration) (Dialer, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("new websocket dialer: empty gateway url")
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	return func(ctx context.Context) (Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		conn, _, err := websocket.Dial(dialCtx, gatewayURL, &websocket.DialOptions{
			Subprotocols: []string{relaySubprotocol},
		})
		if err != nil {
			return nil, fmt.Errorf("dial relay gateway: %w", err)
		}
		conn.SetReadLimit(defaultReadLimit)

		return wsConn{conn: conn}, nil
	}, nil
}

// driverConfig contains runtime controls for the relay read loop.
type driverConfig struct {
	name           string
	publishTimeout time.Duration
	reconnectMin   time.Duration
	reconnectMax   time.Duration
	onAsyncError   func(context.Context, error)
}

// DriverOption mutates relay driver configuration.
type DriverOption func(*driverConfig)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(cfg *driverConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if timeout > 0 {
			cfg.publishTimeout = timeout
		}
	}
}

// WithReconnectBackoff configures the reconnect delay range.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) DriverOption {
	return func(cfg *driverConfig) {
		if minDelay > 0 {
			cfg.reconnectMin = minDelay
		}
		if maxDelay >= cfg.reconnectMin {
			cfg.reconnectMax = maxDelay
		}
	}
}

// WithErrorHandler configures async callback errors.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(cfg *driverConfig) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// Driver streams relay gateway frames into the kernel event bus.
type Driver struct {
	cfg  driverConfig
	dial Dialer
}

// NewDriver creates a relay driver.
func NewDriver(dial Dialer, options ...DriverOption) (*Driver, error) {
	if dial == nil {
		return nil, fmt.Errorf("new relay driver: nil dialer")
	}

	cfg := driverConfig{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		reconnectMin:   defaultReconnectMin,
		reconnectMax:   defaultReconnectMax,
		onAsyncError:   func(context.Context, error) {},
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Driver{cfg: cfg, dial: dial}, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.cfg.name
}

// Start connects to the gateway and pumps frames until cancellation.
// Connection loss reconnects with exponential backoff; frame-level
// failures are reported and skipped so one bad frame cannot wedge the
// session.
func (d *Driver) Start(ctx context.Context, sink kataribe.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start relay driver: nil sink")
	}

	delay := d.cfg.reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := d.runSession(ctx, sink)
		if err == nil || isShutdownError(err) {
			return nil
		}
		d.cfg.onAsyncError(ctx, fmt.Errorf("relay session: %w", err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > d.cfg.reconnectMax {
			delay = d.cfg.reconnectMax
		}
	}
}

// runSession runs one connect-read-publish cycle.
func (d *Driver) runSession(ctx context.Context, sink kataribe.EventSink) error {
	conn, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := d.handleFrame(ctx, data, sink); err != nil {
			d.cfg.onAsyncError(ctx, err)
		}
	}
}

// handleFrame decodes one gateway message and publishes displayable events.
func (d *Driver) handleFrame(ctx context.Context, data []byte, sink kataribe.EventSink) error {
	frame, err := decodeFrame(data)
	if err != nil {
		return fmt.Errorf("handle relay frame: %w", err)
	}

	switch frame.Type {
	case FrameTypeEventNew:
		event, err := decodeEventFrame(frame)
		if err != nil {
			return fmt.Errorf("handle relay frame %s: %w", frame.Type, err)
		}

		publishCtx := ctx
		cancel := func() {}
		if d.cfg.publishTimeout > 0 {
			publishCtxWithTimeout, publishCancel := context.WithTimeout(ctx, d.cfg.publishTimeout)
			publishCtx = publishCtxWithTimeout
			cancel = publishCancel
		}
		defer cancel()

		if err := sink.Publish(publishCtx, event); err != nil {
			return fmt.Errorf("handle relay frame %s publish: %w", frame.Type, err)
		}

		return nil
	case FrameTypeHello, FrameTypePing:
		return nil
	default:
		return fmt.Errorf("handle relay frame: unsupported type %q", frame.Type)
	}
}

// Shutdown releases resources not controlled by the Start context.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}

// isShutdownError reports whether the session ended by orderly close or
// cancellation rather than by fault.
func isShutdownError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	return websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
