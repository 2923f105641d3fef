// Package telegram adapts Telegram updates into neutral display events via
// the gotd/td client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kataribe/pkg/kataribe"
)

const defaultPublishTimeout = 2 * time.Second

// UpdateHandler consumes decoded Telegram updates.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams Telegram updates into the adapter. Consume runs the
// update loop until context cancellation or a fatal session error.
type UpdateSource interface {
	Consume(ctx context.Context, handler UpdateHandler) error
}

// Driver streams Telegram updates into the kernel event bus as display events.
type Driver struct {
	name           string
	publishTimeout time.Duration
	onAsyncError   func(context.Context, error)

	source  UpdateSource
	decoder Decoder
}

// DriverOption mutates Telegram driver configuration.
type DriverOption func(*Driver)

// WithName configures the driver identity exposed to the kernel.
func WithName(name string) DriverOption {
	return func(d *Driver) {
		if name != "" {
			d.name = name
		}
	}
}

// WithPublishTimeout configures sink publish timeout per event.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithErrorHandler configures async callback errors.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(d *Driver) {
		if handler != nil {
			d.onAsyncError = handler
		}
	}
}

// NewDriver creates a Telegram driver.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	if source == nil {
		return nil, fmt.Errorf("new telegram driver: nil source")
	}
	if decoder == nil {
		return nil, fmt.Errorf("new telegram driver: nil decoder")
	}

	driver := &Driver{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		onAsyncError:   func(context.Context, error) {},
		source:         source,
		decoder:        decoder,
	}
	for _, option := range options {
		option(driver)
	}

	return driver, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.name
}

// Start consumes Telegram updates and publishes display events. It returns
// nil on context cancellation and an error on any fatal session failure.
func (d *Driver) Start(ctx context.Context, sink kataribe.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start telegram driver: nil sink")
	}

	err := d.source.Consume(ctx, func(handlerCtx context.Context, update Update) error {
		event, err := d.decode(handlerCtx, update)
		if err != nil {
			d.onAsyncError(handlerCtx, err)
			return fmt.Errorf("handle update %s: %w", update.Type, err)
		}
		if event == nil {
			return nil
		}

		return d.publish(handlerCtx, sink, update.Type, event)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("start telegram driver: consume updates: %w", err)
	}

	return nil
}

// Shutdown releases resources that are not tied to the Start context. The
// gotd session closes with Start, so there is nothing left to release.
func (d *Driver) Shutdown(_ context.Context) error {
	return nil
}

// publish hands one decoded event to the sink under a bounded deadline, so a
// saturated bus cannot stall the session's update loop indefinitely.
func (d *Driver) publish(ctx context.Context, sink kataribe.EventSink, updateType UpdateType, event *kataribe.DisplayEvent) error {
	if d.publishTimeout > 0 {
		publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
		defer cancel()
		ctx = publishCtx
	}

	if err := sink.Publish(ctx, event); err != nil {
		return fmt.Errorf("handle update %s publish: %w", updateType, err)
	}

	return nil
}

// decode runs the decoder with panic containment at the adapter boundary.
func (d *Driver) decode(ctx context.Context, update Update) (decoded *kataribe.DisplayEvent, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			decoded = nil
			err = fmt.Errorf("decode telegram update %s panic: %v", update.Type, recovered)
		}
	}()

	decoded, err = d.decoder.Decode(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("decode telegram update %s: %w", update.Type, err)
	}

	return decoded, nil
}
