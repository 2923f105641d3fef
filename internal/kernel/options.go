package kernel

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultHandlerTimeout     = 3 * time.Second
)

// config stores resolved kernel runtime settings after option application.
type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	subscriptionBuffer int
	handlerTimeout     time.Duration
	logger             *slog.Logger
	onAsyncError       func(context.Context, string, error)
}

// Option mutates kernel construction configuration.
type Option func(*config)

// newConfig applies options over a zero config and fills defaults afterwards,
// so option ordering never matters.
func newConfig(options []Option) config {
	var cfg config
	for _, option := range options {
		option(&cfg)
	}
	cfg.normalize()

	return cfg
}

func (c *config) normalize() {
	if c.moduleHookTimeout <= 0 {
		c.moduleHookTimeout = defaultModuleHookTimeout
	}
	if c.shutdownTimeout <= 0 {
		c.shutdownTimeout = defaultShutdownTimeout
	}
	if c.subscriptionBuffer <= 0 {
		c.subscriptionBuffer = defaultSubscriptionBuffer
	}
	if c.handlerTimeout <= 0 {
		c.handlerTimeout = defaultHandlerTimeout
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.onAsyncError == nil {
		logger := c.logger
		c.onAsyncError = func(ctx context.Context, scope string, err error) {
			logger.ErrorContext(ctx, "kataribe async error", "scope", scope, "error", err)
		}
	}
}

// WithModuleHookTimeout bounds OnRegister/OnStart/OnShutdown hook execution.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) { cfg.moduleHookTimeout = timeout }
}

// WithShutdownTimeout bounds the overall kernel teardown window.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) { cfg.shutdownTimeout = timeout }
}

// WithDefaultSubscriptionBuffer sets the subscriber queue depth used when a
// subscription spec leaves Buffer zero.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) { cfg.subscriptionBuffer = size }
}

// WithDefaultHandlerTimeout sets the per-event handler deadline used when a
// subscription spec leaves HandlerTimeout zero.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) { cfg.handlerTimeout = timeout }
}

// WithLogger sets the kernel logger. The default async error sink logs
// through it unless WithAsyncErrorHandler overrides the sink.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = logger }
}

// WithAsyncErrorHandler sets the sink for errors surfaced off the caller's
// goroutine: dropped events, handler failures, and contained panics.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) { cfg.onAsyncError = handler }
}
