package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type runtimeConfig struct {
	URL            string `json:"url"`
	PublishTimeout string `json:"publish_timeout"`
	DialTimeout    string `json:"dial_timeout"`
	ReconnectMin   string `json:"reconnect_min"`
	ReconnectMax   string `json:"reconnect_max"`
}

// BuildRuntimeFromConfig builds one relay driver runtime from raw JSON
// config: a WebSocket subscription to a relay gateway.
func BuildRuntimeFromConfig(name string, logger *slog.Logger, rawConfig []byte) (*Driver, error) {
	if len(rawConfig) == 0 {
		return nil, fmt.Errorf("parse relay runtime config: missing config")
	}
	if logger == nil {
		logger = slog.Default()
	}

	var parsed runtimeConfig
	if err := json.Unmarshal(rawConfig, &parsed); err != nil {
		return nil, fmt.Errorf("parse relay runtime config: unmarshal: %w", err)
	}

	gatewayURL := strings.TrimSpace(parsed.URL)
	if gatewayURL == "" {
		return nil, fmt.Errorf("parse relay runtime config: url is required")
	}

	dialTimeout, err := parseOptionalDuration(parsed.DialTimeout, "dial_timeout", defaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse relay runtime config: %w", err)
	}
	publishTimeout, err := parseOptionalDuration(parsed.PublishTimeout, "publish_timeout", defaultPublishTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse relay runtime config: %w", err)
	}
	reconnectMin, err := parseOptionalDuration(parsed.ReconnectMin, "reconnect_min", defaultReconnectMin)
	if err != nil {
		return nil, fmt.Errorf("parse relay runtime config: %w", err)
	}
	reconnectMax, err := parseOptionalDuration(parsed.ReconnectMax, "reconnect_max", defaultReconnectMax)
	if err != nil {
		return nil, fmt.Errorf("parse relay runtime config: %w", err)
	}
	if reconnectMax < reconnectMin {
		return nil, fmt.Errorf("parse relay runtime config: reconnect_max below reconnect_min")
	}

	dialer, err := NewWebsocketDialer(gatewayURL, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("new relay dialer: %w", err)
	}

	driver, err := NewDriver(
		dialer,
		WithName(name),
		WithPublishTimeout(publishTimeout),
		WithReconnectBackoff(reconnectMin, reconnectMax),
		WithErrorHandler(func(_ context.Context, err error) {
			logger.Error("relay driver async error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("new relay driver: %w", err)
	}

	return driver, nil
}

func parseOptionalDuration(raw, field string, fallback time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}
