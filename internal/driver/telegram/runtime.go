package telegram

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gotd/td/session"
	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
)

const (
	defaultRuntimeSessionFile = ".cache/telegram/session.json"
	defaultRuntimeAuthTimeout = 3 * time.Minute
)

type runtimeConfig struct {
	AppID          int    `json:"app_id"`
	AppHash        string `json:"app_hash"`
	PublishTimeout string `json:"publish_timeout"`
	UpdateBuffer   int    `json:"update_buffer"`
	AuthTimeout    string `json:"auth_timeout"`
	Code           string `json:"code"`
	Phone          string `json:"phone"`
	Password       string `json:"password"`
	SessionFile    string `json:"session_file"`
}

type parsedRuntimeConfig struct {
	appID          int
	appHash        string
	publishTimeout time.Duration
	updateBuffer   int
	authTimeout    time.Duration
	code           string
	phone          string
	password       string
	sessionFile    string
}

// gotdRunFunc adapts a plain run closure to GotdUserbotClient.
type gotdRunFunc func(ctx context.Context, fn func(runCtx context.Context) error) error

func (r gotdRunFunc) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	return r(ctx, fn)
}

// BuildRuntimeFromConfig builds one Telegram driver runtime from raw JSON
// config: a gotd userbot session streaming display events into the kernel.
func BuildRuntimeFromConfig(name string, logger *slog.Logger, rawConfig []byte) (*Driver, error) {
	cfg, err := parseRuntimeConfig(rawConfig)
	if err != nil {
		return nil, fmt.Errorf("parse telegram runtime config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	sessionStorage, err := newGotdSessionStorage(cfg.sessionFile)
	if err != nil {
		return nil, fmt.Errorf("new gotd session storage: %w", err)
	}

	updateChannel := NewGotdUpdateChannel(cfg.updateBuffer)
	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  updateChannel,
		SessionStorage: sessionStorage,
	})

	// The session must be authorized before the update loop takes over, so
	// the run wrapper front-loads the auth flow inside the client lifecycle.
	runAuthenticated := gotdRunFunc(func(ctx context.Context, fn func(runCtx context.Context) error) error {
		return client.Run(ctx, func(runCtx context.Context) error {
			if err := authenticateGotdClient(runCtx, logger, client, cfg); err != nil {
				return fmt.Errorf("authenticate gotd client: %w", err)
			}

			return fn(runCtx)
		})
	})

	source, err := NewGotdUserbotSource(runAuthenticated, updateChannel, NewDefaultGotdUpdateMapper())
	if err != nil {
		return nil, fmt.Errorf("new gotd userbot source: %w", err)
	}

	driver, err := NewDriver(
		source,
		NewDefaultDecoder(),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithErrorHandler(func(_ context.Context, err error) {
			logger.Error("telegram driver async error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("new telegram driver: %w", err)
	}

	return driver, nil
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var parsed runtimeConfig
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	if parsed.AppID <= 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("app_id must be > 0")
	}
	appHash := strings.TrimSpace(parsed.AppHash)
	if appHash == "" {
		return parsedRuntimeConfig{}, fmt.Errorf("app_hash is required")
	}

	publishTimeout, err := durationOrDefault(parsed.PublishTimeout, "publish_timeout", defaultPublishTimeout)
	if err != nil {
		return parsedRuntimeConfig{}, err
	}
	authTimeout, err := durationOrDefault(parsed.AuthTimeout, "auth_timeout", defaultRuntimeAuthTimeout)
	if err != nil {
		return parsedRuntimeConfig{}, err
	}

	cfg := parsedRuntimeConfig{
		appID:          parsed.AppID,
		appHash:        appHash,
		publishTimeout: publishTimeout,
		updateBuffer:   parsed.UpdateBuffer,
		authTimeout:    authTimeout,
		code:           strings.TrimSpace(parsed.Code),
		phone:          strings.TrimSpace(parsed.Phone),
		password:       strings.TrimSpace(parsed.Password),
		sessionFile:    strings.TrimSpace(parsed.SessionFile),
	}
	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultGotdUpdateBuffer
	}
	if cfg.sessionFile == "" {
		cfg.sessionFile = defaultRuntimeSessionFile
	}

	return cfg, nil
}

// durationOrDefault parses an optional duration field, requiring a positive
// value when present.
func durationOrDefault(raw, field string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("parse %s: must be > 0", field)
	}

	return parsed, nil
}

func newGotdSessionStorage(path string) (*session.FileStorage, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return nil, fmt.Errorf("empty session file path")
	}

	absPath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute session file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	return &session.FileStorage{Path: absPath}, nil
}

// authenticateGotdClient restores an existing session or runs the user login
// flow within the configured auth deadline.
func authenticateGotdClient(
	ctx context.Context,
	logger *slog.Logger,
	client *gotdtelegram.Client,
	cfg parsedRuntimeConfig,
) error {
	if cfg.authTimeout > 0 {
		authCtx, cancel := context.WithTimeout(ctx, cfg.authTimeout)
		defer cancel()
		ctx = authCtx
	}

	status, err := client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("check auth status: %w", err)
	}
	if status.Authorized {
		logger.Info("telegram session restored from local storage", "session_file", cfg.sessionFile)
		return nil
	}

	flow, err := userAuthFlow(cfg)
	if err != nil {
		return err
	}
	if err := client.Auth().IfNecessary(ctx, flow); err != nil {
		return fmt.Errorf("authenticate user: %w", err)
	}
	logger.Info("telegram authorized with user flow", "session_file", cfg.sessionFile)

	return nil
}

// userAuthFlow builds the phone/code (and optional 2FA password) login flow.
func userAuthFlow(cfg parsedRuntimeConfig) (auth.Flow, error) {
	if cfg.phone == "" {
		return auth.Flow{}, fmt.Errorf("telegram phone number is required for userbot login; configure telegram.phone")
	}

	codeAuthenticator := auth.CodeAuthenticatorFunc(func(_ context.Context, _ *tg.AuthSentCode) (string, error) {
		code, err := telegramAuthCode(cfg.code)
		if err != nil {
			return "", fmt.Errorf("resolve login code: %w", err)
		}
		return code, nil
	})

	var authenticator auth.UserAuthenticator = auth.CodeOnly(cfg.phone, codeAuthenticator)
	if cfg.password != "" {
		authenticator = auth.Constant(cfg.phone, cfg.password, codeAuthenticator)
	}

	return auth.NewFlow(authenticator, auth.SendCodeOptions{}), nil
}

// telegramAuthCode prefers the configured code and falls back to prompting on
// an interactive terminal.
func telegramAuthCode(configuredCode string) (string, error) {
	if code := strings.TrimSpace(configuredCode); code != "" {
		return code, nil
	}

	stdinInfo, err := os.Stdin.Stat()
	if err != nil {
		return "", fmt.Errorf("read stdin status: %w", err)
	}
	if stdinInfo.Mode()&os.ModeCharDevice == 0 {
		return "", fmt.Errorf("telegram code is empty and stdin is not interactive")
	}

	fmt.Fprint(os.Stdout, "Enter Telegram login code: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read login code: %w", err)
	}

	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("empty login code")
	}

	return code, nil
}
