package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"roster/cmd/internal/chat"
	"roster/cmd/internal/realtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains all runtime configuration loaded from environment variables.
// It is read once at startup and never mutated afterwards.
type Config struct {
	HTTPAddr  string `env:"ROSTER_HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"ROSTER_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ROSTER_LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"ROSTER_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"ROSTER_HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"ROSTER_HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"ROSTER_HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"ROSTER_HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"ROSTER_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	SessionTTL    time.Duration `env:"ROSTER_SESSION_TTL" envDefault:"5m"`
	SweepInterval time.Duration `env:"ROSTER_SWEEP_INTERVAL" envDefault:"0s"`

	WSDevInsecure       bool          `env:"ROSTER_WS_DEV_INSECURE" envDefault:"false"`
	WSOriginRequired    bool          `env:"ROSTER_WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSAllowedOrigins    []string      `env:"ROSTER_WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSWriteTimeout      time.Duration `env:"ROSTER_WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout   time.Duration `env:"ROSTER_WS_READ_IDLE_TIMEOUT" envDefault:"0s"`
	WSSendQueueSize     int           `env:"ROSTER_WS_SEND_QUEUE" envDefault:"256"`
	WSHeartbeatInterval time.Duration `env:"ROSTER_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"ROSTER_WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents        int           `env:"ROSTER_WS_RATE_EVENTS" envDefault:"120"`
	WSRateWindow        time.Duration `env:"ROSTER_WS_RATE_WINDOW" envDefault:"10s"`

	TwitchUsername       string `env:"ROSTER_TWITCH_USERNAME"`
	TwitchToken          string `env:"ROSTER_TWITCH_TOKEN"`
	TwitchChannel        string `env:"ROSTER_TWITCH_CHANNEL"`
	TwitchReconnect      bool   `env:"ROSTER_TWITCH_RECONNECT" envDefault:"true"`
	TwitchSecure         bool   `env:"ROSTER_TWITCH_SECURE" envDefault:"true"`
	TwitchURL            string `env:"ROSTER_TWITCH_URL"`
	TwitchKeyringAccount string `env:"ROSTER_TWITCH_KEYRING_ACCOUNT"`
}

// LoadConfig reads an optional .env file, then parses the environment.
func LoadConfig(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if cfg.TwitchToken == "" && cfg.TwitchKeyringAccount != "" {
		tok, err := chat.TokenFromKeyring(cfg.TwitchKeyringAccount)
		if err != nil {
			return Config{}, err
		}
		cfg.TwitchToken = tok
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("ROSTER_HTTP_ADDR is empty"))
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("ROSTER_LOG_FORMAT %q: want json or pretty", c.LogFormat))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("ROSTER_SESSION_TTL must be positive, got %s", c.SessionTTL))
	}
	if c.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("ROSTER_SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval))
	}
	if c.WSOriginRequired && !c.WSDevInsecure && len(c.WSAllowedOrigins) == 0 {
		errs = append(errs, errors.New("ROSTER_WS_ALLOWED_ORIGINS is empty while origin is required"))
	}
	if cc, ok := c.ChatConfig(); ok {
		if err := cc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// GatewayConfig maps the websocket settings onto the gateway configuration.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		HeartbeatTimeout:  c.WSHeartbeatTimeout,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

// ChatConfig returns the chat stream settings. ok is false when no chat
// setting is present at all, in which case the chat ingress stays off.
func (c Config) ChatConfig() (cfg chat.Config, ok bool) {
	cfg = chat.Config{
		Username:  c.TwitchUsername,
		Token:     c.TwitchToken,
		Channel:   c.TwitchChannel,
		Reconnect: c.TwitchReconnect,
		Secure:    c.TwitchSecure,
		URL:       c.TwitchURL,
	}
	ok = strings.TrimSpace(c.TwitchUsername+c.TwitchToken+c.TwitchChannel) != ""
	return cfg, ok
}
