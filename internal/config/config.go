package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DBPath   string     `env:"DB_PATH"   envDefault:"db.sqlite"`
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	OpsAddr  string     `env:"OPS_ADDR"  envDefault:":9090"`

	BookmarkPollInterval time.Duration `env:"BOOKMARK_POLL_INTERVAL" envDefault:"30s"`
	DMPollInterval       time.Duration `env:"DM_POLL_INTERVAL"       envDefault:"10s"`
	ReconcileSpec        string        `env:"RECONCILE_SPEC"         envDefault:"@every 1m"`
	TokenRefreshMargin   time.Duration `env:"TOKEN_REFRESH_MARGIN"   envDefault:"60s"`
	CallTimeout          time.Duration `env:"CALL_TIMEOUT"           envDefault:"20s"`
	ItemTimeout          time.Duration `env:"ITEM_TIMEOUT"           envDefault:"2m"`

	DeliveryMaxAttempts int           `env:"DELIVERY_MAX_ATTEMPTS" envDefault:"4"`
	DeliveryBaseDelay   time.Duration `env:"DELIVERY_BASE_DELAY"   envDefault:"500ms"`
	DeliveryMaxDelay    time.Duration `env:"DELIVERY_MAX_DELAY"    envDefault:"30s"`
	HighlightsPerMinute int           `env:"HIGHLIGHTS_PER_MINUTE" envDefault:"240"`
	DocumentsPerMinute  int           `env:"DOCUMENTS_PER_MINUTE"  envDefault:"50"`

	ReadwiseBaseURL  string `env:"READWISE_BASE_URL"   envDefault:"https://readwise.io"`
	BskyAPIURL       string `env:"BSKY_API_URL"        envDefault:"https://bsky.social"`
	BskyPublicAPIURL string `env:"BSKY_PUBLIC_API_URL" envDefault:"https://public.api.bsky.app"`
	BskyChatURL      string `env:"BSKY_CHAT_URL"`
	BskyBotHandle    string `env:"BSKY_BOT_HANDLE"`
	BskyBotPassword  string `env:"BSKY_BOT_PASSWORD"`
	SettingsURL      string `env:"SETTINGS_URL"`

	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL" envDefault:"https://bsky.social/oauth/token"`

	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`
}

// Load reads an optional .env file and then the environment. Variables that
// are already set win over the file.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err = cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validate() error {
	var errs []error

	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("DB_PATH must not be empty"))
	}
	if c.BookmarkPollInterval <= 0 || c.DMPollInterval <= 0 {
		errs = append(errs, errors.New("poll intervals must be positive"))
	}
	if c.DeliveryMaxAttempts <= 0 {
		errs = append(errs, errors.New("DELIVERY_MAX_ATTEMPTS must be positive"))
	}
	if (c.BskyBotHandle == "") != (c.BskyBotPassword == "") {
		errs = append(errs, errors.New("BSKY_BOT_HANDLE and BSKY_BOT_PASSWORD must be set together"))
	}

	return errors.Join(errs...)
}

// BotConfigured reports whether the DM bot account is set.
func (c Config) BotConfigured() bool {
	return c.BskyBotHandle != "" && c.BskyBotPassword != ""
}
