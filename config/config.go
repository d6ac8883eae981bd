package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
)

// ErrInvalidArgument reports missing or malformed configuration.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	DefaultServerURL             = "https://api.tryinhouse.co"
	DefaultSessionTimeoutMinutes = 30
	DefaultMaxRetryAttempts      = 3
	DefaultRequestTimeout        = 30 * time.Second
)

// SDKConfig is fixed for the lifetime of one engine.
type SDKConfig struct {
	ProjectToken          string        `mapstructure:"projectToken"`
	TokenID               string        `mapstructure:"tokenId"`
	ShortLinkDomain       string        `mapstructure:"shortLinkDomain"`
	ServerURL             string        `mapstructure:"serverUrl"`
	EnableDebugLogging    bool          `mapstructure:"enableDebugLogging"`
	SessionTimeoutMinutes int           `mapstructure:"sessionTimeoutMinutes"`
	MaxRetryAttempts      int           `mapstructure:"maxRetryAttempts"`
	RequestTimeout        time.Duration `mapstructure:"requestTimeout"`
	// FlushFailedOnLaunch resends the failed-event queue as part of the launch sequence.
	FlushFailedOnLaunch bool `mapstructure:"flushFailedOnLaunch"`
}

func Defaults() SDKConfig {
	return SDKConfig{
		ServerURL:             DefaultServerURL,
		SessionTimeoutMinutes: DefaultSessionTimeoutMinutes,
		MaxRetryAttempts:      DefaultMaxRetryAttempts,
		RequestTimeout:        DefaultRequestTimeout,
	}
}

func (c SDKConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// Validate fills nothing in; it only reports the first problem found.
func (c SDKConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.ProjectToken) == "":
		return fmt.Errorf("%w: project token is required", ErrInvalidArgument)
	case strings.TrimSpace(c.TokenID) == "":
		return fmt.Errorf("%w: token id is required", ErrInvalidArgument)
	case strings.TrimSpace(c.ShortLinkDomain) == "":
		return fmt.Errorf("%w: short link domain is required", ErrInvalidArgument)
	case c.SessionTimeoutMinutes < 0:
		return fmt.Errorf("%w: session timeout must not be negative", ErrInvalidArgument)
	case c.MaxRetryAttempts < 0:
		return fmt.Errorf("%w: max retry attempts must not be negative", ErrInvalidArgument)
	case c.RequestTimeout < 0:
		return fmt.Errorf("%w: request timeout must not be negative", ErrInvalidArgument)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: server url %q must be an absolute http(s) url", ErrInvalidArgument, c.ServerURL)
	}
	return nil
}

// FromEnv reads INHOUSE_* variables over Defaults.
func FromEnv() SDKConfig {
	d := Defaults()
	return SDKConfig{
		ProjectToken:          getString("INHOUSE_PROJECT_TOKEN", ""),
		TokenID:               getString("INHOUSE_TOKEN_ID", ""),
		ShortLinkDomain:       getString("INHOUSE_SHORTLINK_DOMAIN", ""),
		ServerURL:             strings.TrimRight(getString("INHOUSE_SERVER_URL", d.ServerURL), "/"),
		EnableDebugLogging:    getBool("INHOUSE_DEBUG", false),
		SessionTimeoutMinutes: getInt("INHOUSE_SESSION_TIMEOUT_MINUTES", d.SessionTimeoutMinutes),
		MaxRetryAttempts:      getInt("INHOUSE_MAX_RETRY_ATTEMPTS", d.MaxRetryAttempts),
		RequestTimeout:        time.Duration(getInt("INHOUSE_REQUEST_TIMEOUT_SECONDS", int(d.RequestTimeout/time.Second))) * time.Second,
		FlushFailedOnLaunch:   getBool("INHOUSE_FLUSH_FAILED_ON_LAUNCH", false),
	}
}

// Load reads envFile (if it exists) into the process environment and then
// calls FromEnv. Variables already set win over the file.
func Load(envFile string) (SDKConfig, error) {
	if err := loadEnvFile(envFile); err != nil {
		return SDKConfig{}, err
	}
	return FromEnv(), nil
}

// FromMap decodes the argument map a host bridge passes to initialize.
// Values may arrive as strings ("true", "30", "30s").
func FromMap(args map[string]any) (SDKConfig, error) {
	cfg := Defaults()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return SDKConfig{}, fmt.Errorf("create config decoder: %w", err)
	}
	if err := dec.Decode(args); err != nil {
		return SDKConfig{}, fmt.Errorf("%w: decode config: %v", ErrInvalidArgument, err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg, nil
}

func loadEnvFile(envFile string) error {
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat env file: %w", err)
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("load env file %s: %w", envFile, err)
	}
	return nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
