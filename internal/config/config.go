package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 認証情報ストアの種類
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Credential store
	CredentialStore string
	CredentialFile  string
	DatabaseURL     string

	// OAuth
	OAuthRedirectScheme string
	OAuthClientName     string
	OAuthWebsite        string
	AuthTimeout         time.Duration
	Browser             string

	// Media fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Staging queue
	QueueCapacity int
	EvictInterval time.Duration

	// Stream
	StreamMaxRetries     int
	StreamInitialBackoff time.Duration
	StreamMaxBackoff     time.Duration
	StreamReadTimeout    time.Duration
	StreamStableAfter    time.Duration

	// Control API
	ControlAddr            string
	ControlToken           string
	ControlAllowedHosts    []string
	RateLimitPerMinute     int
	AuthRateLimitPerMinute int

	// Display
	IconDir string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 値が不正な場合や必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{
		CredentialStore:        strings.ToLower(getEnvString("CREDENTIAL_STORE", StoreFile)),
		CredentialFile:         getEnvString("CREDENTIAL_FILE", "./config.json"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		OAuthRedirectScheme:    getEnvString("OAUTH_REDIRECT_SCHEME", "toastodon"),
		OAuthClientName:        getEnvString("OAUTH_CLIENT_NAME", "toastodon"),
		OAuthWebsite:           getEnvString("OAUTH_WEBSITE", ""),
		AuthTimeout:            getEnvDuration("AUTH_TIMEOUT", 5*time.Minute),
		Browser:                os.Getenv("BROWSER"),
		FetchTimeout:           getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
		FetchMaxSize:           getEnvInt64("FETCH_MAX_SIZE", 8388608),
		QueueCapacity:          getEnvInt("QUEUE_CAPACITY", 5),
		EvictInterval:          getEnvDuration("EVICT_INTERVAL", 10*time.Second),
		StreamMaxRetries:       getEnvInt("STREAM_MAX_RETRIES", 5),
		StreamInitialBackoff:   getEnvDuration("STREAM_INITIAL_BACKOFF", 2*time.Second),
		StreamMaxBackoff:       getEnvDuration("STREAM_MAX_BACKOFF", 2*time.Minute),
		StreamReadTimeout:      getEnvDuration("STREAM_READ_TIMEOUT", time.Minute),
		StreamStableAfter:      getEnvDuration("STREAM_STABLE_AFTER", 30*time.Second),
		ControlAddr:            getEnvString("CONTROL_ADDR", "127.0.0.1:8931"),
		ControlToken:           os.Getenv("CONTROL_TOKEN"),
		ControlAllowedHosts:    getEnvList("CONTROL_ALLOWED_HOSTS"),
		RateLimitPerMinute:     getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		AuthRateLimitPerMinute: getEnvInt("AUTH_RATE_LIMIT_PER_MINUTE", 10),
		IconDir:                getEnvString("ICON_DIR", ""),
		LogLevel:               getEnvString("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.CredentialStore {
	case StoreFile:
		if c.CredentialFile == "" {
			return fmt.Errorf("CREDENTIAL_FILE must not be empty")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
		}
	default:
		return fmt.Errorf("CREDENTIAL_STORE must be %q or %q, got %q", StoreFile, StorePostgres, c.CredentialStore)
	}

	if c.QueueCapacity < 1 {
		return fmt.Errorf("QUEUE_CAPACITY must be at least 1, got %d", c.QueueCapacity)
	}
	if c.StreamMaxRetries < 0 {
		return fmt.Errorf("STREAM_MAX_RETRIES must not be negative, got %d", c.StreamMaxRetries)
	}
	if c.StreamInitialBackoff > c.StreamMaxBackoff {
		return fmt.Errorf("STREAM_INITIAL_BACKOFF (%s) must not exceed STREAM_MAX_BACKOFF (%s)", c.StreamInitialBackoff, c.StreamMaxBackoff)
	}
	if strings.ContainsAny(c.OAuthRedirectScheme, ":/ ") || c.OAuthRedirectScheme == "" {
		return fmt.Errorf("OAUTH_REDIRECT_SCHEME is invalid: %q", c.OAuthRedirectScheme)
	}
	return nil
}

// ControlURL はコントロールAPIのベースURLを返す。
func (c *Config) ControlURL() string {
	return "http://" + c.ControlAddr
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvList はカンマ区切りの値を空要素を除いて返す。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
