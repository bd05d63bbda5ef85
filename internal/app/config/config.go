// Package config は viper で設定ファイルと環境変数を読み込みます。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trendsnap_service/internal/app/retry"
	"trendsnap_service/internal/app/trendsource"
)

// EnvPrefix は明示的に割り当てていない設定キーの環境変数プレフィックスです。
const EnvPrefix = "TRENDSNAP"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Signal   SignalConfig   `mapstructure:"signal"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

type UpstreamConfig struct {
	BearerToken    string        `mapstructure:"bearer_token"`
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxTrends      int           `mapstructure:"max_trends"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryJitter    time.Duration `mapstructure:"retry_jitter"`
	// RateLimit は 1 分あたりのリクエスト数です。0 なら制限しません。
	RateLimit float64 `mapstructure:"rate_limit"`
}

type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type SignalConfig struct {
	LookbackSlack time.Duration `mapstructure:"lookback_slack"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ErrMissingCredential は上流 API のトークンが未設定なことを表します。
var ErrMissingCredential = errors.New("X_BEARER_TOKEN is not set")

// Load は設定を読み込みます。configFile が空なら ./configs と . の config.yaml を探し、無ければ既定値と環境変数だけを使います。
func Load(configFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envBindings は既存の運用で使われている環境変数名です。
var envBindings = map[string]string{
	"upstream.bearer_token": "X_BEARER_TOKEN",
	"database.url":          "DATABASE_URL",
	"server.port":           "PORT",
	"redis.url":             "REDIS_URL",
	"log.level":             "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.connect_retries", 10)
	v.SetDefault("database.retry_interval", 5*time.Second)

	v.SetDefault("upstream.bearer_token", "")
	v.SetDefault("upstream.base_url", trendsource.DefaultBaseURL)
	v.SetDefault("upstream.timeout", trendsource.DefaultTimeout)
	v.SetDefault("upstream.max_trends", trendsource.DefaultMaxTrends)
	v.SetDefault("upstream.retry_attempts", 3)
	v.SetDefault("upstream.retry_base_delay", time.Second)
	v.SetDefault("upstream.retry_jitter", 500*time.Millisecond)
	v.SetDefault("upstream.rate_limit", 0)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.stream", "trendsnap:ingest")

	v.SetDefault("cache.ttl", 900*time.Second)
	v.SetDefault("signal.lookback_slack", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate は値の範囲を確認します。
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Upstream.MaxTrends <= 0 || c.Upstream.MaxTrends > trendsource.DefaultMaxTrends {
		errs = append(errs, fmt.Errorf("upstream.max_trends must be between 1 and %d: %d", trendsource.DefaultMaxTrends, c.Upstream.MaxTrends))
	}
	if c.Upstream.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("upstream.retry_attempts must be >= 1: %d", c.Upstream.RetryAttempts))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}
	if c.Upstream.RateLimit < 0 {
		errs = append(errs, errors.New("upstream.rate_limit must not be negative"))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, errors.New("cache.ttl must not be negative"))
	}
	if c.Database.ConnectRetries < 1 {
		errs = append(errs, fmt.Errorf("database.connect_retries must be >= 1: %d", c.Database.ConnectRetries))
	}
	return errors.Join(errs...)
}

// RequireCredential は上流 API のトークンが設定されているか確認します。
func (c Config) RequireCredential() error {
	if strings.TrimSpace(c.Upstream.BearerToken) == "" {
		return ErrMissingCredential
	}
	return nil
}

// RequireDatabase は DATABASE_URL が設定されているか確認します。
func (c Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable not set")
	}
	return nil
}

// ClientConfig は取得クライアントの設定に変換します。
func (u UpstreamConfig) ClientConfig() trendsource.Config {
	return trendsource.Config{
		BaseURL:   u.BaseURL,
		MaxTrends: u.MaxTrends,
		Timeout:   u.Timeout,
		Retry: retry.Policy{
			MaxAttempts: u.RetryAttempts,
			BaseDelay:   u.RetryBaseDelay,
			Multiplier:  2,
			MaxJitter:   u.RetryJitter,
		},
		RequestsPerMinute: u.RateLimit,
		UserAgent:         trendsource.DefaultUserAgent,
	}
}
