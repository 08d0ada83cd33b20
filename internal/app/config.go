package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Server modes. Admin introspection endpoints are disabled in ModeProduction.
const (
	ModeDevelopment = "development"
	ModeTest        = "test"
	ModeProduction  = "production"
)

// Config represents the runtime configuration for the authcore service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Email    EmailConfig    `mapstructure:"email"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"`
	Mode           string        `mapstructure:"mode"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SecureCookies  bool          `mapstructure:"secure_cookies"`
	TrustedProxies []string      `mapstructure:"trusted_proxies"`
}

// IsProduction reports whether the server runs in production mode. Unknown
// modes are treated as production.
func (s ServerConfig) IsProduction() bool {
	switch strings.ToLower(strings.TrimSpace(s.Mode)) {
	case ModeDevelopment, ModeTest:
		return false
	default:
		return true
	}
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string            `mapstructure:"driver"`
	Path            string            `mapstructure:"path"`
	DSN             string            `mapstructure:"dsn"`
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	Name            string            `mapstructure:"name"`
	Username        string            `mapstructure:"username"`
	Password        string            `mapstructure:"password"`
	Options         map[string]string `mapstructure:"options"`
	MaxOpenConns    int               `mapstructure:"max_open_conns"`
	MaxIdleConns    int               `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `mapstructure:"conn_max_lifetime"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Address   string        `mapstructure:"address"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	TLS       bool          `mapstructure:"tls"`
	Timeout   time.Duration `mapstructure:"timeout"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT        JWTSettings       `mapstructure:"jwt"`
	OTP        OTPSettings       `mapstructure:"otp"`
	Password   PasswordSettings  `mapstructure:"password"`
	Reset      ResetSettings     `mapstructure:"reset"`
	RateLimits RateLimitSettings `mapstructure:"rate_limits"`
}

// JWTSettings configures the token codec.
type JWTSettings struct {
	Secret        string        `mapstructure:"secret"`
	Issuer        string        `mapstructure:"issuer"`
	AccessTTL     time.Duration `mapstructure:"access_ttl"`
	RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	RotateRefresh bool          `mapstructure:"rotate_refresh"`
}

// OTPSettings configures email verification codes.
type OTPSettings struct {
	Window            time.Duration `mapstructure:"window"`
	MinResendInterval time.Duration `mapstructure:"min_resend_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// PasswordSettings selects the password hashing algorithm.
type PasswordSettings struct {
	Algorithm string `mapstructure:"algorithm"`
}

// ResetSettings configures password reset links.
type ResetSettings struct {
	BaseURL string        `mapstructure:"base_url"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RateLimitSettings holds one policy per protected endpoint family.
type RateLimitSettings struct {
	Login    RateRule `mapstructure:"login"`
	Register RateRule `mapstructure:"register"`
	OTP      RateRule `mapstructure:"otp"`
	Refresh  RateRule `mapstructure:"refresh"`
	Reset    RateRule `mapstructure:"reset"`
}

// RateRule is a fixed-window policy. A zero limit disables it.
type RateRule struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	AppName string     `mapstructure:"app_name"`
	SMTP    SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
// Environment variables use the AUTHCORE_ prefix, e.g. AUTHCORE_AUTH_JWT_SECRET.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("AUTHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// validate rejects combinations that would misbehave at runtime.
func (c *Config) validate() error {
	// Without a base URL the reset email would carry the bare token.
	if c.Email.SMTP.Enabled && strings.TrimSpace(c.Auth.Reset.BaseURL) == "" {
		return errors.New("config: auth.reset.base_url is required when email.smtp is enabled")
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.mode", ModeProduction)
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.secure_cookies", true)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/authcore.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", "authcore")
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", "0s")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")
	v.SetDefault("cache.redis.key_prefix", "authcore:")

	v.SetDefault("auth.jwt.secret", "")
	v.SetDefault("auth.jwt.issuer", "authcore")
	v.SetDefault("auth.jwt.access_ttl", "15m")
	v.SetDefault("auth.jwt.refresh_ttl", "1h")
	v.SetDefault("auth.jwt.rotate_refresh", true)

	v.SetDefault("auth.otp.window", "10m")
	v.SetDefault("auth.otp.min_resend_interval", "60s")
	v.SetDefault("auth.otp.max_attempts", 5)

	v.SetDefault("auth.password.algorithm", "bcrypt")

	v.SetDefault("auth.reset.base_url", "")
	v.SetDefault("auth.reset.ttl", "1h")

	v.SetDefault("auth.rate_limits.login.limit", 5)
	v.SetDefault("auth.rate_limits.login.window", "1m")
	v.SetDefault("auth.rate_limits.register.limit", 10)
	v.SetDefault("auth.rate_limits.register.window", "1h")
	v.SetDefault("auth.rate_limits.otp.limit", 5)
	v.SetDefault("auth.rate_limits.otp.window", "10m")
	v.SetDefault("auth.rate_limits.refresh.limit", 30)
	v.SetDefault("auth.rate_limits.refresh.window", "1m")
	v.SetDefault("auth.rate_limits.reset.limit", 5)
	v.SetDefault("auth.rate_limits.reset.window", "15m")

	v.SetDefault("email.app_name", "authcore")
	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.from", "")
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
