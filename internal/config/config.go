package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Env         string
	Port        string
	Store       string
	DatabaseURL string

	JWTSecret       string
	JWTIssuer       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	OTP    OTPConfig
	Device DeviceConfig
	Login  LoginConfig

	// SignupEmailVerifiedWindow bounds how long a verified signup email stays usable for steps 3 and 4
	SignupEmailVerifiedWindow time.Duration

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Twilio    TwilioConfig
	Email     EmailConfig
	Notify    NotifyConfig
	Kafka     KafkaConfig

	SweepInterval time.Duration
}

// OTPConfig tunes the OTP engine
type OTPConfig struct {
	Expiry         time.Duration
	MaxAttempts    int
	Lockout        time.Duration
	ResendCooldown time.Duration
	// DevMode echoes generated codes in API responses; only honoured in development
	DevMode bool
}

// DeviceConfig tunes the device registry
type DeviceConfig struct {
	MaxSessionsPerUser   int
	MaxStreamingSessions int
	InactivityPeriod     time.Duration
	TrustClientID        bool
}

// LoginConfig tunes the account lockout policy
type LoginConfig struct {
	MaxFailedAttempts int
	Lockout           time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	OTPPerWindow    int
	VerifyPerWindow int
	Window          time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type EmailConfig struct {
	APIURL   string
	APIKey   string
	From     string
	FromName string
}

type NotifyConfig struct {
	Timeout       time.Duration
	Workers       int
	QueueSize     int
	RatePerSecond float64
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

// IsDevelopment reports whether the process runs in local development mode
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Env) {
	case "development", "dev", "local":
		return true
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("port", "8080")
	v.SetDefault("store", "postgres")
	v.SetDefault("jwt.issuer", "fmt-auth")
	v.SetDefault("jwt.access.token.expiration", "6h")
	v.SetDefault("jwt.refresh.token.expiration", "336h")
	v.SetDefault("otp.expiry.minutes", 5)
	v.SetDefault("otp.max.attempts", 3)
	v.SetDefault("otp.lockout.minutes", 10)
	v.SetDefault("otp.resend.cooldown.seconds", 60)
	v.SetDefault("otp.dev.mode", false)
	v.SetDefault("device.max.sessions.per.user", 2)
	v.SetDefault("device.max.streaming.sessions", 1)
	v.SetDefault("device.inactivity.days", 30)
	v.SetDefault("device.trust.client.id", false)
	v.SetDefault("login.max.failed.attempts", 5)
	v.SetDefault("login.lockout.minutes", 15)
	v.SetDefault("signup.email.verified.window", "30m")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("rate.limit.otp.per.window", 10)
	v.SetDefault("rate.limit.verify.per.window", 20)
	v.SetDefault("rate.limit.window", "10m")
	v.SetDefault("twilio.account.sid", "")
	v.SetDefault("twilio.auth.token", "")
	v.SetDefault("twilio.from.number", "")
	v.SetDefault("email.api.url", "")
	v.SetDefault("email.api.key", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.from.name", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue.size", 256)
	v.SetDefault("notify.rate.per.second", 10)
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.audit.topic", "auth-audit")
	v.SetDefault("sweep.interval", "24h")
}

// Load reads configuration from environment variables (APP_ENV, DATABASE_URL, JWT_SECRET, OTP_MAX_ATTEMPTS, ...)
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	// AutomaticEnv only resolves keys viper already knows about
	v.SetDefault("database.url", "")
	v.SetDefault("jwt.secret", "")

	cfg := &Config{
		Env:   v.GetString("app.env"),
		Port:  v.GetString("port"),
		Store: strings.ToLower(v.GetString("store")),
	}

	switch cfg.Store {
	case "postgres":
		cfg.DatabaseURL = strings.TrimSpace(v.GetString("database.url"))
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
		if _, err := url.Parse(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	case "memory":
	default:
		return nil, fmt.Errorf("STORE must be postgres or memory, got %q", cfg.Store)
	}

	cfg.JWTSecret = v.GetString("jwt.secret")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	cfg.JWTIssuer = v.GetString("jwt.issuer")

	var err error
	if cfg.AccessTokenTTL, err = duration(v, "jwt.access.token.expiration"); err != nil {
		return nil, err
	}
	if cfg.RefreshTokenTTL, err = duration(v, "jwt.refresh.token.expiration"); err != nil {
		return nil, err
	}
	if cfg.SignupEmailVerifiedWindow, err = duration(v, "signup.email.verified.window"); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = duration(v, "sweep.interval"); err != nil {
		return nil, err
	}

	cfg.OTP = OTPConfig{
		Expiry:         time.Duration(v.GetInt("otp.expiry.minutes")) * time.Minute,
		MaxAttempts:    v.GetInt("otp.max.attempts"),
		Lockout:        time.Duration(v.GetInt("otp.lockout.minutes")) * time.Minute,
		ResendCooldown: time.Duration(v.GetInt("otp.resend.cooldown.seconds")) * time.Second,
		DevMode:        v.GetBool("otp.dev.mode"),
	}
	if cfg.OTP.MaxAttempts < 1 {
		return nil, fmt.Errorf("OTP_MAX_ATTEMPTS must be positive")
	}
	if cfg.OTP.Expiry <= 0 {
		return nil, fmt.Errorf("OTP_EXPIRY_MINUTES must be positive")
	}

	cfg.Device = DeviceConfig{
		MaxSessionsPerUser:   v.GetInt("device.max.sessions.per.user"),
		MaxStreamingSessions: v.GetInt("device.max.streaming.sessions"),
		InactivityPeriod:     time.Duration(v.GetInt("device.inactivity.days")) * 24 * time.Hour,
		TrustClientID:        v.GetBool("device.trust.client.id"),
	}
	if cfg.Device.MaxSessionsPerUser < 1 || cfg.Device.MaxStreamingSessions < 1 {
		return nil, fmt.Errorf("device limits must be positive")
	}

	cfg.Login = LoginConfig{
		MaxFailedAttempts: v.GetInt("login.max.failed.attempts"),
		Lockout:           time.Duration(v.GetInt("login.lockout.minutes")) * time.Minute,
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	window, err := duration(v, "rate.limit.window")
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = RateLimitConfig{
		OTPPerWindow:    v.GetInt("rate.limit.otp.per.window"),
		VerifyPerWindow: v.GetInt("rate.limit.verify.per.window"),
		Window:          window,
	}

	cfg.Twilio = TwilioConfig{
		AccountSID: v.GetString("twilio.account.sid"),
		AuthToken:  v.GetString("twilio.auth.token"),
		FromNumber: v.GetString("twilio.from.number"),
	}
	cfg.Email = EmailConfig{
		APIURL:   v.GetString("email.api.url"),
		APIKey:   v.GetString("email.api.key"),
		From:     v.GetString("email.from"),
		FromName: v.GetString("email.from.name"),
	}

	timeout, err := duration(v, "notify.timeout")
	if err != nil {
		return nil, err
	}
	cfg.Notify = NotifyConfig{
		Timeout:       timeout,
		Workers:       v.GetInt("notify.workers"),
		QueueSize:     v.GetInt("notify.queue.size"),
		RatePerSecond: v.GetFloat64("notify.rate.per.second"),
	}

	cfg.Kafka = KafkaConfig{
		Brokers:    splitList(v.GetString("kafka.brokers")),
		AuditTopic: v.GetString("kafka.audit.topic"),
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		return 0, fmt.Errorf("invalid %s %q: %w", envKey, raw, err)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
