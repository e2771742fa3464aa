package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogLevel       string
	Redis          RedisConfig
	Signaling      SignalingConfig
	ICE            ICEConfig
	Game           GameConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type SignalingConfig struct {
	// ServerURL is the base ws(s):// URL of a bridge server. When empty the
	// headless peer talks to Redis directly.
	ServerURL          string
	BacklogLimit       int64
	SignalTTL          time.Duration
	PublishTimeout     time.Duration
	NegotiationTimeout time.Duration
	ClockSkew          time.Duration
}

type ICEConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	TURNUsername   string
	TURNCredential string
}

type GameConfig struct {
	TickInterval time.Duration
	Codec        string
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"ENVIRONMENT":          "development",
	"ALLOWED_ORIGINS":      "http://localhost:3000,http://localhost:5173",
	"JWT_SECRET":           "change-me-in-production",
	"LOG_LEVEL":            "info",
	"REDIS_HOST":           "localhost",
	"REDIS_PORT":           "6379",
	"REDIS_PASSWORD":       "",
	"REDIS_DB":             0,
	"SIGNAL_SERVER_URL":    "",
	"SIGNAL_BACKLOG_LIMIT": 1000,
	"SIGNAL_TTL":           "24h",
	"PUBLISH_TIMEOUT":      "5s",
	"NEGOTIATION_TIMEOUT":  "30s",
	"CLOCK_SKEW":           "2s",
	"STUN_URLS":            "stun:stun.l.google.com:19302",
	"TURN_URLS":            "",
	"TURN_USERNAME":        "",
	"TURN_CREDENTIAL":      "",
	"TICK_INTERVAL":        "33ms",
	"MESSAGE_CODEC":        "json",
}

// Load reads configuration with the following priority:
// 1. Environment variables - highest priority
// 2. Config file (path, or CONFIG_FILE when path is empty)
// 3. Hardcoded defaults - lowest priority
//
// CLI flags are applied on top by the caller.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),
		JWTSecret:      v.GetString("JWT_SECRET"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Signaling: SignalingConfig{
			ServerURL:          strings.TrimRight(v.GetString("SIGNAL_SERVER_URL"), "/"),
			BacklogLimit:       v.GetInt64("SIGNAL_BACKLOG_LIMIT"),
			SignalTTL:          v.GetDuration("SIGNAL_TTL"),
			PublishTimeout:     v.GetDuration("PUBLISH_TIMEOUT"),
			NegotiationTimeout: v.GetDuration("NEGOTIATION_TIMEOUT"),
			ClockSkew:          v.GetDuration("CLOCK_SKEW"),
		},
		ICE: ICEConfig{
			STUNURLs:       splitList(v.GetString("STUN_URLS")),
			TURNURLs:       splitList(v.GetString("TURN_URLS")),
			TURNUsername:   v.GetString("TURN_USERNAME"),
			TURNCredential: v.GetString("TURN_CREDENTIAL"),
		},
		Game: GameConfig{
			TickInterval: v.GetDuration("TICK_INTERVAL"),
			Codec:        v.GetString("MESSAGE_CODEC"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the rest of the program cannot run with.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"SIGNAL_TTL":          c.Signaling.SignalTTL,
		"PUBLISH_TIMEOUT":     c.Signaling.PublishTimeout,
		"NEGOTIATION_TIMEOUT": c.Signaling.NegotiationTimeout,
		"TICK_INTERVAL":       c.Game.TickInterval,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %s)", name, d))
		}
	}
	if c.Signaling.ClockSkew < 0 {
		errs = append(errs, fmt.Errorf("CLOCK_SKEW must not be negative (got %s)", c.Signaling.ClockSkew))
	}
	if c.Signaling.BacklogLimit <= 0 {
		errs = append(errs, fmt.Errorf("SIGNAL_BACKLOG_LIMIT must be positive (got %d)", c.Signaling.BacklogLimit))
	}
	switch c.Game.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("MESSAGE_CODEC must be json or msgpack (got %q)", c.Game.Codec))
	}
	if len(c.ICE.TURNURLs) > 0 && c.ICE.TURNUsername == "" {
		errs = append(errs, errors.New("TURN_USERNAME is required when TURN_URLS is set"))
	}
	if c.IsProduction() && (c.JWTSecret == "" || c.JWTSecret == defaults["JWT_SECRET"]) {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether ENVIRONMENT is production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// RedisAddr returns host:port for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// ICEServers returns the STUN/TURN servers for new peer connections.
func (c *Config) ICEServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(c.ICE.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.ICE.STUNURLs})
	}
	if len(c.ICE.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.ICE.TURNURLs,
			Username:   c.ICE.TURNUsername,
			Credential: c.ICE.TURNCredential,
		})
	}
	return servers
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
