package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Presence  PresenceConfig  `yaml:"presence"`
	Media     MediaConfig     `yaml:"media"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds http listener settings.
type ServerConfig struct {
	Address        string    `yaml:"address"`
	Port           int       `yaml:"port"`
	BodyLimit      SizeBytes `yaml:"body_limit"`
	AllowedOrigins []string  `yaml:"allowed_origins"`
}

// StoreConfig holds the pebble location and query bounds.
type StoreConfig struct {
	DBPath       string   `yaml:"db_path"`
	QueryTimeout Duration `yaml:"query_timeout"`
	PollTimeout  Duration `yaml:"poll_timeout"`
	HistoryLimit int      `yaml:"history_limit"`
	PollLimit    int      `yaml:"poll_limit"`
}

// AuthConfig controls how identities are resolved for requests and handshakes.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// TrustQueryUser accepts a bare ?userId= on the websocket handshake.
	TrustQueryUser bool            `yaml:"trust_query_user"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is the per-user token bucket. A non-positive rps disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// PresenceConfig holds websocket session tuning.
type PresenceConfig struct {
	MultiDevice  bool      `yaml:"multi_device"`
	PingInterval Duration  `yaml:"ping_interval"`
	PongWait     Duration  `yaml:"pong_wait"`
	WriteWait    Duration  `yaml:"write_wait"`
	MaxFrameSize SizeBytes `yaml:"max_frame_size"`
	SendBuffer   int       `yaml:"send_buffer"`
}

// MediaConfig holds image upload settings.
type MediaConfig struct {
	Dir     string    `yaml:"dir"`
	BaseURL string    `yaml:"base_url"`
	MaxSize SizeBytes `yaml:"max_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Sink  string `yaml:"sink"`
}

// RetentionConfig controls purging of soft-deleted messages.
type RetentionConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Cron      string   `yaml:"cron"`
	Period    Duration `yaml:"period"`
	BatchSize int      `yaml:"batch_size"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "1MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration wraps time.Duration to parse strings like "100ms" or plain numbers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
