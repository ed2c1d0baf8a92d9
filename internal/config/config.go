package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort          = 5001
	defaultBodyLimit     = 1_000_000 // 1MB, frames and send bodies alike
	defaultQueryTimeout  = 5 * time.Second
	defaultPollTimeout   = 3 * time.Second
	defaultHistoryLimit  = 100
	defaultPollLimit     = 500
	defaultPingInterval  = 10 * time.Second
	defaultPongWait      = 30 * time.Second
	defaultWriteWait     = 10 * time.Second
	defaultSendBuffer    = 64
	defaultMediaDir      = "./.media"
	defaultMediaBaseURL  = "/media"
	defaultMediaMaxSize  = 5_000_000
	defaultRateRPS       = 20
	defaultRateBurst     = 40
	defaultRetentionCron = "0 3 * * *"
	defaultRetention     = 7 * 24 * time.Hour
	defaultRetentionSize = 1000
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// ParseFlags parses the server command-line flags.
func ParseFlags(args []string) (Flags, error) {
	fs := flag.NewFlagSet("pelusa-dm", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address (host:port)")
	db := fs.String("db", "", "Pebble DB path")
	cfgPath := fs.String("config", "./config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addr, DB: *db, Config: *cfgPath, Set: set}, nil
}

// Default returns a config with every knob at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load resolves the effective config: defaults, then file, then .env/env, then flags.
// A missing config file is not an error unless the -config flag was given explicitly.
func Load(flags Flags) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{}
	b, err := os.ReadFile(flags.Config)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", flags.Config, err)
		}
	case errors.Is(err, os.ErrNotExist) && !flags.Set["config"]:
	default:
		return nil, fmt.Errorf("read config %s: %w", flags.Config, err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if flags.Addr != "" {
		host, port, err := splitAddr(flags.Addr)
		if err != nil {
			return nil, err
		}
		cfg.Server.Address, cfg.Server.Port = host, port
	}
	if flags.DB != "" {
		cfg.Store.DBPath = flags.DB
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays PELUSA_* variables. getenv is injected for tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv("PELUSA_" + key)); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := strings.TrimSpace(getenv("PELUSA_" + key)); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("PELUSA_%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	boolean := func(key string, dst *bool) {
		if v := strings.TrimSpace(getenv("PELUSA_" + key)); v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes":
				*dst = true
			default:
				*dst = false
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v := getenv("PELUSA_" + key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("PELUSA_%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	size := func(key string, dst *SizeBytes) {
		if v := getenv("PELUSA_" + key); v != "" {
			s, err := parseSize(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("PELUSA_%s: %w", key, err))
				return
			}
			*dst = s
		}
	}

	str("SERVER_ADDRESS", &c.Server.Address)
	num("SERVER_PORT", &c.Server.Port)
	num("PORT", &c.Server.Port)
	size("SERVER_BODY_LIMIT", &c.Server.BodyLimit)
	if v := getenv("PELUSA_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	str("DB_PATH", &c.Store.DBPath)
	dur("STORE_QUERY_TIMEOUT", &c.Store.QueryTimeout)
	dur("STORE_POLL_TIMEOUT", &c.Store.PollTimeout)
	num("STORE_HISTORY_LIMIT", &c.Store.HistoryLimit)
	num("STORE_POLL_LIMIT", &c.Store.PollLimit)

	str("JWT_SECRET", &c.Auth.JWTSecret)
	boolean("AUTH_TRUST_QUERY_USER", &c.Auth.TrustQueryUser)
	if v := strings.TrimSpace(getenv("PELUSA_RATE_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("PELUSA_RATE_RPS: %w", err))
		} else {
			c.Auth.RateLimit.RPS = f
		}
	}
	num("RATE_BURST", &c.Auth.RateLimit.Burst)

	boolean("PRESENCE_MULTI_DEVICE", &c.Presence.MultiDevice)
	dur("PRESENCE_PING_INTERVAL", &c.Presence.PingInterval)
	dur("PRESENCE_PONG_WAIT", &c.Presence.PongWait)

	str("MEDIA_DIR", &c.Media.Dir)
	str("MEDIA_BASE_URL", &c.Media.BaseURL)
	size("MEDIA_MAX_SIZE", &c.Media.MaxSize)

	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_SINK", &c.Logging.Sink)

	boolean("RETENTION_ENABLED", &c.Retention.Enabled)
	str("RETENTION_CRON", &c.Retention.Cron)
	dur("RETENTION_PERIOD", &c.Retention.Period)

	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.BodyLimit == 0 {
		c.Server.BodyLimit = defaultBodyLimit
	}
	if c.Store.DBPath == "" {
		c.Store.DBPath = "./.database"
	}
	if c.Store.QueryTimeout == 0 {
		c.Store.QueryTimeout = Duration(defaultQueryTimeout)
	}
	if c.Store.PollTimeout == 0 {
		c.Store.PollTimeout = Duration(defaultPollTimeout)
	}
	if c.Store.HistoryLimit == 0 {
		c.Store.HistoryLimit = defaultHistoryLimit
	}
	if c.Store.PollLimit == 0 {
		c.Store.PollLimit = defaultPollLimit
	}
	if c.Auth.RateLimit.RPS == 0 {
		c.Auth.RateLimit.RPS = defaultRateRPS
	}
	if c.Auth.RateLimit.Burst == 0 {
		c.Auth.RateLimit.Burst = defaultRateBurst
	}
	if c.Presence.PingInterval == 0 {
		c.Presence.PingInterval = Duration(defaultPingInterval)
	}
	if c.Presence.PongWait == 0 {
		c.Presence.PongWait = Duration(defaultPongWait)
	}
	if c.Presence.WriteWait == 0 {
		c.Presence.WriteWait = Duration(defaultWriteWait)
	}
	if c.Presence.MaxFrameSize == 0 {
		c.Presence.MaxFrameSize = defaultBodyLimit
	}
	if c.Presence.SendBuffer == 0 {
		c.Presence.SendBuffer = defaultSendBuffer
	}
	if c.Media.Dir == "" {
		c.Media.Dir = defaultMediaDir
	}
	if c.Media.BaseURL == "" {
		c.Media.BaseURL = defaultMediaBaseURL
	}
	if c.Media.MaxSize == 0 {
		c.Media.MaxSize = defaultMediaMaxSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = defaultRetentionCron
	}
	if c.Retention.Period == 0 {
		c.Retention.Period = Duration(defaultRetention)
	}
	if c.Retention.BatchSize == 0 {
		c.Retention.BatchSize = defaultRetentionSize
	}
}

// Validate fails fast on settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Auth.JWTSecret == "" && !c.Auth.TrustQueryUser {
		errs = append(errs, errors.New("auth.jwt_secret is required unless auth.trust_query_user is set"))
	}
	if c.Presence.PingInterval.Duration() >= c.Presence.PongWait.Duration() {
		errs = append(errs, fmt.Errorf("presence.ping_interval (%s) must be shorter than presence.pong_wait (%s)",
			c.Presence.PingInterval.Duration(), c.Presence.PongWait.Duration()))
	}
	if c.Store.HistoryLimit < 1 || c.Store.PollLimit < 1 {
		errs = append(errs, errors.New("store.history_limit and store.poll_limit must be positive"))
	}
	if c.Retention.Enabled && !gronx.IsValid(c.Retention.Cron) {
		errs = append(errs, fmt.Errorf("retention.cron is invalid: %q", c.Retention.Cron))
	}
	return errors.Join(errs...)
}

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func splitAddr(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("invalid addr %q: missing port", addr)
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid addr %q: %w", addr, err)
	}
	return addr[:i], port, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
