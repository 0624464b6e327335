// Package config loads the relay configuration from a YAML file plus environment overrides.
// Every scalar has a safe default; providers must be configured explicitly.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/matiasleandrokruk/chatrelay/internal/infra/llm"
	"github.com/matiasleandrokruk/chatrelay/pkg/auth"
)

// ErrConfigInvalid is returned for a malformed or incomplete configuration.
var ErrConfigInvalid = errors.New("invalid configuration")

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

const (
	envKeyConfig     = "RELAY_CONFIG"
	envKeyHost       = "RELAY_HOST"
	envKeyPort       = "RELAY_PORT"
	envKeySQLitePath = "RELAY_SQLITE_PATH"
	envKeyRedisAddr  = "RELAY_REDIS_ADDR"
	envKeyLogLevel   = "LOG_LEVEL"

	defaultConfigPath = "chatrelay.yaml"
)

// Config holds runtime configuration for the relay.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Limits    LimitsConfig     `yaml:"limits"`
	RateLimit RateLimitConfig  `yaml:"ratelimit"`
	Stream    StreamConfig     `yaml:"stream"`
	Auth      AuthConfig       `yaml:"auth"`
	Ledger    LedgerConfig     `yaml:"ledger"`
	Janitor   JanitorConfig    `yaml:"janitor"`
	Log       LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins lists WebSocket origins besides the server's own host.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProviderConfig describes one upstream backend.
type ProviderConfig struct {
	Name       string   `yaml:"name"`
	Kind       string   `yaml:"kind"`
	Endpoint   string   `yaml:"endpoint"`
	Credential string   `yaml:"credential"`
	Models     []string `yaml:"models"`
}

type LimitsConfig struct {
	RequestsPerWindow    int           `yaml:"requests_per_window"`
	Window               time.Duration `yaml:"window"`
	MaxMessageChars      int           `yaml:"max_message_chars"`
	MaxSystemPromptChars int           `yaml:"max_system_prompt_chars"`
	ConversationTTL      time.Duration `yaml:"conversation_ttl"`
	UpstreamTimeout      time.Duration `yaml:"upstream_timeout"`
	MaxTokens            int           `yaml:"max_tokens"`
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`
}

type RateLimitConfig struct {
	Backend     string `yaml:"backend"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type StreamConfig struct {
	// CompleteOnDisconnect is a pointer so an explicit false survives defaulting.
	CompleteOnDisconnect *bool `yaml:"complete_on_disconnect"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens; usually "${JWT_SECRET}".
	JWTSecret       string        `yaml:"jwt_secret"`
	APIKeys         []auth.APIKey `yaml:"api_keys"`
	AdminIdentities []string      `yaml:"admin_identities"`
}

type LedgerConfig struct {
	// SQLitePath is the ledger database file; empty disables the ledger.
	SQLitePath string `yaml:"sqlite_path"`
}

type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// PathFromEnv returns RELAY_CONFIG or the default config path.
func PathFromEnv() string {
	return envOr(envKeyConfig, defaultConfigPath)
}

// Load reads path, expands ${NAME} references, applies defaults and env overrides, and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: read %s", path)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, errors.Wrapf(ErrConfigInvalid, "parse yaml: %v", err)
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Limits.RequestsPerWindow == 0 {
		c.Limits.RequestsPerWindow = 60
	}
	if c.Limits.Window == 0 {
		c.Limits.Window = time.Minute
	}
	if c.Limits.MaxMessageChars == 0 {
		c.Limits.MaxMessageChars = 8000
	}
	if c.Limits.MaxSystemPromptChars == 0 {
		c.Limits.MaxSystemPromptChars = 4000
	}
	if c.Limits.ConversationTTL == 0 {
		c.Limits.ConversationTTL = 30 * time.Minute
	}
	if c.Limits.UpstreamTimeout == 0 {
		c.Limits.UpstreamTimeout = 120 * time.Second
	}
	if c.Limits.MaxBodyBytes == 0 {
		c.Limits.MaxBodyBytes = 1 << 20
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = BackendMemory
	}
	if c.RateLimit.RedisPrefix == "" {
		c.RateLimit.RedisPrefix = "chatrelay:rl:"
	}
	if c.Stream.CompleteOnDisconnect == nil {
		on := true
		c.Stream.CompleteOnDisconnect = &on
	}
	if c.Janitor.Interval == 0 {
		c.Janitor.Interval = time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	c.Server.Host = envOr(envKeyHost, c.Server.Host)
	if v := os.Getenv(envKeyPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(ErrConfigInvalid, "%s=%q is not a number", envKeyPort, v)
		}
		c.Server.Port = port
	}
	c.Ledger.SQLitePath = envOr(envKeySQLitePath, c.Ledger.SQLitePath)
	if v := os.Getenv(envKeyRedisAddr); v != "" {
		c.RateLimit.RedisAddr = v
		c.RateLimit.Backend = BackendRedis
	}
	c.Log.Level = envOr(envKeyLogLevel, c.Log.Level)
	return nil
}

// Validate reports the first problem found, wrapped around ErrConfigInvalid.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}
	if err := c.validateProviders(); err != nil {
		return err
	}

	l := c.Limits
	switch {
	case l.RequestsPerWindow < 0:
		return invalid("limits.requests_per_window must be positive")
	case l.Window < 0:
		return invalid("limits.window must be positive")
	case l.MaxMessageChars < 0 || l.MaxSystemPromptChars < 0:
		return invalid("limits.max_message_chars and max_system_prompt_chars must be positive")
	case l.ConversationTTL < 0 || l.UpstreamTimeout < 0:
		return invalid("limits.conversation_ttl and upstream_timeout must be positive")
	case l.MaxTokens < 0:
		return invalid("limits.max_tokens must not be negative")
	}

	switch c.RateLimit.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RateLimit.RedisAddr == "" {
			return invalid("ratelimit.redis_addr is required for the redis backend")
		}
	default:
		return invalid("ratelimit.backend %q is not memory or redis", c.RateLimit.Backend)
	}

	seen := make(map[string]bool, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		switch {
		case k.ID == "" || strings.Contains(k.ID, "."):
			return invalid("auth.api_keys[%d]: id must be non-empty and contain no dot", i)
		case k.Identity == "":
			return invalid("auth.api_keys[%d]: identity is required", i)
		case !strings.HasPrefix(k.Hash, "$2"):
			return invalid("auth.api_keys[%d]: hash must be a bcrypt hash", i)
		case seen[k.ID]:
			return invalid("auth.api_keys[%d]: duplicate id %q", i, k.ID)
		}
		seen[k.ID] = true
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level %q: %v", c.Log.Level, err)
	}
	return nil
}

func (c Config) validateProviders() error {
	for i, p := range c.Providers {
		u, err := url.Parse(p.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("providers[%d] %q: endpoint %q is not an http(s) URL", i, p.Name, p.Endpoint)
		}
	}
	// Registry construction performs the remaining structural checks.
	if _, err := llm.NewRegistry(c.Bindings(), probeFactory); err != nil {
		return errors.Wrap(ErrConfigInvalid, err.Error())
	}
	return nil
}

func probeFactory(llm.Binding) (llm.Provider, error) { return nil, nil }

// Bindings converts the provider section for the registry.
func (c Config) Bindings() []llm.Binding {
	out := make([]llm.Binding, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, llm.Binding{
			ProviderName: p.Name,
			Kind:         p.Kind,
			Endpoint:     p.Endpoint,
			Credential:   p.Credential,
			Models:       append([]string(nil), p.Models...),
		})
	}
	return out
}

// Addr returns host:port for the HTTP listener.
func (c Config) Addr() string {
	return c.Server.Host + ":" + strconv.Itoa(c.Server.Port)
}

// IsAdmin reports whether identity is listed in auth.admin_identities.
func (c Config) IsAdmin(identity string) bool {
	for _, a := range c.Auth.AdminIdentities {
		if a == identity {
			return true
		}
	}
	return false
}

func invalid(format string, args ...any) error {
	return errors.Wrapf(ErrConfigInvalid, format, args...)
}

// envRef matches ${NAME} only. Bare $ is left alone so bcrypt hashes survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}

// envOr returns the value of the environment variable key, or fallback if not set.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
