// ABOUTME: Configuration loading and parsing for the aetherbus bridge and tools
// ABOUTME: Supports YAML files with ${VAR} expansion, duration parsing and an AETHERBUS_* env overlay

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete aetherbus configuration
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Namespace  NamespaceConfig  `yaml:"namespace"`
	Agents     AgentsConfig     `yaml:"agents"`
	Delegation DelegationConfig `yaml:"delegation"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LogConfig describes the connection to the log service
type LogConfig struct {
	// URL is redis://[user:pass@]host:port[/db] or memory:// for a process-local log.
	URL               string `yaml:"url"                 env:"AETHERBUS_LOG_URL"`
	StreamMaxLen      int64  `yaml:"stream_maxlen"       env:"AETHERBUS_LOG_STREAM_MAXLEN"`
	EnvelopeSizeLimit int    `yaml:"envelope_size_limit" env:"AETHERBUS_LOG_ENVELOPE_SIZE_LIMIT"`
	Discovery         bool   `yaml:"discovery"           env:"AETHERBUS_LOG_DISCOVERY"`

	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig shapes transport-level retries
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"AETHERBUS_LOG_RETRY_MAX_ATTEMPTS"`
	Multiplier   float64       `yaml:"multiplier"`
	InitialDelay time.Duration `yaml:"-"`
	MaxDelay     time.Duration `yaml:"-"`

	InitialDelayRaw string `yaml:"initial_delay"`
	MaxDelayRaw     string `yaml:"max_delay"`
}

// NamespaceConfig holds the stream key prefix and optional tenancy segment
type NamespaceConfig struct {
	Prefix    string `yaml:"prefix"    env:"AETHERBUS_PREFIX"`
	Namespace string `yaml:"namespace" env:"AETHERBUS_NAMESPACE"`
}

// AgentsConfig names this process and where the agent directory lives
type AgentsConfig struct {
	Self         string `yaml:"self"          env:"AETHERBUS_AGENT"`
	RegistryPath string `yaml:"registry_path" env:"AETHERBUS_REGISTRY"`
	// DefaultReplyStream receives replies to envelopes that carry no reply_to.
	DefaultReplyStream string `yaml:"default_reply_stream"`
}

// DelegationConfig holds delegation call budgets
type DelegationConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	Timeout      time.Duration `yaml:"-"`
	PollInterval time.Duration `yaml:"-"`
	RetryBackoff time.Duration `yaml:"-"`

	TimeoutRaw      string `yaml:"timeout"       env:"AETHERBUS_DELEGATION_TIMEOUT"`
	PollIntervalRaw string `yaml:"poll_interval"`
	RetryBackoffRaw string `yaml:"retry_backoff"`
}

// ConsumerConfig configures the consumer group coordinator
type ConsumerConfig struct {
	Group         string        `yaml:"group"          env:"AETHERBUS_CONSUMER_GROUP"`
	Consumer      string        `yaml:"consumer"       env:"AETHERBUS_CONSUMER"`
	Workers       int           `yaml:"workers"        env:"AETHERBUS_CONSUMER_WORKERS"`
	BatchSize     int64         `yaml:"batch_size"`
	MaxDeliveries int64         `yaml:"max_deliveries" env:"AETHERBUS_MAX_DELIVERIES"`
	Block         time.Duration `yaml:"-"`
	ClaimIdle     time.Duration `yaml:"-"`
	DedupeTTL     time.Duration `yaml:"-"`

	BlockRaw     string `yaml:"block"`
	ClaimIdleRaw string `yaml:"claim_idle"`
	DedupeTTLRaw string `yaml:"dedupe_ttl"`
}

// Input formats written to the session process
const (
	InputText     = "text"
	InputEnvelope = "envelope"
)

// BridgeConfig configures the session bridge and its external processes
type BridgeConfig struct {
	// Inbox is the stream the bridge consumes. Defaults to the agent inbox of agents.self.
	Inbox         string   `yaml:"inbox"          env:"AETHERBUS_BRIDGE_INBOX"`
	Command       string   `yaml:"command"        env:"AETHERBUS_BRIDGE_COMMAND"`
	Args          []string `yaml:"args"`
	Dir           string   `yaml:"dir"`
	TranscriptDir string   `yaml:"transcript_dir" env:"AETHERBUS_TRANSCRIPT_DIR"`
	InputFormat   string   `yaml:"input_format"`
	// AllowedRoles lists sender roles that may start a turn. Nil means ["user"], empty accepts all.
	AllowedRoles    []string `yaml:"allowed_roles"`
	ProgressReplies bool     `yaml:"progress_replies"`
	RespawnBurst    int      `yaml:"respawn_burst"`

	TurnTimeout     time.Duration `yaml:"-"`
	IdleTimeout     time.Duration `yaml:"-"`
	ReapInterval    time.Duration `yaml:"-"`
	PollInterval    time.Duration `yaml:"-"`
	StartGrace      time.Duration `yaml:"-"`
	RespawnInterval time.Duration `yaml:"-"`

	TurnTimeoutRaw     string `yaml:"turn_timeout"     env:"AETHERBUS_TURN_TIMEOUT"`
	IdleTimeoutRaw     string `yaml:"idle_timeout"     env:"AETHERBUS_IDLE_TIMEOUT"`
	ReapIntervalRaw    string `yaml:"reap_interval"`
	PollIntervalRaw    string `yaml:"poll_interval"`
	StartGraceRaw      string `yaml:"start_grace"`
	RespawnIntervalRaw string `yaml:"respawn_interval"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" env:"AETHERBUS_DATABASE_PATH"`
}

// AuthConfig holds signing secrets
type AuthConfig struct {
	// SigningSecret enables envelope signatures when set.
	SigningSecret string `yaml:"signing_secret" env:"AETHERBUS_SIGNING_SECRET"`
	// RequireSignatures rejects unsigned inbound envelopes.
	RequireSignatures bool          `yaml:"require_signatures"`
	SignatureTTL      time.Duration `yaml:"-"`
	SignatureTTLRaw   string        `yaml:"signature_ttl"`
	// JWTSecret signs operator tokens for the control endpoints.
	JWTSecret string `yaml:"jwt_secret" env:"AETHERBUS_JWT_SECRET"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" env:"AETHERBUS_GRPC_ADDR"`
	HTTPAddr string `yaml:"http_addr" env:"AETHERBUS_HTTP_ADDR"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"  env:"AETHERBUS_LOG_LEVEL"`
	Format string `yaml:"format" env:"AETHERBUS_LOG_FORMAT"`
}

// Default returns a configuration usable without a file: a process-local log
// and the default budgets, with no listeners.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultPath returns the config file location.
// Priority: AETHERBUS_CONFIG env var > XDG_CONFIG_HOME/aetherbus/bridge.yaml > ~/.config/aetherbus/bridge.yaml
func DefaultPath() string {
	if p := os.Getenv("AETHERBUS_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "aetherbus", "bridge.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded, then AETHERBUS_*
// variables override individual fields. Duration strings are parsed into
// time.Duration values and missing values take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// LoadOptional is Load, except a missing file yields the defaults with the
// AETHERBUS_* environment applied.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil)
	}
	return cfg, err
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Log.URL == "" {
		return fmt.Errorf("log.url is required")
	}
	if !strings.HasPrefix(c.Log.URL, "redis://") && !strings.HasPrefix(c.Log.URL, "rediss://") && c.Log.URL != "memory://" {
		return fmt.Errorf("log.url %q must be redis://, rediss:// or memory://", c.Log.URL)
	}
	if strings.ContainsAny(c.Namespace.Prefix+c.Namespace.Namespace, ": \t") {
		return fmt.Errorf("namespace.prefix and namespace.namespace must not contain ':' or whitespace")
	}
	if c.Consumer.MaxDeliveries < 1 {
		return fmt.Errorf("consumer.max_deliveries must be at least 1")
	}
	if c.Consumer.Workers < 1 {
		return fmt.Errorf("consumer.workers must be at least 1")
	}
	if c.Delegation.MaxAttempts < 1 {
		return fmt.Errorf("delegation.max_attempts must be at least 1")
	}
	if c.Delegation.Timeout <= 0 {
		return fmt.Errorf("delegation.timeout must be positive")
	}
	if c.Bridge.TurnTimeout <= 0 {
		return fmt.Errorf("bridge.turn_timeout must be positive")
	}
	if !slices.Contains([]string{InputText, InputEnvelope}, c.Bridge.InputFormat) {
		return fmt.Errorf("bridge.input_format %q must be %q or %q", c.Bridge.InputFormat, InputText, InputEnvelope)
	}
	if c.Auth.RequireSignatures && c.Auth.SigningSecret == "" {
		return fmt.Errorf("auth.signing_secret is required when auth.require_signatures is set")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// ValidateBridge checks the fields only the bridge daemon needs.
func (c *Config) ValidateBridge() error {
	if c.Agents.Self == "" {
		return fmt.Errorf("agents.self is required")
	}
	if c.Bridge.Command == "" {
		return fmt.Errorf("bridge.command is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Consumer.ClaimIdle <= c.Bridge.TurnTimeout {
		return fmt.Errorf("consumer.claim_idle (%s) must exceed bridge.turn_timeout (%s)", c.Consumer.ClaimIdle, c.Bridge.TurnTimeout)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"log.retry.initial_delay", cfg.Log.Retry.InitialDelayRaw, &cfg.Log.Retry.InitialDelay},
		{"log.retry.max_delay", cfg.Log.Retry.MaxDelayRaw, &cfg.Log.Retry.MaxDelay},
		{"delegation.timeout", cfg.Delegation.TimeoutRaw, &cfg.Delegation.Timeout},
		{"delegation.poll_interval", cfg.Delegation.PollIntervalRaw, &cfg.Delegation.PollInterval},
		{"delegation.retry_backoff", cfg.Delegation.RetryBackoffRaw, &cfg.Delegation.RetryBackoff},
		{"consumer.block", cfg.Consumer.BlockRaw, &cfg.Consumer.Block},
		{"consumer.claim_idle", cfg.Consumer.ClaimIdleRaw, &cfg.Consumer.ClaimIdle},
		{"consumer.dedupe_ttl", cfg.Consumer.DedupeTTLRaw, &cfg.Consumer.DedupeTTL},
		{"bridge.turn_timeout", cfg.Bridge.TurnTimeoutRaw, &cfg.Bridge.TurnTimeout},
		{"bridge.idle_timeout", cfg.Bridge.IdleTimeoutRaw, &cfg.Bridge.IdleTimeout},
		{"bridge.reap_interval", cfg.Bridge.ReapIntervalRaw, &cfg.Bridge.ReapInterval},
		{"bridge.poll_interval", cfg.Bridge.PollIntervalRaw, &cfg.Bridge.PollInterval},
		{"bridge.start_grace", cfg.Bridge.StartGraceRaw, &cfg.Bridge.StartGrace},
		{"bridge.respawn_interval", cfg.Bridge.RespawnIntervalRaw, &cfg.Bridge.RespawnInterval},
		{"auth.signature_ttl", cfg.Auth.SignatureTTLRaw, &cfg.Auth.SignatureTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func applyDefaults(cfg *Config) {
	setDefault(&cfg.Log.URL, "memory://")
	setDefault(&cfg.Log.Retry.MaxAttempts, 5)
	setDefault(&cfg.Log.Retry.Multiplier, 2.0)
	setDefault(&cfg.Log.Retry.InitialDelay, 100*time.Millisecond)
	setDefault(&cfg.Log.Retry.MaxDelay, 2*time.Second)

	setDefault(&cfg.Delegation.MaxAttempts, 1)
	setDefault(&cfg.Delegation.Timeout, 30*time.Second)
	setDefault(&cfg.Delegation.PollInterval, 800*time.Millisecond)
	setDefault(&cfg.Delegation.RetryBackoff, time.Second)

	setDefault(&cfg.Consumer.Workers, 4)
	setDefault(&cfg.Consumer.BatchSize, 10)
	setDefault(&cfg.Consumer.MaxDeliveries, 3)
	setDefault(&cfg.Consumer.Block, 2*time.Second)
	setDefault(&cfg.Consumer.ClaimIdle, 3*time.Minute)
	setDefault(&cfg.Consumer.DedupeTTL, 10*time.Minute)

	setDefault(&cfg.Bridge.InputFormat, InputText)
	setDefault(&cfg.Bridge.TurnTimeout, 120*time.Second)
	setDefault(&cfg.Bridge.IdleTimeout, 30*time.Minute)
	setDefault(&cfg.Bridge.ReapInterval, time.Minute)
	setDefault(&cfg.Bridge.PollInterval, 100*time.Millisecond)
	setDefault(&cfg.Bridge.RespawnInterval, 5*time.Second)
	setDefault(&cfg.Bridge.RespawnBurst, 2)
	if cfg.Bridge.AllowedRoles == nil {
		cfg.Bridge.AllowedRoles = []string{"user"}
	}

	setDefault(&cfg.Logging.Level, "info")
	setDefault(&cfg.Logging.Format, "text")
}

func setDefault[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}
