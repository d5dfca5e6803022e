// Package config loads codeloop settings from flags, the environment, a YAML
// file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/martinemde/codeloop/logging"
	"github.com/martinemde/codeloop/permission"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CODELOOP"

// DefaultMaxTokens applies to providers that leave max_tokens unset.
const DefaultMaxTokens = 8192

// Config is the complete configuration.
type Config struct {
	// DefaultProvider names the entry of Providers used unless a request
	// asks for another.
	DefaultProvider string                    `mapstructure:"provider"`
	Providers       map[string]ProviderConfig `mapstructure:"providers"`
	Permissions     PermissionsConfig         `mapstructure:"permissions"`
	Agent           AgentConfig               `mapstructure:"agent"`
	Log             logging.Config            `mapstructure:"log"`
}

// ProviderConfig configures one vendor.
type ProviderConfig struct {
	Model             string  `mapstructure:"model"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"` // 0 disables rate limiting
}

// PermissionsConfig feeds the permission engine.
type PermissionsConfig struct {
	ApproveAll   bool              `mapstructure:"approve_all"`
	SafeCommands []string          `mapstructure:"safe_commands"`
	Tools        map[string]string `mapstructure:"tools"` // tool name -> auto | ask | deny
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxToolRounds       int           `mapstructure:"max_tool_rounds"`
	ToolTimeout         time.Duration `mapstructure:"tool_timeout"`
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	LoopDetectionWindow int           `mapstructure:"loop_detection_window"`
	ContextWarningRatio float64       `mapstructure:"context_warning_ratio"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

// RetryConfig controls retries of streams that fail before any output.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
}

// vendorKeyEnv lists the conventional API key variables per provider.
var vendorKeyEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// DefaultSafeCommands run without asking.
var DefaultSafeCommands = []string{
	"ls", "pwd", "cat", "head", "tail", "wc", "which", "echo",
	"git status", "git diff", "git log", "git show", "git branch",
	"go test", "go vet", "go build",
}

// NewViper returns a viper instance carrying the defaults and the
// environment bindings. Callers bind flags on it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for provider, names := range vendorKeyEnv {
		key := "providers." + provider + ".api_key"
		envs := append([]string{EnvPrefix + "_PROVIDERS_" + strings.ToUpper(provider) + "_API_KEY"}, names...)
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")

	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("providers.anthropic.max_tokens", DefaultMaxTokens)
	v.SetDefault("providers.openai.model", "gpt-4.1")
	v.SetDefault("providers.openai.max_tokens", DefaultMaxTokens)
	v.SetDefault("providers.gemini.model", "gemini-2.5-pro")
	v.SetDefault("providers.gemini.max_tokens", DefaultMaxTokens)

	v.SetDefault("permissions.approve_all", false)
	v.SetDefault("permissions.safe_commands", DefaultSafeCommands)

	v.SetDefault("agent.max_tool_rounds", 50)
	v.SetDefault("agent.tool_timeout", 30*time.Second)
	v.SetDefault("agent.command_timeout", 2*time.Minute)
	v.SetDefault("agent.loop_detection_window", 10)
	v.SetDefault("agent.context_warning_ratio", 0.8)
	v.SetDefault("agent.retry.max_retries", 2)
	v.SetDefault("agent.retry.base_delay", time.Second)
	v.SetDefault("agent.retry.max_delay", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// DefaultPath returns $XDG_CONFIG_HOME/codeloop/config.yaml, falling back to
// ~/.config when XDG_CONFIG_HOME is unset.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "codeloop", "config.yaml")
}

// Load reads the YAML file at path into v and decodes the result. An empty
// path reads DefaultPath when that file exists; an explicit path must exist.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path == "" {
		if def := DefaultPath(); def != "" {
			if _, err := os.Stat(def); err == nil {
				path = def
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	for name, p := range cfg.Providers {
		if p.MaxTokens == 0 {
			p.MaxTokens = DefaultMaxTokens
			cfg.Providers[name] = p
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DefaultProvider == "" {
		errs = append(errs, errors.New("provider is required"))
	} else if _, ok := c.Providers[c.DefaultProvider]; !ok {
		errs = append(errs, fmt.Errorf("unknown provider %q (configured: %s)", c.DefaultProvider, strings.Join(c.ProviderNames(), ", ")))
	}
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		if p.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("providers.%s.max_tokens must be positive", name))
		}
		if p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Errorf("providers.%s.requests_per_minute must not be negative", name))
		}
	}
	if _, err := c.ToolTiers(); err != nil {
		errs = append(errs, err)
	}
	if c.Agent.MaxToolRounds <= 0 {
		errs = append(errs, errors.New("agent.max_tool_rounds must be positive"))
	}
	if r := c.Agent.ContextWarningRatio; r <= 0 || r > 1 {
		errs = append(errs, fmt.Errorf("agent.context_warning_ratio must be in (0, 1], got %v", r))
	}
	if c.Agent.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("agent.retry.max_retries must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Provider returns the settings of the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	p, ok := c.Providers[name]
	return p, ok
}

// ProviderNames returns the configured provider names, sorted.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy returns the permission policy described by the config.
func (c *Config) Policy() permission.Policy {
	return permission.Policy{
		ApproveAll:   c.Permissions.ApproveAll,
		SafeCommands: c.Permissions.SafeCommands,
	}
}

// ToolTiers parses the per-tool tier overrides.
func (c *Config) ToolTiers() (map[string]permission.Tier, error) {
	tiers := make(map[string]permission.Tier, len(c.Permissions.Tools))
	for tool, raw := range c.Permissions.Tools {
		tier, err := permission.ParseTier(raw)
		if err != nil {
			return nil, fmt.Errorf("permissions.tools.%s: %w", tool, err)
		}
		tiers[tool] = tier
	}
	return tiers, nil
}
