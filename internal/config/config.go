package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrInvalidPort      = errors.New("websocket port out of range")
	ErrInvalidThreshold = errors.New("confidence threshold must be within [0,1]")
	ErrInvalidBudget    = errors.New("restart budget must be non-negative")
)

// Config is the full runtime configuration. Values resolve in three
// layers: built-in defaults, then the YAML file, then MYCROFT_*
// environment variables.
type Config struct {
	Log       LogConfig       `yaml:"log" envPrefix:"MYCROFT_LOG_"`
	Websocket WebsocketConfig `yaml:"websocket" envPrefix:"MYCROFT_WEBSOCKET_"`
	Skills    SkillsConfig    `yaml:"skills" envPrefix:"MYCROFT_SKILLS_"`
	Intent    IntentConfig    `yaml:"intent" envPrefix:"MYCROFT_INTENT_"`
	Context   ContextConfig   `yaml:"context" envPrefix:"MYCROFT_CONTEXT_"`
	Fallback  FallbackConfig  `yaml:"fallback" envPrefix:"MYCROFT_FALLBACK_"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
}

// WebsocketConfig locates the message bus hub.
type WebsocketConfig struct {
	Host  string `yaml:"host" env:"HOST"`
	Port  int    `yaml:"port" env:"PORT"`
	Route string `yaml:"route" env:"ROUTE"`

	// RequestTimeout bounds bus request/response round trips.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// URL returns the dialable hub address.
func (w WebsocketConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d%s", w.Host, w.Port, w.Route)
}

// Addr returns the hub listen address.
func (w WebsocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// SkillsConfig controls skill discovery, lifecycle and settings sync.
type SkillsConfig struct {
	// Directory holds one subdirectory per skill, each with a skill.json
	// manifest and an init.lua entry point.
	Directory string `yaml:"directory" env:"DIRECTORY"`

	// DataDir holds the sqlite database with settings and install state.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	// RestartBudget is how many crash restarts a skill gets before it is
	// marked failed.
	RestartBudget int `yaml:"restart_budget" env:"RESTART_BUDGET"`

	// RestartBackoff is the first restart delay; it doubles per restart.
	RestartBackoff time.Duration `yaml:"restart_backoff" env:"RESTART_BACKOFF"`

	// ReloadDebounce coalesces bursts of file change events before a
	// hot reload.
	ReloadDebounce time.Duration `yaml:"reload_debounce" env:"RELOAD_DEBOUNCE"`

	// SettingsSyncInterval is how often local settings reconcile with the
	// remote endpoint. Sync is disabled when SettingsEndpoint is empty.
	SettingsSyncInterval time.Duration `yaml:"settings_sync_interval" env:"SETTINGS_SYNC_INTERVAL"`
	SettingsEndpoint     string        `yaml:"settings_endpoint" env:"SETTINGS_ENDPOINT"`

	// UpdateSchedule is a cron expression driving periodic skill update
	// checks. Empty disables the check.
	UpdateSchedule string `yaml:"update_schedule" env:"UPDATE_SCHEDULE"`
}

// IntentConfig holds the matcher confidence thresholds.
type IntentConfig struct {
	// KeywordThreshold is the minimum keyword matcher score. The default
	// of 1.0 requires every required entity to be present.
	KeywordThreshold float64 `yaml:"keyword_threshold" env:"KEYWORD_THRESHOLD"`

	// PhraseThreshold is the minimum phrase matcher similarity.
	PhraseThreshold float64 `yaml:"phrase_threshold" env:"PHRASE_THRESHOLD"`
}

// ContextConfig controls the conversation context tracker.
type ContextConfig struct {
	// TTL is how long a skill keeps the conversation after its last
	// activity.
	TTL time.Duration `yaml:"ttl" env:"TTL"`

	// SweepInterval is how often expired context is reaped in the
	// background. Expiry is also checked lazily on read.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// FallbackConfig configures the LLM fallback provider consulted after
// every skill fallback handler has declined an utterance.
type FallbackConfig struct {
	// Provider is "openai", "anthropic" or "" to disable LLM fallback.
	Provider string        `yaml:"provider" env:"PROVIDER"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`

	OpenAI    ProviderConfig `yaml:"openai" envPrefix:"OPENAI_"`
	Anthropic ProviderConfig `yaml:"anthropic" envPrefix:"ANTHROPIC_"`
}

// ProviderConfig holds per-provider credentials and model selection.
type ProviderConfig struct {
	APIKey string `yaml:"api_key" env:"API_KEY"`
	Model  string `yaml:"model" env:"MODEL"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level: "info",
		},
		Websocket: WebsocketConfig{
			Host:           "127.0.0.1",
			Port:           8181,
			Route:          "/core",
			RequestTimeout: 10 * time.Second,
		},
		Skills: SkillsConfig{
			Directory:            "skills",
			DataDir:              "data",
			RestartBudget:        3,
			RestartBackoff:       2 * time.Second,
			ReloadDebounce:       500 * time.Millisecond,
			SettingsSyncInterval: time.Minute,
		},
		Intent: IntentConfig{
			KeywordThreshold: 1.0,
			PhraseThreshold:  0.6,
		},
		Context: ContextConfig{
			TTL:           5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Fallback: FallbackConfig{
			Timeout: 15 * time.Second,
			OpenAI: ProviderConfig{
				Model: "gpt-4o-mini",
			},
			Anthropic: ProviderConfig{
				Model: "claude-3-5-haiku-latest",
			},
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at
// path (skipped when path is empty or missing), then environment
// variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Missing file is fine, defaults plus env apply.
		case err != nil:
			return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Websocket.Port < 1 || c.Websocket.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Websocket.Port)
	}
	if c.Intent.KeywordThreshold < 0 || c.Intent.KeywordThreshold > 1 {
		return fmt.Errorf("%w: keyword_threshold=%v", ErrInvalidThreshold, c.Intent.KeywordThreshold)
	}
	if c.Intent.PhraseThreshold < 0 || c.Intent.PhraseThreshold > 1 {
		return fmt.Errorf("%w: phrase_threshold=%v", ErrInvalidThreshold, c.Intent.PhraseThreshold)
	}
	if c.Skills.RestartBudget < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBudget, c.Skills.RestartBudget)
	}
	return nil
}
