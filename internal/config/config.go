// Package config loads steward configuration from a JSONC file with
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
)

// Config is the full runtime configuration.
type Config struct {
	Workspace string     `json:"workspace"`
	AuditDir  string     `json:"audit_dir"`
	Chat      Chat       `json:"chat"`
	Model     Model      `json:"model"`
	Session   Session    `json:"session"`
	Cycles    Cycles     `json:"cycles"`
	Log       Log        `json:"log"`
}

// Chat configures the chat server connection.
type Chat struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Model configures the reasoning backend.
type Model struct {
	APIKey       string `json:"api_key"`
	BaseURL      string `json:"base_url"`
	Model        string `json:"model"`
	CompactModel string `json:"compact_model"`
	MaxTokens    int    `json:"max_tokens"`
}

// Session tunes the turn loop.
type Session struct {
	MaxRounds        int `json:"max_rounds"`
	CompactThreshold int `json:"compact_threshold"`
}

// Cycles tunes the internal processing schedule.
type Cycles struct {
	ReverieInterval   Duration `json:"reverie_interval"`
	ConsolidationCron string   `json:"consolidation_cron"`
}

// Log configures logging output.
type Log struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// Duration unmarshals from a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Workspace: "workspace",
		AuditDir:  "audit",
		Cycles: Cycles{
			ReverieInterval:   Duration(30 * time.Minute),
			ConsolidationCron: "0 3 * * *",
		},
		Log: Log{Level: "info"},
	}
}

// Load reads configuration: defaults, then the JSONC file at path (if it
// exists), then STEWARD_* environment variables, highest priority last.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("STEWARD_WORKSPACE", &cfg.Workspace)
	setString("STEWARD_AUDIT_DIR", &cfg.AuditDir)
	setString("STEWARD_CHAT_URL", &cfg.Chat.URL)
	setString("STEWARD_CHAT_USERNAME", &cfg.Chat.Username)
	setString("STEWARD_CHAT_PASSWORD", &cfg.Chat.Password)
	setString("STEWARD_API_KEY", &cfg.Model.APIKey)
	setString("STEWARD_BASE_URL", &cfg.Model.BaseURL)
	setString("STEWARD_MODEL", &cfg.Model.Model)
	setString("STEWARD_COMPACT_MODEL", &cfg.Model.CompactModel)
	setInt("STEWARD_MAX_TOKENS", &cfg.Model.MaxTokens)
	setInt("STEWARD_MAX_ROUNDS", &cfg.Session.MaxRounds)
	setInt("STEWARD_COMPACT_THRESHOLD", &cfg.Session.CompactThreshold)
	setString("STEWARD_CONSOLIDATION_CRON", &cfg.Cycles.ConsolidationCron)
	setString("STEWARD_LOG_LEVEL", &cfg.Log.Level)

	if v := os.Getenv("STEWARD_REVERIE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cycles.ReverieInterval = Duration(d)
		}
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Chat.URL == "" {
		return fmt.Errorf("config: chat.url is required")
	}
	if c.Chat.Username == "" {
		return fmt.Errorf("config: chat.username is required")
	}
	if c.Chat.Password == "" {
		return fmt.Errorf("config: chat.password is required")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("config: model.api_key is required")
	}
	return nil
}
