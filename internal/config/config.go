package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cmdmanager/internal/protocol"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every environment variable, e.g. CMDMGR_LISTEN_ADDR.
const EnvPrefix = "CMDMGR"

// Server modes.
const (
	ModeSingle     = "single"
	ModePersistent = "persistent"
)

// Settings holds server configuration read from environment variables.
type Settings struct {
	ListenAddr string `split_words:"true" default:":8081"`
	HTTPAddr   string `split_words:"true" default:""`
	Mode       string `split_words:"true" default:"single"`
	LogFile    string `split_words:"true" default:"commands.log"`
	LogLevel   string `split_words:"true" default:"info"`
	PolicyFile string `split_words:"true" default:""`

	CommandShell     string `split_words:"true" default:"bash"`
	BackgroundLogDir string `split_words:"true" default:"/tmp"`

	MaxSessions        int           `split_words:"true" default:"64"`
	MaxCommandSize     int           `split_words:"true" default:"1024"`
	MaxOutputBytes     int           `split_words:"true" default:"67108864"`
	MaxHistory         int           `split_words:"true" default:"100"`
	CommandReadTimeout time.Duration `split_words:"true" default:"30s"`
	PollInterval       time.Duration `split_words:"true" default:"1s"`
	BackgroundGrace    time.Duration `split_words:"true" default:"1s"`
	KillGrace          time.Duration `split_words:"true" default:"2s"`

	// Policy defaults; a policy file overrides them when set.
	DenyChars           string        `split_words:"true"`
	InteractivePrograms []string      `split_words:"true"`
	DefaultTimeout      time.Duration `split_words:"true" default:"10s"`
	LongTimeout         time.Duration `split_words:"true" default:"300s"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, s.Validate()
}

// Validate checks values envconfig cannot express as tags.
func (s Settings) Validate() error {
	switch s.Mode {
	case ModeSingle, ModePersistent:
	default:
		return fmt.Errorf("invalid mode %q: want %q or %q", s.Mode, ModeSingle, ModePersistent)
	}
	if s.MaxCommandSize <= 1 {
		return fmt.Errorf("max command size must be greater than 1, got %d", s.MaxCommandSize)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.PollInterval)
	}
	if s.DefaultTimeout <= 0 || s.LongTimeout <= 0 {
		return fmt.Errorf("execution timeouts must be positive")
	}
	return nil
}

// Policy builds the base command policy from the environment settings.
func (s Settings) Policy() protocol.Policy {
	p := protocol.DefaultPolicy()
	if s.DenyChars != "" {
		p.DenyChars = s.DenyChars
	}
	if len(s.InteractivePrograms) > 0 {
		p.InteractivePrograms = append([]string(nil), s.InteractivePrograms...)
	}
	if s.DefaultTimeout > 0 {
		p.DefaultTimeout = s.DefaultTimeout
	}
	if s.LongTimeout > 0 {
		p.LongTimeout = s.LongTimeout
	}
	return p
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (s Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
