package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/crypto"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/logging"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
)

// EnvPrefix prefixes every environment variable the server reads, e.g.
// CHATTING_LISTEN_ADDR.
const EnvPrefix = "CHATTING"

// Config holds server configuration.
type Config struct {
	ListenAddr    string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`       // TCP bind address (e.g. ":8888")
	WebSocketAddr string `yaml:"websocket_addr" envconfig:"WEBSOCKET_ADDR"` // HTTP bind address for /ws (empty = disabled)
	MetricsAddr   string `yaml:"metrics_addr" envconfig:"METRICS_ADDR"`     // HTTP bind address for /metrics (empty = disabled)
	DBPath        string `yaml:"db_path" envconfig:"DB_PATH"`               // SQLite database path
	GroupsFile    string `yaml:"groups_file" envconfig:"GROUPS_FILE"`       // YAML file of groups to create on startup
	PasswordHash  string `yaml:"password_hash" envconfig:"PASSWORD_HASH"`   // "argon2id" or "plain"

	IdleTimeout       time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`     // drop connections silent this long (0 = never)
	WriteTimeout      time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`   // per-frame write deadline
	OutboundQueueSize int           `yaml:"outbound_queue" envconfig:"OUTBOUND_QUEUE"` // envelopes buffered per session
	MaxFrameSize      int           `yaml:"max_frame_size" envconfig:"MAX_FRAME_SIZE"`

	BroadcastClientCount bool          `yaml:"broadcast_client_count" envconfig:"BROADCAST_CLIENT_COUNT"`
	MetricsLogInterval   time.Duration `yaml:"metrics_log_interval" envconfig:"METRICS_LOG_INTERVAL"` // 0 disables the periodic summary
	ShutdownGrace        time.Duration `yaml:"shutdown_grace" envconfig:"SHUTDOWN_GRACE"`             // time to flush the shutdown notice

	Log LogConfig `yaml:"log" envconfig:"LOG"`

	// CLI-only actions (run and exit)
	ExportUsers  bool `yaml:"-" ignored:"true"` // export all usernames as YAML and exit
	ExportGroups bool `yaml:"-" ignored:"true"` // export all groups as YAML and exit
}

// LogConfig mirrors logging.Options in config-file form.
type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`
	Format     string `yaml:"format" envconfig:"FORMAT"`
	File       string `yaml:"file" envconfig:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS"`
	Compress   bool   `yaml:"compress" envconfig:"COMPRESS"`
}

// Options converts the config to logging options.
func (c LogConfig) Options() logging.Options {
	return logging.Options{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAgeDays: c.MaxAgeDays,
		Compress:   c.Compress,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           ":8888",
		MetricsAddr:          ":8889",
		DBPath:               "chatting.db",
		PasswordHash:         crypto.SchemeArgon2id,
		IdleTimeout:          5 * time.Minute,
		WriteTimeout:         10 * time.Second,
		OutboundQueueSize:    256,
		MaxFrameSize:         protocol.DefaultMaxFrameSize,
		BroadcastClientCount: true,
		MetricsLogInterval:   60 * time.Second,
		ShutdownGrace:        2 * time.Second,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// LoadConfigFile overlays the YAML file at path onto cfg. Keys missing
// from the file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("server: parse config: %w", err)
	}
	return nil
}

// ApplyEnv overlays CHATTING_* environment variables onto cfg. Unset
// variables keep their current values.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("server: env config: %w", err)
	}
	return nil
}

// Validate checks the config for values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" && c.WebSocketAddr == "" {
		errs = append(errs, errors.New("at least one of listen_addr or websocket_addr is required"))
	}
	if c.OutboundQueueSize < 1 {
		errs = append(errs, fmt.Errorf("outbound_queue must be positive, got %d", c.OutboundQueueSize))
	}
	if c.MaxFrameSize < 64 {
		errs = append(errs, fmt.Errorf("max_frame_size must be at least 64 bytes, got %d", c.MaxFrameSize))
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if _, err := crypto.NewHasher(c.PasswordHash); err != nil {
		errs = append(errs, err)
	}
	if err := logging.Validate(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := logging.ValidateFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("server: invalid config: %w", err)
	}
	return nil
}
