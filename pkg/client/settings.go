package client

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores user preferences persisted as YAML next to the binary.
type Settings struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Server:   "localhost:8888",
		LogLevel: "warn",
	}
}

// SettingsPath returns the settings file next to the executable.
func SettingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "chatting-client.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "chatting-client.yaml")
}

// LoadSettings loads settings from the YAML file at path or returns
// defaults. A missing file is not an error.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to YAML at path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
