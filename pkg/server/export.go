package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/registry"
)

// GroupsConfig is the top-level YAML for group import and export.
type GroupsConfig struct {
	Groups []model.GroupDescriptor `yaml:"groups"`
}

// UserYAML represents a user in YAML export. Password hashes are never
// exported.
type UserYAML struct {
	Username string `yaml:"username"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadGroupsFromYAML reads a groups YAML file and adds the groups missing
// from the registry.
func LoadGroupsFromYAML(path string, groups *registry.GroupRegistry) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read groups config: %w", err)
	}
	return ImportGroupsFromYAML(data, groups)
}

// ImportGroupsFromYAML parses YAML data and adds every group whose name is
// not registered yet. Invalid entries are logged and skipped.
func ImportGroupsFromYAML(data []byte, groups *registry.GroupRegistry) error {
	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse groups config: %w", err)
	}

	added := 0
	for _, g := range cfg.Groups {
		if _, exists := groups.FindByName(g.Name); exists {
			slog.Debug("group already exists", "name", g.Name)
			continue
		}
		if err := groups.Add(g); err != nil {
			if errors.Is(err, registry.ErrPersistence) {
				return err
			}
			slog.Error("failed to create group from config", "name", g.Name, "err", err)
			continue
		}
		added++
	}

	slog.Info("imported groups from YAML", "count", added, "listed", len(cfg.Groups))
	return nil
}

// ExportGroupsYAML exports all groups, with their history, as YAML.
func ExportGroupsYAML(groups *registry.GroupRegistry) ([]byte, error) {
	cfg := GroupsConfig{Groups: groups.All()}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports all registered usernames as YAML.
func ExportUsersYAML(creds *registry.CredentialStore) ([]byte, error) {
	export := UsersExport{}
	for _, name := range creds.Usernames() {
		export.Users = append(export.Users, UserYAML{Username: name})
	}
	return yaml.Marshal(&export)
}
