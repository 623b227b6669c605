// Package config loads application configuration from an optional TOML file
// with KAKEIBO_* environment overrides. Defaults live here in code so every
// binary starts with a working local-mode setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Remote RemoteConfig `mapstructure:"remote"`
	Local  LocalConfig  `mapstructure:"local"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Backup BackupConfig `mapstructure:"backup"`
	LLM    LLMConfig    `mapstructure:"llm"`
}

// RemoteConfig identifies the hosted row store. An empty ProjectID means
// local mode: no remote client is constructed and no sync ever runs.
type RemoteConfig struct {
	ProjectID string `mapstructure:"project_id"`
	DatasetID string `mapstructure:"dataset_id"`
	OwnerID   string `mapstructure:"owner_id"`
}

// LocalConfig holds the SQLite store location.
type LocalConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// SyncConfig holds the sync scheduling preferences.
type SyncConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// BackupConfig holds the pre-pull snapshot destination.
type BackupConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// LLMConfig holds the rule-suggestion model settings.
type LLMConfig struct {
	Model string `mapstructure:"model"`
}

// Load reads configuration from file and env. Env var overrides use prefix
// KAKEIBO_, e.g. KAKEIBO_REMOTE_PROJECT_ID.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("remote.project_id", "")
	v.SetDefault("remote.dataset_id", "kakeibo")
	v.SetDefault("remote.owner_id", "")
	v.SetDefault("local.db_path", filepath.Join(os.Getenv("HOME"), ".local", "share", "kakeibo", "kakeibo.db"))
	v.SetDefault("sync.debounce", "2s")
	v.SetDefault("backup.bucket", "")
	v.SetDefault("backup.prefix", "backups")
	v.SetDefault("llm.model", "gemini-2.5-flash")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("KAKEIBO_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "kakeibo"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("KAKEIBO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// config file is optional
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return c, nil
}

// RemoteEnabled reports whether a hosted row store is configured.
func (c Config) RemoteEnabled() bool {
	return c.Remote.ProjectID != "" && c.Remote.OwnerID != ""
}
