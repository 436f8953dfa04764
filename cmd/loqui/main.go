package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.loqui/config.toml.
// Every field can be overridden by a LOQUI_* environment variable.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Session ConfigSession `toml:"session"`
}

// ConfigDefault holds general connection settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url" envconfig:"LOQUI_BASE_URL"`
	OfficeID string `toml:"office_id" envconfig:"LOQUI_OFFICE_ID"`
}

// ConfigSession holds the authenticated session state.
type ConfigSession struct {
	Token  string `toml:"token" envconfig:"LOQUI_TOKEN"`
	UserID string `toml:"user_id" envconfig:"LOQUI_USER_ID"`
	Role   string `toml:"role" envconfig:"LOQUI_ROLE"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.loqui, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".loqui")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies LOQUI_* environment overrides.
// If the file does not exist, it returns a zero-value Config (environment
// overrides still apply).
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := envconfig.Process("loqui", &cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "office_id":
			cfg.Default.OfficeID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "session":
		switch field {
		case "token":
			cfg.Session.Token = value
		case "user_id":
			cfg.Session.UserID = value
		case "role":
			cfg.Session.Role = value
		default:
			return fmt.Errorf("unknown field %q in section [session]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, session)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "loqui",
	Short: "Loqui messaging CLI",
	Long:  "Command-line interface for the Loqui messaging engine.\nManage configuration, chat over the live channel, and monitor conversations.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
