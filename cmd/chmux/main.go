package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chmux/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Client ConfigClient `toml:"client"`
}

// ConfigServer holds the endpoint and credentials.
type ConfigServer struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// ConfigClient holds client tuning. Durations use Go syntax, e.g. "5s".
type ConfigClient struct {
	Name             string `toml:"name"`
	PublishTimeout   string `toml:"publish_timeout"`
	TypingTimeout    string `toml:"typing_timeout"`
	MetricsNamespace string `toml:"metrics_namespace"`
	LogLevel         string `toml:"log_level"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chmux, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chmux")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
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

// setConfigValue sets a config field using dot notation (e.g. "server.url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "server":
		switch field {
		case "url":
			cfg.Server.URL = value
		case "token":
			cfg.Server.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "client":
		switch field {
		case "name":
			cfg.Client.Name = value
		case "publish_timeout":
			cfg.Client.PublishTimeout = value
		case "typing_timeout":
			cfg.Client.TypingTimeout = value
		case "metrics_namespace":
			cfg.Client.MetricsNamespace = value
		case "log_level":
			cfg.Client.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, client)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagURL     string
	flagToken   string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chmux",
	Short: "Real-time channel client CLI",
	Long:  "Command-line interface for chmux.\nSubscribe to channels, publish, inspect presence and manage configuration.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", "", "server WebSocket endpoint (overrides server.url)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "connection token (overrides server.token)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
