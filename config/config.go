// Package config loads the notifier's local configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"wikidot-notifier/pkg/notifier"
)

// Config is the local configuration. Everything about users and wikis
// lives remotely; this file only says where to find it and how to send.
type Config struct {
	// WikidotUsername is the account the notifier acts as.
	WikidotUsername string `yaml:"wikidot_username"`
	// WikidotSessionToken is the session cookie for that account.
	WikidotSessionToken string `yaml:"wikidot_session_token"`

	// ConfigWiki hosts the configuration pages.
	ConfigWiki string `yaml:"config_wiki"`
	// UserConfigCategory is the page category with per-user settings.
	UserConfigCategory string `yaml:"user_config_category"`
	// WikiConfigCategory is the page category listing supported wikis.
	WikiConfigCategory string `yaml:"wiki_config_category"`
	// OverridesURL serves the global override rules as JSON.
	OverridesURL string `yaml:"overrides_url"`

	// TitleMatchMode is how override title patterns are interpreted:
	// "exact" or "regex". Defaults to exact.
	TitleMatchMode string `yaml:"title_match_mode"`

	// DatabasePath is where the SQLite cache lives. Supports the @ and ?
	// path aliases.
	DatabasePath string `yaml:"database_path"`
	// QueriesDir optionally overrides the embedded SQL with files on
	// disk, for live editing. Supports the @ and ? path aliases.
	QueriesDir string `yaml:"queries_dir"`

	// Port is the ops HTTP listener port.
	Port string `yaml:"port"`

	Email EmailConfig `yaml:"email"`
}

// EmailConfig selects and configures the email transport.
type EmailConfig struct {
	// Provider is one of "gmail", "brevo" or "mock".
	Provider string `yaml:"provider"`

	GmailUsername string `yaml:"gmail_username"`

	BrevoAPIKey   string `yaml:"brevo_api_key"`
	BrevoFromAddr string `yaml:"brevo_from_addr"`
	BrevoFromName string `yaml:"brevo_from_name"`
}

// Load reads and validates the configuration at path. The path aliases
// "@" (the executable's directory) and "?" (the config file's
// directory) are expanded at the start of path-valued settings.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	installDir, err := installDir()
	if err != nil {
		return nil, err
	}
	configDir := filepath.Dir(path)
	cfg.DatabasePath = expandAlias(cfg.DatabasePath, installDir, configDir)
	cfg.QueriesDir = expandAlias(cfg.QueriesDir, installDir, configDir)
	return cfg, nil
}

// Parse decodes and validates a raw configuration document without
// touching the filesystem.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	required := []struct {
		name  string
		value string
	}{
		{"wikidot_username", cfg.WikidotUsername},
		{"config_wiki", cfg.ConfigWiki},
		{"user_config_category", cfg.UserConfigCategory},
		{"wiki_config_category", cfg.WikiConfigCategory},
		{"overrides_url", cfg.OverridesURL},
		{"database_path", cfg.DatabasePath},
	}
	for _, r := range required {
		if r.value == "" {
			return nil, fmt.Errorf("config: missing %s", r.name)
		}
	}

	if cfg.TitleMatchMode == "" {
		cfg.TitleMatchMode = string(notifier.TitleMatchExact)
	}
	if _, err := notifier.ParseTitleMatchMode(cfg.TitleMatchMode); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Email.Provider == "" {
		cfg.Email.Provider = "mock"
	}
	switch cfg.Email.Provider {
	case "gmail", "brevo", "mock":
	default:
		return nil, fmt.Errorf("config: unknown email provider %q", cfg.Email.Provider)
	}

	return &cfg, nil
}

func expandAlias(path, installDir, configDir string) string {
	switch {
	case strings.HasPrefix(path, "@"):
		return filepath.Join(installDir, strings.TrimPrefix(path, "@"))
	case strings.HasPrefix(path, "?"):
		return filepath.Join(configDir, strings.TrimPrefix(path, "?"))
	default:
		return path
	}
}

func installDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	return filepath.Dir(exe), nil
}
