package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validConfig = `
wikidot_username: notifier
wikidot_session_token: secret
config_wiki: notifications
user_config_category: notify
wiki_config_category: wikis
overrides_url: https://example.com/overrides.json
database_path: ?/notifier.db
title_match_mode: regex
port: "9090"
email:
  provider: brevo
  brevo_api_key: key
  brevo_from_addr: digest@example.com
  brevo_from_name: Notifier
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.WikidotUsername != "notifier" || cfg.ConfigWiki != "notifications" {
		t.Errorf("identity = %q/%q", cfg.WikidotUsername, cfg.ConfigWiki)
	}
	if cfg.TitleMatchMode != "regex" {
		t.Errorf("TitleMatchMode = %q", cfg.TitleMatchMode)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Email.Provider != "brevo" || cfg.Email.BrevoFromAddr != "digest@example.com" {
		t.Errorf("email = %+v", cfg.Email)
	}
}

func TestParseDefaults(t *testing.T) {
	minimal := `
wikidot_username: notifier
config_wiki: notifications
user_config_category: notify
wiki_config_category: wikis
overrides_url: https://example.com/overrides.json
database_path: /var/lib/notifier.db
`
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.TitleMatchMode != "exact" {
		t.Errorf("TitleMatchMode default = %q, want exact", cfg.TitleMatchMode)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port default = %q, want 8080", cfg.Port)
	}
	if cfg.Email.Provider != "mock" {
		t.Errorf("Provider default = %q, want mock", cfg.Email.Provider)
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name    string
		mangle  func(string) string
		wantErr string
	}{
		{"missing username", func(s string) string {
			return strings.Replace(s, "wikidot_username: notifier\n", "", 1)
		}, "missing wikidot_username"},
		{"missing database path", func(s string) string {
			return strings.Replace(s, "database_path: ?/notifier.db\n", "", 1)
		}, "missing database_path"},
		{"bad title match mode", func(s string) string {
			return strings.Replace(s, "title_match_mode: regex", "title_match_mode: fuzzy", 1)
		}, "title match mode"},
		{"bad email provider", func(s string) string {
			return strings.Replace(s, "provider: brevo", "provider: pigeon", 1)
		}, "unknown email provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.mangle(validConfig)))
			if err == nil {
				t.Fatal("Parse() accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadExpandsConfigDirAlias(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if want := filepath.Join(dir, "notifier.db"); cfg.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", cfg.DatabasePath, want)
	}
}
