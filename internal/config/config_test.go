package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	return path
}

func TestLoadFromFileParsesFields(t *testing.T) {
	cfg := Default()
	cfg.ConfigPath = writeConfig(t, `
port: 9999
token: test-token
db_path: /tmp/custom/journal.db
log_level: debug
ht:
  path: /opt/ht/bin/ht
  command: [zsh, -l]
  subscribe: init,snapshot,output
  size: 100x40
  ready_timeout: 3s
`)

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.Port != 9999 || cfg.Token != "test-token" || cfg.DBPath != "/tmp/custom/journal.db" {
		t.Fatalf("top-level fields = %+v", cfg)
	}
	if cfg.HT.Path != "/opt/ht/bin/ht" || !slices.Equal(cfg.HT.Command, []string{"zsh", "-l"}) {
		t.Fatalf("ht = %+v", cfg.HT)
	}
	if cfg.HT.ReadyTimeout != 3*time.Second {
		t.Fatalf("ReadyTimeout = %v, want 3s", cfg.HT.ReadyTimeout)
	}
	// Fields missing from the file keep their defaults.
	if cfg.HT.StartupDelay != 800*time.Millisecond || !cfg.HT.Probe {
		t.Fatalf("defaults lost: %+v", cfg.HT)
	}
	if level, err := cfg.SlogLevel(); err != nil || level != slog.LevelDebug {
		t.Fatalf("SlogLevel() = %v, %v", level, err)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "port: 9000\ntoken: from-file\nht:\n  subscribe: snapshot\n")

	cfg, err := Load([]string{"--config", path, "--port", "9100", "--command", "sh,-i", "--startup-delay", "250ms", "--journal-retention", "72h"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
	if cfg.Token != "from-file" {
		t.Errorf("Token = %q, want from-file", cfg.Token)
	}
	if !slices.Equal(cfg.HT.Command, []string{"sh", "-i"}) {
		t.Errorf("Command = %v", cfg.HT.Command)
	}
	if cfg.HT.StartupDelay != 250*time.Millisecond {
		t.Errorf("StartupDelay = %v", cfg.HT.StartupDelay)
	}
	if cfg.JournalRetention != 72*time.Hour {
		t.Errorf("JournalRetention = %v", cfg.JournalRetention)
	}
	if got := cfg.Kinds(); len(got) != 1 || got[0] != "snapshot" {
		t.Errorf("Kinds() = %v", got)
	}
	if cfg.DBPath != filepath.Join(filepath.Dir(path), "journal.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadGeneratesAndPersistsToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Token) != 32 {
		t.Fatalf("Token = %q, want 32 hex chars", cfg.Token)
	}

	again, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if again.Token != cfg.Token {
		t.Fatalf("token not persisted: %q != %q", again.Token, cfg.Token)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestValidateNamesField(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 70000 }, "port"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"ht path", func(c *Config) { c.HT.Path = " " }, "ht.path"},
		{"command", func(c *Config) { c.HT.Command = nil }, "ht.command"},
		{"subscribe", func(c *Config) { c.HT.Subscribe = " , " }, "ht.subscribe"},
		{"size", func(c *Config) { c.HT.Size = "wide" }, "ht.size"},
		{"snapshot timeout", func(c *Config) { c.HT.SnapshotTimeout = 0 }, "ht.snapshot_timeout"},
		{"startup delay", func(c *Config) { c.HT.StartupDelay = -time.Second }, "ht.startup_delay"},
		{"journal retention", func(c *Config) { c.JournalRetention = -time.Hour }, "journal_retention"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	if _, err := Load([]string{"--config", writeConfig(t, "port: [1")}); err == nil {
		t.Error("Load() with malformed YAML succeeded")
	}
	if _, err := Load([]string{"--config", writeConfig(t, "token: x\n"), "--bogus"}); err == nil {
		t.Error("Load() with unknown flag succeeded")
	}
}
