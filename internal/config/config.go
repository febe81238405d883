package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/memextech/headless-terminal-mcp/internal/protocol"
)

type Config struct {
	Port     int    `yaml:"port"`
	Token    string `yaml:"token"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	HT       HT     `yaml:"ht"`

	// JournalRetention drops finished sessions older than this at startup.
	// Zero keeps everything.
	JournalRetention time.Duration `yaml:"journal_retention,omitempty"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

// HT configures how terminals are launched.
type HT struct {
	Path            string        `yaml:"path"`
	Command         []string      `yaml:"command"`
	Subscribe       string        `yaml:"subscribe"`
	Size            string        `yaml:"size,omitempty"`
	StartupDelay    time.Duration `yaml:"startup_delay"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
	Probe           bool          `yaml:"probe"`
}

func Default() *Config {
	return &Config{
		Port:     8765,
		LogLevel: "info",
		HT: HT{
			Path:            "ht",
			Command:         []string{"bash"},
			Subscribe:       "snapshot,output",
			StartupDelay:    800 * time.Millisecond,
			ReadyTimeout:    5 * time.Second,
			GracePeriod:     2 * time.Second,
			SnapshotTimeout: 2 * time.Second,
			Probe:           true,
		},
	}
}

func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "headless-terminal", "config.yaml"), nil
}

// Load applies defaults, then the YAML file, then flags from args. A
// generated token is written back to the config file.
func Load(args []string) (*Config, error) {
	configPath, err := scanConfigPath(args)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.ConfigPath = configPath
	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := newFlagSet(cfg).Parse(args); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(filepath.Dir(cfg.ConfigPath), "journal.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

// scanConfigPath finds --config before the file is read so the remaining
// flags can override it.
func scanConfigPath(args []string) (string, error) {
	scan := Default()
	if err := newFlagSet(scan).Parse(args); err != nil {
		return "", err
	}
	if scan.ConfigPath != "" {
		return scan.ConfigPath, nil
	}
	return DefaultPath()
}

func newFlagSet(cfg *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("headless-terminal", pflag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "config file (default ~/.config/headless-terminal/config.yaml)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "command journal database path")
	fs.DurationVar(&cfg.JournalRetention, "journal-retention", cfg.JournalRetention, "prune finished sessions older than this at startup (0 keeps all)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout")
	fs.StringVar(&cfg.HT.Path, "ht", cfg.HT.Path, "ht executable")
	fs.StringSliceVar(&cfg.HT.Command, "command", cfg.HT.Command, "default command for new sessions")
	fs.StringVar(&cfg.HT.Subscribe, "subscribe", cfg.HT.Subscribe, "event kinds to subscribe to")
	fs.StringVar(&cfg.HT.Size, "size", cfg.HT.Size, "terminal size as COLSxROWS")
	fs.DurationVar(&cfg.HT.StartupDelay, "startup-delay", cfg.HT.StartupDelay, "wait before the first command when init is not subscribed")
	fs.DurationVar(&cfg.HT.ReadyTimeout, "ready-timeout", cfg.HT.ReadyTimeout, "maximum wait for the init event")
	fs.DurationVar(&cfg.HT.GracePeriod, "grace-period", cfg.HT.GracePeriod, "wait after SIGTERM before killing ht")
	fs.DurationVar(&cfg.HT.SnapshotTimeout, "snapshot-timeout", cfg.HT.SnapshotTimeout, "default snapshot timeout")
	fs.BoolVar(&cfg.HT.Probe, "probe", cfg.HT.Probe, "check ht --version before the first session")
	return fs
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if strings.TrimSpace(c.HT.Path) == "" {
		return fmt.Errorf("invalid ht.path: must not be empty")
	}
	if len(c.HT.Command) == 0 {
		return fmt.Errorf("invalid ht.command: must not be empty")
	}
	if len(c.Kinds()) == 0 {
		return fmt.Errorf("invalid ht.subscribe %q: no event kinds", c.HT.Subscribe)
	}
	if c.HT.Size != "" {
		if _, _, err := protocol.ParseSize(c.HT.Size); err != nil {
			return fmt.Errorf("invalid ht.size: %w", err)
		}
	}
	for name, d := range map[string]time.Duration{
		"ht.ready_timeout":    c.HT.ReadyTimeout,
		"ht.grace_period":     c.HT.GracePeriod,
		"ht.snapshot_timeout": c.HT.SnapshotTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s %s: must be positive", name, d)
		}
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("invalid journal_retention %s: must not be negative", c.JournalRetention)
	}
	if c.HT.StartupDelay < 0 {
		return fmt.Errorf("invalid ht.startup_delay %s: must not be negative", c.HT.StartupDelay)
	}
	return nil
}

func (c *Config) Kinds() []protocol.Kind {
	return protocol.ParseKinds(c.HT.Subscribe)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
