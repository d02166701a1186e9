package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Discord  DiscordConfig  `yaml:"discord"`
	SSH      SSHConfig      `yaml:"ssh"`
	Tasks    TasksConfig    `yaml:"tasks"`
	Messages MessagesConfig `yaml:"messages"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DiscordConfig struct {
	Token        string   `yaml:"token"`
	AllowedUsers UserList `yaml:"allowed_users"`
	SendRate     float64  `yaml:"send_rate"`  // messages per second per channel
	SendBurst    int      `yaml:"send_burst"` // messages allowed back to back
}

type SSHConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KnownHosts     string        `yaml:"known_hosts"` // empty disables host key checking
	KeysDir        string        `yaml:"keys_dir"`
}

type TasksConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"` // idle time before output is flushed on a line boundary
	TickInterval  time.Duration `yaml:"tick_interval"`  // 0 flushes only when new output arrives
	MaxBuffer     int           `yaml:"max_buffer"`     // bytes; forces a flush on the next line boundary
	MaxPerSession int           `yaml:"max_per_session"`
	KillGrace     time.Duration `yaml:"kill_grace"`
	QueryTimeout  time.Duration `yaml:"query_timeout"` // /cd and /pwd round trips
}

type MessagesConfig struct {
	Start      string `yaml:"start"`
	Help       string `yaml:"help"`
	KeygenHint string `yaml:"keygen_hint"`
}

type DatabaseConfig struct {
	Path      string        `yaml:"path"`      // empty disables the audit log
	Retention time.Duration `yaml:"retention"` // finished runs older than this are pruned at startup; 0 keeps all
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

const defaultHelp = `Commands:
/conn <user>@<host>:<port> - set the remote account (/conn alone shows it)
/password <password> - store the password (kept encrypted in memory)
/keygen - generate a key pair and send the public key
/keyauth - generate a key pair and install it on the remote account
/sudo <command> - run a command with sudo
/cd <dir> - change the remembered directory
/pwd - show the remembered directory
/download <path> - fetch a remote file
/tasks - list running tasks
/stop <id>, /stopall - stop tasks at their next output
/kill <id>, /killall - abandon tasks right away (pending output may be lost)
/history - recent commands
/reset - forget the connection settings and stop all tasks
Anything else is run as a shell command on the remote machine.`

// Default returns the configuration used for any key the file leaves out.
func Default() *Config {
	dir, err := GetUserConfigDir()
	if err != nil {
		dir = ".shellchat"
	}
	return &Config{
		Discord: DiscordConfig{
			SendRate:  1,
			SendBurst: 5,
		},
		SSH: SSHConfig{
			ConnectTimeout: 10 * time.Second,
			KeysDir:        filepath.Join(dir, "keys"),
		},
		Tasks: TasksConfig{
			FlushInterval: 5 * time.Second,
			MaxBuffer:     1500,
			KillGrace:     time.Minute,
			QueryTimeout:  30 * time.Second,
		},
		Messages: MessagesConfig{
			Start:      "Hi! Set the remote account with /conn <user>@<host>:<port>, then /password or /keyauth. /help lists everything.",
			Help:       defaultHelp,
			KeygenHint: "Append this key to ~/.ssh/authorized_keys on the remote account, or use /keyauth.",
		},
		Database: DatabaseConfig{
			Path:      filepath.Join(dir, "shellchat.db"),
			Retention: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file on top of Default. A missing file is
// not an error; everything can come from defaults and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if token := os.Getenv("SHELLCHAT_DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if level := os.Getenv("SHELLCHAT_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	cfg.SSH.KnownHosts = ExpandHome(cfg.SSH.KnownHosts)
	cfg.SSH.KeysDir = ExpandHome(cfg.SSH.KeysDir)
	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Logging.File = ExpandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid. The bot token is checked
// separately by RequireToken since offline commands do not need it.
func (c *Config) Validate() error {
	if c.SSH.ConnectTimeout <= 0 {
		return fmt.Errorf("ssh.connect_timeout must be positive")
	}
	if c.SSH.KeysDir == "" {
		return fmt.Errorf("ssh.keys_dir is required")
	}
	if c.Tasks.FlushInterval <= 0 {
		return fmt.Errorf("tasks.flush_interval must be positive")
	}
	if c.Tasks.TickInterval < 0 || c.Tasks.KillGrace < 0 || c.Tasks.QueryTimeout < 0 {
		return fmt.Errorf("tasks intervals must not be negative")
	}
	if c.Tasks.MaxBuffer < 0 || c.Tasks.MaxPerSession < 0 {
		return fmt.Errorf("tasks limits must not be negative")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative")
	}
	if c.Discord.SendRate <= 0 {
		return fmt.Errorf("discord.send_rate must be positive")
	}
	if c.Discord.SendBurst < 1 {
		return fmt.Errorf("discord.send_burst must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

// RequireToken checks that a Discord bot token is configured.
func (c *Config) RequireToken() error {
	if c.Discord.Token == "" {
		return fmt.Errorf("discord.token is required (or set SHELLCHAT_DISCORD_TOKEN)")
	}
	return nil
}
