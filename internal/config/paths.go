package config

import (
	"os"
	"path/filepath"
	"strings"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".shellchat"), nil
}

// DefaultConfigPath is ~/.shellchat/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// EnsureDirs creates the directories the configuration points at.
func EnsureDirs(cfg *Config) error {
	// Private keys live here
	if err := os.MkdirAll(cfg.SSH.KeysDir, 0700); err != nil {
		return err
	}

	if cfg.Database.Path != "" && cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return err
		}
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			return err
		}
	}
	return nil
}
