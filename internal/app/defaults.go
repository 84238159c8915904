package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - STASH_CONFIG_PATH: config file location (default: ~/.config/stash.toml)
//   - STASH_HOME: base directory for stash data (default: ~/.local/share/stash)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking STASH_CONFIG_PATH env var first,
// then falling back to the default ~/.config/stash.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("STASH_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "stash.toml"), nil
}

// getBaseDir returns the base directory for stash data, checking STASH_HOME env var first,
// then falling back to the XDG default ~/.local/share/stash.
func getBaseDir() (string, error) {
	if path := os.Getenv("STASH_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "stash"), nil
}
