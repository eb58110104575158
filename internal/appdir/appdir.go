// Package appdir provides platform-native directory management for keeper.
// It handles locating and creating the keeper data directory, which stores
// configuration (config.yaml) and session snapshots (snapshots/ subdirectory).
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// KeeperDirEnv is the environment variable to override the keeper directory.
	KeeperDirEnv = "KEEPER_DIR"

	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "config.yaml"

	// SnapshotsDirName is the name of the snapshots subdirectory.
	SnapshotsDirName = "snapshots"

	// LogFileName is the default log file name.
	LogFileName = "keeper.log"
)

var (
	// cachedDir stores the resolved keeper directory to avoid repeated lookups.
	cachedDir string
	// mu protects cachedDir.
	mu sync.RWMutex
)

// Dir returns the keeper data directory path.
// The directory is determined in the following order:
//  1. KEEPER_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/Keeper
//     - Linux: $XDG_DATA_HOME/keeper or ~/.local/share/keeper
//     - Windows: %APPDATA%\Keeper
//
// This function only returns the path; it does not create the directory.
// Use EnsureDir() to create the directory if needed.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

// resolveDir calculates the keeper directory path.
func resolveDir() (string, error) {
	if envDir := os.Getenv(KeeperDirEnv); envDir != "" {
		return envDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, "Library", "Application Support", "Keeper"), nil

	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "Keeper"), nil

	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "keeper"), nil
	}
}

// EnsureDir creates the keeper data directory if it doesn't exist.
// It also creates the snapshots subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create keeper directory %s: %w", dir, err)
	}

	snapsDir := filepath.Join(dir, SnapshotsDirName)
	if err := os.MkdirAll(snapsDir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshots directory %s: %w", snapsDir, err)
	}

	return nil
}

// ConfigPath returns the full path to the config.yaml file.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// SnapshotsDir returns the full path to the snapshots directory.
func SnapshotsDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, SnapshotsDirName), nil
}

// LogPath returns the full path to the default log file.
func LogPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogFileName), nil
}

// ResetCache clears the cached directory path.
// This is primarily useful for testing.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
