package config

import (
	"os"
	"path/filepath"
)

const appName = "otaupdate"

func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName)
	}
	return filepath.Join(append([]string{home}, append(fallback, appName)...)...)
}

// GetAppDir returns the configuration directory holding settings.json.
func GetAppDir() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// GetStateDir returns the directory for the status database and auth token.
func GetStateDir() string {
	return xdgDir("XDG_STATE_HOME", ".local", "state")
}

// GetLogsDir returns the directory for rotated log files.
func GetLogsDir() string {
	return filepath.Join(GetStateDir(), "logs")
}

// GetCacheDir returns the directory for partially downloaded artifacts.
func GetCacheDir() string {
	return xdgDir("XDG_CACHE_HOME", ".cache")
}

// GetRuntimeDir returns the directory for PID, port and lock files.
func GetRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(GetStateDir(), "run")
}

// GetDBPath returns the path of the status database.
func GetDBPath() string {
	return filepath.Join(GetStateDir(), "otaupdate.db")
}

// EnsureDirs creates every application directory.
func EnsureDirs() error {
	for _, dir := range []string{GetAppDir(), GetStateDir(), GetLogsDir(), GetCacheDir(), GetRuntimeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
