package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Settings holds all user-configurable application settings organized by category.
type Settings struct {
	General  GeneralSettings  `json:"general"`
	Network  NetworkSettings  `json:"network"`
	Download DownloadSettings `json:"download"`
	Engine   EngineSettings   `json:"engine"`
}

// GeneralSettings contains application behavior settings.
type GeneralSettings struct {
	StagingDir        string `json:"staging_dir"`
	CacheDir          string `json:"cache_dir"`
	AutoResume        bool   `json:"auto_resume"`
	LogRetentionCount int    `json:"log_retention_count"`
}

// NetworkSettings contains HTTP transfer parameters.
type NetworkSettings struct {
	UserAgent           string `json:"user_agent"`
	ProxyURL            string `json:"proxy_url"`
	SkipTLSVerification bool   `json:"skip_tls_verification"`
	RequireNetwork      bool   `json:"require_network"`
	WorkerBufferSize    int    `json:"worker_buffer_size"`
}

// DownloadSettings contains background task tuning.
type DownloadSettings struct {
	MaxTaskRetries          int           `json:"max_task_retries"`
	RetryBaseDelay          time.Duration `json:"retry_base_delay"`
	MinFreeBytes            int64         `json:"min_free_bytes"`
	Workers                 int           `json:"workers"`
	ProgressPersistInterval time.Duration `json:"progress_persist_interval"`
}

const (
	EngineDBus      = "dbus"
	EngineSimulated = "simulated"
)

// EngineSettings selects and addresses the apply engine.
type EngineSettings struct {
	Kind       string `json:"kind"`
	BusName    string `json:"bus_name"`
	ObjectPath string `json:"object_path"`
	SystemBus  bool   `json:"system_bus"`
	WakeLock   bool   `json:"wake_lock"`
}

// SettingMeta provides metadata for a single setting (for UI rendering).
type SettingMeta struct {
	Key         string // JSON key name
	Label       string // Human-readable label
	Description string // Help text
	Type        string // "string", "int", "int64", "bool", "duration"
}

// GetSettingsMetadata returns metadata for all settings organized by category.
func GetSettingsMetadata() map[string][]SettingMeta {
	return map[string][]SettingMeta{
		"General": {
			{Key: "staging_dir", Label: "Staging Dir", Description: "Directory holding the verified update package. Must exist with mode 0770.", Type: "string"},
			{Key: "cache_dir", Label: "Cache Dir", Description: "Directory for the partially downloaded artifact. Empty uses the XDG cache dir.", Type: "string"},
			{Key: "auto_resume", Label: "Auto Resume", Description: "Re-enqueue an interrupted download when the daemon starts.", Type: "bool"},
			{Key: "log_retention_count", Label: "Log Retention Count", Description: "Number of rotated log files to keep.", Type: "int"},
		},
		"Network": {
			{Key: "user_agent", Label: "User Agent", Description: "Custom User-Agent string for HTTP requests. Leave empty for default.", Type: "string"},
			{Key: "proxy_url", Label: "Proxy URL", Description: "http, https or socks5 proxy URL. Leave empty to use the environment.", Type: "string"},
			{Key: "skip_tls_verification", Label: "Skip TLS Verification", Description: "Accept any server certificate. Only for test servers.", Type: "bool"},
			{Key: "require_network", Label: "Require Network", Description: "Only run the download task while a non-loopback interface is up.", Type: "bool"},
			{Key: "worker_buffer_size", Label: "Worker Buffer Size", Description: "I/O buffer size in bytes; bounds cancellation latency.", Type: "int"},
		},
		"Download": {
			{Key: "max_task_retries", Label: "Max Task Retries", Description: "Attempts before a transient failure becomes terminal.", Type: "int"},
			{Key: "retry_base_delay", Label: "Retry Base Delay", Description: "Linear backoff step between attempts (e.g., 30s).", Type: "duration"},
			{Key: "min_free_bytes", Label: "Min Free Bytes", Description: "Do not run the download while free space is below this many bytes.", Type: "int64"},
			{Key: "workers", Label: "Workers", Description: "Size of the background worker pool.", Type: "int"},
			{Key: "progress_persist_interval", Label: "Progress Persist Interval", Description: "Minimum time between progress writes at the same percent.", Type: "duration"},
		},
		"Engine": {
			{Key: "kind", Label: "Engine", Description: "Apply engine implementation: dbus or simulated.", Type: "string"},
			{Key: "bus_name", Label: "Bus Name", Description: "D-Bus well-known name of the apply engine.", Type: "string"},
			{Key: "object_path", Label: "Object Path", Description: "D-Bus object path of the apply engine.", Type: "string"},
			{Key: "system_bus", Label: "System Bus", Description: "Connect to the system bus instead of the session bus.", Type: "bool"},
			{Key: "wake_lock", Label: "Wake Lock", Description: "Hold a logind sleep/shutdown inhibitor while an update is applied.", Type: "bool"},
		},
	}
}

// CategoryOrder returns the order of categories for display.
func CategoryOrder() []string {
	return []string{"General", "Network", "Download", "Engine"}
}

const (
	KB = 1024
	MB = 1024 * KB
)

// DefaultSettings returns a new Settings instance with sensible defaults.
func DefaultSettings() *Settings {
	return &Settings{
		General: GeneralSettings{
			StagingDir:        filepath.Join(GetStateDir(), "staging"),
			CacheDir:          "",
			AutoResume:        true,
			LogRetentionCount: 5,
		},
		Network: NetworkSettings{
			UserAgent:        "", // Empty means use default UA
			RequireNetwork:   true,
			WorkerBufferSize: 512 * KB,
		},
		Download: DownloadSettings{
			MaxTaskRetries:          5,
			RetryBaseDelay:          30 * time.Second,
			MinFreeBytes:            200 * MB,
			Workers:                 2,
			ProgressPersistInterval: 500 * time.Millisecond,
		},
		Engine: EngineSettings{
			Kind:       EngineDBus,
			BusName:    "org.otaupdate.UpdateEngine",
			ObjectPath: "/org/otaupdate/UpdateEngine",
			SystemBus:  true,
			WakeLock:   true,
		},
	}
}

// GetSettingsPath returns the path to the settings JSON file.
func GetSettingsPath() string {
	return filepath.Join(GetAppDir(), "settings.json")
}

// LoadSettings loads settings from disk. Returns defaults if file doesn't exist.
// Environment overrides are applied last.
func LoadSettings() (*Settings, error) {
	path := GetSettingsPath()

	settings := DefaultSettings() // Start with defaults to fill any missing fields
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, settings); err != nil {
		return nil, err
	}

	applyEnv(settings)
	return settings, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("OTAUPDATE_ENGINE"); v != "" {
		s.Engine.Kind = v
	}
	if v := os.Getenv("OTAUPDATE_STAGING_DIR"); v != "" {
		s.General.StagingDir = v
	}
}

// SaveSettings saves settings to disk atomically.
func SaveSettings(s *Settings) error {
	path := GetSettingsPath()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: write to temp file, then rename
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

// ResolvedCacheDir returns the configured cache dir or the XDG default.
func (s *Settings) ResolvedCacheDir() string {
	if s.General.CacheDir != "" {
		return s.General.CacheDir
	}
	return GetCacheDir()
}

// RuntimeConfig is the subset of settings the engine consumes.
type RuntimeConfig struct {
	UserAgent               string
	ProxyURL                string
	SkipTLSVerification     bool
	WorkerBufferSize        int
	MaxTaskRetries          int
	RetryBaseDelay          time.Duration
	Workers                 int
	ProgressPersistInterval time.Duration
	RequireNetwork          bool
	MinFreeBytes            int64
}

// ToRuntimeConfig creates a RuntimeConfig from user Settings
func (s *Settings) ToRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		UserAgent:               s.Network.UserAgent,
		ProxyURL:                s.Network.ProxyURL,
		SkipTLSVerification:     s.Network.SkipTLSVerification,
		WorkerBufferSize:        s.Network.WorkerBufferSize,
		MaxTaskRetries:          s.Download.MaxTaskRetries,
		RetryBaseDelay:          s.Download.RetryBaseDelay,
		Workers:                 s.Download.Workers,
		ProgressPersistInterval: s.Download.ProgressPersistInterval,
		RequireNetwork:          s.Network.RequireNetwork,
		MinFreeBytes:            s.Download.MinFreeBytes,
	}
}
