package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-directory config file found by walking up
// from the working directory.
const LocalConfigName = ".turnstile.toml"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Run           RunConfig           `toml:"run"`
	Turn          TurnConfig          `toml:"turn"`
	Surface       SurfaceConfig       `toml:"surface"`
	Ingest        IngestConfig        `toml:"ingest"`
	Export        ExportConfig        `toml:"export"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// RunConfig holds orchestration pacing settings
type RunConfig struct {
	AdvanceDelaySecs int    `toml:"advance_delay_secs"`
	RetryBackoffSecs int    `toml:"retry_backoff_secs"`
	TurnDeadlineSecs int    `toml:"turn_deadline_secs"`
	MaxTaskRetries   int    `toml:"max_task_retries"`
	Preamble         string `toml:"preamble"`
	Schedule         string `toml:"schedule"`
	AlarmPollMillis  int    `toml:"alarm_poll_millis"`
}

// TurnConfig holds interaction protocol settings for the worker
type TurnConfig struct {
	ChunkSize             int `toml:"chunk_size"`
	PauseMinMillis        int `toml:"pause_min_millis"`
	PauseMaxMillis        int `toml:"pause_max_millis"`
	SubmitAttempts        int `toml:"submit_attempts"`
	AcceptWindowSecs      int `toml:"accept_window_secs"`
	PollIntervalMillis    int `toml:"poll_interval_millis"`
	StabilityIntervalSecs int `toml:"stability_interval_secs"`
	StabilityThreshold    int `toml:"stability_threshold"`
	StabilityCeilingSecs  int `toml:"stability_ceiling_secs"`
}

// SurfaceConfig holds automation surface settings for the worker
type SurfaceConfig struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Marker  string   `toml:"marker"`
}

// IngestConfig holds batch manifest ingestion settings
type IngestConfig struct {
	WatchDir string `toml:"watch_dir"`
}

// ExportConfig holds result export settings
type ExportConfig struct {
	Dir string `toml:"dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds web UI settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".turnstile", "turnstile.db"),
		},
		Run: RunConfig{
			AdvanceDelaySecs: 5,
			RetryBackoffSecs: 30,
			TurnDeadlineSecs: 300,
			AlarmPollMillis:  500,
		},
		Turn: TurnConfig{
			ChunkSize:             40,
			PauseMinMillis:        30,
			PauseMaxMillis:        120,
			SubmitAttempts:        3,
			AcceptWindowSecs:      5,
			PollIntervalMillis:    250,
			StabilityIntervalSecs: 2,
			StabilityThreshold:    3,
			StabilityCeilingSecs:  240,
		},
		Surface: SurfaceConfig{
			Marker: "---",
		},
		Export: ExportConfig{
			Dir: filepath.Join(home, ".turnstile", "exports"),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Ingest.WatchDir = ExpandPath(cfg.Ingest.WatchDir)
	cfg.Export.Dir = ExpandPath(cfg.Export.Dir)

	return cfg, nil
}

// LoadWithLocalFallback loads an explicit path if given, otherwise a
// local config found by walking up from the working directory, otherwise
// the user-level default path.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a local
// config file. Returns "" if none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// AdvanceDelay returns the dispatch pacing as a duration
func (c *RunConfig) AdvanceDelay() time.Duration {
	return time.Duration(c.AdvanceDelaySecs) * time.Second
}

// RetryBackoff returns the retry pacing as a duration
func (c *RunConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffSecs) * time.Second
}

// TurnDeadline returns the watchdog ceiling as a duration
func (c *RunConfig) TurnDeadline() time.Duration {
	return time.Duration(c.TurnDeadlineSecs) * time.Second
}

// AlarmPoll returns the alarm polling interval as a duration
func (c *RunConfig) AlarmPoll() time.Duration {
	return time.Duration(c.AlarmPollMillis) * time.Millisecond
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "turnstile", "config.toml")
}
