package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-level configuration resolved from the environment.
// Encoding settings that the dashboard edits live in Settings instead.
//
// Environment Variables:
// - DATA_DIR: directory for the database, settings file and log (default: /app/data)
// - SETTINGS_FILE: encoding settings file (default: $DATA_DIR/config.json)
// - HTTP_ADDR: listen address (default: :8000)
// - UI_ENABLED: serve the dashboard (default: true)
// - UI_STATIC_DIR: dashboard assets (default: /app/web)
// - LOG_LEVEL: debug|info|warn|error (default: info)
// - LOG_FILE: optional log file path
// - FFMPEG_PATH / FFPROBE_PATH: codec engine binaries (default: ffmpeg / ffprobe)
// - NVIDIA_SMI_PATH: GPU utilization probe (default: nvidia-smi)
// - CANCEL_GRACE_SECONDS: time between the graceful and the hard stop of an encode (default: 10)
type Config struct {
	System SystemConfig `json:"system"`
	HTTP   HTTPConfig   `json:"http"`
	Log    LogConfig    `json:"log"`
	Engine EngineConfig `json:"engine"`
}

type SystemConfig struct {
	DataDir      string `json:"data_dir"`
	SettingsFile string `json:"settings_file"`
}

type HTTPConfig struct {
	Addr        string `json:"addr"`
	UIEnabled   bool   `json:"ui_enabled"`
	UIStaticDir string `json:"ui_static_dir"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// EngineConfig locates the external codec engine.
type EngineConfig struct {
	FFmpegPath    string        `json:"ffmpeg_path"`
	FFprobePath   string        `json:"ffprobe_path"`
	NvidiaSMIPath string        `json:"nvidia_smi_path"`
	CancelGrace   time.Duration `json:"cancel_grace"`
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.System.DataDir = dir
		c.System.SettingsFile = filepath.Join(dir, "config.json")
	}
}

func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "/app/data")
	v.SetDefault("settings_file", "")
	v.SetDefault("http_addr", ":8000")
	v.SetDefault("ui_enabled", true)
	v.SetDefault("ui_static_dir", "/app/web")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("nvidia_smi_path", "nvidia-smi")
	v.SetDefault("cancel_grace_seconds", 10)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	defaults(v)

	dataDir := v.GetString("data_dir")
	settingsFile := v.GetString("settings_file")
	if strings.TrimSpace(settingsFile) == "" {
		settingsFile = filepath.Join(dataDir, "config.json")
	}

	config := &Config{
		System: SystemConfig{
			DataDir:      dataDir,
			SettingsFile: settingsFile,
		},
		HTTP: HTTPConfig{
			Addr:        v.GetString("http_addr"),
			UIEnabled:   v.GetBool("ui_enabled"),
			UIStaticDir: v.GetString("ui_static_dir"),
		},
		Log: LogConfig{
			Level: v.GetString("log_level"),
			File:  v.GetString("log_file"),
		},
		Engine: EngineConfig{
			FFmpegPath:    v.GetString("ffmpeg_path"),
			FFprobePath:   v.GetString("ffprobe_path"),
			NvidiaSMIPath: v.GetString("nvidia_smi_path"),
			CancelGrace:   time.Duration(v.GetInt("cancel_grace_seconds")) * time.Second,
		},
	}

	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.System.DataDir) == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("HTTP_ADDR is required")
	}
	if c.Engine.CancelGrace < 0 {
		return fmt.Errorf("CANCEL_GRACE_SECONDS must not be negative")
	}
	return nil
}

// DBPath is the sqlite database holding history and queued jobs.
func (c *Config) DBPath() string {
	return filepath.Join(c.System.DataDir, "sizetrimmer.db")
}
