// Package config provides configuration management for the avatar bridge
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sandbox modes.
const (
	SandboxInProcess = "inprocess"
	SandboxWebSocket = "websocket"
	SandboxWebView   = "webview"
)

// Config holds all application configuration
type Config struct {
	Avatar  AvatarConfig  `mapstructure:"avatar"`
	Sandbox SandboxConfig `mapstructure:"sandbox"`
	Assets  AssetsConfig  `mapstructure:"assets"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Window  WindowConfig  `mapstructure:"window"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// AvatarConfig configures the controller and renderers
type AvatarConfig struct {
	Backend         string        `mapstructure:"backend"` // rigged3d, rigged2d, native, animation
	Model           string        `mapstructure:"model"`   // bundle://name or URI
	Fallback        string        `mapstructure:"fallback"`
	LoadTimeout     time.Duration `mapstructure:"load_timeout"`
	FrameBudget     time.Duration `mapstructure:"frame_budget"`
	PulseDuration   time.Duration `mapstructure:"pulse_duration"`
	LipSyncInterval time.Duration `mapstructure:"lip_sync_interval"`
	FrameInterval   time.Duration `mapstructure:"frame_interval"`
}

// SandboxConfig chooses where bridged renderers run
type SandboxConfig struct {
	Mode   string        `mapstructure:"mode"`   // inprocess, websocket, webview
	URL    string        `mapstructure:"url"`    // base URL of an avatar-sandbox server
	Listen string        `mapstructure:"listen"` // avatar-sandbox listen address
	Dial   time.Duration `mapstructure:"dial_timeout"`
}

// AssetsConfig locates model assets
type AssetsConfig struct {
	CacheDir  string `mapstructure:"cache_dir"`
	BundleDir string `mapstructure:"bundle_dir"` // overrides the embedded bundle when set
	Watch     bool   `mapstructure:"watch"`
}

// FeedConfig points at an optional server-sent state feed
type FeedConfig struct {
	URL string `mapstructure:"url"`
}

// WindowConfig configures the window
type WindowConfig struct {
	Title       string `mapstructure:"title"`
	Width       int    `mapstructure:"width"`
	Height      int    `mapstructure:"height"`
	AlwaysOnTop bool   `mapstructure:"always_on_top"`
	Frameless   bool   `mapstructure:"frameless"`
	Transparent bool   `mapstructure:"transparent"`
	VSync       bool   `mapstructure:"vsync"`
}

// LoggingConfig configures the app logger
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir, _ := GetConfigDir()
	return &Config{
		Avatar: AvatarConfig{
			Backend:         "rigged3d",
			Model:           "bundle://avatar.gltf",
			Fallback:        "animation",
			LoadTimeout:     30 * time.Second,
			FrameBudget:     16 * time.Millisecond,
			PulseDuration:   500 * time.Millisecond,
			LipSyncInterval: 100 * time.Millisecond,
			FrameInterval:   16 * time.Millisecond,
		},
		Sandbox: SandboxConfig{
			Mode:   SandboxInProcess,
			URL:    "http://127.0.0.1:7420",
			Listen: "127.0.0.1:7420",
			Dial:   5 * time.Second,
		},
		Assets: AssetsConfig{
			CacheDir: filepath.Join(dir, "cache"),
		},
		Window: WindowConfig{
			Title:  "Avatar",
			Width:  480,
			Height: 640,
			VSync:  true,
		},
		Logging: LoggingConfig{
			Level:   "debug",
			Dir:     filepath.Join(dir, "logs"),
			Console: true,
		},
	}
}

// Validate rejects settings the app cannot start with.
func (c *Config) Validate() error {
	switch c.Sandbox.Mode {
	case SandboxInProcess, SandboxWebSocket, SandboxWebView:
	default:
		return fmt.Errorf("sandbox.mode: unknown mode %q", c.Sandbox.Mode)
	}
	if c.Avatar.LoadTimeout < 0 {
		return fmt.Errorf("avatar.load_timeout: must not be negative")
	}
	if c.Avatar.Fallback != "" && c.Avatar.Fallback == c.Avatar.Backend {
		return fmt.Errorf("avatar.fallback: must differ from avatar.backend")
	}
	return nil
}

// Load reads configuration from ~/.avatarbridge and the environment, writing
// a default file on first run.
func Load() (*Config, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFrom(dir)
}

// LoadFrom reads config.yaml from dir, creating it with defaults when absent.
// AVATARBRIDGE_* environment variables override file values.
func LoadFrom(dir string) (*Config, error) {
	cfg := DefaultConfig()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cfg, err
	}

	v := newViper(cfg)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, err
		}
		if err := saveTo(v, filepath.Join(dir, "config.yaml")); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Save writes the configuration to ~/.avatarbridge/config.yaml
func Save(cfg *Config) error {
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return saveTo(newViper(cfg), filepath.Join(dir, "config.yaml"))
}

func saveTo(v *viper.Viper, path string) error {
	return v.WriteConfigAs(path)
}

// newViper returns a viper instance whose defaults are cfg, so every key is
// known to AutomaticEnv and written by Save.
func newViper(cfg *Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AVATARBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("avatar.backend", cfg.Avatar.Backend)
	v.SetDefault("avatar.model", cfg.Avatar.Model)
	v.SetDefault("avatar.fallback", cfg.Avatar.Fallback)
	v.SetDefault("avatar.load_timeout", cfg.Avatar.LoadTimeout)
	v.SetDefault("avatar.frame_budget", cfg.Avatar.FrameBudget)
	v.SetDefault("avatar.pulse_duration", cfg.Avatar.PulseDuration)
	v.SetDefault("avatar.lip_sync_interval", cfg.Avatar.LipSyncInterval)
	v.SetDefault("avatar.frame_interval", cfg.Avatar.FrameInterval)

	v.SetDefault("sandbox.mode", cfg.Sandbox.Mode)
	v.SetDefault("sandbox.url", cfg.Sandbox.URL)
	v.SetDefault("sandbox.listen", cfg.Sandbox.Listen)
	v.SetDefault("sandbox.dial_timeout", cfg.Sandbox.Dial)

	v.SetDefault("assets.cache_dir", cfg.Assets.CacheDir)
	v.SetDefault("assets.bundle_dir", cfg.Assets.BundleDir)
	v.SetDefault("assets.watch", cfg.Assets.Watch)

	v.SetDefault("feed.url", cfg.Feed.URL)

	v.SetDefault("window.title", cfg.Window.Title)
	v.SetDefault("window.width", cfg.Window.Width)
	v.SetDefault("window.height", cfg.Window.Height)
	v.SetDefault("window.always_on_top", cfg.Window.AlwaysOnTop)
	v.SetDefault("window.frameless", cfg.Window.Frameless)
	v.SetDefault("window.transparent", cfg.Window.Transparent)
	v.SetDefault("window.vsync", cfg.Window.VSync)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.dir", cfg.Logging.Dir)
	v.SetDefault("logging.console", cfg.Logging.Console)
	return v
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarbridge"), nil
}
