// Package config loads client settings: built-in defaults, then an optional
// YAML file, then RTL_* environment variables. Command-line flags are applied
// by the binaries on top.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"runtimeloader.dev/internal/logging"
	"runtimeloader.dev/internal/persistence/objstore"
)

type Config struct {
	URL           string `yaml:"url" env:"RTL_URL"`
	Room          string `yaml:"room" env:"RTL_ROOM"`
	AutoReconnect bool   `yaml:"auto_reconnect" env:"RTL_AUTO_RECONNECT"`

	TickRateHz     int  `yaml:"tick_rate_hz" env:"RTL_TICK_RATE_HZ"`
	CompileWorkers int  `yaml:"compile_workers" env:"RTL_COMPILE_WORKERS"`
	StrictSchemas  bool `yaml:"strict_schemas" env:"RTL_STRICT_SCHEMAS"`

	ShowSendDetails    bool     `yaml:"show_send_details" env:"RTL_SHOW_SEND_DETAILS"`
	ShowReceiveDetails bool     `yaml:"show_receive_details" env:"RTL_SHOW_RECEIVE_DETAILS"`
	HighFrequencyTypes []string `yaml:"high_frequency_types" env:"RTL_HIGH_FREQUENCY_TYPES" envSeparator:","`

	OfflineAssets bool          `yaml:"offline_assets" env:"RTL_OFFLINE_ASSETS"`
	AssetTimeout  time.Duration `yaml:"asset_timeout" env:"RTL_ASSET_TIMEOUT"`
	AudioMaxBytes int           `yaml:"audio_max_bytes" env:"RTL_AUDIO_MAX_BYTES"`

	// Empty disables the frame journal / the SQLite index.
	JournalDir string `yaml:"journal_dir" env:"RTL_JOURNAL_DIR"`
	IndexDB    string `yaml:"index_db" env:"RTL_INDEX_DB"`
	// Mirror uploads completed journal files; an empty endpoint disables it.
	Mirror objstore.Config `yaml:"mirror" envPrefix:"RTL_MIRROR_"`

	Log logging.Config `yaml:"log"`
}

func Defaults() Config {
	return Config{
		URL:            "ws://localhost:8080/ws",
		AutoReconnect:  true,
		TickRateHz:     60,
		CompileWorkers: 2,
		AssetTimeout:   30 * time.Second,
		Log:            logging.Config{Level: "info", Format: "console"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies the process
// environment.
func Load(path string) (Config, error) {
	return load(path, env.Options{})
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	return load(path, env.Options{Environment: environ})
}

func load(path string, opts env.Options) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("client.yaml: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("config: url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: url scheme %q is not ws or wss", u.Scheme)
	}
	if c.TickRateHz < 1 || c.TickRateHz > 1000 {
		return fmt.Errorf("config: tick_rate_hz %d out of range 1..1000", c.TickRateHz)
	}
	if c.CompileWorkers < 1 {
		return fmt.Errorf("config: compile_workers must be >= 1, got %d", c.CompileWorkers)
	}
	if c.AssetTimeout < 0 {
		return errors.New("config: asset_timeout must not be negative")
	}
	if c.Mirror.Enabled() && strings.TrimSpace(c.JournalDir) == "" {
		return errors.New("config: mirror requires journal_dir")
	}
	return nil
}

func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRateHz)
}
