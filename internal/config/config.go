// Package config loads the attendsync YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/colthorp/attendsync-go/internal/core"
)

// Rejection policies for replayed mutations the origin refuses permanently.
const (
	RejectDeadLetter = "dead-letter"
	RejectRetain     = "retain"
)

// Config is the full daemon configuration.
type Config struct {
	Origin         string        `yaml:"origin" validate:"required,url"`
	Listen         string        `yaml:"listen" validate:"required,hostname_port"`
	DataDir        string        `yaml:"data_dir" validate:"required"`
	APIPrefix      string        `yaml:"api_prefix" validate:"required,startswith=/"`
	StaticAssets   []string      `yaml:"static_assets" validate:"dive,required"`
	TrustedOrigins []string      `yaml:"trusted_origins" validate:"dive,url"`
	Generations    Generations   `yaml:"generations"`
	Cache          CacheConfig   `yaml:"cache"`
	Sync           SyncConfig    `yaml:"sync"`
	Connectivity   Connectivity  `yaml:"connectivity"`
	Notifications  Notifications `yaml:"notifications"`
	Log            LogConfig     `yaml:"log"`
}

// Generations names the current STATIC and DYNAMIC cache generations.
type Generations struct {
	Static  string `yaml:"static" validate:"required,nefield=Dynamic"`
	Dynamic string `yaml:"dynamic" validate:"required"`
}

// CacheConfig tunes the Cache Manager.
type CacheConfig struct {
	MaxDynamicEntries int           `yaml:"max_dynamic_entries" validate:"gte=0"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	WarmConcurrency   int           `yaml:"warm_concurrency" validate:"gte=1"`
}

// SyncConfig tunes the Sync Coordinator.
type SyncConfig struct {
	RequestTimeout   time.Duration `yaml:"request_timeout" validate:"gt=0"`
	RejectionPolicy  string        `yaml:"rejection_policy" validate:"oneof=dead-letter retain"`
	ReplaysPerSecond float64       `yaml:"replays_per_second" validate:"gte=0"`
}

// Connectivity tunes the reconnection monitor.
type Connectivity struct {
	ProbePath string        `yaml:"probe_path" validate:"required,startswith=/"`
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
}

// Notifications configures how new client windows are opened.
type Notifications struct {
	OpenCommand string `yaml:"open_command"`
}

// LogConfig configures logging destinations.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Origin:       core.DefaultOrigin,
		Listen:       core.DefaultListen,
		DataDir:      core.DataRoot(),
		APIPrefix:    core.DefaultAPIPath,
		StaticAssets: append([]string(nil), core.DefaultStaticAssets...),
		Generations: Generations{
			Static:  core.StaticGeneration,
			Dynamic: core.DynamicGeneration,
		},
		Cache: CacheConfig{
			MaxDynamicEntries: core.MaxDynamicEntries,
			FetchTimeout:      core.FetchTimeout,
			WarmConcurrency:   core.WarmConcurrency,
		},
		Sync: SyncConfig{
			RequestTimeout:  core.ReplayTimeout,
			RejectionPolicy: RejectDeadLetter,
		},
		Connectivity: Connectivity{
			ProbePath: core.DefaultProbe,
			Interval:  core.ProbeInterval,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config at path (or the default location when empty),
// falling back to defaults when the file does not exist. The origin can
// be overridden with ATTENDSYNC_ORIGIN.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv(core.ConfigEnvVar)
	}
	if strings.TrimSpace(path) == "" {
		path = core.DefaultConfigPath()
	}
	resolved, err := core.ExpandPath(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()

	file, err := os.Open(resolved)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults
	case err != nil:
		return Config{}, fmt.Errorf("open config: %w", err)
	default:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if origin := strings.TrimSpace(os.Getenv(core.OriginEnvVar)); origin != "" {
		cfg.Origin = origin
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Origin = strings.TrimRight(strings.TrimSpace(c.Origin), "/")
	c.Listen = strings.TrimSpace(c.Listen)
	c.DataDir = core.MustExpand(c.DataDir)
	if c.Log.Dir != "" {
		c.Log.Dir = core.MustExpand(c.Log.Dir)
	}
	if !strings.HasSuffix(c.APIPrefix, "/") {
		c.APIPrefix += "/"
	}
	for i, o := range c.TrustedOrigins {
		c.TrustedOrigins[i] = strings.TrimRight(strings.TrimSpace(o), "/")
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// OriginURL returns the parsed origin.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	return u, nil
}

// QueueDir is the badger directory of the Persistent Queue Store.
func (c Config) QueueDir() string {
	return filepath.Join(c.DataDir, "queue")
}

// CacheDir is the badger directory of the Cache Manager.
func (c Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}
