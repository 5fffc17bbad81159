package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// VenueKind selects the order-routing backend.
const (
	VenuePaper = "paper"
	VenueRest  = "rest"
)

// RestVenueConfig configures the brokerage REST/WebSocket adapter.
type RestVenueConfig struct {
	BaseURL         string
	WSURL           string
	APITokenEnv     string // name of the env var holding the token
	RateLimitPerSec int
}

// VenueConfig selects and configures the venue adapter.
type VenueConfig struct {
	Kind string
	Rest RestVenueConfig
}

// EngineConfig carries the protection-engine tunables.
type EngineConfig struct {
	EntryTolerance   decimal.Decimal // trigger clamp window for entry re-submission
	StopTolerance    decimal.Decimal // wider window for protective re-submission
	SyntheticTimeout time.Duration   // absolute lifetime of a synthetic request
	ReverseOnStop    bool
	TickInterval     time.Duration
}

// JournalConfig controls the badger journal and JSON snapshots.
type JournalConfig struct {
	Dir              string
	SnapshotFile     string
	SnapshotInterval time.Duration
}

// ControlPlaneConfig configures the HTTP API.
type ControlPlaneConfig struct {
	Listen    string
	HistoryDB string
}

// MetricsConfig configures the expvar/pprof listener.
type MetricsConfig struct {
	Listen string
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level    string
	File     string
	LogByDay bool
}

// Config is the resolved application configuration.
type Config struct {
	Venue        VenueConfig
	Engine       EngineConfig
	Journal      JournalConfig
	ControlPlane ControlPlaneConfig
	Metrics      MetricsConfig
	Log          LogConfig
}

// configFile is the on-disk schema. YAML is the primary format; JSON is
// accepted for generated configs.
type configFile struct {
	Venue struct {
		Kind string `yaml:"kind" json:"kind"`
		Rest struct {
			BaseURL         string `yaml:"base_url" json:"base_url"`
			WSURL           string `yaml:"ws_url" json:"ws_url"`
			APITokenEnv     string `yaml:"api_token_env" json:"api_token_env"`
			RateLimitPerSec int    `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
		} `yaml:"rest" json:"rest"`
	} `yaml:"venue" json:"venue"`
	Engine struct {
		EntryTolerance   string `yaml:"entry_tolerance" json:"entry_tolerance"`
		StopTolerance    string `yaml:"stop_tolerance" json:"stop_tolerance"`
		SyntheticTimeout string `yaml:"synthetic_timeout" json:"synthetic_timeout"`
		ReverseOnStop    bool   `yaml:"reverse_on_stop" json:"reverse_on_stop"`
		TickInterval     string `yaml:"tick_interval" json:"tick_interval"`
	} `yaml:"engine" json:"engine"`
	Journal struct {
		Dir              string `yaml:"dir" json:"dir"`
		SnapshotFile     string `yaml:"snapshot_file" json:"snapshot_file"`
		SnapshotInterval string `yaml:"snapshot_interval" json:"snapshot_interval"`
	} `yaml:"journal" json:"journal"`
	ControlPlane struct {
		Listen    string `yaml:"listen" json:"listen"`
		HistoryDB string `yaml:"history_db" json:"history_db"`
	} `yaml:"controlplane" json:"controlplane"`
	Metrics struct {
		Listen string `yaml:"listen" json:"listen"`
	} `yaml:"metrics" json:"metrics"`
	Log struct {
		Level    string `yaml:"level" json:"level"`
		File     string `yaml:"file" json:"file"`
		LogByDay *bool  `yaml:"log_by_day" json:"log_by_day"`
	} `yaml:"log" json:"log"`
}

var globalConfig *Config
var configFilePath string

func SetConfigPath(path string) {
	configFilePath = path
}

func GetConfigPath() string {
	return configFilePath
}

// Load resolves the configuration from the configured path. The result is
// cached; call LoadFromFile directly to bypass the cache.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	cfg, err := LoadFromFile(configFilePath)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return cfg, nil
}

// LoadFromFile parses the file (optional), overlays environment variables
// and fills defaults. Precedence: env > file > default.
func LoadFromFile(filePath string) (*Config, error) {
	var cf *configFile
	if filePath != "" {
		var err error
		cf, err = parseConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", filePath, err)
		}
	}
	if cf == nil {
		cf = &configFile{}
	}

	cfg := &Config{
		Venue: VenueConfig{
			Kind: getEnv("GOSTOP_VENUE", pick(cf.Venue.Kind, VenuePaper)),
			Rest: RestVenueConfig{
				BaseURL:         getEnv("GOSTOP_VENUE_URL", cf.Venue.Rest.BaseURL),
				WSURL:           getEnv("GOSTOP_VENUE_WS_URL", cf.Venue.Rest.WSURL),
				APITokenEnv:     pick(cf.Venue.Rest.APITokenEnv, "GOSTOP_VENUE_TOKEN"),
				RateLimitPerSec: pickInt(cf.Venue.Rest.RateLimitPerSec, 8),
			},
		},
		Engine: EngineConfig{
			EntryTolerance:   parseDecimal(cf.Engine.EntryTolerance, "0.01"),
			StopTolerance:    parseDecimal(cf.Engine.StopTolerance, "0.02"),
			SyntheticTimeout: parseDuration(cf.Engine.SyntheticTimeout, 10*time.Minute),
			ReverseOnStop:    cf.Engine.ReverseOnStop || parseBoolEnv("GOSTOP_REVERSE_ON_STOP", false),
			TickInterval:     parseDuration(cf.Engine.TickInterval, time.Second),
		},
		Journal: JournalConfig{
			Dir:              pick(cf.Journal.Dir, "data/journal"),
			SnapshotFile:     pick(cf.Journal.SnapshotFile, "data/sessions.json"),
			SnapshotInterval: parseDuration(cf.Journal.SnapshotInterval, 30*time.Second),
		},
		ControlPlane: ControlPlaneConfig{
			Listen:    getEnv("GOSTOP_CONTROL_LISTEN", pick(cf.ControlPlane.Listen, "127.0.0.1:8089")),
			HistoryDB: pick(cf.ControlPlane.HistoryDB, "data/history.db"),
		},
		Metrics: MetricsConfig{
			Listen: getEnv("GOSTOP_METRICS_LISTEN", pick(cf.Metrics.Listen, "127.0.0.1:6071")),
		},
		Log: LogConfig{
			Level:    getEnv("LOG_LEVEL", pick(cf.Log.Level, "info")),
			File:     getEnv("LOG_FILE", pick(cf.Log.File, "logs/gostop.log")),
			LogByDay: cf.Log.LogByDay == nil || *cf.Log.LogByDay,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseConfigFile(filePath string) (*configFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cf configFile
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		if err := json.Unmarshal(data, &cf); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, err
		}
	}
	return &cf, nil
}

// Get returns the cached configuration, nil before the first Load.
func Get() *Config {
	return globalConfig
}

func (c *Config) Validate() error {
	switch c.Venue.Kind {
	case VenuePaper:
	case VenueRest:
		if c.Venue.Rest.BaseURL == "" {
			return fmt.Errorf("venue.rest.base_url is required for the rest venue")
		}
		if c.Venue.Rest.WSURL == "" {
			return fmt.Errorf("venue.rest.ws_url is required for the rest venue")
		}
	default:
		return fmt.Errorf("unknown venue kind %q", c.Venue.Kind)
	}

	if c.Engine.EntryTolerance.Sign() <= 0 {
		return fmt.Errorf("engine.entry_tolerance must be positive")
	}
	if c.Engine.StopTolerance.Sign() <= 0 {
		return fmt.Errorf("engine.stop_tolerance must be positive")
	}
	if c.Engine.StopTolerance.LessThan(c.Engine.EntryTolerance) {
		return fmt.Errorf("engine.stop_tolerance must be at least engine.entry_tolerance")
	}
	if c.Engine.SyntheticTimeout <= 0 {
		return fmt.Errorf("engine.synthetic_timeout must be positive")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive")
	}
	return nil
}

// APIToken reads the venue token from the configured env var.
func (c *Config) APIToken() string {
	return os.Getenv(c.Venue.Rest.APITokenEnv)
}

func pick(v, def string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func pickInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func parseDecimal(v, def string) decimal.Decimal {
	if strings.TrimSpace(v) == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}

func parseDuration(v string, def time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
