package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFromFile("")
	if err != nil {
		t.Fatalf("load with no file: %v", err)
	}

	if cfg.Venue.Kind != VenuePaper {
		t.Errorf("default venue = %q, want paper", cfg.Venue.Kind)
	}
	if !cfg.Engine.EntryTolerance.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("default entry tolerance = %s", cfg.Engine.EntryTolerance)
	}
	if !cfg.Engine.StopTolerance.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("default stop tolerance = %s", cfg.Engine.StopTolerance)
	}
	if cfg.Engine.SyntheticTimeout != 10*time.Minute {
		t.Errorf("default synthetic timeout = %s", cfg.Engine.SyntheticTimeout)
	}
	if cfg.Engine.TickInterval != time.Second {
		t.Errorf("default tick interval = %s", cfg.Engine.TickInterval)
	}
	if cfg.ControlPlane.Listen != "127.0.0.1:8089" {
		t.Errorf("default control listen = %q", cfg.ControlPlane.Listen)
	}
	if cfg.Metrics.Listen != "127.0.0.1:6071" {
		t.Errorf("default metrics listen = %q", cfg.Metrics.Listen)
	}
	if !cfg.Log.LogByDay {
		t.Errorf("log_by_day should default to true")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "gostop.yaml", `
venue:
  kind: rest
  rest:
    base_url: https://api.example.com
    ws_url: wss://stream.example.com
    api_token_env: EXAMPLE_TOKEN
    rate_limit_per_sec: 4
engine:
  entry_tolerance: "0.05"
  stop_tolerance: "0.10"
  synthetic_timeout: 5m
  reverse_on_stop: true
  tick_interval: 500ms
journal:
  dir: /tmp/journal
  snapshot_interval: 10s
log:
  level: debug
  log_by_day: false
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}

	if cfg.Venue.Kind != VenueRest {
		t.Errorf("venue kind = %q", cfg.Venue.Kind)
	}
	if cfg.Venue.Rest.BaseURL != "https://api.example.com" {
		t.Errorf("base url = %q", cfg.Venue.Rest.BaseURL)
	}
	if cfg.Venue.Rest.RateLimitPerSec != 4 {
		t.Errorf("rate limit = %d", cfg.Venue.Rest.RateLimitPerSec)
	}
	if !cfg.Engine.EntryTolerance.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("entry tolerance = %s", cfg.Engine.EntryTolerance)
	}
	if cfg.Engine.SyntheticTimeout != 5*time.Minute {
		t.Errorf("synthetic timeout = %s", cfg.Engine.SyntheticTimeout)
	}
	if !cfg.Engine.ReverseOnStop {
		t.Errorf("reverse_on_stop not parsed")
	}
	if cfg.Engine.TickInterval != 500*time.Millisecond {
		t.Errorf("tick interval = %s", cfg.Engine.TickInterval)
	}
	if cfg.Journal.Dir != "/tmp/journal" {
		t.Errorf("journal dir = %q", cfg.Journal.Dir)
	}
	if cfg.Journal.SnapshotInterval != 10*time.Second {
		t.Errorf("snapshot interval = %s", cfg.Journal.SnapshotInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if cfg.Log.LogByDay {
		t.Errorf("log_by_day not parsed")
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "gostop.json", `{
  "venue": {"kind": "paper"},
  "engine": {"entry_tolerance": "0.02", "stop_tolerance": "0.04"}
}`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if cfg.Venue.Kind != VenuePaper {
		t.Errorf("venue kind = %q", cfg.Venue.Kind)
	}
	if !cfg.Engine.EntryTolerance.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("entry tolerance = %s", cfg.Engine.EntryTolerance)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("GOSTOP_CONTROL_LISTEN", "0.0.0.0:9999")
	path := writeConfig(t, "gostop.yaml", `
controlplane:
  listen: 127.0.0.1:8089
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ControlPlane.Listen != "0.0.0.0:9999" {
		t.Errorf("env did not override file: %q", cfg.ControlPlane.Listen)
	}
}

func TestValidateRejectsRestWithoutURLs(t *testing.T) {
	path := writeConfig(t, "gostop.yaml", `
venue:
  kind: rest
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatalf("rest venue without urls must fail validation")
	}
}

func TestValidateRejectsUnknownVenue(t *testing.T) {
	path := writeConfig(t, "gostop.yaml", `
venue:
  kind: carrier_pigeon
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatalf("unknown venue kind must fail validation")
	}
}

func TestValidateRejectsInvertedTolerances(t *testing.T) {
	path := writeConfig(t, "gostop.yaml", `
engine:
  entry_tolerance: "0.10"
  stop_tolerance: "0.05"
`)
	if _, err := LoadFromFile(path); err == nil {
		t.Fatalf("stop tolerance below entry tolerance must fail validation")
	}
}

func TestMissingFileIsAnError(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("explicit missing file must fail")
	}
}

func TestAPITokenReadsConfiguredEnv(t *testing.T) {
	t.Setenv("EXAMPLE_TOKEN_TEST", "sekrit")
	path := writeConfig(t, "gostop.yaml", `
venue:
  kind: rest
  rest:
    base_url: https://api.example.com
    ws_url: wss://stream.example.com
    api_token_env: EXAMPLE_TOKEN_TEST
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIToken() != "sekrit" {
		t.Errorf("APIToken() = %q", cfg.APIToken())
	}
}

func TestMalformedDurationFallsBack(t *testing.T) {
	path := writeConfig(t, "gostop.yaml", `
engine:
  synthetic_timeout: not-a-duration
`)
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SyntheticTimeout != 10*time.Minute {
		t.Errorf("malformed duration did not fall back: %s", cfg.Engine.SyntheticTimeout)
	}
}
