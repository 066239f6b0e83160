package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SourceConfig describes one external dataset polled by the scheduler.
// The catalog is loaded once at startup and immutable afterwards.
type SourceConfig struct {
	Name          string  `yaml:"name"`
	Kind          string  `yaml:"kind"`
	Dataset       string  `yaml:"dataset"`
	IntervalMin   int     `yaml:"interval_min"`
	PageSize      int     `yaml:"page_size"`
	DateField     string  `yaml:"date_field"`
	LookbackHours int     `yaml:"lookback_hours"`
	Where         string  `yaml:"where"`
	Geofence      bool    `yaml:"geofence"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// Interval returns the polling interval for this source.
func (s SourceConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMin) * time.Minute
}

// Lookback returns the incremental fetch window for a normal cycle.
func (s SourceConfig) Lookback() time.Duration {
	return time.Duration(s.LookbackHours) * time.Hour
}

// Config holds all settings derived from environment variables and the
// optional YAML config file.
type Config struct {
	HTTPPort          string
	DBPath            string
	BoundaryPath      string
	SnapshotDir       string
	EnableWatcher     bool
	SodaBaseURL       string
	SodaAppToken      string
	RequestTimeoutSec int
	BackfillMonths    int
	Sources           []SourceConfig
}

type fileConfig struct {
	HTTPPort       string         `yaml:"http_port"`
	DBPath         string         `yaml:"db_path"`
	BoundaryPath   string         `yaml:"boundary_path"`
	SnapshotDir    string         `yaml:"snapshot_dir"`
	SodaBaseURL    string         `yaml:"soda_base_url"`
	BackfillMonths *int           `yaml:"backfill_months"`
	Sources        []SourceConfig `yaml:"sources"`
}

const (
	defaultPort       = "8050"
	defaultDBPath     = "./district.db"
	defaultBaseURL    = "https://data.cityofnewyork.us/resource"
	defaultTimeoutSec = 30
	defaultBackfill   = 12

	minPageSize     = 1
	defaultPageSize = 1000
	maxPageSize     = 5000
)

// RequestTimeout returns the bounded per-page fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// BackfillWindow returns the extended historical window used for the
// one-time backfill on an empty store.
func (c Config) BackfillWindow() time.Duration {
	return time.Duration(c.BackfillMonths) * 30 * 24 * time.Hour
}

// Load reads configuration from environment, optional .env file, and the
// YAML config file named by CONFIG_PATH.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPPort:          getenv("PORT", defaultPort),
		DBPath:            getenv("DB_PATH", defaultDBPath),
		BoundaryPath:      getenv("BOUNDARY_PATH", ""),
		SnapshotDir:       getenv("SNAPSHOT_DIR", ""),
		EnableWatcher:     getenvBool("ENABLE_WATCHER", true),
		SodaBaseURL:       getenv("SODA_BASE_URL", defaultBaseURL),
		SodaAppToken:      os.Getenv("SODA_APP_TOKEN"),
		RequestTimeoutSec: clampInt(getenvInt("REQUEST_TIMEOUT_SEC", defaultTimeoutSec), 1, 120),
		BackfillMonths:    clampInt(getenvInt("BACKFILL_MONTHS", defaultBackfill), 1, 60),
	}

	configPath := getenv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, err := loadFileConfig(configPath)
	if err != nil {
		return Config{}, err
	}
	applyFileConfig(&cfg, fileCfg)

	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}
	for i := range cfg.Sources {
		if err := normalizeSource(&cfg.Sources[i]); err != nil {
			return Config{}, fmt.Errorf("source %q: %w", cfg.Sources[i].Name, err)
		}
	}
	if err := validateSources(cfg.Sources); err != nil {
		return Config{}, err
	}

	log.Printf("config: db=%s sources=%d boundary=%s port=%s", cfg.DBPath, len(cfg.Sources), cfg.BoundaryPath, cfg.HTTPPort)
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.HTTPPort != "" {
		cfg.HTTPPort = fc.HTTPPort
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.BoundaryPath != "" && cfg.BoundaryPath == "" {
		cfg.BoundaryPath = fc.BoundaryPath
	}
	if fc.SnapshotDir != "" && cfg.SnapshotDir == "" {
		cfg.SnapshotDir = fc.SnapshotDir
	}
	if fc.SodaBaseURL != "" {
		cfg.SodaBaseURL = fc.SodaBaseURL
	}
	if fc.BackfillMonths != nil {
		cfg.BackfillMonths = clampInt(*fc.BackfillMonths, 1, 60)
	}
	if len(fc.Sources) > 0 {
		cfg.Sources = fc.Sources
	}
}

func normalizeSource(s *SourceConfig) error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if s.Dataset == "" {
		return fmt.Errorf("missing dataset id")
	}
	if s.DateField == "" {
		return fmt.Errorf("missing date_field")
	}
	if s.IntervalMin <= 0 {
		s.IntervalMin = 60
	}
	if s.PageSize <= 0 {
		s.PageSize = defaultPageSize
	}
	s.PageSize = clampInt(s.PageSize, minPageSize, maxPageSize)
	if s.LookbackHours <= 0 {
		s.LookbackHours = 24
	}
	if s.RatePerSecond <= 0 {
		s.RatePerSecond = 2
	}
	return nil
}

func validateSources(sources []SourceConfig) error {
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// DefaultSources is the built-in catalog for NYC Council District 2 when no
// config file overrides it. Dataset ids are NYC Open Data resource ids.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			Name:          "fdny_incidents",
			Kind:          "fire",
			Dataset:       "8m42-w767",
			IntervalMin:   15,
			PageSize:      1000,
			DateField:     "incident_datetime",
			LookbackHours: 2,
			Where:         "citycouncildistrict='2'",
			Geofence:      false,
		},
		{
			Name:          "nypd_complaints",
			Kind:          "crime",
			Dataset:       "5uac-w243",
			IntervalMin:   30,
			PageSize:      1000,
			DateField:     "cmplnt_fr_dt",
			LookbackHours: 4,
			Where:         "latitude > 40.715 AND latitude < 40.748 AND longitude > -74.003 AND longitude < -73.970",
			Geofence:      true,
		},
		{
			Name:          "requests_311",
			Kind:          "311",
			Dataset:       "erm2-nwe9",
			IntervalMin:   15,
			PageSize:      1000,
			DateField:     "created_date",
			LookbackHours: 2,
			Where:         "council_district='2'",
			Geofence:      true,
		},
		{
			Name:          "hpd_violations",
			Kind:          "housing",
			Dataset:       "csn4-vhvf",
			IntervalMin:   360,
			PageSize:      1000,
			DateField:     "novissueddate",
			LookbackHours: 7 * 24,
			Where:         "",
			Geofence:      true,
		},
		{
			Name:          "nypd_911_calls",
			Kind:          "911",
			Dataset:       "n2zq-pubd",
			IntervalMin:   15,
			PageSize:      1000,
			DateField:     "create_date",
			LookbackHours: 2,
			Where:         "latitude > 40.715 AND latitude < 40.748 AND longitude > -74.003 AND longitude < -73.970",
			Geofence:      true,
		},
		{
			Name:          "dob_complaints",
			Kind:          "dob",
			Dataset:       "eabe-havv",
			IntervalMin:   1440,
			PageSize:      1000,
			DateField:     "dobrundate",
			LookbackHours: 24,
			Where:         "community_board in('102','103','106')",
			Geofence:      false,
		},
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
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

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now is the reference clock for query windows: UTC, truncated to the
// second so derived bounds format cleanly into store timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
