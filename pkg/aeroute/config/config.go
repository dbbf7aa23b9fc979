package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cognicore/aeroute/pkg/aeroute/events"
	"github.com/cognicore/aeroute/pkg/aeroute/internalerr"
	"github.com/cognicore/aeroute/pkg/aeroute/planner"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the top-level configuration structure.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Planner   PlannerConfig   `yaml:"planner"`
	Inference InferenceConfig `yaml:"inference"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type PlannerConfig struct {
	AverageSpeed      float64 `yaml:"average_speed"`
	MaxRange          float64 `yaml:"max_range"`
	FuelStopThreshold float64 `yaml:"fuel_stop_threshold"`
	RefuelTime        float64 `yaml:"refuel_time"`
	RecentCapacity    int     `yaml:"recent_capacity"`
	TrackPoints       int     `yaml:"track_points"`
}

type InferenceConfig struct {
	MaxPasses int `yaml:"max_passes"`
}

// EventsConfig enables the Redis learning stream when RedisURL is set.
type EventsConfig struct {
	RedisURL string `yaml:"redis_url"`
	Stream   string `yaml:"stream"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	d := planner.DefaultOptions()
	return &Config{
		Database: DatabaseConfig{Driver: DriverSQLite, DSN: "aeroute.db"},
		Planner: PlannerConfig{
			AverageSpeed:      d.AverageSpeed,
			MaxRange:          d.MaxRange,
			FuelStopThreshold: d.FuelStopThreshold,
			RefuelTime:        d.RefuelTime,
			RecentCapacity:    d.RecentCapacity,
			TrackPoints:       d.TrackPoints,
		},
		Events: EventsConfig{Stream: events.DefaultStream},
		Log:    LogConfig{Level: "info"},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:default} with environment values.
func Expand(data string) string {
	return envVarRe.ReplaceAllStringFunc(data, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// LoadDotEnv loads the given .env files (".env" when none are given),
// ignoring files that do not exist. Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a YAML config file over the defaults, substituting
// environment variable references, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse([]byte(Expand(string(data))))
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w: %v", internalerr.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", internalerr.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Database.DSN == "" {
			return invalid("database.dsn is required for driver %q", c.Database.Driver)
		}
	case DriverMemory:
	default:
		return invalid("unknown database.driver %q", c.Database.Driver)
	}

	p := c.Planner
	if p.AverageSpeed < 0 || p.MaxRange < 0 || p.FuelStopThreshold < 0 || p.RefuelTime < 0 {
		return invalid("planner values must not be negative")
	}
	if p.RecentCapacity < 0 || p.TrackPoints < 0 {
		return invalid("planner counts must not be negative")
	}
	if c.Inference.MaxPasses < 0 {
		return invalid("inference.max_passes must not be negative")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// PlannerOptions converts the planner section. Zero values fall back to
// the planner defaults.
func (c *Config) PlannerOptions() planner.Options {
	return planner.Options{
		AverageSpeed:      c.Planner.AverageSpeed,
		MaxRange:          c.Planner.MaxRange,
		FuelStopThreshold: c.Planner.FuelStopThreshold,
		RefuelTime:        c.Planner.RefuelTime,
		RecentCapacity:    c.Planner.RecentCapacity,
		TrackPoints:       c.Planner.TrackPoints,
	}
}
