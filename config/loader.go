// Package config provides unified configuration loading for the GeoPlace
// server: defaults → YAML file → environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GEOPLACE").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for the GeoPlace server.
type Config struct {
	// Server HTTP transport configuration
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Canvas tile store configuration
	Canvas CanvasConfig `yaml:"canvas" env:"CANVAS"`

	// Pipeline generation stage configuration
	Pipeline PipelineConfig `yaml:"pipeline" env:"PIPELINE"`

	// Scheduler job scheduling configuration
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// Cache artifact cache configuration
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// World object registry configuration
	World WorldConfig `yaml:"world" env:"WORLD"`

	// Log logging configuration
	Log LogConfig `yaml:"log" env:"LOG"`
}

// ServerConfig configures the HTTP and metrics listeners.
type ServerConfig struct {
	// HTTP port
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Prometheus metrics port
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Rate limit (requests per second, per client IP)
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Rate limit burst
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// Allowed CORS origins; empty means allow all (the canvas client is
	// served from arbitrary hosts during development)
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"-"`
}

// CanvasConfig configures the shared canvas and its tiling.
type CanvasConfig struct {
	// Tile edge length in pixels
	TilePx int `yaml:"tile_px" env:"TILE_PX"`
	// Canvas width in pixels
	Width int `yaml:"width" env:"WIDTH"`
	// Canvas height in pixels
	Height int `yaml:"height" env:"HEIGHT"`
}

// PipelineConfig configures the generation stage adapters.
type PipelineConfig struct {
	// Mode selects the adapter variant: dummy, remote
	Mode string `yaml:"mode" env:"MODE"`
	// Directory generated assets are written/served from
	AssetsDir string `yaml:"assets_dir" env:"ASSETS_DIR"`
	// VLM attribute extraction endpoint (remote mode)
	VLMURL string `yaml:"vlm_url" env:"VLM_URL"`
	// Optional bearer token for the VLM endpoint
	VLMToken string `yaml:"vlm_token" env:"VLM_TOKEN"`
	// Image synthesis endpoint (remote mode)
	ImageURL string `yaml:"image_url" env:"IMAGE_URL"`
	// Mesh generation endpoint (remote mode)
	MeshURL string `yaml:"mesh_url" env:"MESH_URL"`
	// Mesh refinement endpoint (remote mode)
	RefineURL string `yaml:"refine_url" env:"REFINE_URL"`
	// Image model identifier; part of the light fingerprint
	ImageModel string `yaml:"image_model" env:"IMAGE_MODEL"`
	// Synthesis resolution; part of the light fingerprint
	ImageResolution int `yaml:"image_resolution" env:"IMAGE_RESOLUTION"`
	// Diffusion steps for the light pass
	StepsLight int `yaml:"steps_light" env:"STEPS_LIGHT"`
	// Diffusion steps for the refine pass
	StepsRefine int `yaml:"steps_refine" env:"STEPS_REFINE"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	// Worker pool size (simultaneously executing builds)
	Workers int `yaml:"workers" env:"WORKERS"`
	// Pending job queue capacity
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// Minimum interval between submissions of the same tile
	PerTileCooldown time.Duration `yaml:"per_tile_cooldown" env:"PER_TILE_COOLDOWN"`
	// Wall-clock budget per stage adapter call
	StageTimeout time.Duration `yaml:"stage_timeout" env:"STAGE_TIMEOUT"`
	// Whether light jobs schedule a follow-up refine pass
	EnableRefine bool `yaml:"enable_refine" env:"ENABLE_REFINE"`
}

// CacheConfig configures the artifact cache index.
type CacheConfig struct {
	// Backend selects the index variant: memory, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis address (redis backend)
	Addr string `yaml:"addr" env:"ADDR"`
	// Redis password
	Password string `yaml:"password" env:"PASSWORD"`
	// Redis database number
	DB int `yaml:"db" env:"DB"`
	// Lease TTL; a crashed builder's lease expires after this long
	LeaseTTL time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
}

// WorldConfig configures world object persistence.
type WorldConfig struct {
	// Driver selects the GORM driver: sqlite, postgres
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is the driver-specific data source name
	DSN string `yaml:"dsn" env:"DSN"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console
	Format string `yaml:"format" env:"FORMAT"`
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{envPrefix: "GEOPLACE"}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load loads configuration. Precedence: defaults → YAML file → environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration is an int64 with its own parser
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}

	return nil
}

// MustLoad loads configuration from the given path or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}
	if c.Canvas.TilePx <= 0 {
		return fmt.Errorf("invalid tile_px: %d", c.Canvas.TilePx)
	}
	if c.Canvas.Width%c.Canvas.TilePx != 0 || c.Canvas.Height%c.Canvas.TilePx != 0 {
		return fmt.Errorf("canvas size %dx%d is not a multiple of tile_px %d",
			c.Canvas.Width, c.Canvas.Height, c.Canvas.TilePx)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("invalid scheduler workers: %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueSize <= 0 {
		return fmt.Errorf("invalid scheduler queue_size: %d", c.Scheduler.QueueSize)
	}
	if c.Scheduler.StageTimeout <= 0 {
		return fmt.Errorf("invalid stage_timeout: %s", c.Scheduler.StageTimeout)
	}
	switch c.Pipeline.Mode {
	case "dummy":
	case "remote":
		if c.Pipeline.VLMURL == "" || c.Pipeline.ImageURL == "" || c.Pipeline.MeshURL == "" {
			return fmt.Errorf("remote pipeline mode requires vlm_url, image_url and mesh_url")
		}
	default:
		return fmt.Errorf("unknown pipeline mode: %q", c.Pipeline.Mode)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend: %q", c.Cache.Backend)
	}
	switch c.World.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown world driver: %q", c.World.Driver)
	}
	return nil
}

// TilesWide returns the canvas width in tiles.
func (c *CanvasConfig) TilesWide() int { return c.Width / c.TilePx }

// TilesHigh returns the canvas height in tiles.
func (c *CanvasConfig) TilesHigh() int { return c.Height / c.TilePx }

// Normalize lowercases selector fields so YAML/env casing does not matter.
func (c *Config) Normalize() {
	c.Pipeline.Mode = strings.ToLower(c.Pipeline.Mode)
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	c.World.Driver = strings.ToLower(c.World.Driver)
	c.Log.Level = strings.ToLower(c.Log.Level)
}
