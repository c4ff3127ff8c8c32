package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Canvas:    DefaultCanvasConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Scheduler: DefaultSchedulerConfig(),
		Cache:     DefaultCacheConfig(),
		World:     DefaultWorldConfig(),
		Log:       DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8001,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultCanvasConfig returns the default canvas configuration.
func DefaultCanvasConfig() CanvasConfig {
	return CanvasConfig{
		TilePx: 32,
		Width:  20000,
		Height: 20000,
	}
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Mode:            "dummy",
		AssetsDir:       "assets/glb",
		ImageModel:      "runwayml/stable-diffusion-v1-5",
		ImageResolution: 512,
		StepsLight:      20,
		StepsRefine:     50,
	}
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:         4,
		QueueSize:       256,
		PerTileCooldown: 5 * time.Second,
		StageTimeout:    10 * time.Minute,
		EnableRefine:    true,
	}
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Backend:  "memory",
		Addr:     "localhost:6379",
		LeaseTTL: 30 * time.Minute,
	}
}

// DefaultWorldConfig returns the default world registry configuration.
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Driver: "sqlite",
		DSN:    "geoplace.db",
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
