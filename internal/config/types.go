package config

import "time"

// Config represents the complete dispatchd configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	State    StateConfig    `yaml:"state"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Cache    BackendConfig  `yaml:"cache"`
	Broker   BackendConfig  `yaml:"broker"`
	API      APIConfig      `yaml:"api,omitempty"`
	Worker   WorkerConfig   `yaml:"worker,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	TickInterval time.Duration `yaml:"tick_interval"`
	LogLevel     string        `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
	// LockPath is the PID file guarding the database. Defaults to
	// <dir of path>/dispatchd.lock.
	LockPath string `yaml:"lock_path,omitempty"`
}

// DispatchConfig holds dispatcher tunables.
type DispatchConfig struct {
	DefaultDeadline time.Duration `yaml:"default_deadline"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	// CacheTTL applies to submissions with a cache key and no ttl.
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	LockShards      int           `yaml:"lock_shards"`
	MaxOutputBytes  int           `yaml:"max_output_bytes"`
}

// BackendConfig selects the result cache or broker implementation.
type BackendConfig struct {
	Backend  string `yaml:"backend"`
	RedisURL string `yaml:"redis_url,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
	// WorkerKey authorizes claim/report/lease. Empty means api_key.
	WorkerKey string `yaml:"worker_key,omitempty"`
}

// WorkerConfig configures the reference worker.
type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	APIURL       string        `yaml:"api_url"`
	APIKey       string        `yaml:"api_key"`
	Name         string        `yaml:"name"`
	Queues       []string      `yaml:"queues"`
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// ExecTimeout bounds one command, independent of lease renewal.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "dispatchd",
			TickInterval: time.Second,
			LogLevel:     "info",
		},
		State: StateConfig{
			Path: "./data/dispatch.db",
		},
		Dispatch: DispatchConfig{
			DefaultDeadline: 10 * time.Minute,
			LeaseTTL:        60 * time.Second,
			CacheTTL:        5 * time.Minute,
			CallbackTimeout: 30 * time.Second,
			LockShards:      64,
			MaxOutputBytes:  1 << 20,
		},
		Cache: BackendConfig{
			Backend: "memory",
			Prefix:  "dispatchd:",
		},
		Broker: BackendConfig{
			Backend: "sqlite",
			Prefix:  "dispatchd:",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8480",
		},
		Worker: WorkerConfig{
			APIURL:       "http://127.0.0.1:8480",
			Concurrency:  2,
			PollInterval: time.Second,
			ExecTimeout:  30 * time.Minute,
		},
	}
}
