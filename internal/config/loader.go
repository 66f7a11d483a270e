package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var queuePattern = regexp.MustCompile(`^(mgmt|(fast|slow|image|backup)\.[A-Za-z0-9][A-Za-z0-9_-]*)$`)

// Load reads and parses configuration from a file. A directory is accepted
// and resolved to the config.yaml inside it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolateEnv(string(data)))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDerivedDefaults(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfig finds the config file by checking standard locations.
// Priority order: $DISPATCHD_CONFIG, ~/.config/dispatchd/config.yaml,
// /etc/dispatchd/config.yaml, ./config.yaml.
func DiscoverConfig() (string, error) {
	if p := os.Getenv("DISPATCHD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := make([]string, 0, 3)
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "dispatchd", "config.yaml"))
	}
	candidates = append(candidates, "/etc/dispatchd/config.yaml", "./config.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $DISPATCHD_CONFIG, ~/.config/dispatchd, /etc/dispatchd, ./config.yaml)")
}

// applyDerivedDefaults fills values that depend on other settings. Relative
// state paths resolve against the config file's directory.
func applyDerivedDefaults(cfg *Config, baseDir string) {
	if cfg.State.Path != "" && cfg.State.Path != ":memory:" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(baseDir, cfg.State.Path)
	}
	if cfg.State.LockPath == "" && cfg.State.Path != "" && cfg.State.Path != ":memory:" {
		cfg.State.LockPath = filepath.Join(filepath.Dir(cfg.State.Path), "dispatchd.lock")
	} else if cfg.State.LockPath != "" && !filepath.IsAbs(cfg.State.LockPath) {
		cfg.State.LockPath = filepath.Join(baseDir, cfg.State.LockPath)
	}
	if cfg.Worker.Name == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Worker.Name = host
		}
	}
	if cfg.Worker.APIKey == "" {
		cfg.Worker.APIKey = cfg.API.WorkerKey
	}
	if cfg.Worker.APIKey == "" {
		cfg.Worker.APIKey = cfg.API.APIKey
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Unset variables are left in place and rejected by validate where they
// matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Service.TickInterval <= 0 {
		return fmt.Errorf("service.tick_interval must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	d := cfg.Dispatch
	if d.DefaultDeadline <= 0 {
		return fmt.Errorf("dispatch.default_deadline must be positive")
	}
	if d.LeaseTTL <= 0 {
		return fmt.Errorf("dispatch.lease_ttl must be positive")
	}
	if d.CacheTTL <= 0 {
		return fmt.Errorf("dispatch.cache_ttl must be positive")
	}
	if d.CallbackTimeout <= 0 {
		return fmt.Errorf("dispatch.callback_timeout must be positive")
	}
	if d.LockShards <= 0 {
		return fmt.Errorf("dispatch.lock_shards must be positive")
	}
	if d.MaxOutputBytes <= 0 {
		return fmt.Errorf("dispatch.max_output_bytes must be positive")
	}

	if err := validateBackend("cache", cfg.Cache, "memory", "redis"); err != nil {
		return err
	}
	if err := validateBackend("broker", cfg.Broker, "memory", "sqlite", "redis"); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if cfg.API.APIKey == "" {
			return fmt.Errorf("api.api_key is required when the API is enabled")
		}
		if err := resolved("api.api_key", cfg.API.APIKey); err != nil {
			return err
		}
		if err := resolved("api.worker_key", cfg.API.WorkerKey); err != nil {
			return err
		}
	}

	if cfg.Worker.Enabled {
		if err := ValidateWorker(cfg.Worker); err != nil {
			return err
		}
	}
	return nil
}

// ValidateWorker checks the settings the reference worker needs. It is also
// used by `worker run`, which ignores worker.enabled.
func ValidateWorker(w WorkerConfig) error {
	if w.APIURL == "" {
		return fmt.Errorf("worker.api_url is required")
	}
	if w.Name == "" {
		return fmt.Errorf("worker.name is required")
	}
	if len(w.Queues) == 0 {
		return fmt.Errorf("worker.queues must list at least one queue")
	}
	for i, q := range w.Queues {
		if !queuePattern.MatchString(q) {
			return fmt.Errorf("worker.queues[%d]: invalid queue name %q", i, q)
		}
	}
	if w.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if w.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if w.ExecTimeout <= 0 {
		return fmt.Errorf("worker.exec_timeout must be positive")
	}
	return resolved("worker.api_key", w.APIKey)
}

func validateBackend(section string, b BackendConfig, allowed ...string) error {
	ok := false
	for _, a := range allowed {
		if b.Backend == a {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%s.backend must be one of: %s (got %q)", section, strings.Join(allowed, ", "), b.Backend)
	}
	if b.Backend == "redis" {
		if b.RedisURL == "" {
			return fmt.Errorf("%s.redis_url is required for the redis backend", section)
		}
		if err := resolved(section+".redis_url", b.RedisURL); err != nil {
			return err
		}
	}
	return nil
}

func resolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}
