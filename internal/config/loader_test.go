package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
state:
  path: ./test.db
api:
  api_key: secret
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.TickInterval != time.Second {
					t.Errorf("tick_interval default = %v", cfg.Service.TickInterval)
				}
				if !filepath.IsAbs(cfg.State.Path) || filepath.Base(cfg.State.Path) != "test.db" {
					t.Errorf("state.path not resolved: %s", cfg.State.Path)
				}
				if filepath.Base(cfg.State.LockPath) != "dispatchd.lock" {
					t.Errorf("lock_path default = %s", cfg.State.LockPath)
				}
				if cfg.Dispatch.LeaseTTL != 60*time.Second {
					t.Errorf("lease_ttl default = %v", cfg.Dispatch.LeaseTTL)
				}
				if cfg.Dispatch.CacheTTL != 5*time.Minute {
					t.Errorf("cache_ttl default = %v", cfg.Dispatch.CacheTTL)
				}
				if cfg.Broker.Backend != "sqlite" || cfg.Cache.Backend != "memory" {
					t.Errorf("backends = %s/%s", cfg.Broker.Backend, cfg.Cache.Backend)
				}
				if cfg.Worker.APIKey != "secret" {
					t.Errorf("worker api_key should fall back to api.api_key, got %q", cfg.Worker.APIKey)
				}
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: dispatch-east
  tick_interval: 500ms
  log_level: debug
state:
  path: /var/lib/dispatchd/state.db
  lock_path: /run/dispatchd.pid
dispatch:
  default_deadline: 2m
  lease_ttl: 5s
  cache_ttl: 30s
  callback_timeout: 10s
  lock_shards: 16
  max_output_bytes: 4096
cache:
  backend: redis
  redis_url: redis://localhost:6379/0
  prefix: "east:"
broker:
  backend: redis
  redis_url: redis://localhost:6379/1
api:
  listen: 0.0.0.0:9000
  api_key: submit-key
  worker_key: worker-key
worker:
  enabled: true
  name: node-7
  queues: [fast.node-7, slow.node-7, mgmt]
  concurrency: 4
  poll_interval: 250ms
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.Name != "dispatch-east" || cfg.Service.TickInterval != 500*time.Millisecond {
					t.Errorf("service not parsed: %+v", cfg.Service)
				}
				if cfg.State.LockPath != "/run/dispatchd.pid" {
					t.Errorf("lock_path = %s", cfg.State.LockPath)
				}
				if cfg.Dispatch.LockShards != 16 || cfg.Dispatch.MaxOutputBytes != 4096 || cfg.Dispatch.CacheTTL != 30*time.Second {
					t.Errorf("dispatch not parsed: %+v", cfg.Dispatch)
				}
				if cfg.Cache.Prefix != "east:" || cfg.Broker.RedisURL != "redis://localhost:6379/1" {
					t.Errorf("backends not parsed: %+v %+v", cfg.Cache, cfg.Broker)
				}
				if len(cfg.Worker.Queues) != 3 || cfg.Worker.Concurrency != 4 {
					t.Errorf("worker not parsed: %+v", cfg.Worker)
				}
				if cfg.Worker.APIKey != "worker-key" {
					t.Errorf("worker api_key should fall back to worker_key, got %q", cfg.Worker.APIKey)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${DB_PATH}
api:
  api_key: ${API_KEY}
`,
			env: map[string]string{"DB_PATH": "/tmp/dispatch.db", "API_KEY": "from-env"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/dispatch.db" {
					t.Errorf("state.path = %s", cfg.State.Path)
				}
				if cfg.API.APIKey != "from-env" {
					t.Errorf("api_key = %s", cfg.API.APIKey)
				}
			},
		},
		{
			name: "unset env var",
			yaml: `
api:
  api_key: ${DISPATCHD_TEST_UNSET_KEY}
`,
			wantErr: "environment variable ${DISPATCHD_TEST_UNSET_KEY} is not set",
		},
		{
			name: "missing api key",
			yaml: `
api:
  enabled: true
`,
			wantErr: "api.api_key is required",
		},
		{
			name: "api disabled needs no key",
			yaml: `
api:
  enabled: false
`,
		},
		{
			name: "unknown field",
			yaml: `
api:
  api_key: k
dispach:
  lease_ttl: 5s
`,
			wantErr: "field dispach not found",
		},
		{
			name: "bad log level",
			yaml: `
service:
  log_level: verbose
api:
  api_key: k
`,
			wantErr: "service.log_level",
		},
		{
			name: "bad broker backend",
			yaml: `
broker:
  backend: kafka
api:
  api_key: k
`,
			wantErr: "broker.backend must be one of: memory, sqlite, redis",
		},
		{
			name: "redis cache without url",
			yaml: `
cache:
  backend: redis
api:
  api_key: k
`,
			wantErr: "cache.redis_url is required",
		},
		{
			name: "negative lease",
			yaml: `
dispatch:
  lease_ttl: -1s
api:
  api_key: k
`,
			wantErr: "dispatch.lease_ttl must be positive",
		},
		{
			name: "zero cache ttl",
			yaml: `
dispatch:
  cache_ttl: 0s
api:
  api_key: k
`,
			wantErr: "dispatch.cache_ttl must be positive",
		},
		{
			name: "worker with bad queue",
			yaml: `
api:
  api_key: k
worker:
  enabled: true
  name: w1
  queues: [turbo.node1]
`,
			wantErr: `worker.queues[0]: invalid queue name "turbo.node1"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("api:\n  api_key: k\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.State.Path != filepath.Join(dir, "data", "dispatch.db") {
		t.Errorf("state.path = %s", cfg.State.Path)
	}

	if _, err := Load(t.TempDir()); err == nil || !strings.Contains(err.Error(), "config.yaml not found") {
		t.Errorf("expected missing config.yaml error, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestDiscoverConfigFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DISPATCHD_CONFIG", path)

	got, err := DiscoverConfig()
	if err != nil {
		t.Fatalf("DiscoverConfig() error = %v", err)
	}
	if got != path {
		t.Errorf("DiscoverConfig() = %s, want %s", got, path)
	}
}

func TestValidateWorker(t *testing.T) {
	w := Defaults().Worker
	w.Name = "w1"
	w.Queues = []string{"mgmt", "backup.n-2"}
	if err := ValidateWorker(w); err != nil {
		t.Fatalf("ValidateWorker() error = %v", err)
	}

	w.Queues = nil
	if err := ValidateWorker(w); err == nil {
		t.Error("expected error for empty queue list")
	}

	w.Queues = []string{"mgmt"}
	w.Concurrency = 0
	if err := ValidateWorker(w); err == nil {
		t.Error("expected error for zero concurrency")
	}
}
