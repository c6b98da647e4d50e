package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a veldt master and the worker
// processes it spawns.
type Config struct {
	// DataDir holds the attachment store and per-worker tenant KV files.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the loopback address the master's control-channel
	// listener binds to. Worker processes dial it back on startup.
	ListenAddr string `yaml:"listen_addr"`

	// APIAddr is the management HTTP API bind address.
	APIAddr string `yaml:"api_addr"`

	// MetricsAddr is the Prometheus /metrics bind address. Empty disables
	// the metrics endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	Log           LogConfig          `yaml:"log"`
	Pool          PoolConfig         `yaml:"pool"`
	RateLimit     RateLimitConfig    `yaml:"rate_limit"`
	Sandbox       SandboxConfig      `yaml:"sandbox"`
	Sweeper       SweeperConfig      `yaml:"sweeper"`
	Collaborators CollaboratorConfig `yaml:"collaborators"`
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// PoolConfig sizes the worker pool and its admission control.
type PoolConfig struct {
	// Workers is the number of worker processes.
	Workers int `yaml:"workers"`

	// ThreadsPerWorker is the number of thread workers per process.
	ThreadsPerWorker int `yaml:"threads_per_worker"`

	// Parallelism is the number of concurrent executions per thread worker.
	Parallelism int `yaml:"parallelism"`

	// QueueSize bounds the admission queue; a full queue rejects with
	// PoolSaturated.
	QueueSize int `yaml:"queue_size"`

	// HeartbeatInterval is how often workers advertise capacity.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatMisses is the consecutive-miss count that marks a worker dead.
	HeartbeatMisses int `yaml:"heartbeat_misses"`

	// DrainTimeout bounds how long a draining worker may hold in-flight
	// requests before it is forcibly terminated.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// DispatchTimeout is the default deadline applied to requests that
	// carry none.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// FaultThreshold is the consecutive per-tenant fault count after which
	// a worker recommends suspension.
	FaultThreshold int `yaml:"fault_threshold"`
}

// RateLimitConfig shapes the per-tenant token buckets.
type RateLimitConfig struct {
	// PerSecond is the refill rate of each tenant's bucket.
	PerSecond float64 `yaml:"per_second"`

	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
}

// SandboxConfig bounds individual executions.
type SandboxConfig struct {
	// MaxCallStack is the goja call-stack depth ceiling.
	MaxCallStack int `yaml:"max_call_stack"`

	// MaxResultBytes caps the encoded size of a success payload.
	MaxResultBytes int `yaml:"max_result_bytes"`

	// CacheSize is the compiled-template LRU capacity per worker process.
	CacheSize int `yaml:"cache_size"`

	// MaxKeyLength and MaxValueBytes constrain the tenant KV host actions.
	MaxKeyLength  int `yaml:"max_key_length"`
	MaxValueBytes int `yaml:"max_value_bytes"`
}

// SweeperConfig controls the expiry sweeper.
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// CollaboratorConfig wires the external systems host actions delegate to.
type CollaboratorConfig struct {
	// GatewayURL is the chat gateway proxy base URL. Empty disables the
	// discord host actions.
	GatewayURL string `yaml:"gateway_url"`

	// FetchTimeout bounds each http:fetch call.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// MaxFetchBytes caps http:fetch response bodies.
	MaxFetchBytes int64 `yaml:"max_fetch_bytes"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:     "/var/lib/veldt",
		ListenAddr:  "127.0.0.1:7410",
		APIAddr:     "127.0.0.1:7411",
		MetricsAddr: "127.0.0.1:7412",
		Log:         LogConfig{Level: "info"},
		Pool: PoolConfig{
			Workers:           2,
			ThreadsPerWorker:  2,
			Parallelism:       4,
			QueueSize:         256,
			HeartbeatInterval: 2 * time.Second,
			HeartbeatMisses:   3,
			DrainTimeout:      30 * time.Second,
			DispatchTimeout:   10 * time.Second,
			FaultThreshold:    5,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 10,
			Burst:     10,
		},
		Sandbox: SandboxConfig{
			MaxCallStack:   512,
			MaxResultBytes: 256 * 1024,
			CacheSize:      256,
			MaxKeyLength:   512,
			MaxValueBytes:  256 * 1024,
		},
		Sweeper: SweeperConfig{Interval: time.Minute},
		Collaborators: CollaboratorConfig{
			FetchTimeout:  10 * time.Second,
			MaxFetchBytes: 1 << 20,
		},
	}
}

// Load reads a YAML config file, applying defaults for unset fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers)
	}
	if c.Pool.ThreadsPerWorker < 1 {
		return fmt.Errorf("pool.threads_per_worker must be at least 1, got %d", c.Pool.ThreadsPerWorker)
	}
	if c.Pool.Parallelism < 1 {
		return fmt.Errorf("pool.parallelism must be at least 1, got %d", c.Pool.Parallelism)
	}
	if c.Pool.QueueSize < 0 {
		return fmt.Errorf("pool.queue_size must not be negative, got %d", c.Pool.QueueSize)
	}
	if c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate_limit.per_second must be positive, got %v", c.RateLimit.PerSecond)
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.burst must be at least 1, got %d", c.RateLimit.Burst)
	}
	if c.Sweeper.Interval < time.Second {
		return fmt.Errorf("sweeper.interval must be at least 1s, got %v", c.Sweeper.Interval)
	}
	return nil
}
