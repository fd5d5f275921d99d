package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration that decodes from the YAML forms people
// actually write: "30s", "5m", or a bare integer of nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		v, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("parse duration %q: %w", s, perr)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := unmarshal(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or an integer of nanoseconds: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Worker      WorkerConfig      `yaml:"worker"`
	Lock        LockConfig        `yaml:"lock"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PostgresConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Partitions         int      `yaml:"partitions"`
	ConsumerGroup      string   `yaml:"consumer_group"`
	VisibilityLease    Duration `yaml:"visibility_lease"`
	MaxAttempts        int      `yaml:"max_attempts"`
	MaxVisibleAge      Duration `yaml:"max_visible_age"`
	BackoffBase        Duration `yaml:"backoff_base"`
	BackoffCap         Duration `yaml:"backoff_cap"`
	ReconcileInterval  Duration `yaml:"reconcile_interval"`
	ReconcileBatchSize int      `yaml:"reconcile_batch_size"`
}

type IdempotencyConfig struct {
	TTL      Duration `yaml:"ttl"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

type OutboxConfig struct {
	BatchSize       int      `yaml:"batch_size"`
	MaxBatchSize    int      `yaml:"max_batch_size"`
	PollInterval    Duration `yaml:"poll_interval"`
	VisibilityLease Duration `yaml:"visibility_lease"`
	MaxAttempts     int      `yaml:"max_attempts"`
	LagThreshold    int64    `yaml:"lag_threshold"`
	MaxConcurrency  int      `yaml:"max_concurrency"`
	LeaderResource  string   `yaml:"leader_resource"`
	LeaderLease     Duration `yaml:"leader_lease"`
	BackoffBase     Duration `yaml:"backoff_base"`
	BackoffCap      Duration `yaml:"backoff_cap"`
}

type WorkerConfig struct {
	ID             string   `yaml:"id"`
	Concurrency    int      `yaml:"concurrency"`
	ClaimBatchSize int      `yaml:"claim_batch_size"`
	ClaimBlock     Duration `yaml:"claim_block"`
	HeartbeatEvery Duration `yaml:"heartbeat_every"`
	OpDeadline     Duration `yaml:"op_deadline"`
	DefaultBudget  float64  `yaml:"default_budget"`
}

type LockConfig struct {
	Lease Duration `yaml:"lease"`
}

type RecoveryConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold"`
	ApprovalMode         string  `yaml:"approval_mode"` // auto | manual
	CatalogPath          string  `yaml:"catalog_path"`
	ClassifierPath       string  `yaml:"classifier_path"`
}

type MaintenanceConfig struct {
	Interval           Duration `yaml:"interval"`
	Retention          Duration `yaml:"retention"`
	LeaderResource     string   `yaml:"leader_resource"`
	PartitionThreshold int64    `yaml:"partition_threshold"`
}

// Load reads the YAML config at path and applies environment overrides
// for deployment-specific values. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	return cfg, nil
}

// Default returns the baseline configuration used when fields are absent
// from the YAML file.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "dev"},
		Postgres: PostgresConfig{
			DSN:          "postgres://localhost:5432/aocs?sslmode=disable",
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Partitions:         16,
			ConsumerGroup:      "aocs-workers",
			VisibilityLease:    Duration(30 * time.Second),
			MaxAttempts:        5,
			MaxVisibleAge:      Duration(24 * time.Hour),
			BackoffBase:        Duration(time.Second),
			BackoffCap:         Duration(5 * time.Minute),
			ReconcileInterval:  Duration(5 * time.Second),
			ReconcileBatchSize: 100,
		},
		Idempotency: IdempotencyConfig{
			TTL:      Duration(10 * time.Minute),
			CacheTTL: Duration(time.Hour),
		},
		Outbox: OutboxConfig{
			BatchSize:       50,
			MaxBatchSize:    500,
			PollInterval:    Duration(time.Second),
			VisibilityLease: Duration(time.Minute),
			MaxAttempts:     8,
			LagThreshold:    1000,
			MaxConcurrency:  16,
			LeaderResource:  "outbox-leader",
			LeaderLease:     Duration(30 * time.Second),
			BackoffBase:     Duration(2 * time.Second),
			BackoffCap:      Duration(10 * time.Minute),
		},
		Worker: WorkerConfig{
			ID:             host,
			Concurrency:    8,
			ClaimBatchSize: 16,
			ClaimBlock:     Duration(2 * time.Second),
			HeartbeatEvery: Duration(10 * time.Second),
			OpDeadline:     Duration(2 * time.Minute),
			DefaultBudget:  100,
		},
		Lock: LockConfig{Lease: Duration(30 * time.Second)},
		Recovery: RecoveryConfig{
			AutoApproveThreshold: 0.8,
			ApprovalMode:         "manual",
		},
		Maintenance: MaintenanceConfig{
			Interval:           Duration(time.Minute),
			Retention:          Duration(30 * 24 * time.Hour),
			LeaderResource:     "maintenance-leader",
			PartitionThreshold: 10_000_000,
		},
	}
}
