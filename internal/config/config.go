// Package config handles configuration loading and validation for taskmesh.
// Configuration is loaded once at process start from defaults, an optional
// YAML file, and environment variables, in increasing precedence.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Scheduling strategy names accepted by SchedulerConfig.Strategy.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLeastBusy   = "least_busy"
	StrategyCostBased   = "cost_based"
	StrategyPerformance = "performance_based"
)

// Config holds all configuration for the engine.
type Config struct {
	Logging        LoggingConfig        `mapstructure:"logging"`
	Store          StoreConfig          `mapstructure:"store"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	FaultTolerance FaultToleranceConfig `mapstructure:"fault_tolerance"`
	Autoscaler     AutoscalerConfig     `mapstructure:"autoscaler"`
	SLA            SLAConfig            `mapstructure:"sla"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `mapstructure:"level"`
	// Encoding selects console or json output.
	Encoding string `mapstructure:"encoding"`
}

// StoreConfig holds task graph store settings.
type StoreConfig struct {
	// Retention is how long terminal tasks are kept before the sweep purges them.
	Retention time.Duration `mapstructure:"retention"`
	// SweepInterval is how often the retention sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RegistryConfig holds agent registry settings.
type RegistryConfig struct {
	// HeartbeatTimeout marks an agent offline when no heartbeat arrives within it.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SchedulerConfig holds scheduling settings.
type SchedulerConfig struct {
	// Strategy selects the agent-ordering strategy.
	Strategy string `mapstructure:"strategy"`
	// PassInterval is the idle interval between scheduling passes.
	PassInterval time.Duration `mapstructure:"pass_interval"`
	// AgingThreshold promotes a queued task ahead of fresher same-tier tasks
	// once it has waited this long.
	AgingThreshold time.Duration `mapstructure:"aging_threshold"`
	// TaskTimeout is the per-task execution deadline.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// Affinity prefers the agent that executed a task's dependency.
	Affinity bool `mapstructure:"affinity"`
	// GangScheduling withholds a gang until every member can be assigned at once.
	GangScheduling bool `mapstructure:"gang_scheduling"`
}

// FaultToleranceConfig holds retry, breaker, and checkpoint settings.
type FaultToleranceConfig struct {
	// MaxTaskRetries bounds automatic retries before dead-lettering.
	MaxTaskRetries int `mapstructure:"max_task_retries"`
	// RetryInitialInterval is the first backoff delay for a dispatch retry.
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	// CircuitBreakerThreshold is the consecutive failure count that opens a breaker.
	CircuitBreakerThreshold int `mapstructure:"circuit_breaker_threshold"`
	// CircuitBreakerTimeout is how long a breaker stays open before half-open.
	CircuitBreakerTimeout time.Duration `mapstructure:"circuit_breaker_timeout"`
	// CheckpointInterval is how often in-flight assignments are persisted.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// CheckpointPath is the SQLite database path; empty disables checkpointing.
	CheckpointPath string `mapstructure:"checkpoint_path"`
	// ExactlyOnce enables dispatch-token deduplication on the agent side.
	ExactlyOnce bool `mapstructure:"exactly_once"`
}

// AutoscalerConfig holds the scaling control loop settings.
type AutoscalerConfig struct {
	// Enabled turns the control loop on.
	Enabled bool `mapstructure:"enabled"`
	// Interval is the evaluation period.
	Interval time.Duration `mapstructure:"interval"`
	// ScaleUpThreshold is the utilization above which the pool grows.
	ScaleUpThreshold float64 `mapstructure:"scale_up_threshold"`
	// ScaleDownThreshold is the utilization below which the pool shrinks.
	ScaleDownThreshold float64 `mapstructure:"scale_down_threshold"`
	// ScaleUpRate is the number of agents added per scale-up decision.
	ScaleUpRate int `mapstructure:"scale_up_rate"`
	// ScaleDownRate is the number of agents removed per scale-down decision.
	ScaleDownRate int `mapstructure:"scale_down_rate"`
	// MinAgentsPerType is the lower pool bound.
	MinAgentsPerType int `mapstructure:"min_agents_per_type"`
	// MaxAgentsPerType is the upper pool bound.
	MaxAgentsPerType int `mapstructure:"max_agents_per_type"`
	// MaxHourlyCost caps the summed cost factor of the whole pool.
	MaxHourlyCost float64 `mapstructure:"max_hourly_cost"`
	// Cooldown is the minimum gap between scaling decisions for one type.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// SLAConfig holds observability and compliance settings.
type SLAConfig struct {
	// WindowSize bounds the rolling latency sample windows.
	WindowSize int `mapstructure:"window_size"`
	// UptimeTarget is the required uptime percentage (e.g. 99.95).
	UptimeTarget float64 `mapstructure:"uptime_target"`
	// LatencyTarget is the required mean completion latency.
	LatencyTarget time.Duration `mapstructure:"latency_target"`
	// ErrorRateTarget is the allowed error percentage (e.g. 0.1).
	ErrorRateTarget float64 `mapstructure:"error_rate_target"`
}

// Load loads configuration from defaults, an optional config file, and
// TASKMESH_* environment variables. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("TASKMESH")
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all values are in range and enumerations are known.
func (c *Config) Validate() error {
	switch c.Scheduler.Strategy {
	case StrategyRoundRobin, StrategyLeastBusy, StrategyCostBased, StrategyPerformance:
	default:
		return fmt.Errorf("unknown scheduler strategy %q", c.Scheduler.Strategy)
	}

	if c.Scheduler.PassInterval <= 0 {
		return fmt.Errorf("scheduler.pass_interval must be positive, got %s", c.Scheduler.PassInterval)
	}
	if c.Scheduler.TaskTimeout <= 0 {
		return fmt.Errorf("scheduler.task_timeout must be positive, got %s", c.Scheduler.TaskTimeout)
	}

	if c.FaultTolerance.MaxTaskRetries < 0 {
		return fmt.Errorf("fault_tolerance.max_task_retries must be >= 0, got %d", c.FaultTolerance.MaxTaskRetries)
	}
	if c.FaultTolerance.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("fault_tolerance.circuit_breaker_threshold must be >= 1, got %d", c.FaultTolerance.CircuitBreakerThreshold)
	}
	if c.FaultTolerance.CircuitBreakerTimeout <= 0 {
		return fmt.Errorf("fault_tolerance.circuit_breaker_timeout must be positive, got %s", c.FaultTolerance.CircuitBreakerTimeout)
	}

	if t := c.Autoscaler.ScaleUpThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("autoscaler.scale_up_threshold must be in (0, 1], got %v", t)
	}
	if t := c.Autoscaler.ScaleDownThreshold; t < 0 || t >= 1 {
		return fmt.Errorf("autoscaler.scale_down_threshold must be in [0, 1), got %v", t)
	}
	if c.Autoscaler.ScaleDownThreshold >= c.Autoscaler.ScaleUpThreshold {
		return fmt.Errorf("autoscaler.scale_down_threshold %v must be below scale_up_threshold %v",
			c.Autoscaler.ScaleDownThreshold, c.Autoscaler.ScaleUpThreshold)
	}
	if c.Autoscaler.MinAgentsPerType < 0 {
		return fmt.Errorf("autoscaler.min_agents_per_type must be >= 0, got %d", c.Autoscaler.MinAgentsPerType)
	}
	if c.Autoscaler.MaxAgentsPerType < c.Autoscaler.MinAgentsPerType {
		return fmt.Errorf("autoscaler.max_agents_per_type %d below min_agents_per_type %d",
			c.Autoscaler.MaxAgentsPerType, c.Autoscaler.MinAgentsPerType)
	}

	if c.SLA.WindowSize < 1 {
		return fmt.Errorf("sla.window_size must be >= 1, got %d", c.SLA.WindowSize)
	}
	if c.SLA.UptimeTarget <= 0 || c.SLA.UptimeTarget > 100 {
		return fmt.Errorf("sla.uptime_target must be in (0, 100], got %v", c.SLA.UptimeTarget)
	}

	if c.Registry.HeartbeatTimeout <= 0 {
		return fmt.Errorf("registry.heartbeat_timeout must be positive, got %s", c.Registry.HeartbeatTimeout)
	}

	return nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")

	v.SetDefault("store.retention", "1h")
	v.SetDefault("store.sweep_interval", "5m")

	v.SetDefault("registry.heartbeat_timeout", "30s")
	v.SetDefault("registry.sweep_interval", "10s")

	v.SetDefault("scheduler.strategy", StrategyLeastBusy)
	v.SetDefault("scheduler.pass_interval", "100ms")
	v.SetDefault("scheduler.aging_threshold", "30s")
	v.SetDefault("scheduler.task_timeout", "5m")
	v.SetDefault("scheduler.affinity", false)
	v.SetDefault("scheduler.gang_scheduling", false)

	v.SetDefault("fault_tolerance.max_task_retries", 3)
	v.SetDefault("fault_tolerance.retry_initial_interval", "100ms")
	v.SetDefault("fault_tolerance.retry_max_interval", "10s")
	v.SetDefault("fault_tolerance.circuit_breaker_threshold", 5)
	v.SetDefault("fault_tolerance.circuit_breaker_timeout", "30s")
	v.SetDefault("fault_tolerance.checkpoint_interval", "30s")
	v.SetDefault("fault_tolerance.checkpoint_path", "")
	v.SetDefault("fault_tolerance.exactly_once", true)

	v.SetDefault("autoscaler.enabled", true)
	v.SetDefault("autoscaler.interval", "30s")
	v.SetDefault("autoscaler.scale_up_threshold", 0.8)
	v.SetDefault("autoscaler.scale_down_threshold", 0.2)
	v.SetDefault("autoscaler.scale_up_rate", 1)
	v.SetDefault("autoscaler.scale_down_rate", 1)
	v.SetDefault("autoscaler.min_agents_per_type", 1)
	v.SetDefault("autoscaler.max_agents_per_type", 10)
	v.SetDefault("autoscaler.max_hourly_cost", 100.0)
	v.SetDefault("autoscaler.cooldown", "60s")

	v.SetDefault("sla.window_size", 1000)
	v.SetDefault("sla.uptime_target", 99.95)
	v.SetDefault("sla.latency_target", "500ms")
	v.SetDefault("sla.error_rate_target", 0.1)
}

// Default returns the built-in default configuration.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// Defaults are statically valid; an error here is a programming bug.
		panic(err)
	}
	return cfg
}
