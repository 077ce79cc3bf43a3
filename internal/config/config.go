package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/kernsched/pkg/model"
)

// SchedulerConfig holds the kernel scheduler configuration. It is immutable once the
// kernel has been initialized with it.
type SchedulerConfig struct {
	Algorithm           model.Algorithm `yaml:"algorithm"`
	CPUCount            int             `yaml:"cpu_count"`
	DefaultQuantum      uint64          `yaml:"default_quantum"`       // ticks; MLFQ/EDF and fallback
	LoadBalanceInterval uint64          `yaml:"load_balance_interval"` // ticks between balancer runs
	EnableCPUAffinity   bool            `yaml:"enable_cpu_affinity"`
	EnableLoadBalancing bool            `yaml:"enable_load_balancing"`

	// Priority aging: effective priority rises one step per AgingInterval ticks waited.
	AgingInterval uint64 `yaml:"aging_interval"`

	// MLFQ: level L has quantum MLFQBaseQuantum << L. Threads waiting MLFQBoostInterval
	// ticks are moved back to level 0.
	MLFQLevels        int    `yaml:"mlfq_levels"`
	MLFQBaseQuantum   uint64 `yaml:"mlfq_base_quantum"`
	MLFQBoostInterval uint64 `yaml:"mlfq_boost_interval"`

	// EDF relative deadline for threads that do not specify one.
	DefaultRelativeDeadline uint64 `yaml:"default_relative_deadline"`

	// Balancer migrates while max-min load exceeds BalanceThreshold.
	BalanceThreshold int    `yaml:"balance_threshold"`
	BalanceMetric    string `yaml:"balance_metric"` // "length" or "weighted"

	// Placement picks the CPU of a new thread: "lowest" or "round-robin".
	Placement string `yaml:"placement"`

	MaxProcesses         int    `yaml:"max_processes"`
	MaxThreads           int    `yaml:"max_threads"`
	MaxThreadsPerProcess int    `yaml:"max_threads_per_process"`
	MinStackSize         uint64 `yaml:"min_stack_size"`
}

// Balance metrics.
const (
	BalanceByLength   = "length"
	BalanceByWeighted = "weighted"
)

// Placement policies.
const (
	PlaceLowest     = "lowest"
	PlaceRoundRobin = "round-robin"
)

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Algorithm:               model.AlgorithmRoundRobin,
		CPUCount:                4,
		DefaultQuantum:          20,
		LoadBalanceInterval:     100,
		EnableCPUAffinity:       true,
		EnableLoadBalancing:     true,
		AgingInterval:           10,
		MLFQLevels:              4,
		MLFQBaseQuantum:         5,
		MLFQBoostInterval:       200,
		DefaultRelativeDeadline: 100,
		BalanceThreshold:        1,
		BalanceMetric:           BalanceByLength,
		Placement:               PlaceRoundRobin,
		MaxProcesses:            1024,
		MaxThreads:              4096,
		MaxThreadsPerProcess:    256,
		MinStackSize:            4096,
	}
}

// Validate checks that all config values are usable. Errors wrap
// model.ErrInvalidConfiguration.
func (c *SchedulerConfig) Validate() error {
	invalid := func(field string, v any) error {
		return fmt.Errorf("%w: %s = %v", model.ErrInvalidConfiguration, field, v)
	}
	switch {
	case !c.Algorithm.Valid():
		return invalid("algorithm", c.Algorithm)
	case c.CPUCount < 1 || c.CPUCount > model.MaxCPUs:
		return invalid("cpu_count", c.CPUCount)
	case c.DefaultQuantum == 0:
		return invalid("default_quantum", c.DefaultQuantum)
	case c.EnableLoadBalancing && c.LoadBalanceInterval == 0:
		return invalid("load_balance_interval", c.LoadBalanceInterval)
	case c.AgingInterval == 0:
		return invalid("aging_interval", c.AgingInterval)
	case c.MLFQLevels < 1 || c.MLFQLevels > 16:
		return invalid("mlfq_levels", c.MLFQLevels)
	case c.MLFQBaseQuantum == 0:
		return invalid("mlfq_base_quantum", c.MLFQBaseQuantum)
	case c.MLFQBoostInterval == 0:
		return invalid("mlfq_boost_interval", c.MLFQBoostInterval)
	case c.DefaultRelativeDeadline == 0:
		return invalid("default_relative_deadline", c.DefaultRelativeDeadline)
	case c.BalanceThreshold < 1:
		return invalid("balance_threshold", c.BalanceThreshold)
	case c.BalanceMetric != BalanceByLength && c.BalanceMetric != BalanceByWeighted:
		return invalid("balance_metric", c.BalanceMetric)
	case c.Placement != PlaceLowest && c.Placement != PlaceRoundRobin:
		return invalid("placement", c.Placement)
	case c.MaxProcesses < 1:
		return invalid("max_processes", c.MaxProcesses)
	case c.MaxThreads < 1:
		return invalid("max_threads", c.MaxThreads)
	case c.MaxThreadsPerProcess < 1:
		return invalid("max_threads_per_process", c.MaxThreadsPerProcess)
	case c.MinStackSize < 4096:
		return invalid("min_stack_size", c.MinStackSize)
	}
	return nil
}

// RunConfig holds configuration for a simulation run of the kernsched CLI.
type RunConfig struct {
	LogLevel   string          `yaml:"log_level"`   // debug, info, warn, error
	LogFormat  string          `yaml:"log_format"`  // text, json
	TraceDB    string          `yaml:"trace_db"`    // SQLite path; empty disables tracing
	TickPeriod time.Duration   `yaml:"tick_period"` // 0 runs on the virtual clock
	Ticks      uint64          `yaml:"ticks"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Ticks:     1000,
		Scheduler: DefaultSchedulerConfig(),
	}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*RunConfig, error) {
	cfg := DefaultRunConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal renders the config as YAML.
func (c RunConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
