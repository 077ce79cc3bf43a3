package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/kernsched/pkg/model"
)

func TestDefaultSchedulerConfig_Valid(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MinStackSize != 4096 {
		t.Errorf("MinStackSize = %d, want 4096", cfg.MinStackSize)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SchedulerConfig)
		field  string
	}{
		{"algorithm", func(c *SchedulerConfig) { c.Algorithm = "fifo" }, "algorithm"},
		{"no cpus", func(c *SchedulerConfig) { c.CPUCount = 0 }, "cpu_count"},
		{"too many cpus", func(c *SchedulerConfig) { c.CPUCount = model.MaxCPUs + 1 }, "cpu_count"},
		{"quantum", func(c *SchedulerConfig) { c.DefaultQuantum = 0 }, "default_quantum"},
		{"balance interval", func(c *SchedulerConfig) { c.LoadBalanceInterval = 0 }, "load_balance_interval"},
		{"aging", func(c *SchedulerConfig) { c.AgingInterval = 0 }, "aging_interval"},
		{"mlfq levels", func(c *SchedulerConfig) { c.MLFQLevels = 0 }, "mlfq_levels"},
		{"metric", func(c *SchedulerConfig) { c.BalanceMetric = "random" }, "balance_metric"},
		{"placement", func(c *SchedulerConfig) { c.Placement = "first" }, "placement"},
		{"stack", func(c *SchedulerConfig) { c.MinStackSize = 1024 }, "min_stack_size"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultSchedulerConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, model.ErrInvalidConfiguration) {
				t.Fatalf("err = %v, want ErrInvalidConfiguration", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Errorf("err = %q, want mention of %q", err, tc.field)
			}
		})
	}
}

func TestValidate_BalanceIntervalIgnoredWhenDisabled(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.EnableLoadBalancing = false
	cfg.LoadBalanceInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParse_OverridesDefaults(t *testing.T) {
	data := []byte(`
log_level: debug
tick_period: 5ms
ticks: 250
scheduler:
  algorithm: edf
  cpu_count: 2
  default_relative_deadline: 40
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Ticks != 250 || cfg.TickPeriod != 5*time.Millisecond {
		t.Errorf("run config = %+v", cfg)
	}
	s := cfg.Scheduler
	if s.Algorithm != model.AlgorithmEDF || s.CPUCount != 2 || s.DefaultRelativeDeadline != 40 {
		t.Errorf("scheduler = %+v", s)
	}
	if s.DefaultQuantum != 20 || cfg.LogFormat != "text" {
		t.Errorf("defaults not kept: %+v", s)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("scheduler:\n  cpu_count: 0\n")); !errors.Is(err, model.ErrInvalidConfiguration) {
		t.Errorf("err = %v, want ErrInvalidConfiguration", err)
	}
	if _, err := Parse([]byte("scheduler: [")); err == nil {
		t.Error("expected YAML error")
	}
}

func TestLoad_RoundTrip(t *testing.T) {
	cfg := DefaultRunConfig()
	cfg.Scheduler.Algorithm = model.AlgorithmMLFQ
	cfg.TraceDB = "trace.db"
	data, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "kernsched.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Scheduler != cfg.Scheduler || got.TraceDB != "trace.db" {
		t.Errorf("Load = %+v, want %+v", got, cfg)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
