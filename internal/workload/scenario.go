// Package workload loads simulation scenarios and drives a kernel through them: it
// spawns the scenario's processes, asks every running thread's behaviour what it does
// on each tick, and applies the answer through the kernel's system calls.
package workload

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/kernel"
	"github.com/me/kernsched/pkg/model"
)

// Scenario is a YAML description of a workload.
type Scenario struct {
	Name string `yaml:"name"`
	// Ticks bounds the run. Zero runs until every thread has exited.
	Ticks     uint64                 `yaml:"ticks"`
	Scheduler config.SchedulerConfig `yaml:"scheduler"`
	Processes []ProcessSpec          `yaml:"processes"`
	Events    []EventSpec            `yaml:"events"`
}

// ProcessSpec describes a process and its initial threads.
type ProcessSpec struct {
	Name     string                 `yaml:"name"`
	Priority *model.ProcessPriority `yaml:"priority"`
	Flags    []string               `yaml:"flags"`
	// Parent names a process declared earlier in the scenario.
	Parent string `yaml:"parent"`
	// Start is the tick at which the process is created.
	Start   uint64       `yaml:"start"`
	Threads []ThreadSpec `yaml:"threads"`
}

// ThreadSpec describes one thread, or Count identical ones.
type ThreadSpec struct {
	Name string `yaml:"name"`
	// Priority of the thread; when omitted it is derived from the process.
	Priority  *model.Priority `yaml:"priority"`
	Count     int             `yaml:"count"`
	CPUs      []model.CPUID   `yaml:"cpus"`
	StackSize uint64          `yaml:"stack_size"`
	Deadline  uint64          `yaml:"deadline"`
	Program   []Step          `yaml:"program"`
	Repeat    bool            `yaml:"repeat"`
	Script    string          `yaml:"script"`
}

// EventSpec is an external action applied at a fixed tick. Exactly one action is set.
type EventSpec struct {
	At         uint64       `yaml:"at"`
	CPUOffline *model.CPUID `yaml:"cpu_offline"`
	CPUOnline  *model.CPUID `yaml:"cpu_online"`
	Suspend    string       `yaml:"suspend"`
	Resume     string       `yaml:"resume"`
	Kill       string       `yaml:"kill"`
	Balance    bool         `yaml:"balance"`
}

// DefaultStackSize is used for threads that do not set stack_size.
const DefaultStackSize = 64 << 10

// LoadScenario reads a scenario file. Scheduler settings missing from the file keep
// the values of base.
func LoadScenario(path string, base config.SchedulerConfig) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := ParseScenario(data, base)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return sc, nil
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte, base config.SchedulerConfig) (*Scenario, error) {
	sc := &Scenario{Scheduler: base}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Validate checks names, references and behaviours.
func (sc *Scenario) Validate() error {
	if err := sc.Scheduler.Validate(); err != nil {
		return err
	}
	if len(sc.Processes) == 0 {
		return fmt.Errorf("scenario has no processes")
	}

	declared := make(map[string]*ProcessSpec, len(sc.Processes))
	for i := range sc.Processes {
		p := &sc.Processes[i]
		if p.Name == "" {
			return fmt.Errorf("processes[%d]: missing name", i)
		}
		if strings.Contains(p.Name, "/") {
			return fmt.Errorf("process %q: name must not contain '/'", p.Name)
		}
		if _, dup := declared[p.Name]; dup {
			return fmt.Errorf("process %q declared twice", p.Name)
		}
		if _, unknown := model.ParseProcessFlags(p.Flags); len(unknown) > 0 {
			return fmt.Errorf("process %q: unknown flags %v", p.Name, unknown)
		}
		if p.Parent != "" {
			parent, ok := declared[p.Parent]
			if !ok {
				return fmt.Errorf("process %q: parent %q must be declared before it", p.Name, p.Parent)
			}
			if parent.Start > p.Start {
				return fmt.Errorf("process %q starts at %d, before its parent %q (%d)", p.Name, p.Start, p.Parent, parent.Start)
			}
		}
		if err := validateThreads(p, sc.Scheduler.CPUCount); err != nil {
			return err
		}
		declared[p.Name] = p
	}

	for i, ev := range sc.Events {
		if err := ev.validate(declared, sc.Scheduler.CPUCount); err != nil {
			return fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	return nil
}

func validateThreads(p *ProcessSpec, cpus int) error {
	names := make(map[string]bool, len(p.Threads))
	for i, t := range p.Threads {
		if t.Name == "" {
			return fmt.Errorf("process %q: threads[%d]: missing name", p.Name, i)
		}
		if names[t.Name] {
			return fmt.Errorf("process %q: thread %q declared twice", p.Name, t.Name)
		}
		names[t.Name] = true

		where := p.Name + "/" + t.Name
		if t.Count < 0 {
			return fmt.Errorf("%s: negative count", where)
		}
		for _, c := range t.CPUs {
			if c < 0 || int(c) >= cpus {
				return fmt.Errorf("%s: cpu %d out of range [0,%d)", where, c, cpus)
			}
		}
		switch {
		case t.Script != "" && len(t.Program) > 0:
			return fmt.Errorf("%s: both program and script set", where)
		case t.Script == "" && len(t.Program) == 0:
			return fmt.Errorf("%s: needs a program or a script", where)
		}
		for j, s := range t.Program {
			if err := s.validate(); err != nil {
				return fmt.Errorf("%s: program[%d]: %w", where, j, err)
			}
		}
	}
	return nil
}

func (ev EventSpec) validate(procs map[string]*ProcessSpec, cpus int) error {
	set := 0
	for _, on := range []bool{ev.CPUOffline != nil, ev.CPUOnline != nil, ev.Suspend != "", ev.Resume != "", ev.Kill != "", ev.Balance} {
		if on {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("at %d: exactly one action required, got %d", ev.At, set)
	}
	for _, c := range []*model.CPUID{ev.CPUOffline, ev.CPUOnline} {
		if c != nil && (*c < 0 || int(*c) >= cpus) {
			return fmt.Errorf("at %d: cpu %d out of range [0,%d)", ev.At, *c, cpus)
		}
	}
	for _, name := range []string{ev.Suspend, ev.Resume, ev.Kill} {
		if name == "" {
			continue
		}
		p, ok := procs[name]
		if !ok {
			return fmt.Errorf("at %d: unknown process %q", ev.At, name)
		}
		if p.Start > ev.At {
			return fmt.Errorf("at %d: process %q starts later, at %d", ev.At, name, p.Start)
		}
	}
	return nil
}

// kernelParams converts p for CreateProcess. Flags were checked by Validate.
func (p *ProcessSpec) kernelParams(parent model.ProcessID) kernel.ProcessParams {
	flags, _ := model.ParseProcessFlags(p.Flags)
	prio := model.ProcessPriorityNormal
	if p.Priority != nil {
		prio = *p.Priority
	}
	return kernel.ProcessParams{Name: p.Name, Priority: prio, Flags: flags, Parent: parent}
}

// kernelParams converts t for CreateThread.
func (t *ThreadSpec) kernelParams(name string, entry uint64) kernel.ThreadParams {
	params := kernel.ThreadParams{
		Name:             name,
		EntryPoint:       entry,
		StackSize:        t.StackSize,
		Affinity:         model.MaskOf(t.CPUs...),
		RelativeDeadline: t.Deadline,
	}
	if params.StackSize == 0 {
		params.StackSize = DefaultStackSize
	}
	if t.Priority != nil {
		params.Priority = *t.Priority
	} else {
		params.InheritPriority = true
	}
	return params
}

// replicas returns the thread names to create for t.
func (t *ThreadSpec) replicas() []string {
	if t.Count <= 1 {
		return []string{t.Name}
	}
	names := make([]string, t.Count)
	for i := range names {
		names[i] = fmt.Sprintf("%s-%d", t.Name, i)
	}
	return names
}
