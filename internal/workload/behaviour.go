package workload

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"

	"github.com/me/kernsched/pkg/model"
)

// Op is what a running thread does with the current tick.
type Op string

const (
	OpRun   Op = "run"
	OpSleep Op = "sleep"
	OpBlock Op = "block"
	OpYield Op = "yield"
	OpExit  Op = "exit"
)

// Action is a behaviour's answer for one tick. N is the tick count of sleep and
// block, and the length of a run step in a program.
type Action struct {
	Op Op
	N  uint64
}

func (a Action) String() string {
	switch a.Op {
	case OpSleep, OpBlock:
		return fmt.Sprintf("%s %d", a.Op, a.N)
	}
	return string(a.Op)
}

// StepContext is what a behaviour knows when it is asked for its next action.
type StepContext struct {
	Tick    uint64
	Thread  model.ThreadID
	Process model.ProcessID
	CPU     model.CPUID
	// Ran is the number of ticks the thread has run so far.
	Ran uint64
}

// Behaviour decides what a thread does each tick it is found running.
type Behaviour interface {
	Next(sc StepContext) (Action, error)
}

// Step is one program instruction. In YAML it is either a bare word ("yield",
// "exit") or a single-key mapping ("run: 5", "sleep: 3", "block: 10").
type Step Action

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		op := Op(strings.ToLower(node.Value))
		switch op {
		case OpYield, OpExit, OpRun:
			*s = Step{Op: op, N: 1}
			return nil
		}
		return fmt.Errorf("line %d: unknown step %q", node.Line, node.Value)
	case yaml.MappingNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("line %d: step must have exactly one key", node.Line)
		}
		op := Op(strings.ToLower(node.Content[0].Value))
		var n uint64
		if err := node.Content[1].Decode(&n); err != nil {
			return fmt.Errorf("line %d: %s: %w", node.Line, op, err)
		}
		*s = Step{Op: op, N: n}
		return nil
	}
	return fmt.Errorf("line %d: step must be a word or a mapping", node.Line)
}

// MarshalYAML implements yaml.Marshaler.
func (s Step) MarshalYAML() (any, error) {
	switch s.Op {
	case OpYield, OpExit:
		return string(s.Op), nil
	}
	return map[string]uint64{string(s.Op): s.N}, nil
}

func (s Step) validate() error {
	switch s.Op {
	case OpRun, OpSleep, OpBlock:
		if s.N == 0 {
			return fmt.Errorf("%s needs a positive tick count", s.Op)
		}
	case OpYield, OpExit:
	default:
		return fmt.Errorf("unknown step %q", s.Op)
	}
	return nil
}

// Program is a Behaviour that walks a fixed list of steps. A run step answers OpRun
// for N consecutive asks. When the steps are exhausted the thread exits, or starts
// over if the program repeats.
type Program struct {
	steps  []Step
	repeat bool
	pc     int
	left   uint64
}

// NewProgram returns a Program over steps.
func NewProgram(steps []Step, repeat bool) *Program {
	return &Program{steps: steps, repeat: repeat}
}

// Next implements Behaviour.
func (p *Program) Next(StepContext) (Action, error) {
	for wrapped := false; ; {
		if p.pc >= len(p.steps) {
			if !p.repeat || len(p.steps) == 0 || wrapped {
				return Action{Op: OpExit}, nil
			}
			p.pc, wrapped = 0, true
		}
		s := p.steps[p.pc]
		if s.Op != OpRun {
			p.pc++
			return Action(s), nil
		}
		if p.left == 0 {
			p.left = s.N
		}
		if p.left == 0 {
			p.pc++
			continue
		}
		p.left--
		if p.left == 0 {
			p.pc++
		}
		return Action{Op: OpRun}, nil
	}
}

// Script is a Behaviour backed by a JavaScript function step(t). t carries tick,
// tid, pid, cpu, ran and calls; step returns "run", "yield", "exit", {sleep: n} or
// {block: n}.
type Script struct {
	vm    *goja.Runtime
	step  goja.Callable
	calls uint64
}

// CompileScript compiles src once so that each thread can get its own runtime.
func CompileScript(name, src string) (*goja.Program, error) {
	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return prog, nil
}

// NewScript runs prog in a fresh runtime and binds its step function.
func NewScript(prog *goja.Program) (*Script, error) {
	vm := goja.New()
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("JavaScript error: %w", err)
	}
	step, ok := goja.AssertFunction(vm.Get("step"))
	if !ok {
		return nil, fmt.Errorf("script does not define function step(t)")
	}
	return &Script{vm: vm, step: step}, nil
}

// Next implements Behaviour.
func (s *Script) Next(sc StepContext) (Action, error) {
	arg := map[string]any{
		"tick":  sc.Tick,
		"tid":   uint64(sc.Thread),
		"pid":   uint64(sc.Process),
		"cpu":   int(sc.CPU),
		"ran":   sc.Ran,
		"calls": s.calls,
	}
	s.calls++
	val, err := s.step(goja.Undefined(), s.vm.ToValue(arg))
	if err != nil {
		return Action{}, fmt.Errorf("JavaScript error: %w", err)
	}
	return parseAction(val.Export())
}

func parseAction(v any) (Action, error) {
	switch v := v.(type) {
	case nil:
		return Action{Op: OpRun}, nil
	case string:
		switch op := Op(strings.ToLower(v)); op {
		case OpRun, OpYield, OpExit:
			return Action{Op: op}, nil
		}
		return Action{}, fmt.Errorf("step returned unknown action %q", v)
	case map[string]any:
		if len(v) != 1 {
			return Action{}, fmt.Errorf("step returned %v, want exactly one of sleep or block", v)
		}
		for k, raw := range v {
			op := Op(strings.ToLower(k))
			if op != OpSleep && op != OpBlock {
				return Action{}, fmt.Errorf("step returned unknown action %q", k)
			}
			n, err := toTicks(raw)
			if err != nil {
				return Action{}, fmt.Errorf("step %s: %w", op, err)
			}
			return Action{Op: op, N: n}, nil
		}
	}
	return Action{}, fmt.Errorf("step returned %T, want string or object", v)
}

func toTicks(v any) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n > 0 {
			return uint64(n), nil
		}
	case float64:
		if n >= 1 && n == float64(uint64(n)) {
			return uint64(n), nil
		}
	}
	return 0, fmt.Errorf("tick count %v must be a positive integer", v)
}
