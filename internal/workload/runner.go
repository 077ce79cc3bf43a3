package workload

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dop251/goja"

	"github.com/me/kernsched/internal/kernel"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/internal/timer"
	"github.com/me/kernsched/pkg/model"
)

// Runner drives a kernel through a scenario. It implements timer.Handler; each tick
// it starts due processes, applies due scenario events, ends expired blocks, asks
// every running thread's behaviour for an action, and then ticks the kernel.
type Runner struct {
	k       *kernel.Kernel
	sc      *Scenario
	logger  *slog.Logger
	symbols *SymbolTable

	// entries[i][j] is the entry point of sc.Processes[i].Threads[j].
	entries [][]uint64
	spawned []bool
	pids    map[string]model.ProcessID

	behaviours map[model.ThreadID]Behaviour
	ran        map[model.ThreadID]uint64
	// unblockAt holds the tick at which a blocked thread is woken.
	unblockAt map[model.ThreadID]uint64
	threads   map[model.ThreadID]*ThreadSummary
	actions   map[Op]uint64
}

// NewRunner prepares sc for k. The kernel must already be initialized.
func NewRunner(k *kernel.Kernel, sc *Scenario, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		k:          k,
		sc:         sc,
		logger:     logging.Component(logger, "workload"),
		symbols:    NewSymbolTable(),
		entries:    make([][]uint64, len(sc.Processes)),
		spawned:    make([]bool, len(sc.Processes)),
		pids:       make(map[string]model.ProcessID),
		behaviours: make(map[model.ThreadID]Behaviour),
		ran:        make(map[model.ThreadID]uint64),
		unblockAt:  make(map[model.ThreadID]uint64),
		threads:    make(map[model.ThreadID]*ThreadSummary),
		actions:    make(map[Op]uint64),
	}
	for i := range sc.Processes {
		p := &sc.Processes[i]
		r.entries[i] = make([]uint64, len(p.Threads))
		for j := range p.Threads {
			entry, err := r.define(p.Name, &p.Threads[j])
			if err != nil {
				return nil, err
			}
			r.entries[i][j] = entry
		}
	}
	return r, nil
}

func (r *Runner) define(proc string, t *ThreadSpec) (uint64, error) {
	name := proc + "/" + t.Name
	if t.Script != "" {
		prog, err := CompileScript(name, t.Script)
		if err != nil {
			return 0, err
		}
		return r.symbols.Define(name, func() (Behaviour, error) { return newScriptBehaviour(prog) })
	}
	steps, repeat := t.Program, t.Repeat
	return r.symbols.Define(name, func() (Behaviour, error) { return NewProgram(steps, repeat), nil })
}

func newScriptBehaviour(prog *goja.Program) (Behaviour, error) {
	s, err := NewScript(prog)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Symbols returns the runner's symbol table.
func (r *Runner) Symbols() *SymbolTable { return r.symbols }

// Run ticks the kernel until the scenario's tick limit, until every thread has
// exited, or until ctx is done. A positive period paces ticks on the wall clock.
func (r *Runner) Run(ctx context.Context, period time.Duration) (*Summary, error) {
	clock := timer.New(r, timer.Config{Period: period, MaxTicks: r.sc.Ticks}, r.logger)
	start := time.Now()
	err := clock.Start(ctx)
	sum := r.Summary()
	sum.Elapsed = time.Since(start)
	if err != nil {
		return sum, err
	}
	r.logger.Info("scenario finished",
		"scenario", r.sc.Name,
		"ticks", sum.Ticks,
		"completed", sum.Completed,
		"context_switches", sum.Stats.ContextSwitches,
	)
	return sum, nil
}

// Tick implements timer.Handler. It returns timer.ErrStop once every process has
// been started and every thread has exited.
func (r *Runner) Tick() error {
	at := r.k.Now()
	if err := r.spawnDue(at); err != nil {
		return err
	}
	if err := r.applyEvents(at); err != nil {
		return err
	}
	if err := r.unblockDue(at); err != nil {
		return err
	}
	if err := r.stepRunning(at); err != nil {
		return err
	}
	if err := r.k.Tick(); err != nil {
		return err
	}
	if r.refresh() {
		return timer.ErrStop
	}
	return nil
}

func (r *Runner) spawnDue(at uint64) error {
	for i := range r.sc.Processes {
		p := &r.sc.Processes[i]
		if r.spawned[i] || p.Start > at {
			continue
		}
		if err := r.spawn(i, p); err != nil {
			return fmt.Errorf("start process %q: %w", p.Name, err)
		}
		r.spawned[i] = true
	}
	return nil
}

func (r *Runner) spawn(i int, p *ProcessSpec) error {
	parent := model.NoProcess
	if p.Parent != "" {
		parent = r.pids[p.Parent]
		// A parent that already exited leaves the new process an orphan.
		if _, err := r.k.ProcessStats(parent); model.IsNotFound(err) {
			r.logger.Debug("parent gone, starting orphan", "process", p.Name, "parent", p.Parent)
			parent = model.NoProcess
		}
	}
	pid, err := r.k.CreateProcess(p.kernelParams(parent))
	if err != nil {
		return err
	}
	r.pids[p.Name] = pid

	for j := range p.Threads {
		t := &p.Threads[j]
		for _, name := range t.replicas() {
			tid, err := r.k.CreateThread(pid, t.kernelParams(name, r.entries[i][j]))
			if err != nil {
				return fmt.Errorf("thread %q: %w", name, err)
			}
			r.threads[tid] = &ThreadSummary{
				Thread:  tid,
				Process: pid,
				Name:    p.Name + "/" + name,
				Created: r.k.Now(),
			}
		}
	}
	r.logger.Debug("process started", logging.IDAttr("pid", pid), "name", p.Name, "threads", len(p.Threads))
	return nil
}

func (r *Runner) applyEvents(at uint64) error {
	for _, ev := range r.sc.Events {
		if ev.At != at {
			continue
		}
		if err := r.apply(ev); err != nil {
			return fmt.Errorf("event at %d: %w", at, err)
		}
	}
	return nil
}

func (r *Runner) apply(ev EventSpec) error {
	switch {
	case ev.CPUOffline != nil:
		return r.k.SetCPUOnline(*ev.CPUOffline, false)
	case ev.CPUOnline != nil:
		return r.k.SetCPUOnline(*ev.CPUOnline, true)
	case ev.Balance:
		_, err := r.k.Balance()
		return err
	}

	name := ev.Suspend + ev.Resume + ev.Kill
	pid, ok := r.pids[name]
	if !ok {
		return fmt.Errorf("process %q has not started", name)
	}
	var err error
	switch {
	case ev.Suspend != "":
		err = r.k.SuspendProcess(pid)
	case ev.Resume != "":
		err = r.k.ResumeProcess(pid)
	default:
		err = r.k.TerminateProcess(pid, -1)
	}
	// The process may have exited on its own before the event.
	if model.IsNotFound(err) {
		r.logger.Debug("event target already gone", "process", name)
		return nil
	}
	return err
}

func (r *Runner) unblockDue(at uint64) error {
	var due []model.ThreadID
	for tid, when := range r.unblockAt {
		if when <= at {
			due = append(due, tid)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	for _, tid := range due {
		delete(r.unblockAt, tid)
		if err := r.k.WakeThread(tid); err != nil && !model.IsNotFound(err) {
			return fmt.Errorf("wake %s: %w", tid, err)
		}
	}
	return nil
}

// maxAsks bounds how often one thread is asked per tick. A thread that yields and is
// picked again is asked again, up to this limit.
const maxAsks = 4

// stepRunning asks the thread on each online CPU what it does this tick. A thread
// that gives up its CPU is replaced at once, and the replacement is asked too.
func (r *Runner) stepRunning(at uint64) error {
	asked := make(map[model.ThreadID]int)
	for id := 0; id < r.k.CPUCount(); id++ {
		for {
			cs, err := r.k.CPUStats(model.CPUID(id))
			if err != nil {
				return err
			}
			tid := cs.Current
			if !cs.Online || tid == model.NoThread || asked[tid] >= maxAsks {
				break
			}
			asked[tid]++

			st, err := r.k.ThreadStats(tid)
			if model.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			// A suspended thread keeps its CPU until the kernel's next tick.
			if st.State != model.ThreadStateRunning || !r.k.IsProcessRunning(st.Process) {
				break
			}
			act, err := r.next(st, at)
			if err != nil {
				return fmt.Errorf("%s: %w", r.nameOf(tid), err)
			}
			r.actions[act.Op]++
			if act.Op == OpRun {
				r.ran[tid]++
				break
			}
			if err := r.perform(tid, act, at); err != nil {
				return fmt.Errorf("%s: %s: %w", r.nameOf(tid), act, err)
			}
		}
	}
	return nil
}

func (r *Runner) next(st model.ThreadStats, at uint64) (Action, error) {
	b, ok := r.behaviours[st.ID]
	if !ok {
		im, found := r.symbols.Lookup(st.EntryPoint)
		if !found {
			return Action{}, fmt.Errorf("no code at entry point %#x", st.EntryPoint)
		}
		var err error
		if b, err = im.Load(); err != nil {
			return Action{}, err
		}
		r.behaviours[st.ID] = b
	}
	return b.Next(StepContext{
		Tick:    at,
		Thread:  st.ID,
		Process: st.Process,
		CPU:     st.CPU,
		Ran:     r.ran[st.ID],
	})
}

func (r *Runner) perform(tid model.ThreadID, act Action, at uint64) error {
	r.logger.Debug("thread action", logging.IDAttr("tid", tid), "action", act.String(), "tick", at)
	switch act.Op {
	case OpSleep:
		return r.k.SleepThread(tid, act.N)
	case OpBlock:
		if err := r.k.BlockThread(tid); err != nil {
			return err
		}
		r.unblockAt[tid] = at + act.N
		return nil
	case OpYield:
		return r.k.YieldThread(tid)
	case OpExit:
		return r.k.TerminateThread(tid)
	}
	return fmt.Errorf("unknown action %q", act.Op)
}

func (r *Runner) nameOf(tid model.ThreadID) string {
	if ts, ok := r.threads[tid]; ok {
		return ts.Name
	}
	return tid.String()
}

// refresh copies live thread accounting into the summaries and marks vanished
// threads as exited. It reports whether the scenario is done.
func (r *Runner) refresh() bool {
	now := r.k.Now()
	live := make(map[model.ThreadID]bool)
	for _, st := range r.k.Threads() {
		live[st.ID] = true
		ts, ok := r.threads[st.ID]
		if !ok {
			continue
		}
		ts.Priority = st.Priority
		ts.State = st.State
		ts.CPU = st.CPU
		ts.CPUTicks = st.CPUTicks
		ts.Dispatches = st.Dispatches
		ts.DeadlineMisses = st.DeadlineMisses
		ts.StackSize = st.StackSize
	}
	for tid, ts := range r.threads {
		if !live[tid] && !ts.Exited {
			ts.Exited = true
			ts.ExitTick = now
			ts.State = model.ThreadStateTerminated
			delete(r.behaviours, tid)
			delete(r.unblockAt, tid)
		}
	}

	for _, done := range r.spawned {
		if !done {
			return false
		}
	}
	return len(live) == 0
}

// Summary reports the outcome of the run so far.
func (r *Runner) Summary() *Summary {
	sum := &Summary{
		Scenario: r.sc.Name,
		Ticks:    r.k.Now(),
		Stats:    r.k.Stats(),
		Actions:  make(map[Op]uint64, len(r.actions)),
	}
	for op, n := range r.actions {
		sum.Actions[op] = n
	}
	sum.Completed = true
	for _, done := range r.spawned {
		sum.Completed = sum.Completed && done
	}
	for _, ts := range r.threads {
		t := *ts
		t.Ran = r.ran[ts.Thread]
		sum.Threads = append(sum.Threads, t)
		sum.Completed = sum.Completed && ts.Exited
	}
	sort.Slice(sum.Threads, func(i, j int) bool { return sum.Threads[i].Thread < sum.Threads[j].Thread })
	return sum
}

// Summary is the outcome of a scenario run.
type Summary struct {
	Scenario string        `json:"scenario"`
	Ticks    uint64        `json:"ticks"`
	Elapsed  time.Duration `json:"elapsed"`
	// Completed is set when every process started and every thread exited.
	Completed bool                 `json:"completed"`
	Stats     model.SchedulerStats `json:"stats"`
	Actions   map[Op]uint64        `json:"actions"`
	Threads   []ThreadSummary      `json:"threads"`
}

// ThreadSummary is the accounting of one scenario thread.
type ThreadSummary struct {
	Thread         model.ThreadID    `json:"thread"`
	Process        model.ProcessID   `json:"process"`
	Name           string            `json:"name"`
	Priority       model.Priority    `json:"priority"`
	State          model.ThreadState `json:"state"`
	CPU            model.CPUID       `json:"cpu"`
	Created        uint64            `json:"created"`
	Ran            uint64            `json:"ran"`
	CPUTicks       uint64            `json:"cpu_ticks"`
	Dispatches     uint64            `json:"dispatches"`
	DeadlineMisses uint64            `json:"deadline_misses"`
	StackSize      uint64            `json:"stack_size"`
	Exited         bool              `json:"exited"`
	ExitTick       uint64            `json:"exit_tick,omitempty"`
}

// Turnaround is the number of ticks between creation and exit.
func (t ThreadSummary) Turnaround() uint64 {
	if !t.Exited {
		return 0
	}
	return t.ExitTick - t.Created
}
