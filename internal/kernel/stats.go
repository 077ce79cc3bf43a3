package kernel

import (
	"sort"

	"github.com/me/kernsched/pkg/model"
)

// ProcessStats returns a snapshot of pid. Terminated processes are gone from the table
// and report ErrProcessNotFound.
func (k *Kernel) ProcessStats(pid model.ProcessID) (model.ProcessStats, error) {
	if err := k.ready(); err != nil {
		return model.ProcessStats{}, err
	}
	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	p, ok := k.procs[pid]
	if !ok {
		return model.ProcessStats{}, model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}
	return k.processSnapshot(p), nil
}

// Processes returns snapshots of every live process ordered by ID.
func (k *Kernel) Processes() []model.ProcessStats {
	return k.filterProcesses(func(*process) bool { return true })
}

// ProcessesByPriority returns the live processes with the given priority class.
func (k *Kernel) ProcessesByPriority(priority model.ProcessPriority) []model.ProcessStats {
	return k.filterProcesses(func(p *process) bool { return p.priority == priority })
}

// IsProcessRunning reports whether pid exists and is neither stopped nor terminated.
func (k *Kernel) IsProcessRunning(pid model.ProcessID) bool {
	s, err := k.ProcessStats(pid)
	return err == nil && s.State != model.ProcessStateStopped
}

func (k *Kernel) filterProcesses(keep func(*process) bool) []model.ProcessStats {
	if k.ready() != nil {
		return nil
	}
	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	out := make([]model.ProcessStats, 0, len(k.procs))
	for _, p := range k.procs {
		if keep(p) {
			out = append(out, k.processSnapshot(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// processSnapshot builds the exported view of p. Caller holds procMu and threadMu.
//
// A process with threads that are all Waiting reports ProcessStateWaiting.
func (k *Kernel) processSnapshot(p *process) model.ProcessStats {
	s := model.ProcessStats{
		ID:             p.id,
		Name:           p.name,
		Priority:       p.priority,
		Flags:          p.flags,
		State:          p.state,
		ExitStatus:     p.exitStatus,
		Parent:         p.parent,
		Threads:        append([]model.ThreadID(nil), p.threads...),
		StackBytes:     p.stackBytes,
		PeakStackBytes: p.peakStackBytes,
		CPUTicks:       p.retiredTicks,
		CreatedAt:      p.createdAt,
	}
	for child := range p.children {
		s.Children = append(s.Children, child)
	}
	sort.Slice(s.Children, func(i, j int) bool { return s.Children[i] < s.Children[j] })

	waiting := len(p.threads) > 0
	for _, tid := range p.threads {
		t := k.threads[tid]
		s.CPUTicks += t.cpuTicks
		if t.state != model.ThreadStateWaiting {
			waiting = false
		}
	}
	if s.State == model.ProcessStateRunning && waiting {
		s.State = model.ProcessStateWaiting
	}
	return s
}

// ThreadStats returns a snapshot of tid. For a running thread the context is the live
// register file of its CPU.
func (k *Kernel) ThreadStats(tid model.ThreadID) (model.ThreadStats, error) {
	if err := k.ready(); err != nil {
		return model.ThreadStats{}, err
	}
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return model.ThreadStats{}, err
	}
	return k.threadSnapshot(t), nil
}

// Threads returns snapshots of every live thread ordered by ID.
func (k *Kernel) Threads() []model.ThreadStats {
	return k.filterThreads(func(*thread) bool { return true })
}

// ThreadsByPriority returns the live threads with the given base priority.
func (k *Kernel) ThreadsByPriority(priority model.Priority) []model.ThreadStats {
	return k.filterThreads(func(t *thread) bool { return t.priority == priority })
}

// ThreadsByProcess returns the live threads of pid.
func (k *Kernel) ThreadsByProcess(pid model.ProcessID) ([]model.ThreadStats, error) {
	if err := k.ready(); err != nil {
		return nil, err
	}
	k.procMu.Lock()
	_, ok := k.procs[pid]
	k.procMu.Unlock()
	if !ok {
		return nil, model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}
	return k.filterThreads(func(t *thread) bool { return t.pid == pid }), nil
}

func (k *Kernel) filterThreads(keep func(*thread) bool) []model.ThreadStats {
	if k.ready() != nil {
		return nil
	}
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	out := make([]model.ThreadStats, 0, len(k.threads))
	for _, t := range k.threads {
		if keep(t) {
			out = append(out, k.threadSnapshot(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// threadSnapshot builds the exported view of t. Caller holds threadMu.
func (k *Kernel) threadSnapshot(t *thread) model.ThreadStats {
	ctx := t.ctx
	if t.state == model.ThreadStateRunning {
		c := k.cpus[t.cpu]
		c.mu.Lock()
		if c.current == t {
			ctx = c.arch.Registers()
		}
		c.mu.Unlock()
	}
	s := model.ThreadStats{
		ID:             t.id,
		Process:        t.pid,
		Name:           t.name,
		Priority:       t.priority,
		State:          t.state,
		WaitReason:     t.waitReason,
		CPU:            t.cpu,
		Affinity:       t.affinity,
		EntryPoint:     t.entry,
		StackBase:      uint64(t.stackBase),
		StackSize:      t.stackSize,
		Context:        ctx.Snapshot(),
		MLFQLevel:      t.level,
		CPUTicks:       t.cpuTicks,
		Dispatches:     t.dispatches,
		LastDispatch:   t.lastDispatch,
		DeadlineMisses: t.deadlineMisses,
	}
	if t.state == model.ThreadStateWaiting && t.waitReason == model.WaitSleep {
		s.WakeAt = t.wakeAt
	}
	if k.cfg.Algorithm == model.AlgorithmEDF {
		s.Deadline = t.deadline
	}
	return s
}

// CPUStats returns a snapshot of one CPU.
func (k *Kernel) CPUStats(id model.CPUID) (model.CPUStats, error) {
	if err := k.ready(); err != nil {
		return model.CPUStats{}, err
	}
	c, err := k.cpuByID(id)
	if err != nil {
		return model.CPUStats{}, err
	}
	return c.snapshot(), nil
}

func (c *cpu) snapshot() model.CPUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CPUStats{
		ID:          c.id,
		Online:      c.online,
		Current:     c.currentID(),
		QueueLength: c.queue.Len(),
		BusyTicks:   c.busyTicks,
		IdleTicks:   c.idleTicks,
		Switches:    c.arch.Switches(),
	}
}

// Stats returns a snapshot of the whole scheduler.
func (k *Kernel) Stats() model.SchedulerStats {
	if k.ready() != nil {
		return model.SchedulerStats{}
	}
	s := model.SchedulerStats{
		Algorithm:        k.cfg.Algorithm,
		CPUCount:         len(k.cpus),
		Tick:             k.now.Load(),
		ContextSwitches:  k.contextSwitches.Load(),
		Dispatches:       k.dispatches.Load(),
		Preemptions:      k.preemptions.Load(),
		LoadBalances:     k.loadBalances.Load(),
		Migrations:       k.migrations.Load(),
		DeadlineMisses:   k.deadlineMisses.Load(),
		ProcessesCreated: k.processesCreated.Load(),
		ThreadsCreated:   k.threadsCreated.Load(),
	}
	k.procMu.Lock()
	s.LiveProcesses = len(k.procs)
	k.procMu.Unlock()
	k.threadMu.Lock()
	s.LiveThreads = len(k.threads)
	k.threadMu.Unlock()

	for _, c := range k.cpus {
		s.CPUs = append(s.CPUs, c.snapshot())
	}
	return s
}
