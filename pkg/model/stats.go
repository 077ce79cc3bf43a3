package model

// Register file layout shared by thread snapshots and the arch package.
const NumGPRs = 16

// ContextSnapshot is a copy of a thread's saved CPU context.
type ContextSnapshot struct {
	GPR   [NumGPRs]uint64 `json:"gpr"`
	PC    uint64          `json:"pc"`
	SP    uint64          `json:"sp"`
	Flags uint64          `json:"flags"`
}

// ProcessStats is a point-in-time view of a process record.
type ProcessStats struct {
	ID             ProcessID       `json:"id"`
	Name           string          `json:"name"`
	Priority       ProcessPriority `json:"priority"`
	Flags          ProcessFlags    `json:"flags"`
	State          ProcessState    `json:"state"`
	ExitStatus     int             `json:"exit_status"`
	Parent         ProcessID       `json:"parent,omitempty"`
	Children       []ProcessID     `json:"children,omitempty"`
	Threads        []ThreadID      `json:"threads"`
	StackBytes     uint64          `json:"stack_bytes"`
	PeakStackBytes uint64          `json:"peak_stack_bytes"`
	CPUTicks       uint64          `json:"cpu_ticks"`
	CreatedAt      uint64          `json:"created_at_tick"`
}

// ThreadCount returns the number of live threads in the process.
func (s ProcessStats) ThreadCount() int { return len(s.Threads) }

// ThreadStats is a point-in-time view of a thread record.
type ThreadStats struct {
	ID             ThreadID        `json:"id"`
	Process        ProcessID       `json:"process"`
	Name           string          `json:"name"`
	Priority       Priority        `json:"priority"`
	State          ThreadState     `json:"state"`
	WaitReason     WaitReason      `json:"wait_reason,omitempty"`
	CPU            CPUID           `json:"cpu"`
	Affinity       CPUMask         `json:"affinity"`
	EntryPoint     uint64          `json:"entry_point"`
	StackBase      uint64          `json:"stack_base"`
	StackSize      uint64          `json:"stack_size"`
	Context        ContextSnapshot `json:"context"`
	WakeAt         uint64          `json:"wake_at,omitempty"`
	Deadline       uint64          `json:"deadline,omitempty"`
	MLFQLevel      int             `json:"mlfq_level"`
	CPUTicks       uint64          `json:"cpu_ticks"`
	Dispatches     uint64          `json:"dispatches"`
	LastDispatch   uint64          `json:"last_dispatch"`
	DeadlineMisses uint64          `json:"deadline_misses"`
}

// CPUStats is a point-in-time view of one CPU.
type CPUStats struct {
	ID          CPUID    `json:"id"`
	Online      bool     `json:"online"`
	Current     ThreadID `json:"current"`
	QueueLength int      `json:"queue_length"`
	BusyTicks   uint64   `json:"busy_ticks"`
	IdleTicks   uint64   `json:"idle_ticks"`
	Switches    uint64   `json:"context_switches"`
}

// Utilization returns the busy fraction of the ticks this CPU has seen.
func (c CPUStats) Utilization() float64 {
	total := c.BusyTicks + c.IdleTicks
	if total == 0 {
		return 0
	}
	return float64(c.BusyTicks) / float64(total)
}

// SchedulerStats is a point-in-time view of the whole scheduler.
type SchedulerStats struct {
	Algorithm        Algorithm  `json:"algorithm"`
	CPUCount         int        `json:"cpu_count"`
	Tick             uint64     `json:"tick"`
	ContextSwitches  uint64     `json:"context_switches"`
	Dispatches       uint64     `json:"dispatches"`
	Preemptions      uint64     `json:"preemptions"`
	LoadBalances     uint64     `json:"load_balances"`
	Migrations       uint64     `json:"migrations"`
	DeadlineMisses   uint64     `json:"deadline_misses"`
	ProcessesCreated uint64     `json:"processes_created"`
	ThreadsCreated   uint64     `json:"threads_created"`
	LiveProcesses    int        `json:"live_processes"`
	LiveThreads      int        `json:"live_threads"`
	CPUs             []CPUStats `json:"cpus"`
}
