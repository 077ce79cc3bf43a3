// Package kernel implements the process and thread tables, the per-CPU ready queues with
// their scheduling algorithms, the schedule path and the load balancer.
//
// A Kernel is one explicit instance: nothing in this package is global. Callers create it
// with New, configure it once with Init and then drive it through Tick (the timer
// interrupt) and the system-call style methods.
//
// Lock order: procMu, threadMu, source CPU mu, destination CPU mu. Every method that
// needs more than one of them takes them in that order. Writers of thread or queue
// state always hold threadMu; a CPU's mu additionally guards its queue and current
// thread so that per-CPU readers do not contend on threadMu.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/me/kernsched/internal/arch"
	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/internal/memory"
	"github.com/me/kernsched/pkg/model"
)

// Kernel is the scheduler core.
type Kernel struct {
	logger *slog.Logger
	alloc  memory.StackAllocator

	initMu      sync.Mutex
	initialized atomic.Bool
	cfg         config.SchedulerConfig

	nextPID atomic.Uint64
	nextTID atomic.Uint64
	now     atomic.Uint64

	procMu sync.Mutex
	procs  map[model.ProcessID]*process

	threadMu  sync.Mutex
	threads   map[model.ThreadID]*thread
	sleepers  sleepQueue
	placeNext int

	cpus []*cpu

	events eventSink
	counters
}

// counters are monotonic statistics; updated under threadMu or procMu, read atomically.
type counters struct {
	contextSwitches  atomic.Uint64
	dispatches       atomic.Uint64
	preemptions      atomic.Uint64
	loadBalances     atomic.Uint64
	migrations       atomic.Uint64
	deadlineMisses   atomic.Uint64
	processesCreated atomic.Uint64
	threadsCreated   atomic.Uint64
}

// New creates an uninitialized kernel that takes thread stacks from alloc.
func New(alloc memory.StackAllocator, logger *slog.Logger) *Kernel {
	return &Kernel{
		logger:  logging.Component(logger, "kernel"),
		alloc:   alloc,
		procs:   make(map[model.ProcessID]*process),
		threads: make(map[model.ThreadID]*thread),
	}
}

// Init validates cfg and brings the CPUs up. It can be called once.
func (k *Kernel) Init(cfg config.SchedulerConfig) error {
	k.initMu.Lock()
	defer k.initMu.Unlock()

	if k.initialized.Load() {
		return model.ErrSchedulerAlreadyInitialized
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if k.alloc == nil {
		return fmt.Errorf("%w: no stack allocator", model.ErrInvalidConfiguration)
	}

	k.cfg = cfg
	k.cpus = make([]*cpu, cfg.CPUCount)
	for i := range k.cpus {
		k.cpus[i] = newCPU(model.CPUID(i), cfg)
	}
	k.initialized.Store(true)

	k.logger.Info("kernel initialized",
		"algorithm", cfg.Algorithm,
		"cpus", cfg.CPUCount,
		"quantum", cfg.DefaultQuantum,
		"load_balancing", cfg.EnableLoadBalancing,
	)
	return nil
}

// Config returns the configuration the kernel was initialized with.
func (k *Kernel) Config() config.SchedulerConfig { return k.cfg }

// CPUCount returns the number of CPUs, online or not.
func (k *Kernel) CPUCount() int { return len(k.cpus) }

// Now returns the current tick.
func (k *Kernel) Now() uint64 { return k.now.Load() }

// SetListener registers l to receive trace events. Pass nil to stop tracing.
func (k *Kernel) SetListener(l Listener) { k.events.setListener(l) }

func (k *Kernel) ready() error {
	if !k.initialized.Load() {
		return model.ErrSchedulerNotInitialized
	}
	return nil
}

func (k *Kernel) cpuByID(id model.CPUID) (*cpu, error) {
	if id < 0 || int(id) >= len(k.cpus) {
		return nil, model.Errorf(model.CodeInvalidCPU, "cpu %d out of range [0,%d)", id, len(k.cpus))
	}
	return k.cpus[id], nil
}

// fatal reports corrupted kernel state. It never returns.
func (k *Kernel) fatal(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	k.logger.Error("fatal kernel error", "reason", reason)
	panic(&model.FatalError{Reason: reason})
}

// cpu is the per-CPU scheduler state.
type cpu struct {
	id   model.CPUID
	arch *arch.CPU

	mu          sync.Mutex
	online      bool
	queue       *readyQueue
	current     *thread
	needResched bool

	busyTicks uint64
	idleTicks uint64
}

func newCPU(id model.CPUID, cfg config.SchedulerConfig) *cpu {
	return &cpu{
		id:     id,
		arch:   arch.NewCPU(int(id)),
		online: true,
		queue:  newReadyQueue(cfg),
	}
}

func (c *cpu) currentID() model.ThreadID {
	if c.current == nil {
		return model.NoThread
	}
	return c.current.id
}
