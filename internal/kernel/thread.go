package kernel

import (
	"container/heap"
	"container/list"
	"errors"
	"fmt"

	"github.com/me/kernsched/internal/arch"
	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/internal/memory"
	"github.com/me/kernsched/pkg/model"
)

// ThreadParams describes a thread to create.
type ThreadParams struct {
	Name       string
	EntryPoint uint64
	// Arg is passed to the entry point in the first general-purpose register.
	Arg       uint64
	StackSize uint64
	Priority  model.Priority
	// InheritPriority derives the priority from the owning process instead of Priority.
	InheritPriority bool
	// Affinity restricts the CPUs the thread may run on. Zero allows every CPU.
	Affinity model.CPUMask
	// RelativeDeadline is the EDF deadline in ticks after each release. Zero uses the
	// configured default.
	RelativeDeadline uint64
}

type thread struct {
	id         model.ThreadID
	pid        model.ProcessID
	name       string
	priority   model.Priority
	state      model.ThreadState
	waitReason model.WaitReason
	suspended  bool

	ctx        arch.Context
	entry      uint64
	stackBase  memory.Address
	stackSize  uint64
	stackFreed bool

	affinity model.CPUMask
	// cpu is the CPU the thread is queued on, runs on, or last ran on.
	cpu model.CPUID

	// Ready queue links.
	queuedOn   model.CPUID
	slot       int
	elem       *list.Element
	heapIndex  int
	seq        uint64
	enqueuedAt uint64

	wakeAt   uint64
	sleepGen uint64

	level          int
	promotePending bool

	relDeadline uint64
	deadline    uint64
	missFlagged bool

	quantum   uint64
	ticksUsed uint64

	createdAt      uint64
	cpuTicks       uint64
	dispatches     uint64
	lastDispatch   uint64
	deadlineMisses uint64
}

// setState moves t to a new state; an illegal transition means corrupted tables.
func (k *Kernel) setState(t *thread, to model.ThreadState) {
	if !t.state.CanTransitionTo(to) {
		k.fatal("thread %s: invalid transition %s -> %s", t.id, t.state, to)
	}
	t.state = to
}

// knownTID reports whether tid was ever allocated.
func (k *Kernel) knownTID(tid model.ThreadID) bool {
	return tid != model.NoThread && uint64(tid) <= k.nextTID.Load()
}

func (k *Kernel) lookupThread(tid model.ThreadID) (*thread, error) {
	t, ok := k.threads[tid]
	if !ok {
		return nil, model.Errorf(model.CodeThreadNotFound, "%s", tid)
	}
	return t, nil
}

func (k *Kernel) validAffinity(mask model.CPUMask) error {
	all := model.AllCPUs(len(k.cpus))
	if mask == 0 || mask&^all != 0 {
		return model.Errorf(model.CodeInvalidAffinity, "mask %s with %d cpus", mask, len(k.cpus))
	}
	return nil
}

// CreateThread creates a thread in pid and makes it Ready on a CPU chosen from its
// affinity mask. On failure nothing is allocated.
func (k *Kernel) CreateThread(pid model.ProcessID, params ThreadParams) (model.ThreadID, error) {
	if err := k.ready(); err != nil {
		return 0, err
	}
	if params.StackSize < k.cfg.MinStackSize {
		return 0, model.Errorf(model.CodeInvalidStackSize, "%d bytes, minimum %d", params.StackSize, k.cfg.MinStackSize)
	}
	if !params.InheritPriority && !params.Priority.Valid() {
		return 0, model.Errorf(model.CodeInvalidPriority, "thread priority %d", int(params.Priority))
	}
	if params.EntryPoint == 0 {
		return 0, model.Errorf(model.CodeInvalidEntryPoint, "thread %q", params.Name)
	}
	affinity := params.Affinity
	if affinity == 0 {
		affinity = model.AllCPUs(len(k.cpus))
	}
	if err := k.validAffinity(affinity); err != nil {
		return 0, err
	}
	relDeadline := params.RelativeDeadline
	if relDeadline == 0 {
		relDeadline = k.cfg.DefaultRelativeDeadline
	}
	defer k.events.flush()

	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	p, ok := k.procs[pid]
	if !ok {
		return 0, model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}
	if len(k.threads) >= k.cfg.MaxThreads {
		return 0, model.Errorf(model.CodeThreadLimitExceeded, "%d threads system-wide", len(k.threads))
	}
	if len(p.threads) >= k.cfg.MaxThreadsPerProcess {
		return 0, model.Errorf(model.CodeThreadLimitExceeded, "%d threads in %s", len(p.threads), pid)
	}
	priority := params.Priority
	if params.InheritPriority {
		priority = p.priority.ThreadPriority()
	}

	base, err := k.alloc.AllocateStack(params.StackSize)
	if err != nil {
		if errors.Is(err, model.ErrOutOfMemory) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", model.ErrOutOfMemory, err)
	}

	now := k.now.Load()
	t := &thread{
		id:           model.ThreadID(k.nextTID.Add(1)),
		pid:          pid,
		name:         params.Name,
		priority:     priority,
		state:        model.ThreadStateReady,
		ctx:          arch.NewContext(params.EntryPoint, uint64(base)+params.StackSize, params.Arg),
		entry:        params.EntryPoint,
		stackBase:    base,
		stackSize:    params.StackSize,
		affinity:     affinity,
		cpu:          notQueued,
		queuedOn:     notQueued,
		heapIndex:    -1,
		relDeadline:  relDeadline,
		createdAt:    now,
		lastDispatch: now,
	}
	releaseJob(t, now)

	k.threads[t.id] = t
	p.threads = append(p.threads, t.id)
	p.stackBytes += t.stackSize
	if p.stackBytes > p.peakStackBytes {
		p.peakStackBytes = p.stackBytes
	}
	k.threadsCreated.Add(1)
	k.emit(model.EventThreadCreated, notQueued, t, t.name)

	if p.flags.Has(model.FlagSuspended) {
		t.suspended = true
		k.setState(t, model.ThreadStateWaiting)
		t.waitReason = model.WaitSuspended
	} else {
		t.enqueuedAt = now
		k.enqueueOn(k.placeCPU(t), t)
	}

	k.logger.Debug("thread created",
		logging.IDAttr("tid", t.id),
		logging.IDAttr("pid", pid),
		"name", t.name,
		"priority", t.priority,
		"cpu", t.cpu,
		"stack_base", fmt.Sprintf("%#x", uint64(base)),
	)
	return t.id, nil
}

// TerminateThread terminates tid. A thread running on a CPU is marked Terminated at
// once and stops at that CPU's next tick; its stack is released when the CPU switches
// away. Terminating the last thread of a process terminates the process.
func (k *Kernel) TerminateThread(tid model.ThreadID) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, ok := k.threads[tid]
	if !ok {
		if k.knownTID(tid) {
			return nil
		}
		return model.Errorf(model.CodeThreadNotFound, "%s", tid)
	}
	p, ok := k.procs[t.pid]
	if !ok {
		k.fatal("thread %s owned by missing process %s", tid, t.pid)
	}
	k.terminateThreadLocked(p, t)
	if len(p.threads) == 0 {
		k.reapLocked(p, 0)
	}
	return nil
}

// terminateThreadLocked moves t to Terminated and drops it from the tables.
// Caller holds procMu and threadMu.
func (k *Kernel) terminateThreadLocked(p *process, t *thread) {
	running := t.state == model.ThreadStateRunning
	switch t.state {
	case model.ThreadStateReady:
		k.dequeue(t)
	case model.ThreadStateRunning:
		c := k.cpus[t.cpu]
		c.mu.Lock()
		if c.current != t {
			c.mu.Unlock()
			k.fatal("running thread %s is not current on cpu%d", t.id, t.cpu)
		}
		c.needResched = true
		c.mu.Unlock()
	}
	k.setState(t, model.ThreadStateTerminated)
	t.waitReason = model.WaitNone
	if !running {
		k.freeStack(t)
	}

	p.removeThread(t.id)
	p.stackBytes -= t.stackSize
	p.retiredTicks += t.cpuTicks
	delete(k.threads, t.id)

	k.emit(model.EventThreadTerminated, t.cpu, t, "")
	k.logger.Debug("thread terminated", logging.IDAttr("tid", t.id), "cpu_ticks", t.cpuTicks, "deferred_free", running)
}

func (k *Kernel) freeStack(t *thread) {
	if t.stackFreed {
		k.fatal("double free of stack of thread %s", t.id)
	}
	if err := k.alloc.FreeStack(t.stackBase, t.stackSize); err != nil {
		k.fatal("free stack of thread %s at %#x: %v", t.id, uint64(t.stackBase), err)
	}
	t.stackFreed = true
}

// SetThreadPriority changes tid's priority. A queued thread is repositioned at once; the
// change affects a running thread from its next dispatch, except that the Priority
// algorithm may preempt it at the next tick.
func (k *Kernel) SetThreadPriority(tid model.ThreadID, priority model.Priority) error {
	if err := k.ready(); err != nil {
		return err
	}
	if !priority.Valid() {
		return model.Errorf(model.CodeInvalidPriority, "thread priority %d", int(priority))
	}

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return err
	}
	if t.queuedOn == notQueued {
		t.priority = priority
		return nil
	}
	c := k.cpus[t.queuedOn]
	c.mu.Lock()
	t.priority = priority
	c.queue.reposition(t)
	c.mu.Unlock()
	return nil
}

// SleepThread puts a Running or Ready thread to sleep for ticks. A running thread gives
// up its CPU immediately. The thread becomes Ready again at tick now+ticks.
func (k *Kernel) SleepThread(tid model.ThreadID, ticks uint64) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return err
	}
	wakeAt := k.now.Load() + ticks
	if err := k.waitLocked(t, model.WaitSleep); err != nil {
		return err
	}
	t.wakeAt = wakeAt
	t.sleepGen++
	heap.Push(&k.sleepers, sleepEntry{wakeAt: wakeAt, t: t, gen: t.sleepGen})
	k.emit(model.EventSleep, t.cpu, t, fmt.Sprintf("until %d", wakeAt))
	k.rescheduleIfCurrent(t)
	return nil
}

// BlockThread moves a Running or Ready thread to Waiting until WakeThread. It is the
// primitive IPC waits are built on.
func (k *Kernel) BlockThread(tid model.ThreadID) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return err
	}
	if err := k.waitLocked(t, model.WaitBlocked); err != nil {
		return err
	}
	k.emit(model.EventBlock, t.cpu, t, "")
	k.rescheduleIfCurrent(t)
	return nil
}

// waitLocked moves t to Waiting for reason. The caller switches the CPU away if t was
// running.
func (k *Kernel) waitLocked(t *thread, reason model.WaitReason) error {
	switch t.state {
	case model.ThreadStateReady:
		k.dequeue(t)
	case model.ThreadStateRunning:
		if k.cfg.Algorithm == model.AlgorithmMLFQ && t.ticksUsed < t.quantum {
			t.promotePending = true
		}
	default:
		return model.Errorf(model.CodeThreadInInvalidState, "%s is %s", t.id, t.state)
	}
	k.setState(t, model.ThreadStateWaiting)
	t.waitReason = reason
	return nil
}

// rescheduleIfCurrent switches t's CPU to its next thread if t is still that CPU's
// current thread.
func (k *Kernel) rescheduleIfCurrent(t *thread) {
	if t.cpu == notQueued {
		return
	}
	c := k.cpus[t.cpu]
	c.mu.Lock()
	current := c.current == t
	c.mu.Unlock()
	if current {
		k.schedule(c)
	}
}

// WakeThread makes a sleeping or blocked thread Ready. It is a no-op for threads that are
// not Waiting, and for threads parked by a process suspension.
func (k *Kernel) WakeThread(tid model.ThreadID) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, ok := k.threads[tid]
	if !ok {
		if k.knownTID(tid) {
			return nil
		}
		return model.Errorf(model.CodeThreadNotFound, "%s", tid)
	}
	if t.state != model.ThreadStateWaiting || t.waitReason == model.WaitSuspended {
		return nil
	}
	k.wakeLocked(t)
	return nil
}

// wakeLocked ends a sleep or block. Caller holds threadMu.
func (k *Kernel) wakeLocked(t *thread) {
	if t.suspended {
		t.waitReason = model.WaitSuspended
		return
	}
	now := k.now.Load()
	switch k.cfg.Algorithm {
	case model.AlgorithmMLFQ:
		if t.promotePending && t.level > 0 {
			t.level--
		}
		t.promotePending = false
	case model.AlgorithmEDF:
		releaseJob(t, now)
	}
	k.makeReady(t)
	k.emit(model.EventWake, t.cpu, t, "")
}

// YieldThread gives up the CPU as if the running thread's quantum had expired. A Ready
// thread moves to the back of its queue. Under EDF a yield ends the current job and
// releases the next one.
func (k *Kernel) YieldThread(tid model.ThreadID) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return err
	}
	now := k.now.Load()
	switch t.state {
	case model.ThreadStateRunning:
		if k.cfg.Algorithm == model.AlgorithmEDF {
			releaseJob(t, now)
		}
		k.emit(model.EventYield, t.cpu, t, "")
		k.rescheduleIfCurrent(t)
	case model.ThreadStateReady:
		c := k.cpus[t.queuedOn]
		k.dequeue(t)
		if k.cfg.Algorithm == model.AlgorithmEDF {
			releaseJob(t, now)
		}
		t.enqueuedAt = now
		k.enqueueOn(c, t)
		k.emit(model.EventYield, t.cpu, t, "")
	default:
		return model.Errorf(model.CodeThreadInInvalidState, "%s is %s", t.id, t.state)
	}
	return nil
}

// SetThreadAffinity restricts tid to the CPUs in mask. A queued thread on a CPU that is
// no longer allowed moves at once; a running one is rescheduled at the next tick.
func (k *Kernel) SetThreadAffinity(tid model.ThreadID, mask model.CPUMask) error {
	if err := k.ready(); err != nil {
		return err
	}
	if err := k.validAffinity(mask); err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return err
	}
	t.affinity = mask

	switch t.state {
	case model.ThreadStateReady:
		src := k.cpus[t.queuedOn]
		if k.allowed(t, src) && src.online {
			return nil
		}
		if dst := k.placeCPU(t); dst != src {
			k.migrate(t, src, dst)
		}
	case model.ThreadStateRunning:
		c := k.cpus[t.cpu]
		if !k.allowed(t, c) {
			c.mu.Lock()
			c.needResched = true
			c.mu.Unlock()
		}
	}
	return nil
}

// SetThreadDeadline sets tid's EDF relative deadline and releases a new job with it.
// Zero restores the configured default.
func (k *Kernel) SetThreadDeadline(tid model.ThreadID, relTicks uint64) error {
	if err := k.ready(); err != nil {
		return err
	}
	if relTicks == 0 {
		relTicks = k.cfg.DefaultRelativeDeadline
	}

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	t, err := k.lookupThread(tid)
	if err != nil {
		return err
	}
	t.relDeadline = relTicks
	if t.queuedOn == notQueued {
		releaseJob(t, k.now.Load())
		return nil
	}
	c := k.cpus[t.queuedOn]
	c.mu.Lock()
	releaseJob(t, k.now.Load())
	c.queue.reposition(t)
	c.mu.Unlock()
	return nil
}

// allowed reports whether t may run on c.
func (k *Kernel) allowed(t *thread, c *cpu) bool {
	return !k.cfg.EnableCPUAffinity || t.affinity.Has(c.id)
}

// placeCPU chooses the queue for a thread that becomes Ready. The CPU it last used is
// kept when still eligible; otherwise the configured placement picks among the online
// CPUs the thread may use. A thread with no eligible online CPU is parked on the first
// CPU its mask allows.
func (k *Kernel) placeCPU(t *thread) *cpu {
	if t.cpu != notQueued {
		if c := k.cpus[t.cpu]; c.online && k.allowed(t, c) {
			return c
		}
	}
	eligible := make([]*cpu, 0, len(k.cpus))
	for _, c := range k.cpus {
		if c.online && k.allowed(t, c) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		for _, c := range k.cpus {
			if k.allowed(t, c) {
				return c
			}
		}
		k.fatal("thread %s has no CPU in mask %s", t.id, t.affinity)
	}
	if k.cfg.Placement == config.PlaceRoundRobin {
		c := eligible[k.placeNext%len(eligible)]
		k.placeNext++
		return c
	}
	return eligible[0]
}

// makeReady moves a Waiting thread to Ready and queues it.
func (k *Kernel) makeReady(t *thread) {
	k.setState(t, model.ThreadStateReady)
	t.waitReason = model.WaitNone
	t.enqueuedAt = k.now.Load()
	k.enqueueOn(k.placeCPU(t), t)
}

func (k *Kernel) enqueueOn(c *cpu, t *thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k.pushLocked(c, t)
}

// pushLocked queues t on c. Caller holds c.mu.
func (k *Kernel) pushLocked(c *cpu, t *thread) {
	if t.queuedOn != notQueued {
		k.fatal("thread %s queued on cpu%d and cpu%d", t.id, t.queuedOn, c.id)
	}
	c.queue.push(t)
	t.queuedOn = c.id
	t.cpu = c.id
}

func (k *Kernel) dequeue(t *thread) {
	if t.queuedOn == notQueued {
		k.fatal("ready thread %s is not queued", t.id)
	}
	c := k.cpus[t.queuedOn]
	c.mu.Lock()
	c.queue.remove(t)
	t.queuedOn = notQueued
	c.mu.Unlock()
}
