package kernel

import (
	"container/heap"
	"fmt"

	"github.com/me/kernsched/internal/arch"
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/pkg/model"
)

// Tick is the timer interrupt. It advances the clock by one tick, wakes sleepers whose
// time has come, runs MLFQ boosting and the load balancer on their cadence, then charges
// the tick to each online CPU's running thread and reschedules CPUs whose thread used up
// its quantum, was preempted, stopped, or that are idle.
func (k *Kernel) Tick() error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	now := k.now.Add(1)
	k.wakeExpired(now)
	if k.cfg.Algorithm == model.AlgorithmMLFQ && k.cfg.MLFQBoostInterval > 0 {
		k.boostStarved(now)
	}
	if k.cfg.EnableLoadBalancing && k.cfg.LoadBalanceInterval > 0 && now%k.cfg.LoadBalanceInterval == 0 {
		k.balanceLocked()
	}
	for _, c := range k.cpus {
		k.tickCPU(c, now)
	}
	return nil
}

func (k *Kernel) tickCPU(c *cpu, now uint64) {
	c.mu.Lock()
	if !c.online {
		c.mu.Unlock()
		return
	}
	cur := c.current
	active := cur != nil && cur.state == model.ThreadStateRunning && !cur.suspended
	switch {
	case active:
		c.arch.Step(1)
		cur.cpuTicks++
		cur.ticksUsed++
		c.busyTicks++
	case cur == nil:
		c.idleTicks++
	}
	resched := c.needResched
	queued := c.queue.Len()
	c.mu.Unlock()

	switch {
	case cur == nil:
		if queued > 0 {
			k.schedule(c)
		}
	case !active || resched:
		k.schedule(c)
	case cur.ticksUsed >= cur.quantum:
		if k.cfg.Algorithm == model.AlgorithmMLFQ {
			k.demote(cur)
		}
		k.preemptions.Add(1)
		k.emit(model.EventPreempt, c.id, cur, "quantum")
		k.schedule(c)
	case k.preemptDue(c, cur, now):
		k.preemptions.Add(1)
		k.emit(model.EventPreempt, c.id, cur, "priority")
		k.schedule(c)
	}
}

// ScheduleNext makes the scheduling decision for one CPU: the running thread goes back
// to the ready queue if it may still run there, the queue picks the next thread and the
// CPU switches to it. It returns the thread now running, or ErrNoRunnableThreads when the
// CPU was left idle.
func (k *Kernel) ScheduleNext(id model.CPUID) (model.ThreadID, error) {
	if err := k.ready(); err != nil {
		return 0, err
	}
	c, err := k.cpuByID(id)
	if err != nil {
		return 0, err
	}
	defer k.events.flush()

	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	if !c.online {
		return 0, model.Errorf(model.CodeInvalidCPU, "cpu%d is offline", id)
	}
	next := k.schedule(c)
	if next == nil {
		return 0, model.Errorf(model.CodeNoRunnableThreads, "cpu%d", id)
	}
	return next.id, nil
}

// schedule runs the scheduling decision for c and returns the thread left running, or nil.
// Caller holds threadMu.
func (k *Kernel) schedule(c *cpu) *thread {
	now := k.now.Load()

	c.mu.Lock()
	prev := c.current
	c.needResched = false

	// displaced is a runnable thread that may no longer run on c.
	var displaced *thread
	if prev != nil && prev.state == model.ThreadStateRunning {
		switch {
		case prev.suspended:
			k.setState(prev, model.ThreadStateWaiting)
			prev.waitReason = model.WaitSuspended
		case c.online && k.allowed(prev, c):
			k.setState(prev, model.ThreadStateReady)
			prev.enqueuedAt = now
			k.pushLocked(c, prev)
		default:
			k.setState(prev, model.ThreadStateReady)
			prev.enqueuedAt = now
			displaced = prev
		}
	}

	var next *thread
	if c.online {
		if next = c.queue.pickNext(now); next != nil {
			next.queuedOn = notQueued
		}
	}
	k.switchTo(c, prev, next, now)
	c.mu.Unlock()

	if displaced != nil {
		k.enqueueOn(k.placeCPU(displaced), displaced)
	}
	if prev != nil && prev.state == model.ThreadStateTerminated && prev != next {
		k.freeStack(prev)
	}
	return next
}

// switchTo dispatches next on c in place of prev and performs the register transfer.
// Either may be nil. Caller holds threadMu and c.mu.
func (k *Kernel) switchTo(c *cpu, prev, next *thread, now uint64) {
	if next != nil {
		k.setState(next, model.ThreadStateRunning)
		next.waitReason = model.WaitNone
		next.cpu = c.id
		next.ticksUsed = 0
		next.quantum = k.quantumFor(next)
		next.dispatches++
		next.lastDispatch = now
		k.dispatches.Add(1)

		if k.cfg.Algorithm == model.AlgorithmEDF && now > next.deadline && !next.missFlagged {
			next.missFlagged = true
			next.deadlineMisses++
			k.deadlineMisses.Add(1)
			k.emit(model.EventDeadlineMiss, c.id, next, fmt.Sprintf("deadline %d", next.deadline))
			k.logger.Warn("deadline miss",
				logging.IDAttr("tid", next.id),
				logging.CPUAttr(int(c.id)),
				"deadline", next.deadline,
				"late_by", now-next.deadline,
			)
		}
	}

	if prev == next {
		if next != nil {
			k.emit(model.EventDispatch, c.id, next, "continue")
		}
		return
	}

	restore := c.arch.DisableInterrupts()
	var save *arch.Context
	if prev != nil && prev.state != model.ThreadStateTerminated {
		save = &prev.ctx
	}
	if next != nil {
		arch.Switch(c.arch, save, &next.ctx)
		k.contextSwitches.Add(1)
	} else {
		if save != nil {
			*save = c.arch.Registers()
		}
		c.arch.Halt()
	}
	restore()
	c.current = next

	if next == nil {
		k.emit(model.EventIdle, c.id, prev, "")
		k.logger.Debug("cpu idle", logging.CPUAttr(int(c.id)))
		return
	}
	k.emit(model.EventDispatch, c.id, next, fmt.Sprintf("quantum %d", next.quantum))
	k.logger.Debug("dispatch",
		logging.CPUAttr(int(c.id)),
		logging.IDAttr("tid", next.id),
		"quantum", next.quantum,
	)
}

// wakeExpired wakes every sleeper whose wake tick is at or before now.
func (k *Kernel) wakeExpired(now uint64) {
	for k.sleepers.Len() > 0 && k.sleepers[0].wakeAt <= now {
		e := heap.Pop(&k.sleepers).(sleepEntry)
		t := e.t
		if t.sleepGen != e.gen || t.state != model.ThreadStateWaiting || t.waitReason != model.WaitSleep {
			continue
		}
		k.wakeLocked(t)
	}
}

// boostStarved moves MLFQ threads that have waited at least the boost interval back to
// the top level.
func (k *Kernel) boostStarved(now uint64) {
	for _, c := range k.cpus {
		c.mu.Lock()
		for _, t := range c.queue.threads() {
			if t.level > 0 && now-t.enqueuedAt >= k.cfg.MLFQBoostInterval {
				t.level = 0
				t.promotePending = false
				c.queue.reposition(t)
			}
		}
		c.mu.Unlock()
	}
}
