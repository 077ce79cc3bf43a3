package kernel

import (
	"github.com/me/kernsched/internal/logging"
	"github.com/me/kernsched/pkg/model"
)

// ProcessParams describes a process to create.
type ProcessParams struct {
	Name     string
	Priority model.ProcessPriority
	Flags    model.ProcessFlags
	// Parent is the creating process, or model.NoProcess.
	Parent model.ProcessID
}

type process struct {
	id         model.ProcessID
	name       string
	priority   model.ProcessPriority
	flags      model.ProcessFlags
	state      model.ProcessState
	exitStatus int
	parent     model.ProcessID
	children   map[model.ProcessID]struct{}
	threads    []model.ThreadID
	createdAt  uint64

	stackBytes     uint64
	peakStackBytes uint64
	// retiredTicks is the CPU time of threads that have already terminated.
	retiredTicks uint64
}

func (p *process) setState(k *Kernel, to model.ProcessState) {
	if p.state == to {
		return
	}
	if !p.state.CanTransitionTo(to) {
		k.fatal("process %s: invalid transition %s -> %s", p.id, p.state, to)
	}
	p.state = to
}

func (p *process) removeThread(tid model.ThreadID) {
	for i, id := range p.threads {
		if id == tid {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// knownPID reports whether pid was ever allocated.
func (k *Kernel) knownPID(pid model.ProcessID) bool {
	return pid != model.NoProcess && uint64(pid) <= k.nextPID.Load()
}

// CreateProcess allocates a new process. It starts Running with no threads, or Stopped
// when params.Flags includes FlagSuspended.
func (k *Kernel) CreateProcess(params ProcessParams) (model.ProcessID, error) {
	if err := k.ready(); err != nil {
		return 0, err
	}
	if !params.Priority.Valid() {
		return 0, model.Errorf(model.CodeInvalidPriority, "process priority %d", int(params.Priority))
	}
	defer k.events.flush()

	k.procMu.Lock()
	defer k.procMu.Unlock()

	if len(k.procs) >= k.cfg.MaxProcesses {
		return 0, model.Errorf(model.CodeProcessLimitExceeded, "%d processes", len(k.procs))
	}
	var parent *process
	if params.Parent != model.NoProcess {
		var ok bool
		if parent, ok = k.procs[params.Parent]; !ok {
			return 0, model.Errorf(model.CodeProcessNotFound, "parent %s", params.Parent)
		}
	}

	p := &process{
		id:        model.ProcessID(k.nextPID.Add(1)),
		name:      params.Name,
		priority:  params.Priority,
		flags:     params.Flags,
		state:     model.ProcessStateRunning,
		parent:    params.Parent,
		children:  make(map[model.ProcessID]struct{}),
		createdAt: k.now.Load(),
	}
	if p.flags.Has(model.FlagSuspended) {
		p.setState(k, model.ProcessStateStopped)
	}
	if parent != nil {
		parent.children[p.id] = struct{}{}
	}
	k.procs[p.id] = p
	k.processesCreated.Add(1)

	k.emitProcess(model.EventProcessCreated, p.id, p.name)
	k.logger.Debug("process created",
		logging.IDAttr("pid", p.id),
		"name", p.name,
		"priority", p.priority,
		"flags", p.flags,
	)
	return p.id, nil
}

// TerminateProcess terminates every thread of pid, records exitStatus and frees the
// process entry. Terminating a process that is already gone succeeds.
func (k *Kernel) TerminateProcess(pid model.ProcessID, exitStatus int) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	p, ok := k.procs[pid]
	if !ok {
		if k.knownPID(pid) {
			return nil
		}
		return model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}

	for _, tid := range append([]model.ThreadID(nil), p.threads...) {
		t, ok := k.threads[tid]
		if !ok {
			k.fatal("process %s lists missing thread %s", pid, tid)
		}
		k.terminateThreadLocked(p, t)
	}
	k.reapLocked(p, exitStatus)
	return nil
}

// reapLocked frees the table entry of a process that owns no live threads.
// Caller holds procMu and threadMu.
func (k *Kernel) reapLocked(p *process, exitStatus int) {
	if len(p.threads) != 0 {
		k.fatal("reaping %s with %d live threads", p.id, len(p.threads))
	}
	p.setState(k, model.ProcessStateTerminated)
	p.exitStatus = exitStatus

	for child := range p.children {
		if c, ok := k.procs[child]; ok {
			c.parent = model.NoProcess
		}
	}
	if parent, ok := k.procs[p.parent]; ok {
		delete(parent.children, p.id)
	}
	delete(k.procs, p.id)

	k.emitProcess(model.EventProcessTerminated, p.id, "")
	k.logger.Debug("process terminated", logging.IDAttr("pid", p.id), "exit_status", exitStatus)
}

// SuspendProcess takes every thread of pid out of scheduling until ResumeProcess. Ready
// threads leave their queue at once; a running thread stops at its CPU's next tick.
func (k *Kernel) SuspendProcess(pid model.ProcessID) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	p, ok := k.procs[pid]
	if !ok {
		return model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}
	if p.flags.Has(model.FlagSuspended) {
		return nil
	}
	p.flags |= model.FlagSuspended
	p.setState(k, model.ProcessStateStopped)

	for _, tid := range p.threads {
		t := k.threads[tid]
		t.suspended = true
		switch t.state {
		case model.ThreadStateReady:
			k.dequeue(t)
			k.setState(t, model.ThreadStateWaiting)
			t.waitReason = model.WaitSuspended
		case model.ThreadStateRunning:
			c := k.cpus[t.cpu]
			c.mu.Lock()
			c.needResched = true
			c.mu.Unlock()
		}
	}
	k.emitProcess(model.EventSuspend, pid, "")
	k.logger.Debug("process suspended", logging.IDAttr("pid", pid), "threads", len(p.threads))
	return nil
}

// ResumeProcess lets the threads of a suspended process run again. Threads that were
// parked by the suspension re-enter Ready with their previous priority, level and
// deadline; threads still sleeping or blocked stay Waiting.
func (k *Kernel) ResumeProcess(pid model.ProcessID) error {
	if err := k.ready(); err != nil {
		return err
	}
	defer k.events.flush()

	k.procMu.Lock()
	defer k.procMu.Unlock()
	k.threadMu.Lock()
	defer k.threadMu.Unlock()

	p, ok := k.procs[pid]
	if !ok {
		return model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}
	if !p.flags.Has(model.FlagSuspended) {
		return nil
	}
	p.flags &^= model.FlagSuspended
	p.setState(k, model.ProcessStateRunning)

	for _, tid := range p.threads {
		t := k.threads[tid]
		t.suspended = false
		if t.state == model.ThreadStateWaiting && t.waitReason == model.WaitSuspended {
			k.makeReady(t)
		}
	}
	k.emitProcess(model.EventResume, pid, "")
	k.logger.Debug("process resumed", logging.IDAttr("pid", pid))
	return nil
}

// SetProcessPriority changes the priority of pid. Existing threads keep their priority;
// threads created later with InheritPriority take the new one.
func (k *Kernel) SetProcessPriority(pid model.ProcessID, priority model.ProcessPriority) error {
	if err := k.ready(); err != nil {
		return err
	}
	if !priority.Valid() {
		return model.Errorf(model.CodeInvalidPriority, "process priority %d", int(priority))
	}

	k.procMu.Lock()
	defer k.procMu.Unlock()

	p, ok := k.procs[pid]
	if !ok {
		return model.Errorf(model.CodeProcessNotFound, "%s", pid)
	}
	p.priority = priority
	return nil
}
