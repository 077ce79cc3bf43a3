package kernel

import "github.com/me/kernsched/pkg/model"

// Quanta in ticks per thread priority, for the default quantum of 20 ticks. Other
// default quanta scale the tables proportionally.
var (
	roundRobinQuanta = [model.NumPriorities]uint64{5, 10, 20, 30, 40}
	priorityQuanta   = [model.NumPriorities]uint64{10, 15, 20, 25, 30}
)

const referenceQuantum = 20

func scaleQuantum(base, defaultQuantum uint64) uint64 {
	q := base * defaultQuantum / referenceQuantum
	if q == 0 {
		q = 1
	}
	return q
}

// quantumFor returns the time slice t gets when dispatched now.
func (k *Kernel) quantumFor(t *thread) uint64 {
	switch k.cfg.Algorithm {
	case model.AlgorithmRoundRobin:
		return scaleQuantum(roundRobinQuanta[t.priority], k.cfg.DefaultQuantum)
	case model.AlgorithmPriority:
		return scaleQuantum(priorityQuanta[t.priority], k.cfg.DefaultQuantum)
	case model.AlgorithmMLFQ:
		return k.cfg.MLFQBaseQuantum << uint(t.level)
	default:
		return k.cfg.DefaultQuantum
	}
}

// effectivePriority is t's priority raised one step per aging interval spent waiting in
// a ready queue.
func effectivePriority(t *thread, now, aging uint64) model.Priority {
	if aging == 0 || now <= t.enqueuedAt {
		return t.priority
	}
	return t.priority.Raise(int((now - t.enqueuedAt) / aging))
}

// preemptDue reports whether the head of c's queue should displace the running thread
// before its quantum ends. Round-Robin never preempts early.
func (k *Kernel) preemptDue(c *cpu, cur *thread, now uint64) bool {
	head := c.queue.best(now)
	if head == nil {
		return false
	}
	switch k.cfg.Algorithm {
	case model.AlgorithmPriority:
		return effectivePriority(head, now, k.cfg.AgingInterval) > cur.priority
	case model.AlgorithmMLFQ:
		return head.level < cur.level
	case model.AlgorithmEDF:
		return head.deadline < cur.deadline
	default:
		return false
	}
}

// demote moves t one MLFQ level down after it used its whole quantum.
func (k *Kernel) demote(t *thread) {
	if t.level < k.cfg.MLFQLevels-1 {
		t.level++
	}
	t.promotePending = false
}

// releaseJob starts a new EDF job for t: its absolute deadline moves to now plus its
// relative deadline.
func releaseJob(t *thread, now uint64) {
	t.deadline = now + t.relDeadline
	t.missFlagged = false
}

// weight is t's contribution to its CPU's load under the weighted balance metric.
func (k *Kernel) weight(t *thread) int {
	return int(k.quantumFor(t))
}
