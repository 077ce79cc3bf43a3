package kernel

import (
	"container/heap"
	"container/list"
	"sort"

	"github.com/me/kernsched/internal/config"
	"github.com/me/kernsched/pkg/model"
)

// notQueued is the queuedOn value of a thread that is in no ready queue.
const notQueued model.CPUID = -1

// readyQueue holds the Ready threads of one CPU, ordered by the active algorithm.
//
// Round-Robin and Priority keep one FIFO list per thread priority, MLFQ one per level,
// and EDF a heap keyed by absolute deadline. Threads carry their own list element or heap
// index so removal is O(1) or O(log n).
type readyQueue struct {
	alg   model.Algorithm
	aging uint64
	lists []*list.List
	edf   deadlineHeap
	seq   uint64
	n     int
}

func newReadyQueue(cfg config.SchedulerConfig) *readyQueue {
	q := &readyQueue{alg: cfg.Algorithm, aging: cfg.AgingInterval}
	var slots int
	switch cfg.Algorithm {
	case model.AlgorithmEDF:
	case model.AlgorithmMLFQ:
		slots = cfg.MLFQLevels
	default:
		slots = model.NumPriorities
	}
	q.lists = make([]*list.List, slots)
	for i := range q.lists {
		q.lists[i] = list.New()
	}
	return q
}

// Len returns the number of queued threads.
func (q *readyQueue) Len() int { return q.n }

func (q *readyQueue) slotOf(t *thread) int {
	if q.alg == model.AlgorithmMLFQ {
		return t.level
	}
	return int(t.priority)
}

// push appends t behind every thread already queued at its position.
func (q *readyQueue) push(t *thread) {
	q.seq++
	t.seq = q.seq
	q.insert(t)
	q.n++
}

func (q *readyQueue) insert(t *thread) {
	if q.alg == model.AlgorithmEDF {
		heap.Push(&q.edf, t)
		return
	}
	t.slot = q.slotOf(t)
	l := q.lists[t.slot]
	// Keep each list sorted by sequence number; only reposition can insert out of order.
	for e := l.Back(); e != nil; e = e.Prev() {
		if e.Value.(*thread).seq < t.seq {
			t.elem = l.InsertAfter(t, e)
			return
		}
	}
	t.elem = l.PushFront(t)
}

func (q *readyQueue) detach(t *thread) {
	if q.alg == model.AlgorithmEDF {
		heap.Remove(&q.edf, t.heapIndex)
		t.heapIndex = -1
		return
	}
	q.lists[t.slot].Remove(t.elem)
	t.elem = nil
}

// remove takes t out of the queue.
func (q *readyQueue) remove(t *thread) {
	q.detach(t)
	q.n--
}

// reposition restores ordering after t's priority, level or deadline changed. Its place
// among equals is kept.
func (q *readyQueue) reposition(t *thread) {
	if q.alg == model.AlgorithmEDF {
		heap.Fix(&q.edf, t.heapIndex)
		return
	}
	q.detach(t)
	q.insert(t)
}

// best returns the thread pickNext would choose, without removing it.
func (q *readyQueue) best(now uint64) *thread {
	if q.n == 0 {
		return nil
	}
	switch q.alg {
	case model.AlgorithmEDF:
		return q.edf[0]
	case model.AlgorithmMLFQ:
		for _, l := range q.lists {
			if e := l.Front(); e != nil {
				return e.Value.(*thread)
			}
		}
	case model.AlgorithmPriority:
		var pick *thread
		var pickPrio model.Priority
		for _, l := range q.lists {
			for e := l.Front(); e != nil; e = e.Next() {
				t := e.Value.(*thread)
				p := effectivePriority(t, now, q.aging)
				if pick == nil || p > pickPrio || (p == pickPrio && t.seq < pick.seq) {
					pick, pickPrio = t, p
				}
			}
		}
		return pick
	default:
		// Round-Robin: one FIFO across all priority sub-queues.
		var pick *thread
		for _, l := range q.lists {
			if e := l.Front(); e != nil {
				t := e.Value.(*thread)
				if pick == nil || t.seq < pick.seq {
					pick = t
				}
			}
		}
		return pick
	}
	return nil
}

// pickNext removes and returns the next thread to run, or nil when the queue is empty.
func (q *readyQueue) pickNext(now uint64) *thread {
	t := q.best(now)
	if t != nil {
		q.remove(t)
	}
	return t
}

// threads lists the queued threads in enqueue order.
func (q *readyQueue) threads() []*thread {
	out := make([]*thread, 0, q.n)
	if q.alg == model.AlgorithmEDF {
		out = append(out, q.edf...)
	} else {
		for _, l := range q.lists {
			for e := l.Front(); e != nil; e = e.Next() {
				out = append(out, e.Value.(*thread))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// deadlineHeap orders threads by absolute deadline, then thread ID.
type deadlineHeap []*thread

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].id < h[j].id
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *deadlineHeap) Push(x any) {
	t := x.(*thread)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// sleepQueue is a min-heap of sleeping threads keyed by wake tick. Entries are not
// removed when a sleeper is woken early or terminated; stale entries are skipped when
// they surface.
type sleepQueue []sleepEntry

type sleepEntry struct {
	wakeAt uint64
	t      *thread
	gen    uint64
}

func (s sleepQueue) Len() int { return len(s) }

func (s sleepQueue) Less(i, j int) bool {
	if s[i].wakeAt != s[j].wakeAt {
		return s[i].wakeAt < s[j].wakeAt
	}
	return s[i].t.id < s[j].t.id
}

func (s sleepQueue) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *sleepQueue) Push(x any) { *s = append(*s, x.(sleepEntry)) }

func (s *sleepQueue) Pop() any {
	old := *s
	n := len(old)
	e := old[n-1]
	*s = old[:n-1]
	return e
}
