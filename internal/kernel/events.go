package kernel

import (
	"sync"

	"github.com/me/kernsched/pkg/model"
)

// Listener receives scheduling trace events. Events are delivered after the kernel has
// released its locks, in the order they happened, so a listener may call back into the
// kernel. Events the listener causes are delivered after it returns.
type Listener interface {
	OnEvent(ev model.Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ev model.Event)

// OnEvent calls f(ev).
func (f ListenerFunc) OnEvent(ev model.Event) { f(ev) }

// eventSink buffers events raised under kernel locks until flush. One caller at a time
// delivers; a flush that finds delivery in progress leaves its events to that caller.
type eventSink struct {
	mu         sync.Mutex
	listener   Listener
	pending    []model.Event
	delivering bool
}

func (s *eventSink) setListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *eventSink) add(ev model.Event) {
	s.mu.Lock()
	if s.listener != nil {
		s.pending = append(s.pending, ev)
	}
	s.mu.Unlock()
}

func (s *eventSink) flush() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		batch, l := s.pending, s.listener
		s.pending = nil
		s.mu.Unlock()

		if l != nil {
			for _, ev := range batch {
				l.OnEvent(ev)
			}
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

// emit records an event at the current tick.
func (k *Kernel) emit(kind model.EventKind, c model.CPUID, t *thread, detail string) {
	ev := model.Event{Tick: k.now.Load(), Kind: kind, CPU: c, Detail: detail}
	if t != nil {
		ev.Process = t.pid
		ev.Thread = t.id
	}
	k.events.add(ev)
}

func (k *Kernel) emitProcess(kind model.EventKind, pid model.ProcessID, detail string) {
	k.events.add(model.Event{Tick: k.now.Load(), Kind: kind, CPU: notQueued, Process: pid, Detail: detail})
}
