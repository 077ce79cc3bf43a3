package model

// EventKind names a scheduling event.
type EventKind string

const (
	EventProcessCreated    EventKind = "process_created"
	EventProcessTerminated EventKind = "process_terminated"
	EventThreadCreated     EventKind = "thread_created"
	EventDispatch          EventKind = "dispatch"
	EventPreempt           EventKind = "preempt"
	EventYield             EventKind = "yield"
	EventBlock             EventKind = "block"
	EventSleep             EventKind = "sleep"
	EventWake              EventKind = "wake"
	EventMigrate           EventKind = "migrate"
	EventDeadlineMiss      EventKind = "deadline_miss"
	EventThreadTerminated  EventKind = "thread_terminated"
	EventIdle              EventKind = "idle"
	EventSuspend           EventKind = "suspend"
	EventResume            EventKind = "resume"
)

// Event is one entry of the scheduling trace.
type Event struct {
	Tick    uint64    `json:"tick"`
	Kind    EventKind `json:"kind"`
	CPU     CPUID     `json:"cpu"`
	Process ProcessID `json:"process,omitempty"`
	Thread  ThreadID  `json:"thread,omitempty"`
	// Detail carries kind-specific data, e.g. "0->1" for migrations.
	Detail string `json:"detail,omitempty"`
}
