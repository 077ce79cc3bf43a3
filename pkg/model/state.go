package model

// ThreadState represents the lifecycle state of a Thread.
type ThreadState string

const (
	ThreadStateReady      ThreadState = "READY"
	ThreadStateRunning    ThreadState = "RUNNING"
	ThreadStateWaiting    ThreadState = "WAITING"
	ThreadStateTerminated ThreadState = "TERMINATED"
)

// String returns the string representation of the thread state.
func (s ThreadState) String() string {
	return string(s)
}

// IsTerminal returns true if the thread can never run again.
func (s ThreadState) IsTerminal() bool {
	return s == ThreadStateTerminated
}

// ValidThreadTransitions defines the allowed state transitions for Threads.
var ValidThreadTransitions = map[ThreadState][]ThreadState{
	ThreadStateReady:   {ThreadStateRunning, ThreadStateWaiting, ThreadStateTerminated},
	ThreadStateRunning: {ThreadStateReady, ThreadStateWaiting, ThreadStateTerminated},
	ThreadStateWaiting: {ThreadStateReady, ThreadStateTerminated},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s ThreadState) CanTransitionTo(next ThreadState) bool {
	for _, allowed := range ValidThreadTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ProcessState represents the lifecycle state of a Process.
type ProcessState string

const (
	ProcessStateRunning    ProcessState = "RUNNING"
	ProcessStateWaiting    ProcessState = "WAITING"
	ProcessStateStopped    ProcessState = "STOPPED"
	ProcessStateTerminated ProcessState = "TERMINATED"
)

// String returns the string representation of the process state.
func (s ProcessState) String() string {
	return string(s)
}

// IsTerminal returns true if the process is in its final state.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateTerminated
}

// ValidProcessTransitions defines the allowed state transitions for Processes.
var ValidProcessTransitions = map[ProcessState][]ProcessState{
	ProcessStateRunning: {ProcessStateWaiting, ProcessStateStopped, ProcessStateTerminated},
	ProcessStateWaiting: {ProcessStateRunning, ProcessStateStopped, ProcessStateTerminated},
	ProcessStateStopped: {ProcessStateRunning, ProcessStateWaiting, ProcessStateTerminated},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s ProcessState) CanTransitionTo(next ProcessState) bool {
	for _, allowed := range ValidProcessTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WaitReason records why a thread is in ThreadStateWaiting.
type WaitReason string

const (
	WaitNone      WaitReason = ""
	WaitSleep     WaitReason = "sleep"
	WaitBlocked   WaitReason = "blocked"
	WaitSuspended WaitReason = "suspended"
)
