package arch

import "fmt"

// SwitchError is the panic value raised when Switch's preconditions are violated. A
// violation means the caller has corrupted scheduler state, so it is never returned.
type SwitchError struct {
	CPU    int
	Reason string
}

func (e *SwitchError) Error() string {
	return fmt.Sprintf("cpu%d: context switch: %s", e.CPU, e.Reason)
}

// Switch transfers the CPU from current to next.
//
// Preconditions: interrupts are disabled on cpu; next is a fully initialized context;
// current is the context of the thread whose registers are live on cpu, or nil when the
// CPU is idle or the outgoing thread is being discarded.
//
// Postconditions: every register of the outgoing thread, exactly as it was at the
// switch, is in *current; the live register file equals *next bit for bit, so execution
// continues at next.PC on next's stack. The caller's own flow does not continue the
// outgoing thread: whatever runs on cpu after Switch is next.
func Switch(cpu *CPU, current, next *Context) {
	if cpu.InterruptsEnabled() {
		panic(&SwitchError{CPU: cpu.id, Reason: "interrupts enabled"})
	}
	if next == nil || !next.Valid() {
		panic(&SwitchError{CPU: cpu.id, Reason: "next context not initialized"})
	}
	if current != nil {
		*current = cpu.regs
	}
	cpu.regs = *next
	cpu.switches.Add(1)
}
