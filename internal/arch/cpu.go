package arch

import (
	"fmt"
	"sync/atomic"
)

// CPU is the register file of one simulated logical processor.
type CPU struct {
	id   int
	regs Context

	// interruptsOff counts nested DisableInterrupts calls.
	interruptsOff int
	cycles        uint64
	switches      atomic.Uint64
}

// NewCPU returns a CPU with an empty register file.
func NewCPU(id int) *CPU {
	return &CPU{id: id, regs: Context{Flags: FlagReserved | FlagInterruptEnable}}
}

// ID returns the CPU index.
func (c *CPU) ID() int { return c.id }

// Registers returns a copy of the live register file.
func (c *CPU) Registers() Context { return c.regs }

// PC returns the live program counter.
func (c *CPU) PC() uint64 { return c.regs.PC }

// Cycles returns the number of instructions retired on this CPU.
func (c *CPU) Cycles() uint64 { return c.cycles }

// Switches returns the number of context switches performed on this CPU.
func (c *CPU) Switches() uint64 { return c.switches.Load() }

// InterruptsEnabled reports whether the CPU would accept an interrupt now.
func (c *CPU) InterruptsEnabled() bool {
	return c.interruptsOff == 0 && c.regs.Flags&FlagInterruptEnable != 0
}

// DisableInterrupts masks interrupts and returns the function that restores the
// previous state. Calls nest.
func (c *CPU) DisableInterrupts() (restore func()) {
	c.interruptsOff++
	return func() {
		if c.interruptsOff == 0 {
			panic(fmt.Sprintf("cpu%d: unbalanced interrupt restore", c.id))
		}
		c.interruptsOff--
	}
}

// Step executes n instructions of whatever context is loaded: the program counter
// advances, the accumulator (GPR 1) counts instructions and GPR 2 mixes in the PC so that
// every thread develops a distinctive register state.
func (c *CPU) Step(n int) {
	for i := 0; i < n; i++ {
		c.regs.PC += InstructionSize
		c.regs.GPR[1]++
		c.regs.GPR[2] = c.regs.GPR[2]*31 + c.regs.PC
		c.cycles++
	}
}

// Halt clears the live register file; the CPU idles until the next Load.
func (c *CPU) Halt() {
	c.regs = Context{Flags: FlagReserved | FlagInterruptEnable}
}
