// Package arch models the per-CPU register file and the context-switch primitive.
//
// It is the only package that touches saved register state directly. Everything above it
// goes through kernel.switchTo, which owns thread state bookkeeping.
package arch

import "github.com/me/kernsched/pkg/model"

// Flags register bits.
const (
	FlagInterruptEnable uint64 = 1 << 9
	FlagReserved        uint64 = 1 << 1 // always set in a valid flags value
)

// InstructionSize is how far the program counter advances per simulated instruction.
const InstructionSize = 4

// Context is a saved register file: general-purpose registers, program counter, stack
// pointer and flags.
type Context struct {
	GPR   [model.NumGPRs]uint64
	PC    uint64
	SP    uint64
	Flags uint64
}

// NewContext builds the initial context of a thread that will start at entry with an empty
// stack growing down from stackTop. arg is passed in the first general-purpose register.
func NewContext(entry, stackTop, arg uint64) Context {
	var c Context
	c.PC = entry
	// Keep the stack 16-byte aligned as the callee expects on entry.
	c.SP = stackTop &^ 0xf
	c.Flags = FlagReserved | FlagInterruptEnable
	c.GPR[0] = arg
	return c
}

// Valid reports whether the context has been initialized.
func (c *Context) Valid() bool {
	return c.Flags&FlagReserved != 0 && c.PC != 0 && c.SP != 0
}

// Snapshot copies the context into its exported model form.
func (c *Context) Snapshot() model.ContextSnapshot {
	return model.ContextSnapshot{GPR: c.GPR, PC: c.PC, SP: c.SP, Flags: c.Flags}
}
