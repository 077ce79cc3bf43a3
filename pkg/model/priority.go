package model

import (
	"fmt"
	"strings"
)

// Priority is a thread scheduling priority. Higher values run first.
type Priority int

const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of thread priority levels.
const NumPriorities = int(PriorityCritical) + 1

var priorityNames = [...]string{"idle", "low", "normal", "high", "critical"}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityIdle && p <= PriorityCritical
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Raise returns p moved up by steps, capped at PriorityCritical.
func (p Priority) Raise(steps int) Priority {
	if steps <= 0 {
		return p
	}
	if int(p)+steps > int(PriorityCritical) {
		return PriorityCritical
	}
	return p + Priority(steps)
}

// ParsePriority converts a name such as "high" to a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown thread priority %q", ErrInvalidPriority, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ProcessPriority is the priority class of a process.
type ProcessPriority int

const (
	ProcessPriorityIdle ProcessPriority = iota
	ProcessPriorityLow
	ProcessPriorityNormal
	ProcessPriorityHigh
	ProcessPrioritySystem
)

var processPriorityNames = [...]string{"idle", "low", "normal", "high", "system"}

func (p ProcessPriority) Valid() bool {
	return p >= ProcessPriorityIdle && p <= ProcessPrioritySystem
}

func (p ProcessPriority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("class(%d)", int(p))
	}
	return processPriorityNames[p]
}

// ThreadPriority maps a process class to the priority its inheriting threads get.
func (p ProcessPriority) ThreadPriority() Priority {
	switch p {
	case ProcessPrioritySystem:
		return PriorityCritical
	case ProcessPriorityHigh:
		return PriorityHigh
	case ProcessPriorityLow:
		return PriorityLow
	case ProcessPriorityIdle:
		return PriorityIdle
	default:
		return PriorityNormal
	}
}

// ParseProcessPriority converts a name such as "system" to a ProcessPriority.
func ParseProcessPriority(s string) (ProcessPriority, error) {
	for i, name := range processPriorityNames {
		if strings.EqualFold(s, name) {
			return ProcessPriority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown process priority %q", ErrInvalidPriority, s)
}

func (p ProcessPriority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	return []byte(p.String()), nil
}

func (p *ProcessPriority) UnmarshalText(b []byte) error {
	v, err := ParseProcessPriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
