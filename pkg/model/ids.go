package model

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// ProcessID identifies a process. IDs start at 1 and are never reused.
type ProcessID uint64

// ThreadID identifies a thread. IDs start at 1 and are never reused.
type ThreadID uint64

// CPUID is the index of a logical CPU.
type CPUID int

// NoProcess is the zero ProcessID, used for "no parent".
const NoProcess ProcessID = 0

// NoThread is the zero ThreadID, used for an idle CPU.
const NoThread ThreadID = 0

// MaxCPUs is the number of CPUs a CPUMask can address.
const MaxCPUs = 64

func (id ProcessID) String() string { return "pid:" + strconv.FormatUint(uint64(id), 10) }

func (id ThreadID) String() string { return "tid:" + strconv.FormatUint(uint64(id), 10) }

// CPUMask is a bit set of CPUs a thread may run on. Bit i set means CPU i is allowed.
type CPUMask uint64

// AllCPUs returns the mask that allows every CPU in [0, n).
func AllCPUs(n int) CPUMask {
	if n >= MaxCPUs {
		return ^CPUMask(0)
	}
	return CPUMask(1)<<uint(n) - 1
}

// MaskOf builds a mask from a list of CPU indexes.
func MaskOf(cpus ...CPUID) CPUMask {
	var m CPUMask
	for _, c := range cpus {
		if c >= 0 && c < MaxCPUs {
			m |= 1 << uint(c)
		}
	}
	return m
}

// Has reports whether cpu is allowed by the mask.
func (m CPUMask) Has(cpu CPUID) bool {
	if cpu < 0 || cpu >= MaxCPUs {
		return false
	}
	return m&(1<<uint(cpu)) != 0
}

// Count returns the number of allowed CPUs.
func (m CPUMask) Count() int { return bits.OnesCount64(uint64(m)) }

// CPUs lists the allowed CPUs in ascending order.
func (m CPUMask) CPUs() []CPUID {
	out := make([]CPUID, 0, m.Count())
	for i := 0; i < MaxCPUs; i++ {
		if m.Has(CPUID(i)) {
			out = append(out, CPUID(i))
		}
	}
	return out
}

func (m CPUMask) String() string {
	cpus := m.CPUs()
	parts := make([]string, len(cpus))
	for i, c := range cpus {
		parts[i] = strconv.Itoa(int(c))
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ","))
}
