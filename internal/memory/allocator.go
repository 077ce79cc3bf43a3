// Package memory is the kernel's view of the external page allocator: it only hands out
// and takes back thread stacks.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/me/kernsched/pkg/model"
)

// Address is a simulated physical address.
type Address uint64

// PageSize is the allocation granule; stack sizes are rounded up to it.
const PageSize = 4096

// ErrInvalidFree is returned when a region is freed twice or with the wrong size.
var ErrInvalidFree = errors.New("invalid stack free")

// StackAllocator is the narrow interface the thread table consumes.
type StackAllocator interface {
	// AllocateStack returns the base (lowest address) of a region of at least size bytes.
	// Exhaustion is reported as model.ErrOutOfMemory.
	AllocateStack(size uint64) (Address, error)
	// FreeStack returns a region obtained from AllocateStack. Freeing a region that is
	// not allocated, or with a different size, returns ErrInvalidFree.
	FreeStack(addr Address, size uint64) error
}

type span struct {
	base Address
	size uint64
}

// RegionAllocator is a first-fit allocator over one contiguous address range with
// coalescing of adjacent free spans.
type RegionAllocator struct {
	mu        sync.Mutex
	base      Address
	capacity  uint64
	free      []span // sorted by base, never adjacent
	allocated map[Address]uint64
	inUse     uint64
}

// NewRegionAllocator manages [base, base+capacity). capacity is rounded down to PageSize.
func NewRegionAllocator(base Address, capacity uint64) *RegionAllocator {
	capacity -= capacity % PageSize
	a := &RegionAllocator{
		base:      base,
		capacity:  capacity,
		allocated: make(map[Address]uint64),
	}
	if capacity > 0 {
		a.free = []span{{base: base, size: capacity}}
	}
	return a
}

func roundUp(size uint64) uint64 {
	if r := size % PageSize; r != 0 {
		return size + PageSize - r
	}
	return size
}

// AllocateStack implements StackAllocator.
func (a *RegionAllocator) AllocateStack(size uint64) (Address, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized stack", model.ErrInvalidStackSize)
	}
	// capacity is page aligned, so rounding anything up to it cannot wrap.
	if size > a.capacity {
		return 0, model.Errorf(model.CodeOutOfMemory, "stack of %d bytes exceeds region of %d", size, a.capacity)
	}
	need := roundUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		if s.size < need {
			continue
		}
		addr := s.base
		if s.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{base: s.base + Address(need), size: s.size - need}
		}
		a.allocated[addr] = need
		a.inUse += need
		return addr, nil
	}
	return 0, model.Errorf(model.CodeOutOfMemory, "no free region of %d bytes (%d of %d in use)", need, a.inUse, a.capacity)
}

// FreeStack implements StackAllocator.
func (a *RegionAllocator) FreeStack(addr Address, size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	got, ok := a.allocated[addr]
	if !ok {
		return fmt.Errorf("%w: %#x is not allocated", ErrInvalidFree, uint64(addr))
	}
	if got != roundUp(size) {
		return fmt.Errorf("%w: %#x has size %d, freed with %d", ErrInvalidFree, uint64(addr), got, size)
	}
	delete(a.allocated, addr)
	a.inUse -= got

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].base > addr })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{base: addr, size: got}

	// Merge with the following span, then with the preceding one.
	if i+1 < len(a.free) && a.free[i].base+Address(a.free[i].size) == a.free[i+1].base {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].base+Address(a.free[i-1].size) == a.free[i].base {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return nil
}

// InUse returns the number of bytes currently allocated.
func (a *RegionAllocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

// Regions returns the number of live allocations.
func (a *RegionAllocator) Regions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}
