package gmm

import (
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
)

// AllocationCreateFlags select the placement of a fresh allocation
type AllocationCreateFlags int32

const (
	// AllocationCreate64KBPages backs the allocation with 64KB aligned host memory, placing it
	// in System64KBPages (or System64KBPagesWith32BitGpuAddressing)
	AllocationCreate64KBPages AllocationCreateFlags = 1 << iota
	// AllocationCreate32BitAddressing carves the GPU address out of the 32-bit heap, for state
	// that is programmed with an offset from a 32-bit base address
	AllocationCreate32BitAddressing
	// AllocationCreateCpuInaccessible creates a kernel-owned buffer object that has no host
	// address. The allocation is placed in SystemCpuInaccessible.
	AllocationCreateCpuInaccessible
	// AllocationCreateLocalMemory places the allocation in device-local memory. The memory
	// manager must have been created with LocalMemorySupported.
	AllocationCreateLocalMemory
	// AllocationCreateReadOnly asks the kernel to map host-backed memory read-only for the GPU
	AllocationCreateReadOnly
	// AllocationCreateNotEvictable marks the allocation as not evictable by the residency
	// manager
	AllocationCreateNotEvictable
)

var allocationCreateFlagsMapping = make(map[AllocationCreateFlags]string)

func (f AllocationCreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for remaining := uint32(f); remaining != 0; {
		bit := AllocationCreateFlags(1 << bits.TrailingZeros32(remaining))
		remaining &^= uint32(bit)

		name, ok := allocationCreateFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}
	return strings.Join(names, "|")
}

func init() {
	allocationCreateFlagsMapping[AllocationCreate64KBPages] = "AllocationCreate64KBPages"
	allocationCreateFlagsMapping[AllocationCreate32BitAddressing] = "AllocationCreate32BitAddressing"
	allocationCreateFlagsMapping[AllocationCreateCpuInaccessible] = "AllocationCreateCpuInaccessible"
	allocationCreateFlagsMapping[AllocationCreateLocalMemory] = "AllocationCreateLocalMemory"
	allocationCreateFlagsMapping[AllocationCreateReadOnly] = "AllocationCreateReadOnly"
	allocationCreateFlagsMapping[AllocationCreateNotEvictable] = "AllocationCreateNotEvictable"
}

// AllocationCreateInfo describes a fresh allocation requested from MemoryManager.AllocateGraphicsMemory
type AllocationCreateInfo struct {
	// Size is the requested size in bytes. The allocation is rounded up to the placement's
	// page size.
	Size int
	// Type records what the allocation is used for
	Type AllocationType
	// Flags select the placement
	Flags AllocationCreateFlags
	// Shareable allocations can be exported with MemoryManager.ExportSharedHandle. They are
	// always backed by a kernel-owned buffer object.
	Shareable bool

	// Name is an optional name, printed by MemoryManager.BuildStatsString
	Name string
	// UserData is an optional value stored on the allocation
	UserData any
}

func (o *AllocationCreateInfo) validate() error {
	if o.Size <= 0 {
		return errors.Newf("allocation size must be positive, but was %d", o.Size)
	}

	if o.Flags&AllocationCreateLocalMemory != 0 && o.Flags&AllocationCreate32BitAddressing != 0 {
		return errors.Newf("flags %s are not compatible with each other", o.Flags)
	}

	if o.Flags&AllocationCreateCpuInaccessible != 0 && o.Flags&AllocationCreate32BitAddressing != 0 {
		return errors.Newf("flags %s are not compatible with each other", o.Flags)
	}

	if o.Shareable && o.Flags&AllocationCreate32BitAddressing != 0 {
		return errors.New("shareable allocations cannot use 32-bit gpu addressing")
	}

	return nil
}
