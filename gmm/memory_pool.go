package gmm

// MemoryPool classifies where an allocation's memory lives. It is fixed when the allocation
// is constructed and drives placement and eviction decisions in the residency manager.
type MemoryPool byte

const (
	MemoryNull MemoryPool = iota
	System4KBPages
	System64KBPages
	System4KBPagesWith32BitGpuAddressing
	System64KBPagesWith32BitGpuAddressing
	SystemCpuInaccessible
	LocalMemory
)

var memoryPoolMapping = make(map[MemoryPool]string)

func (p MemoryPool) String() string {
	return memoryPoolMapping[p]
}

func init() {
	memoryPoolMapping[MemoryNull] = "MemoryNull"
	memoryPoolMapping[System4KBPages] = "System4KBPages"
	memoryPoolMapping[System64KBPages] = "System64KBPages"
	memoryPoolMapping[System4KBPagesWith32BitGpuAddressing] = "System4KBPagesWith32BitGpuAddressing"
	memoryPoolMapping[System64KBPagesWith32BitGpuAddressing] = "System64KBPagesWith32BitGpuAddressing"
	memoryPoolMapping[SystemCpuInaccessible] = "SystemCpuInaccessible"
	memoryPoolMapping[LocalMemory] = "LocalMemory"
}

// memoryPoolCount is the number of distinct MemoryPool values, for per-pool bookkeeping
const memoryPoolCount = int(LocalMemory) + 1

// IsSystemMemoryPool reports whether the pool is backed by system (host) memory
func IsSystemMemoryPool(pool MemoryPool) bool {
	return pool >= System4KBPages && pool <= SystemCpuInaccessible
}

// Is32BitPool reports whether allocations in the pool are addressed through a 32-bit heap
func Is32BitPool(pool MemoryPool) bool {
	return pool == System4KBPagesWith32BitGpuAddressing || pool == System64KBPagesWith32BitGpuAddressing
}
