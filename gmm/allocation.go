package gmm

import (
	"fmt"
	"sync/atomic"

	"github.com/computedrv/gpumem/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type backendType byte

const (
	backendTypeNone backendType = iota
	backendTypeDrm
)

var backendTypeMapping = make(map[backendType]string)

func (t backendType) String() string {
	return backendTypeMapping[t]
}

func init() {
	backendTypeMapping[backendTypeNone] = "backendTypeNone"
	backendTypeMapping[backendTypeDrm] = "backendTypeDrm"
}

// AllocationType records what the driver uses an allocation for
type AllocationType byte

const (
	AllocationTypeUnknown AllocationType = iota
	AllocationTypeBuffer
	AllocationTypeBufferHostMemory
	AllocationTypeCommandBuffer
	AllocationTypeKernelArgs
	AllocationTypeKernelISA
	AllocationTypeImage
	AllocationTypeSharedBuffer
	AllocationTypeExternalHostPtr
	AllocationTypeTagBuffer
)

var allocationTypeMapping = make(map[AllocationType]string)

func (t AllocationType) String() string {
	return allocationTypeMapping[t]
}

func init() {
	allocationTypeMapping[AllocationTypeUnknown] = "AllocationTypeUnknown"
	allocationTypeMapping[AllocationTypeBuffer] = "AllocationTypeBuffer"
	allocationTypeMapping[AllocationTypeBufferHostMemory] = "AllocationTypeBufferHostMemory"
	allocationTypeMapping[AllocationTypeCommandBuffer] = "AllocationTypeCommandBuffer"
	allocationTypeMapping[AllocationTypeKernelArgs] = "AllocationTypeKernelArgs"
	allocationTypeMapping[AllocationTypeKernelISA] = "AllocationTypeKernelISA"
	allocationTypeMapping[AllocationTypeImage] = "AllocationTypeImage"
	allocationTypeMapping[AllocationTypeSharedBuffer] = "AllocationTypeSharedBuffer"
	allocationTypeMapping[AllocationTypeExternalHostPtr] = "AllocationTypeExternalHostPtr"
	allocationTypeMapping[AllocationTypeTagBuffer] = "AllocationTypeTagBuffer"
}

type drmData struct {
	bo BufferObjectHandle

	parentManager *MemoryManager
	prevAlloc     *Allocation
	nextAlloc     *Allocation
}

// Allocation is one logical region of GPU-visible memory. The portable part (addresses,
// size, pool, residency) is shared by every backend; backend-specific state lives in the
// per-backend data and is selected by the backend tag.
//
// Size, memory pool, shareability and the fragment list never change after construction.
// Residency slots are the only state written while GPU work is in flight.
type Allocation struct {
	cpuPtr          uintptr
	gpuAddress      uint64
	gpuBaseAddress  uint64
	size            int
	sharedHandle    atomic.Int64
	memoryPool      MemoryPool
	shareable       bool
	osContextsCount uint32

	allocationType AllocationType
	evictable      atomic.Bool
	name           string
	userData       any

	fragmentsStorage FragmentStorage
	residency        residencyData

	backendType backendType
	drmData     drmData
}

func (a *Allocation) initGraphicsAllocation(
	cpuPtr uintptr,
	gpuAddress uint64,
	gpuBaseAddress uint64,
	size int,
	osContextsCount uint32,
	shareable bool,
) {
	if a.backendType != backendTypeNone {
		panic("attempting to init an allocation that has already been initialized")
	}
	if osContextsCount == 0 {
		panic("attempting to init an allocation that can be used by 0 os contexts")
	}

	a.cpuPtr = cpuPtr
	a.gpuAddress = gpuAddress
	a.gpuBaseAddress = gpuBaseAddress
	a.size = size
	a.sharedHandle.Store(int64(NonSharedResource))
	a.memoryPool = MemoryNull
	a.shareable = shareable
	a.osContextsCount = osContextsCount
	a.allocationType = AllocationTypeUnknown
	a.evictable.Store(true)
	a.fragmentsStorage = FragmentStorage{}
	a.residency.init(osContextsCount)
}

func (a *Allocation) initSharedGraphicsAllocation(
	cpuPtr uintptr,
	size int,
	sharedHandle SharedHandle,
	osContextsCount uint32,
	shareable bool,
) {
	a.initGraphicsAllocation(cpuPtr, 0, 0, size, osContextsCount, shareable)
	a.sharedHandle.Store(int64(sharedHandle))
}

func (a *Allocation) initDrmAllocation(bo BufferObjectHandle, pool MemoryPool) {
	if bo == NullBufferObject {
		panic("attempting to init a drm allocation using a nil buffer object")
	}

	a.backendType = backendTypeDrm
	a.drmData.bo = bo
	a.memoryPool = pool
}

// NewDrmAllocation creates an allocation in a unified address pool, where the GPU address is
// the CPU address
func NewDrmAllocation(bo BufferObjectHandle, cpuPtr uintptr, size int, pool MemoryPool, osContextsCount uint32, shareable bool) *Allocation {
	a := &Allocation{}
	a.initGraphicsAllocation(cpuPtr, uint64(cpuPtr), 0, size, osContextsCount, shareable)
	a.initDrmAllocation(bo, pool)
	return a
}

// NewDrmAllocationFromSharedHandle creates an allocation for a buffer object imported through
// sharedHandle. The GPU address is not derived from cpuPtr; it stays 0 until the memory
// manager maps the buffer object.
func NewDrmAllocationFromSharedHandle(bo BufferObjectHandle, cpuPtr uintptr, size int, sharedHandle SharedHandle, pool MemoryPool, osContextsCount uint32, shareable bool) *Allocation {
	a := &Allocation{}
	a.initSharedGraphicsAllocation(cpuPtr, size, sharedHandle, osContextsCount, shareable)
	a.initDrmAllocation(bo, pool)
	return a
}

// NewDrmAllocationWithGpuAddress creates an allocation whose GPU virtual address range was
// reserved independently of its CPU address
func NewDrmAllocationWithGpuAddress(bo BufferObjectHandle, cpuPtr uintptr, gpuAddress uint64, size int, pool MemoryPool, osContextsCount uint32, shareable bool) *Allocation {
	a := &Allocation{}
	a.initGraphicsAllocation(cpuPtr, gpuAddress, 0, size, osContextsCount, shareable)
	a.initDrmAllocation(bo, pool)
	return a
}

// CPUPtr returns the host address of the allocation, or 0 when the CPU cannot access it
func (a *Allocation) CPUPtr() uintptr       { return a.cpuPtr }
func (a *Allocation) IsCPUAccessible() bool { return a.cpuPtr != 0 }
func (a *Allocation) GpuAddress() uint64    { return a.gpuAddress }

// GpuBaseAddress is the base of the heap the GPU address was carved from, or 0 when the
// allocation is addressed with full 64-bit addresses
func (a *Allocation) GpuBaseAddress() uint64 { return a.gpuBaseAddress }

// GpuAddressToPatch is the address as seen relative to GpuBaseAddress, which is what
// 32-bit addressed state must be programmed with
func (a *Allocation) GpuAddressToPatch() uint64 { return a.gpuAddress - a.gpuBaseAddress }

func (a *Allocation) UnderlyingBufferSize() int { return a.size }
func (a *Allocation) MemoryPool() MemoryPool    { return a.memoryPool }
func (a *Allocation) IsAllocationShareable() bool {
	return a.shareable
}
func (a *Allocation) OsContextsCount() uint32 { return a.osContextsCount }

func (a *Allocation) SharedHandle() SharedHandle {
	return SharedHandle(a.sharedHandle.Load())
}

func (a *Allocation) HasSharedHandle() bool {
	return a.SharedHandle() != NonSharedResource
}

func (a *Allocation) AllocationType() AllocationType { return a.allocationType }

// SetAllocationType is not synchronized and should be called before the allocation is handed
// to other goroutines
func (a *Allocation) SetAllocationType(allocationType AllocationType) {
	a.allocationType = allocationType
}

// IsEvictable reports whether the residency manager may evict the allocation under memory
// pressure
func (a *Allocation) IsEvictable() bool           { return a.evictable.Load() }
func (a *Allocation) SetEvictable(evictable bool) { a.evictable.Store(evictable) }
func (a *Allocation) Name() string                { return a.name }
func (a *Allocation) SetName(name string)         { a.name = name }
func (a *Allocation) UserData() any               { return a.userData }
func (a *Allocation) SetUserData(userData any)    { a.userData = userData }

// FragmentCount returns the number of fragments backing the allocation. 0 is the common,
// unfragmented case.
func (a *Allocation) FragmentCount() int {
	return a.fragmentsStorage.FragmentCount()
}

// FragmentsStorage returns a copy of the allocation's fragments
func (a *Allocation) FragmentsStorage() FragmentStorage {
	return a.fragmentsStorage.clip()
}

// SetFragmentsStorage populates the allocation's fragments. Fragments can only be set once,
// before the allocation is used.
func (a *Allocation) SetFragmentsStorage(storage FragmentStorage) {
	if a.backendType == backendTypeNone {
		panic("attempting to set fragments on an allocation that has not been initialized")
	}
	if a.fragmentsStorage.FragmentCount() > 0 {
		panic("attempting to set fragments on an allocation that is already fragmented")
	}

	memutils.DebugValidate(&storage)
	a.fragmentsStorage = storage.clip()
}

// BackingBufferObject resolves the single buffer object that represents the allocation.
// A fragmented allocation is represented by its first fragment's buffer object. Binding
// memory for GPU access must use AppendBufferObjects, which covers every fragment.
func (a *Allocation) BackingBufferObject() BufferObjectHandle {
	switch a.backendType {
	case backendTypeDrm:
		if a.fragmentsStorage.FragmentCount() > 0 {
			return a.fragmentsStorage.fragments[0].OsHandle.BO
		}
		return a.drmData.bo
	}

	panic(fmt.Sprintf("invalid backend type: %s", a.backendType.String()))
}

// AppendBufferObjects appends every buffer object backing the allocation to dst: one per
// fragment for fragmented allocations, otherwise the allocation's own buffer object
func (a *Allocation) AppendBufferObjects(dst []BufferObjectHandle) []BufferObjectHandle {
	switch a.backendType {
	case backendTypeDrm:
		if a.fragmentsStorage.FragmentCount() == 0 {
			return append(dst, a.drmData.bo)
		}
		for _, fragment := range a.fragmentsStorage.fragments {
			dst = append(dst, fragment.OsHandle.BO)
		}
		return dst
	}

	panic(fmt.Sprintf("invalid backend type: %s", a.backendType.String()))
}

func (a *Allocation) setGpuAddress(gpuAddress, gpuBaseAddress uint64) {
	a.gpuAddress = gpuAddress
	a.gpuBaseAddress = gpuBaseAddress
}

func (a *Allocation) setSharedHandle(handle SharedHandle) {
	a.sharedHandle.Store(int64(handle))
}

func (a *Allocation) printParameters(json *jwriter.ObjectState) {
	json.Name("Type").String(a.allocationType.String())
	json.Name("Pool").String(a.memoryPool.String())
	json.Name("Size").Int(a.size)
	json.Name("GpuAddress").String(fmt.Sprintf("0x%x", a.gpuAddress))
	json.Name("BufferObject").Int(int(a.BackingBufferObject()))

	if a.FragmentCount() > 0 {
		json.Name("Fragments").Int(a.FragmentCount())
	}
	if a.HasSharedHandle() {
		json.Name("SharedHandle").Int(int(a.SharedHandle()))
	}
	if a.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", a.userData))
	}
	if a.name != "" {
		json.Name("Name").String(a.name)
	}
}
