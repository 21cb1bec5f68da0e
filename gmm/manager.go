package gmm

import (
	"context"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/drm"
	"github.com/computedrv/gpumem/gmm/internal/utils"
	"github.com/computedrv/gpumem/memutils"
	"github.com/computedrv/gpumem/memutils/vaheap"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"golang.org/x/exp/slog"
)

// MemoryManager is the DRM backend allocator. It creates buffer objects through a drm.Driver,
// owns the buffer object table, the shared handle table, the host pointer fragment cache and
// the GPU virtual address heaps, and hands out Allocations that refer into those tables.
type MemoryManager struct {
	useMutex             bool
	logger               *slog.Logger
	driver               drm.Driver
	createFlags          CreateFlags
	osContextCount       uint32
	pageSize             int
	localMemorySupported bool
	waiter               CompletionWaiter

	mutex             utils.OptionalRWMutex
	bufferObjects     *swiss.Map[BufferObjectHandle, *bufferObject]
	bufferObjectBytes int
	sharedHandles     *swiss.Map[SharedHandle, BufferObjectHandle]
	// hostPtrFragments is ordered by host address and never holds overlapping ranges
	hostPtrFragments *btree.BTreeG[*bufferObject]

	gpuVaHeap *vaheap.Heap
	heap32    *vaheap.Heap

	allocations [memoryPoolCount]allocationList
}

var _ memutils.Validatable = &MemoryManager{}

// OsContextCount is the number of residency slots every allocation is created with
func (m *MemoryManager) OsContextCount() uint32 { return m.osContextCount }

// HostPtrPageSize is the granularity host pointers are partitioned at
func (m *MemoryManager) HostPtrPageSize() int { return m.pageSize }

// Heap32Base is the GPU base address that 32-bit addressed allocations are patched relative to
func (m *MemoryManager) Heap32Base() uint64 { return m.heap32.Base() }

// AllocateGraphicsMemory creates a fresh allocation placed according to o.Flags
//
// o - the size, type and placement of the new allocation
func (m *MemoryManager) AllocateGraphicsMemory(o AllocationCreateInfo) (*Allocation, error) {
	m.logger.Debug("MemoryManager::AllocateGraphicsMemory")

	err := o.validate()
	if err != nil {
		return nil, err
	}

	alignment := m.pageSize
	if o.Flags&AllocationCreate64KBPages != 0 {
		alignment = max(alignment, pageSize64KB)
	}
	if o.Size > math.MaxInt-alignment {
		return nil, errors.Newf("allocation size %d cannot be aligned to %d bytes", o.Size, alignment)
	}
	size := memutils.AlignUp(o.Size, alignment)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var alloc *Allocation
	switch {
	case o.Flags&AllocationCreateLocalMemory != 0:
		if !m.localMemorySupported {
			return nil, errors.Wrapf(ErrUnsupportedPlacement, "%s requested on a device without local memory", AllocationCreateLocalMemory)
		}
		alloc, err = m.allocateKernelBuffer(size, alignment, LocalMemory, o.Shareable)
	case o.Flags&AllocationCreateCpuInaccessible != 0 || o.Shareable:
		alloc, err = m.allocateKernelBuffer(size, alignment, SystemCpuInaccessible, o.Shareable)
	default:
		alloc, err = m.allocateHostMemory(size, alignment, o.Flags)
	}
	if err != nil {
		return nil, err
	}

	alloc.allocationType = o.Type
	alloc.name = o.Name
	alloc.userData = o.UserData
	if o.Flags&AllocationCreateNotEvictable != 0 {
		alloc.evictable.Store(false)
	}

	m.registerAllocation(alloc)
	return alloc, nil
}

// allocateKernelBuffer creates a kernel-owned buffer object with no host address and reserves
// a GPU virtual address range for it. The mutex must be held.
func (m *MemoryManager) allocateKernelBuffer(size, alignment int, pool MemoryPool, shareable bool) (*Allocation, error) {
	handle, err := m.driver.CreateBuffer(size)
	if err != nil {
		return nil, classifyCreateError(err, "failed to create a %d byte buffer object", size)
	}

	gpuAddress, err := m.gpuVaHeap.Allocate(uint64(size), uint64(alignment))
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "failed to reserve gpu virtual addresses for buffer object %d", handle), ErrOutOfMemory)
		return nil, errors.CombineErrors(err, m.driver.Close(handle))
	}

	record := &bufferObject{
		handle:     BufferObjectHandle(handle),
		size:       size,
		gpuAddress: gpuAddress,
		vaHeap:     m.gpuVaHeap,
	}
	m.registerBufferObject(record)

	return NewDrmAllocationWithGpuAddress(record.handle, 0, gpuAddress, size, pool, m.osContextCount, shareable), nil
}

// allocateHostMemory maps host memory and wraps it in a userptr buffer object. The GPU address
// is the host address unless 32-bit addressing was requested. The mutex must be held.
func (m *MemoryManager) allocateHostMemory(size, alignment int, flags AllocationCreateFlags) (*Allocation, error) {
	mapping, ptr, err := mapHostMemory(size, alignment)
	if err != nil {
		return nil, err
	}

	var userptrFlags drm.UserptrFlags
	if flags&AllocationCreateReadOnly != 0 {
		userptrFlags |= drm.UserptrReadOnly
	}

	handle, err := m.driver.CreateUserptr(ptr, size, userptrFlags)
	if err != nil {
		err = classifyUserptrError(err, "failed to wrap %d bytes of host memory at 0x%x", size, ptr)
		return nil, errors.CombineErrors(err, unmapHostMemory(mapping))
	}

	record := &bufferObject{
		handle:     BufferObjectHandle(handle),
		size:       size,
		gpuAddress: uint64(ptr),
		hostMemory: mapping,
	}

	if flags&AllocationCreate32BitAddressing != 0 {
		gpuAddress, err := m.heap32.Allocate(uint64(size), uint64(alignment))
		if err != nil {
			err = errors.Mark(errors.Wrapf(err, "failed to reserve 32-bit gpu virtual addresses for buffer object %d", handle), ErrOutOfMemory)
			err = errors.CombineErrors(err, m.driver.Close(handle))
			return nil, errors.CombineErrors(err, unmapHostMemory(mapping))
		}
		record.gpuAddress = gpuAddress
		record.vaHeap = m.heap32
		m.registerBufferObject(record)

		pool := System4KBPagesWith32BitGpuAddressing
		if flags&AllocationCreate64KBPages != 0 {
			pool = System64KBPagesWith32BitGpuAddressing
		}

		alloc := NewDrmAllocationWithGpuAddress(record.handle, ptr, gpuAddress, size, pool, m.osContextCount, false)
		alloc.setGpuAddress(gpuAddress, m.heap32.Base())
		return alloc, nil
	}

	m.registerBufferObject(record)

	pool := System4KBPages
	if flags&AllocationCreate64KBPages != 0 {
		pool = System64KBPages
	}
	return NewDrmAllocation(record.handle, ptr, size, pool, m.osContextCount, false), nil
}

// AllocateGraphicsMemoryForHostPtr creates an allocation around caller-owned host memory. The
// range is split at page boundaries into at most three fragments (leading page, middle, trailing
// page) so that partial pages shared with neighboring host allocations reuse one buffer object.
//
// hostPtr - the start of the host range, which does not need to be aligned
//
// size - the size of the host range in bytes
func (m *MemoryManager) AllocateGraphicsMemoryForHostPtr(hostPtr uintptr, size int) (*Allocation, error) {
	m.logger.Debug("MemoryManager::AllocateGraphicsMemoryForHostPtr")

	if hostPtr == 0 || size <= 0 || hostPtr+uintptr(size) < hostPtr {
		return nil, errors.Wrapf(ErrHostPtrNotAccessible, "invalid host range 0x%x of %d bytes", hostPtr, size)
	}

	fragments := partitionHostPtr(hostPtr, size, m.pageSize)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var storage FragmentStorage
	for _, fragment := range fragments {
		handle, err := m.acquireHostPtrFragment(fragment.CPUPtr, fragment.Size)
		if err != nil {
			for i := 0; i < storage.FragmentCount(); i++ {
				err = errors.CombineErrors(err, m.releaseBufferObject(storage.Fragment(i).OsHandle.BO))
			}
			return nil, err
		}

		fragment.OsHandle.BO = handle
		storage.Append(fragment)
	}

	alloc := NewDrmAllocation(storage.Fragment(0).OsHandle.BO, hostPtr, size, System4KBPages, m.osContextCount, false)
	alloc.SetFragmentsStorage(storage)
	alloc.allocationType = AllocationTypeExternalHostPtr

	m.registerAllocation(alloc)
	return alloc, nil
}

// acquireHostPtrFragment returns a referenced buffer object wrapping exactly [ptr, ptr+size),
// reusing a cached one when possible. The mutex must be held.
func (m *MemoryManager) acquireHostPtrFragment(ptr uintptr, size int) (BufferObjectHandle, error) {
	record, err := m.findHostPtrFragment(ptr, size)
	if err != nil {
		return NullBufferObject, err
	}

	if record != nil {
		record.refCount++
		return record.handle, nil
	}

	handle, err := m.driver.CreateUserptr(ptr, size, 0)
	if err != nil {
		return NullBufferObject, classifyUserptrError(err, "failed to wrap host range [0x%x,0x%x)", ptr, ptr+uintptr(size))
	}

	record = &bufferObject{
		handle:     BufferObjectHandle(handle),
		size:       size,
		gpuAddress: uint64(ptr),
		hostPtr:    ptr,
	}
	m.registerBufferObject(record)
	m.insertHostPtrFragment(record)

	return record.handle, nil
}

// partitionHostPtr splits [hostPtr, hostPtr+size) widened to page boundaries into fragments. A
// range within a single page, or a range that is already page aligned, is one fragment.
func partitionHostPtr(hostPtr uintptr, size int, pageSize int) []Fragment {
	memutils.DebugCheckPow2(pageSize, "pageSize")

	page := uintptr(pageSize)
	end := hostPtr + uintptr(size)
	alignedStart := memutils.AlignDown(hostPtr, page)
	alignedEnd := memutils.AlignUp(end, page)

	if alignedEnd-alignedStart <= page || (alignedStart == hostPtr && alignedEnd == end) {
		return []Fragment{{
			CPUPtr:   alignedStart,
			Size:     int(alignedEnd - alignedStart),
			Position: FragmentNone,
		}}
	}

	fragments := make([]Fragment, 0, 3)
	middleStart, middleEnd := alignedStart, alignedEnd

	if alignedStart != hostPtr {
		fragments = append(fragments, Fragment{CPUPtr: alignedStart, Size: pageSize, Position: FragmentLeading})
		middleStart += page
	}

	if alignedEnd != end {
		middleEnd -= page
	}

	if middleEnd > middleStart {
		fragments = append(fragments, Fragment{CPUPtr: middleStart, Size: int(middleEnd - middleStart), Position: FragmentMiddle})
	}

	if alignedEnd != end {
		fragments = append(fragments, Fragment{CPUPtr: middleEnd, Size: pageSize, Position: FragmentTrailing})
	}

	return fragments
}

// CreateGraphicsAllocationFromSharedHandle imports a buffer object exported by another process
// or device. Importing a handle to a buffer object that is already in the buffer object table
// reuses the existing record and GPU address.
//
// handle - the dma-buf file descriptor. It remains owned by the caller.
//
// shareable - whether the new allocation may be exported again
func (m *MemoryManager) CreateGraphicsAllocationFromSharedHandle(handle SharedHandle, shareable bool) (*Allocation, error) {
	m.logger.Debug("MemoryManager::CreateGraphicsAllocationFromSharedHandle")

	if handle < 0 {
		return nil, errors.Wrapf(ErrInvalidHandle, "shared handle %d", handle)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	gemHandle, err := m.driver.PrimeFDToHandle(int(handle))
	if err != nil {
		return nil, classifyImportError(err, "failed to import shared handle %d", handle)
	}

	record, ok := m.bufferObjects.Get(BufferObjectHandle(gemHandle))
	if ok {
		record.refCount++
	} else {
		record, err = m.importBufferObject(handle, gemHandle)
		if err != nil {
			return nil, err
		}
	}

	m.registerSharedHandle(record, handle)

	alloc := NewDrmAllocationFromSharedHandle(record.handle, 0, record.size, handle, SystemCpuInaccessible, m.osContextCount, shareable)
	alloc.setGpuAddress(record.gpuAddress, 0)
	alloc.allocationType = AllocationTypeSharedBuffer

	m.registerAllocation(alloc)
	return alloc, nil
}

func (m *MemoryManager) importBufferObject(handle SharedHandle, gemHandle drm.Handle) (*bufferObject, error) {
	size, err := m.driver.SharedBufferSize(int(handle))
	if err == nil && size <= 0 {
		err = errors.Wrapf(ErrInvalidHandle, "shared handle %d refers to a buffer of %d bytes", handle, size)
	}
	if err != nil {
		err = classifyImportError(err, "failed to query the size of shared handle %d", handle)
		return nil, errors.CombineErrors(err, m.driver.Close(gemHandle))
	}

	gpuAddress, err := m.gpuVaHeap.Allocate(uint64(memutils.AlignUp(size, m.pageSize)), uint64(m.pageSize))
	if err != nil {
		err = errors.Mark(errors.Wrapf(err, "failed to reserve gpu virtual addresses for shared handle %d", handle), ErrOutOfMemory)
		return nil, errors.CombineErrors(err, m.driver.Close(gemHandle))
	}

	record := &bufferObject{
		handle:     BufferObjectHandle(gemHandle),
		size:       size,
		gpuAddress: gpuAddress,
		vaHeap:     m.gpuVaHeap,
	}
	m.registerBufferObject(record)

	return record, nil
}

// ExportSharedHandle exports the allocation's buffer object so another process or device can
// import it. Exporting an allocation that already has a shared handle returns that handle.
// The returned file descriptor is owned by the caller; the memory manager forgets it when the
// buffer object is released.
func (m *MemoryManager) ExportSharedHandle(alloc *Allocation) (SharedHandle, error) {
	m.logger.Debug("MemoryManager::ExportSharedHandle")

	if alloc == nil {
		return NonSharedResource, errors.New("attempted to export a nil allocation")
	}
	if !alloc.IsAllocationShareable() {
		return NonSharedResource, errors.Wrapf(ErrNotShareable, "allocation of type %s in %s", alloc.allocationType, alloc.memoryPool)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if alloc.drmData.parentManager != m {
		return NonSharedResource, errors.Wrap(ErrUnknownAllocation, "attempted to export an allocation")
	}

	if alloc.HasSharedHandle() {
		return alloc.SharedHandle(), nil
	}

	record, ok := m.bufferObjects.Get(alloc.BackingBufferObject())
	if !ok {
		return NonSharedResource, errors.AssertionFailedf("buffer object %d of a live allocation is not in the buffer object table", alloc.BackingBufferObject())
	}

	fd, err := m.driver.PrimeHandleToFD(drm.Handle(record.handle))
	if err != nil {
		return NonSharedResource, classifyCreateError(err, "failed to export buffer object %d", record.handle)
	}

	sharedHandle := SharedHandle(fd)
	m.registerSharedHandle(record, sharedHandle)
	alloc.setSharedHandle(sharedHandle)

	return sharedHandle, nil
}

// FreeGraphicsMemory releases an allocation. Submissions still using it are waited for through
// the CompletionWaiter, after which every os context's claim is dropped. Freeing an allocation
// that is still resident in any os context is a programming error and panics.
//
// ctx - bounds the wait for outstanding submissions
//
// alloc - the allocation to free
func (m *MemoryManager) FreeGraphicsMemory(ctx context.Context, alloc *Allocation) error {
	m.logger.Debug("MemoryManager::FreeGraphicsMemory")

	if alloc == nil {
		return errors.New("attempted to free a nil allocation")
	}

	m.mutex.RLock()
	owned := alloc.drmData.parentManager == m
	m.mutex.RUnlock()

	if !owned {
		return errors.Wrap(ErrUnknownAllocation, "attempted to free an allocation")
	}

	err := m.waitForCompletion(ctx, alloc)
	if err != nil {
		return err
	}

	if contextID, resident := alloc.firstResidentContext(); resident {
		panic(fmt.Sprintf("attempting to free an allocation that is still resident in os context %d", contextID))
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if alloc.drmData.parentManager != m {
		return errors.Wrap(ErrUnknownAllocation, "attempted to free an allocation")
	}

	m.allocations[alloc.memoryPool].Unregister(alloc)
	alloc.drmData.parentManager = nil

	for _, handle := range alloc.AppendBufferObjects(nil) {
		err = errors.CombineErrors(err, m.releaseBufferObject(handle))
	}

	if memutils.DebugEnabled {
		if validateErr := m.validate(); validateErr != nil {
			panic(validateErr)
		}
	}

	return err
}

func (m *MemoryManager) waitForCompletion(ctx context.Context, alloc *Allocation) error {
	for contextID := uint32(0); contextID < alloc.osContextsCount; contextID++ {
		taskCount := alloc.TaskCount(contextID)
		if taskCount == ObjectNotUsed {
			continue
		}

		if m.waiter != nil {
			err := m.waiter.WaitForTaskCount(ctx, contextID, taskCount)
			if err != nil {
				return errors.Wrapf(err, "failed waiting for os context %d to reach task count %d", contextID, taskCount)
			}
		}

		alloc.ReleaseUsageInOsContext(contextID)
	}

	return nil
}

// registerAllocation records the allocation as owned by the manager. The mutex must be held.
func (m *MemoryManager) registerAllocation(alloc *Allocation) {
	alloc.drmData.parentManager = m
	m.allocations[alloc.memoryPool].Register(alloc)
}

// BufferObject returns a snapshot of the buffer object record for handle
func (m *MemoryManager) BufferObject(handle BufferObjectHandle) (BufferObjectInfo, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	record, ok := m.bufferObjects.Get(handle)
	if !ok {
		return BufferObjectInfo{}, false
	}
	return record.info(), true
}

// SharedHandleBufferObject returns the buffer object a registered shared handle refers to
func (m *MemoryManager) SharedHandleBufferObject(handle SharedHandle) (BufferObjectHandle, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.sharedHandles.Get(handle)
}

// Validate checks the consistency of the memory manager's tables: allocation lists, GPU
// virtual address heaps, buffer object reference counts, shared handle registrations and the
// host pointer fragment cache
func (m *MemoryManager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.validate()
}

func (m *MemoryManager) validate() error {
	references := make(map[BufferObjectHandle]int)

	for pool := range m.allocations {
		err := m.allocations[pool].Validate()
		if err != nil {
			return errors.Wrapf(err, "allocation list for %s", MemoryPool(pool))
		}

		m.allocations[pool].VisitAllocations(func(alloc *Allocation) {
			for _, handle := range alloc.AppendBufferObjects(nil) {
				references[handle]++
			}
		})
	}

	err := m.gpuVaHeap.Validate()
	if err != nil {
		return errors.Wrap(err, "gpu virtual address heap")
	}
	err = m.heap32.Validate()
	if err != nil {
		return errors.Wrap(err, "32-bit gpu virtual address heap")
	}

	if len(references) != m.bufferObjects.Count() {
		return errors.Newf("live allocations reference %d buffer objects, but the buffer object table holds %d", len(references), m.bufferObjects.Count())
	}

	m.bufferObjects.Iter(func(handle BufferObjectHandle, record *bufferObject) bool {
		if references[handle] != record.refCount {
			err = errors.Newf("buffer object %d has a reference count of %d, but is referenced by %d allocations", handle, record.refCount, references[handle])
			return true
		}
		for _, sharedHandle := range record.sharedHandles {
			if owner, ok := m.sharedHandles.Get(sharedHandle); !ok || owner != handle {
				err = errors.Newf("buffer object %d holds shared handle %d, which is registered to buffer object %d", handle, sharedHandle, owner)
				return true
			}
		}
		return false
	})
	if err != nil {
		return err
	}

	m.sharedHandles.Iter(func(sharedHandle SharedHandle, handle BufferObjectHandle) bool {
		if _, ok := m.bufferObjects.Get(handle); !ok {
			err = errors.Newf("shared handle %d is registered to buffer object %d, which is not in the buffer object table", sharedHandle, handle)
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	var previous *bufferObject
	m.hostPtrFragments.Ascend(func(record *bufferObject) bool {
		if previous != nil && previous.hostPtrEnd() > record.hostPtr {
			err = errors.Newf("host pointer fragment [0x%x,0x%x) overlaps the fragment before it", record.hostPtr, record.hostPtrEnd())
			return false
		}
		if cached, ok := m.bufferObjects.Get(record.handle); !ok || cached != record {
			err = errors.Newf("host pointer fragment [0x%x,0x%x) is cached for buffer object %d, which is not in the buffer object table", record.hostPtr, record.hostPtrEnd(), record.handle)
			return false
		}
		previous = record
		return true
	})

	return err
}

// Destroy releases the memory manager. Allocations must be freed first: any that remain are
// logged and an error is returned.
func (m *MemoryManager) Destroy() error {
	m.logger.Debug("MemoryManager::Destroy")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	unreleased := 0
	for pool := range m.allocations {
		count, _ := m.allocations[pool].Count()
		if count > 0 {
			m.allocations[pool].LogUnreleased(m.logger)
			unreleased += count
		}
	}

	if unreleased > 0 {
		return errors.Newf("the memory manager still has %d allocations that remain unfreed", unreleased)
	}

	if m.bufferObjects.Count() > 0 {
		return errors.AssertionFailedf("the memory manager has no allocations but still holds %d buffer objects", m.bufferObjects.Count())
	}

	return nil
}
