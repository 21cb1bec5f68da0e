package gmm

import (
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/drm"
	"github.com/computedrv/gpumem/memutils/vaheap"
	"github.com/google/btree"
)

// bufferObject is the memory manager's record of one kernel buffer object. Allocations and
// fragments refer to it by handle; the record is destroyed, and the kernel handle closed,
// when the last reference is released.
type bufferObject struct {
	handle   BufferObjectHandle
	size     int
	refCount int

	gpuAddress uint64
	vaHeap     *vaheap.Heap

	// hostMemory is set when the manager mapped the memory the buffer object wraps
	hostMemory []byte
	// hostPtr is set for userptr buffer objects that back a host pointer fragment
	hostPtr uintptr

	sharedHandles []SharedHandle
}

func (b *bufferObject) hostPtrEnd() uintptr {
	return b.hostPtr + uintptr(b.size)
}

func byHostPtr(a, b *bufferObject) bool { return a.hostPtr < b.hostPtr }

func newHostPtrCache() *btree.BTreeG[*bufferObject] {
	return btree.NewG[*bufferObject](8, byHostPtr)
}

// BufferObjectInfo is a snapshot of a buffer object record held by the memory manager
type BufferObjectInfo struct {
	Handle     BufferObjectHandle
	Size       int
	RefCount   int
	GpuAddress uint64
	// HostPtr is the start of the host range a host pointer fragment buffer object wraps, or 0
	HostPtr       uintptr
	SharedHandles []SharedHandle
}

func (b *bufferObject) info() BufferObjectInfo {
	return BufferObjectInfo{
		Handle:        b.handle,
		Size:          b.size,
		RefCount:      b.refCount,
		GpuAddress:    b.gpuAddress,
		HostPtr:       b.hostPtr,
		SharedHandles: slices.Clone(b.sharedHandles),
	}
}

// registerBufferObject adds a record holding one reference. The mutex must be held.
func (m *MemoryManager) registerBufferObject(record *bufferObject) {
	record.refCount = 1
	m.bufferObjects.Put(record.handle, record)
	m.bufferObjectBytes += record.size
}

// releaseBufferObject drops one reference to the record and destroys it when none remain.
// The mutex must be held.
func (m *MemoryManager) releaseBufferObject(handle BufferObjectHandle) error {
	record, ok := m.bufferObjects.Get(handle)
	if !ok {
		return errors.AssertionFailedf("buffer object %d is not in the buffer object table", handle)
	}

	record.refCount--
	if record.refCount > 0 {
		return nil
	}

	return m.destroyBufferObject(record)
}

func (m *MemoryManager) destroyBufferObject(record *bufferObject) error {
	m.bufferObjects.Delete(record.handle)
	m.bufferObjectBytes -= record.size

	for _, sharedHandle := range record.sharedHandles {
		if owner, ok := m.sharedHandles.Get(sharedHandle); ok && owner == record.handle {
			m.sharedHandles.Delete(sharedHandle)
		}
	}

	if record.hostPtr != 0 {
		m.removeHostPtrFragment(record)
	}

	err := m.driver.Close(drm.Handle(record.handle))
	if err != nil {
		err = errors.Wrapf(err, "failed to close buffer object %d", record.handle)
	}

	if record.vaHeap != nil {
		_, freeErr := record.vaHeap.Free(record.gpuAddress)
		err = errors.CombineErrors(err, freeErr)
	}

	if record.hostMemory != nil {
		err = errors.CombineErrors(err, unmapHostMemory(record.hostMemory))
	}

	return err
}

// registerSharedHandle records that sharedHandle refers to the record's buffer object. A
// handle number the OS reused for a different buffer object is moved over from the record
// that held it before. The mutex must be held.
func (m *MemoryManager) registerSharedHandle(record *bufferObject, sharedHandle SharedHandle) {
	if slices.Contains(record.sharedHandles, sharedHandle) {
		return
	}

	if owner, ok := m.sharedHandles.Get(sharedHandle); ok && owner != record.handle {
		if previous, ok := m.bufferObjects.Get(owner); ok {
			previous.sharedHandles = slices.DeleteFunc(previous.sharedHandles, func(handle SharedHandle) bool {
				return handle == sharedHandle
			})
		}
	}

	record.sharedHandles = append(record.sharedHandles, sharedHandle)
	m.sharedHandles.Put(sharedHandle, record.handle)
}

// findHostPtrFragment looks up the cached buffer object that wraps exactly [ptr, ptr+size).
// It returns nil when no cached fragment touches the range, and ErrHostPtrConflict when one
// overlaps it without matching exactly. The mutex must be held.
func (m *MemoryManager) findHostPtrFragment(ptr uintptr, size int) (*bufferObject, error) {
	end := ptr + uintptr(size)
	pivot := &bufferObject{hostPtr: ptr}

	var next, prev *bufferObject
	m.hostPtrFragments.AscendGreaterOrEqual(pivot, func(record *bufferObject) bool {
		next = record
		return false
	})
	m.hostPtrFragments.DescendLessOrEqual(pivot, func(record *bufferObject) bool {
		if record.hostPtr == ptr {
			return true
		}
		prev = record
		return false
	})

	if next != nil {
		if next.hostPtr == ptr && next.size == size {
			return next, nil
		}
		if next.hostPtr < end {
			return nil, errors.Wrapf(ErrHostPtrConflict,
				"range [0x%x,0x%x) overlaps the fragment [0x%x,0x%x) held by buffer object %d",
				ptr, end, next.hostPtr, next.hostPtrEnd(), next.handle)
		}
	}

	if prev != nil && prev.hostPtrEnd() > ptr {
		return nil, errors.Wrapf(ErrHostPtrConflict,
			"range [0x%x,0x%x) overlaps the fragment [0x%x,0x%x) held by buffer object %d",
			ptr, end, prev.hostPtr, prev.hostPtrEnd(), prev.handle)
	}

	return nil, nil
}

func (m *MemoryManager) insertHostPtrFragment(record *bufferObject) {
	m.hostPtrFragments.ReplaceOrInsert(record)
}

func (m *MemoryManager) removeHostPtrFragment(record *bufferObject) {
	if cached, ok := m.hostPtrFragments.Get(record); ok && cached == record {
		m.hostPtrFragments.Delete(record)
	}
}
