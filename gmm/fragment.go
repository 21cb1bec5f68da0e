package gmm

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/memutils"
)

// BufferObjectHandle refers to a kernel buffer object held in the memory manager's buffer
// object table. It does not own the buffer object.
type BufferObjectHandle uint32

// NullBufferObject is never a valid kernel handle
const NullBufferObject BufferObjectHandle = 0

// SharedHandle is an OS-level identifier used to move a buffer object across process
// boundaries. On DRM it is a dma-buf file descriptor. Its bit layout belongs to the OS.
type SharedHandle int64

// NonSharedResource marks an allocation that was neither imported nor exported
const NonSharedResource SharedHandle = -1

type FragmentPosition byte

const (
	FragmentNone FragmentPosition = iota
	FragmentLeading
	FragmentMiddle
	FragmentTrailing
)

var fragmentPositionMapping = make(map[FragmentPosition]string)

func (p FragmentPosition) String() string {
	return fragmentPositionMapping[p]
}

func init() {
	fragmentPositionMapping[FragmentNone] = "FragmentNone"
	fragmentPositionMapping[FragmentLeading] = "FragmentLeading"
	fragmentPositionMapping[FragmentMiddle] = "FragmentMiddle"
	fragmentPositionMapping[FragmentTrailing] = "FragmentTrailing"
}

// OsHandle associates one fragment of an allocation with the buffer object backing it.
// It is a lookup key only: the buffer object's lifetime is governed by the memory manager.
type OsHandle struct {
	BO BufferObjectHandle
}

// Fragment is a host address range paired with the OsHandle that backs it
type Fragment struct {
	CPUPtr   uintptr
	Size     int
	Position FragmentPosition
	OsHandle OsHandle
}

// End returns the first address after the fragment
func (f Fragment) End() uintptr {
	return f.CPUPtr + uintptr(f.Size)
}

func (f Fragment) String() string {
	return fmt.Sprintf("[0x%x,0x%x)->%d", f.CPUPtr, f.End(), f.OsHandle.BO)
}

// FragmentStorage is the ordered list of fragments backing an allocation whose memory is not
// a single kernel object. Fragments are kept in the order they are appended, which the memory
// manager guarantees to be ascending by address.
type FragmentStorage struct {
	fragments []Fragment
}

var _ memutils.Validatable = &FragmentStorage{}

// FragmentCount returns the number of fragments. 0 means the allocation is backed by its
// own buffer object.
func (s *FragmentStorage) FragmentCount() int {
	return len(s.fragments)
}

// Fragment returns the fragment at index
func (s *FragmentStorage) Fragment(index int) Fragment {
	return s.fragments[index]
}

// Append adds a fragment after the ones already present
func (s *FragmentStorage) Append(fragment Fragment) {
	s.fragments = append(s.fragments, fragment)
}

// clip returns a copy of the storage whose slice has no spare capacity, so that appends to
// the copy never write into the original's backing array
func (s *FragmentStorage) clip() FragmentStorage {
	if len(s.fragments) == 0 {
		return FragmentStorage{}
	}
	fragments := make([]Fragment, len(s.fragments))
	copy(fragments, s.fragments)
	return FragmentStorage{fragments: fragments}
}

// Validate checks that fragments are non-empty, backed by a buffer object, ascending by
// address and non-overlapping
func (s *FragmentStorage) Validate() error {
	for i, fragment := range s.fragments {
		if fragment.Size <= 0 {
			return errors.Newf("fragment %d at 0x%x has invalid size %d", i, fragment.CPUPtr, fragment.Size)
		}
		if fragment.OsHandle.BO == NullBufferObject {
			return errors.Newf("fragment %d at 0x%x has no backing buffer object", i, fragment.CPUPtr)
		}
		if fragment.End() < fragment.CPUPtr {
			return errors.Newf("fragment %d at 0x%x of size %d wraps the address space", i, fragment.CPUPtr, fragment.Size)
		}
		if i > 0 && fragment.CPUPtr < s.fragments[i-1].End() {
			return errors.Newf("fragment %d %s overlaps or precedes fragment %d %s", i, fragment, i-1, s.fragments[i-1])
		}
	}

	return nil
}
