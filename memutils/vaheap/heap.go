// Package vaheap manages a range of GPU virtual address space. Allocations are placed
// first-fit into an address-ordered tree of free ranges, and freed ranges are merged with
// their neighbors so the tree never holds two adjacent ranges.
package vaheap

import (
	"fmt"

	"github.com/computedrv/gpumem/memutils"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

// ErrOutOfSpace is returned from Heap.Allocate when no free range can hold the request
var ErrOutOfSpace = errors.New("gpu virtual address heap exhausted")

// ErrUnknownAddress is returned from Heap.Free when the address was not returned by Allocate
var ErrUnknownAddress = errors.New("address does not belong to a live heap allocation")

type addressRange struct {
	address uint64
	size    uint64
}

func (r addressRange) end() uint64 { return r.address + r.size }

func byAddress(a, b addressRange) bool { return a.address < b.address }

// Heap is a GPU virtual address range allocator. It is not synchronized; the owner is
// expected to guard it.
type Heap struct {
	base uint64
	size uint64

	free           *btree.BTreeG[addressRange]
	allocations    *swiss.Map[uint64, uint64]
	allocatedBytes uint64
}

var _ memutils.Validatable = &Heap{}

// New creates a heap covering [base, base+size)
func New(base, size uint64) *Heap {
	if size == 0 {
		panic("attempted to create a gpu virtual address heap of 0 size")
	}
	if base+size < base {
		panic(fmt.Sprintf("gpu virtual address heap at 0x%x of size 0x%x overflows the address space", base, size))
	}

	free := btree.NewG[addressRange](8, byAddress)
	free.ReplaceOrInsert(addressRange{address: base, size: size})

	return &Heap{
		base:        base,
		size:        size,
		free:        free,
		allocations: swiss.NewMap[uint64, uint64](42),
	}
}

func (h *Heap) Base() uint64  { return h.base }
func (h *Heap) Size() uint64  { return h.size }
func (h *Heap) Limit() uint64 { return h.base + h.size }

// Contains reports whether address lies inside the range managed by this heap
func (h *Heap) Contains(address uint64) bool {
	return address >= h.base && address < h.Limit()
}

func (h *Heap) AllocationCount() int  { return h.allocations.Count() }
func (h *Heap) FreeRegionsCount() int { return h.free.Len() }
func (h *Heap) SumFreeSize() uint64   { return h.size - h.allocatedBytes }
func (h *Heap) IsEmpty() bool         { return h.allocations.Count() == 0 }

// Allocate reserves size bytes aligned to alignment and returns the start address.
func (h *Heap) Allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("attempted to allocate 0 bytes of gpu virtual address space")
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return 0, err
	}

	var found addressRange
	var address uint64
	placed := false
	h.free.Ascend(func(r addressRange) bool {
		candidate := memutils.AlignUp(r.address, alignment)
		if candidate < r.address || candidate+size < candidate || candidate+size > r.end() {
			return true
		}

		found, address, placed = r, candidate, true
		return false
	})
	if !placed {
		return 0, errors.Wrapf(ErrOutOfSpace, "could not place 0x%x bytes with alignment 0x%x", size, alignment)
	}

	h.free.Delete(found)
	if address > found.address {
		h.free.ReplaceOrInsert(addressRange{address: found.address, size: address - found.address})
	}
	if address+size < found.end() {
		h.free.ReplaceOrInsert(addressRange{address: address + size, size: found.end() - address - size})
	}

	h.allocations.Put(address, size)
	h.allocatedBytes += size
	memutils.DebugValidate(h)

	return address, nil
}

// Free releases the range starting at address and returns its size
func (h *Heap) Free(address uint64) (uint64, error) {
	size, ok := h.allocations.Get(address)
	if !ok {
		return 0, errors.Wrapf(ErrUnknownAddress, "address 0x%x", address)
	}
	h.allocations.Delete(address)
	h.allocatedBytes -= size

	freed := addressRange{address: address, size: size}

	var prev, next addressRange
	mergePrev, mergeNext := false, false
	h.free.DescendLessOrEqual(freed, func(r addressRange) bool {
		prev, mergePrev = r, r.end() == freed.address
		return false
	})
	h.free.AscendGreaterOrEqual(freed, func(r addressRange) bool {
		next, mergeNext = r, freed.end() == r.address
		return false
	})

	if mergePrev {
		h.free.Delete(prev)
		freed.address = prev.address
		freed.size += prev.size
	}
	if mergeNext {
		h.free.Delete(next)
		freed.size += next.size
	}
	h.free.ReplaceOrInsert(freed)
	memutils.DebugValidate(h)

	return size, nil
}

// VisitAllRegions calls visit once for each allocated and free range in address order.
// Allocated ranges are found by walking the gaps between free ranges, so an allocation
// index that does not tile those gaps is reported as an error.
func (h *Heap) VisitAllRegions(visit func(address, size uint64, free bool) error) error {
	cursor := h.base
	var err error

	visitAllocated := func(limit uint64) {
		for err == nil && cursor < limit {
			size, ok := h.allocations.Get(cursor)
			if !ok || size == 0 {
				err = errors.Errorf("no allocation begins at 0x%x, before the free range at 0x%x", cursor, limit)
				return
			}

			err = visit(cursor, size, false)
			cursor += size
		}
	}

	h.free.Ascend(func(r addressRange) bool {
		visitAllocated(r.address)
		if err != nil {
			return false
		}

		err = visit(r.address, r.size, true)
		cursor = r.end()
		return err == nil
	})
	if err == nil {
		visitAllocated(h.Limit())
	}

	return err
}

// Validate walks every region and checks that the heap is fully covered without overlap
// and that no two free ranges are adjacent
func (h *Heap) Validate() error {
	cursor := h.base
	previousFree := false
	var freeBytes uint64
	allocationCount := 0

	err := h.VisitAllRegions(func(address, size uint64, free bool) error {
		if address != cursor {
			return errors.Errorf("region at 0x%x does not begin where the previous region ended (0x%x)", address, cursor)
		}
		if size == 0 {
			return errors.Errorf("region at 0x%x has 0 size", address)
		}
		if free && previousFree {
			return errors.Errorf("free region at 0x%x was not merged with the free region before it", address)
		}
		if free {
			freeBytes += size
		} else {
			allocationCount++
		}

		previousFree = free
		cursor = address + size
		return nil
	})
	if err != nil {
		return err
	}

	if cursor != h.Limit() {
		return errors.Errorf("regions end at 0x%x but the heap ends at 0x%x", cursor, h.Limit())
	}
	if allocationCount != h.allocations.Count() {
		return errors.Errorf("regions hold %d allocations but the heap tracks %d", allocationCount, h.allocations.Count())
	}
	if freeBytes != h.SumFreeSize() {
		return errors.Errorf("free regions hold %d bytes but the heap reports %d free bytes", freeBytes, h.SumFreeSize())
	}

	return nil
}

// AddDetailedStatistics sums this heap's statistics into stats. The heap counts as a single block.
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += int(h.size)

	_ = h.VisitAllRegions(func(address, size uint64, free bool) error {
		if free {
			stats.AddUnusedRange(int(size))
		} else {
			stats.AddAllocation(int(size))
		}
		return nil
	})
}

// PrintJson populates a json object with information about this heap
func (h *Heap) PrintJson(json *jwriter.ObjectState) {
	json.Name("Base").String(fmt.Sprintf("0x%x", h.base))
	json.Name("TotalBytes").Int(int(h.size))
	json.Name("UnusedBytes").Int(int(h.SumFreeSize()))
	json.Name("Allocations").Int(h.AllocationCount())
	json.Name("UnusedRanges").Int(h.FreeRegionsCount())
}
