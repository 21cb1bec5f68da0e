package gmm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/gmm/internal/utils"
	"github.com/computedrv/gpumem/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// allocationList is an intrusive doubly linked list of the live allocations in one memory
// pool. Links are stored on the allocations themselves.
type allocationList struct {
	mutex utils.OptionalRWMutex

	count              int
	bytes              int
	allocationListHead *Allocation
	allocationListTail *Allocation
}

var _ memutils.Validatable = &allocationList{}

func (l *allocationList) Init(useMutex bool) {
	l.mutex = utils.OptionalRWMutex{UseMutex: useMutex}
}

func (l *allocationList) Validate() error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	declaredCount := l.count
	actualCount := 0
	actualBytes := 0

	var prev *Allocation
	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.drmData.nextAlloc {
		if alloc.drmData.prevAlloc != prev {
			return errors.Newf("allocation %d in the list does not link back to its predecessor", actualCount)
		}
		actualCount++
		actualBytes += alloc.size
		prev = alloc
	}

	if prev != l.allocationListTail {
		return errors.New("the last allocation in the list is not the list's tail")
	}

	if declaredCount != actualCount {
		return errors.Newf("the listed number of allocations in the list (%d) does not match the actual number of allocations (%d)", declaredCount, actualCount)
	}

	if l.bytes != actualBytes {
		return errors.Newf("the listed number of bytes in the list (%d) does not match the actual number of bytes (%d)", l.bytes, actualBytes)
	}

	return nil
}

func (l *allocationList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for item := l.allocationListHead; item != nil; item = item.drmData.nextAlloc {
		stats.AddAllocation(item.size)
	}
}

func (l *allocationList) BuildStatsString(writer *jwriter.Writer) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	s := writer.Array()
	defer s.End()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.drmData.nextAlloc {
		o := s.Object()
		alloc.printParameters(&o)
		o.End()
	}
}

// Count returns the number of allocations and the number of bytes they cover
func (l *allocationList) Count() (count int, bytes int) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count, l.bytes
}

func (l *allocationList) IsEmpty() bool {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	return l.count == 0
}

// LogUnreleased logs every allocation left in the list at error level
func (l *allocationList) LogUnreleased(logger *slog.Logger) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.drmData.nextAlloc {
		logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] allocation was not freed before the memory manager was destroyed",
			slog.String("pool", alloc.memoryPool.String()),
			slog.String("type", alloc.allocationType.String()),
			slog.Int("size", alloc.size),
			slog.Uint64("gpuAddress", alloc.gpuAddress),
			slog.String("name", alloc.name),
		)
	}
}

func (l *allocationList) Register(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.pushAllocation(alloc)
}

func (l *allocationList) Unregister(alloc *Allocation) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.removeAllocation(alloc)
}

func (l *allocationList) removeAllocation(alloc *Allocation) {
	prev := alloc.drmData.prevAlloc
	next := alloc.drmData.nextAlloc

	if prev != nil {
		prev.drmData.nextAlloc = next
	} else {
		l.allocationListHead = next
	}

	if next != nil {
		next.drmData.prevAlloc = prev
	} else {
		l.allocationListTail = prev
	}

	alloc.drmData.nextAlloc = nil
	alloc.drmData.prevAlloc = nil

	l.count--
	l.bytes -= alloc.size
}

func (l *allocationList) pushAllocation(alloc *Allocation) {
	if l.count == 0 {
		l.allocationListHead = alloc
		l.allocationListTail = alloc
	} else {
		alloc.drmData.prevAlloc = l.allocationListTail
		l.allocationListTail.drmData.nextAlloc = alloc

		l.allocationListTail = alloc
	}

	l.count++
	l.bytes += alloc.size
}

// VisitAllocations calls visit for every allocation in the list, in registration order
func (l *allocationList) VisitAllocations(visit func(alloc *Allocation)) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	for alloc := l.allocationListHead; alloc != nil; alloc = alloc.drmData.nextAlloc {
		visit(alloc)
	}
}
