package gmm

import (
	"github.com/computedrv/gpumem/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics is a snapshot of the memory manager's bookkeeping
type Statistics struct {
	// MemoryPools holds allocation statistics indexed by MemoryPool
	MemoryPools [memoryPoolCount]memutils.DetailedStatistics
	// Total sums MemoryPools
	Total memutils.DetailedStatistics

	// BufferObjects counts live buffer objects as blocks
	BufferObjects        memutils.Statistics
	SharedHandleCount    int
	HostPtrFragmentCount int

	GpuVaHeap memutils.DetailedStatistics
	Heap32    memutils.DetailedStatistics
}

// CalculateStatistics populates stats with the current state of the memory manager
func (m *MemoryManager) CalculateStatistics(stats *Statistics) {
	m.logger.Debug("MemoryManager::CalculateStatistics")

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.calculateStatistics(stats)
}

func (m *MemoryManager) calculateStatistics(stats *Statistics) {
	stats.Total.Clear()
	for pool := range m.allocations {
		stats.MemoryPools[pool].Clear()
		m.allocations[pool].AddDetailedStatistics(&stats.MemoryPools[pool])
		stats.Total.AddDetailedStatistics(&stats.MemoryPools[pool])
	}

	stats.BufferObjects.Clear()
	stats.BufferObjects.BlockCount = m.bufferObjects.Count()
	stats.BufferObjects.BlockBytes = m.bufferObjectBytes
	stats.BufferObjects.AllocationCount = stats.Total.AllocationCount
	stats.BufferObjects.AllocationBytes = stats.Total.AllocationBytes
	stats.SharedHandleCount = m.sharedHandles.Count()
	stats.HostPtrFragmentCount = m.hostPtrFragments.Len()

	stats.GpuVaHeap.Clear()
	m.gpuVaHeap.AddDetailedStatistics(&stats.GpuVaHeap)
	stats.Heap32.Clear()
	m.heap32.AddDetailedStatistics(&stats.Heap32)
}

// BuildStatsString dumps the memory manager's state as json
//
// detailed - when true, every live allocation is listed under its memory pool
func (m *MemoryManager) BuildStatsString(detailed bool) string {
	m.logger.Debug("MemoryManager::BuildStatsString")

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats Statistics
	m.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	obj := writer.Object()

	general := obj.Name("General").Object()
	general.Name("OsContextCount").Int(int(m.osContextCount))
	general.Name("HostPtrPageSize").Int(m.pageSize)
	general.Name("LocalMemorySupported").Bool(m.localMemorySupported)
	general.Name("Flags").String(m.createFlags.String())
	general.End()

	total := obj.Name("Total").Object()
	stats.Total.PrintJson(&total)
	total.End()

	bufferObjects := obj.Name("BufferObjects").Object()
	bufferObjects.Name("Count").Int(stats.BufferObjects.BlockCount)
	bufferObjects.Name("Bytes").Int(stats.BufferObjects.BlockBytes)
	bufferObjects.Name("SharedHandles").Int(stats.SharedHandleCount)
	bufferObjects.Name("HostPtrFragments").Int(stats.HostPtrFragmentCount)
	bufferObjects.End()

	pools := obj.Name("MemoryPools").Object()
	for pool := range m.allocations {
		if MemoryPool(pool) == MemoryNull {
			continue
		}

		poolObj := pools.Name(MemoryPool(pool).String()).Object()

		poolStats := poolObj.Name("Stats").Object()
		stats.MemoryPools[pool].PrintJson(&poolStats)
		poolStats.End()

		if detailed && !m.allocations[pool].IsEmpty() {
			m.allocations[pool].BuildStatsString(poolObj.Name("Allocations"))
		}

		poolObj.End()
	}
	pools.End()

	heaps := obj.Name("GpuVaHeaps").Object()
	defaultHeap := heaps.Name("Default").Object()
	m.gpuVaHeap.PrintJson(&defaultHeap)
	defaultHeap.End()
	heap32 := heaps.Name("Heap32").Object()
	m.heap32.PrintJson(&heap32)
	heap32.End()
	heaps.End()

	obj.End()

	return string(writer.Bytes())
}
