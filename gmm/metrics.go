package gmm

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	descPoolAllocations = iota
	descPoolAllocationBytes
	descBufferObjects
	descBufferObjectBytes
	descSharedHandles
	descHostPtrFragments
	descGpuVaFreeBytes
)

var (
	descriptors = []*prometheus.Desc{
		descPoolAllocations: prometheus.NewDesc(
			"gmm_pool_allocations",
			"Number of live allocations in a memory pool.",
			[]string{
				"pool",
			},
			nil,
		),
		descPoolAllocationBytes: prometheus.NewDesc(
			"gmm_pool_allocation_bytes",
			"Bytes covered by live allocations in a memory pool.",
			[]string{
				"pool",
			},
			nil,
		),
		descBufferObjects: prometheus.NewDesc(
			"gmm_buffer_objects",
			"Number of kernel buffer objects held by the memory manager.",
			nil,
			nil,
		),
		descBufferObjectBytes: prometheus.NewDesc(
			"gmm_buffer_object_bytes",
			"Bytes backed by kernel buffer objects held by the memory manager.",
			nil,
			nil,
		),
		descSharedHandles: prometheus.NewDesc(
			"gmm_shared_handles",
			"Number of registered shared handles.",
			nil,
			nil,
		),
		descHostPtrFragments: prometheus.NewDesc(
			"gmm_host_ptr_fragments",
			"Number of cached host pointer fragment buffer objects.",
			nil,
			nil,
		),
		descGpuVaFreeBytes: prometheus.NewDesc(
			"gmm_gpu_va_free_bytes",
			"Unreserved bytes in a gpu virtual address heap.",
			[]string{
				"heap",
			},
			nil,
		),
	}
)

type managerCollector struct {
	manager *MemoryManager
}

// Collector returns a prometheus.Collector exporting the memory manager's statistics
func (m *MemoryManager) Collector() prometheus.Collector {
	return &managerCollector{manager: m}
}

func (c *managerCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range descriptors {
		ch <- desc
	}
}

func (c *managerCollector) Collect(ch chan<- prometheus.Metric) {
	var stats Statistics
	var gpuVaFree, heap32Free uint64

	c.manager.mutex.RLock()
	c.manager.calculateStatistics(&stats)
	gpuVaFree = c.manager.gpuVaHeap.SumFreeSize()
	heap32Free = c.manager.heap32.SumFreeSize()
	c.manager.mutex.RUnlock()

	for pool := range stats.MemoryPools {
		if MemoryPool(pool) == MemoryNull {
			continue
		}
		name := MemoryPool(pool).String()

		ch <- prometheus.MustNewConstMetric(
			descriptors[descPoolAllocations],
			prometheus.GaugeValue,
			float64(stats.MemoryPools[pool].AllocationCount),
			name,
		)
		ch <- prometheus.MustNewConstMetric(
			descriptors[descPoolAllocationBytes],
			prometheus.GaugeValue,
			float64(stats.MemoryPools[pool].AllocationBytes),
			name,
		)
	}

	ch <- prometheus.MustNewConstMetric(descriptors[descBufferObjects], prometheus.GaugeValue, float64(stats.BufferObjects.BlockCount))
	ch <- prometheus.MustNewConstMetric(descriptors[descBufferObjectBytes], prometheus.GaugeValue, float64(stats.BufferObjects.BlockBytes))
	ch <- prometheus.MustNewConstMetric(descriptors[descSharedHandles], prometheus.GaugeValue, float64(stats.SharedHandleCount))
	ch <- prometheus.MustNewConstMetric(descriptors[descHostPtrFragments], prometheus.GaugeValue, float64(stats.HostPtrFragmentCount))
	ch <- prometheus.MustNewConstMetric(descriptors[descGpuVaFreeBytes], prometheus.GaugeValue, float64(gpuVaFree), "default")
	ch <- prometheus.MustNewConstMetric(descriptors[descGpuVaFreeBytes], prometheus.GaugeValue, float64(heap32Free), "heap32")
}
