package memutils

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// Statistics holds basic counters for a set of allocations carved out of a set of
// backing blocks (buffer objects, heaps)
type Statistics struct {
	BlockCount      int
	AllocationCount int
	BlockBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with unused range and size extrema tracking.
// Call Clear before accumulating into a fresh value so the minimums start at math.MaxInt.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

// AddDetailedStatistics folds other into s, e.g. to sum per-pool statistics into a total
func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
	s.AllocationSizeMin = min(s.AllocationSizeMin, other.AllocationSizeMin)
	s.AllocationSizeMax = max(s.AllocationSizeMax, other.AllocationSizeMax)
}

// PrintJson writes the statistics into an open json object. Extrema are omitted unless at
// least two values were accumulated for them.
func (s *DetailedStatistics) PrintJson(json *jwriter.ObjectState) {
	json.Name("BlockCount").Int(s.BlockCount)
	json.Name("BlockBytes").Int(s.BlockBytes)
	json.Name("AllocationCount").Int(s.AllocationCount)
	json.Name("AllocationBytes").Int(s.AllocationBytes)
	json.Name("UnusedRangeCount").Int(s.UnusedRangeCount)

	if s.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}
	if s.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(s.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(s.UnusedRangeSizeMax)
	}
}
