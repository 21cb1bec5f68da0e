package gmm

import (
	"fmt"
	"math"
	"sync/atomic"
)

const (
	// ObjectNotUsed is the task count of a context slot that holds no outstanding work
	// referencing the allocation
	ObjectNotUsed uint64 = math.MaxUint64
	// ObjectNotResident is the residency task count of a context slot in which the
	// allocation has not been made resident
	ObjectNotResident uint64 = math.MaxUint64
)

// usageInfo is the residency slot of one os context. Each field is accessed atomically, so
// the submission thread of one context never blocks another context's slot.
type usageInfo struct {
	taskCount          atomic.Uint64
	residencyTaskCount atomic.Uint64
	inspectionID       atomic.Uint32
}

type residencyData struct {
	usage              []usageInfo
	registeredContexts atomic.Uint32
}

func (r *residencyData) init(osContextsCount uint32) {
	r.usage = make([]usageInfo, osContextsCount)
	for i := range r.usage {
		r.usage[i].taskCount.Store(ObjectNotUsed)
		r.usage[i].residencyTaskCount.Store(ObjectNotResident)
	}
	r.registeredContexts.Store(0)
}

func (a *Allocation) usageSlot(contextID uint32) *usageInfo {
	if int(contextID) >= len(a.residency.usage) {
		panic(fmt.Sprintf("os context %d is out of range: the allocation tracks %d os contexts", contextID, len(a.residency.usage)))
	}
	return &a.residency.usage[contextID]
}

// UpdateTaskCount records the task count of the latest submission in contextID that
// references this allocation. Passing ObjectNotUsed releases the context's claim.
func (a *Allocation) UpdateTaskCount(taskCount uint64, contextID uint32) {
	old := a.usageSlot(contextID).taskCount.Swap(taskCount)

	if old == ObjectNotUsed && taskCount != ObjectNotUsed {
		a.residency.registeredContexts.Add(1)
	} else if old != ObjectNotUsed && taskCount == ObjectNotUsed {
		a.residency.registeredContexts.Add(^uint32(0))
	}
}

func (a *Allocation) TaskCount(contextID uint32) uint64 {
	return a.usageSlot(contextID).taskCount.Load()
}

// ReleaseUsageInOsContext drops contextID's claim on the allocation
func (a *Allocation) ReleaseUsageInOsContext(contextID uint32) {
	a.UpdateTaskCount(ObjectNotUsed, contextID)
}

func (a *Allocation) IsUsedByOsContext(contextID uint32) bool {
	return a.TaskCount(contextID) != ObjectNotUsed
}

// IsUsed reports whether any os context holds outstanding work referencing the allocation
func (a *Allocation) IsUsed() bool {
	return a.residency.registeredContexts.Load() > 0
}

// UpdateResidencyTaskCount marks the allocation resident in contextID as of the submission
// with the given task count
func (a *Allocation) UpdateResidencyTaskCount(taskCount uint64, contextID uint32) {
	a.usageSlot(contextID).residencyTaskCount.Store(taskCount)
}

func (a *Allocation) ResidencyTaskCount(contextID uint32) uint64 {
	return a.usageSlot(contextID).residencyTaskCount.Load()
}

func (a *Allocation) IsResident(contextID uint32) bool {
	return a.ResidencyTaskCount(contextID) != ObjectNotResident
}

// ResetResidencyTaskCount marks the allocation evicted from contextID
func (a *Allocation) ResetResidencyTaskCount(contextID uint32) {
	a.UpdateResidencyTaskCount(ObjectNotResident, contextID)
}

// InspectionID is scratch space for residency container building, letting a submission
// skip allocations it has already visited
func (a *Allocation) InspectionID(contextID uint32) uint32 {
	return a.usageSlot(contextID).inspectionID.Load()
}

func (a *Allocation) SetInspectionID(id uint32, contextID uint32) {
	a.usageSlot(contextID).inspectionID.Store(id)
}

func (a *Allocation) firstResidentContext() (uint32, bool) {
	for i := range a.residency.usage {
		if a.residency.usage[i].residencyTaskCount.Load() != ObjectNotResident {
			return uint32(i), true
		}
	}

	return 0, false
}
