package vam

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/blockalloc/memutils"
	"github.com/vkngwrapper/core/v2/common"
)

// AllocatorStatistics holds detailed statistics for every memory type and heap, along with the
// total across the allocator
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

// CalculateStatistics fills stats with the current state of every block. This walks every block
// and region the allocator holds, so it is slow: use HeapBudgets for a cheap summary.
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.logger.Debug("Allocator::CalculateStatistics")

	stats.Total.Clear()
	for i := 0; i < common.MaxMemoryTypes; i++ {
		stats.MemoryTypes[i].Clear()
	}
	for i := 0; i < common.MaxMemoryHeaps; i++ {
		stats.MemoryHeaps[i].Clear()
	}

	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		pool := a.pools[memTypeIndex]
		if pool == nil {
			continue
		}

		pool.AddDetailedStatistics(&stats.MemoryTypes[memTypeIndex])
	}

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[memTypeIndex])
	}

	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// BuildStatsString returns a json document describing the device's memory layout and the allocator's
// usage of it. When detailedMap is true, every block is listed along with each of its regions.
func (a *Allocator) BuildStatsString(detailedMap bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	deviceProperties := a.deviceMemory.DeviceProperties()
	generalObj := rootObj.Name("General").Object()
	generalObj.Name("GPUType").String(deviceProperties.DriverType.String())
	generalObj.Name("BufferImageGranularity").Int(a.bufferImageGranularity)
	generalObj.Name("NonCoherentAtomSize").Int(deviceProperties.Limits.NonCoherentAtomSize)
	generalObj.Name("MaxMemoryAllocationCount").Int(deviceProperties.Limits.MaxMemoryAllocationCount)
	generalObj.Name("MemoryAllocationCount").Int(int(a.deviceMemory.AllocationCount()))
	generalObj.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(&totalObj)
	totalObj.End()

	memoryInfoObj := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heap := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := memoryInfoObj.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heapObj.Name("Flags").String(heap.Flags.String())
		heapObj.Name("Size").Int(heap.Size)

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		heapStatsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].PrintJson(&heapStatsObj)
		heapStatsObj.End()

		typesObj := heapObj.Name("MemoryPools").Object()
		for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(memTypeIndex) != heapIndex {
				continue
			}

			typeObj := typesObj.Name(fmt.Sprintf("Type %d", memTypeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags.String())

			typeStatsObj := typeObj.Name("Stats").Object()
			stats.MemoryTypes[memTypeIndex].PrintJson(&typeStatsObj)
			typeStatsObj.End()

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	memoryInfoObj.End()

	if detailedMap {
		a.printDetailedMap(&rootObj)
	}

	rootObj.End()

	return string(writer.Bytes())
}

func (a *Allocator) printDetailedMap(json *jwriter.ObjectState) {
	a.poolsMutex.RLock()
	defer a.poolsMutex.RUnlock()

	poolsObj := json.Name("DefaultPools").Object()
	defer poolsObj.End()

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		pool := a.pools[memTypeIndex]
		if pool == nil {
			continue
		}

		typeObj := poolsObj.Name(fmt.Sprintf("Type %d", memTypeIndex)).Object()
		typeObj.Name("PreferredBlockSize").Int(pool.PreferredBlockSize())

		blocksObj := typeObj.Name("Blocks").Object()
		pool.PrintDetailedMap(&blocksObj)
		blocksObj.End()

		typeObj.End()
	}
}
