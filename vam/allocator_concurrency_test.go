package vam

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
)

func randomCycles(allocator *Allocator, seed int64, cycles int) ([]Lease, error) {
	random := rand.New(rand.NewSource(seed))
	var leases []Lease

	for i := 0; i < cycles; i++ {
		if len(leases) > 0 && (len(leases) >= 64 || random.Intn(2) == 0) {
			index := random.Intn(len(leases))
			err := allocator.Release(leases[index])
			if err != nil {
				return leases, errors.Wrapf(err, "cycle %d", i)
			}

			leases[index] = leases[len(leases)-1]
			leases = leases[:len(leases)-1]
			continue
		}

		size := 1 + random.Intn(4096)
		alignment := 1 << random.Intn(9)
		lease, _, err := allocator.AllocateMemory(requirements(size, alignment, 0b1), AllocationCreateInfo{})
		if err != nil {
			return leases, errors.Wrapf(err, "cycle %d", i)
		}

		if lease.Offset()%alignment != 0 || lease.Size() != size {
			return leases, errors.Newf("cycle %d: %s does not honor size %d and alignment %d", i, lease.String(), size, alignment)
		}
		leases = append(leases, lease)
	}

	return leases, nil
}

func TestConcurrentAllocateRelease(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup(64*1024))

	const workers = 2
	const cycles = 10000

	var wg sync.WaitGroup
	outstanding := make([][]Lease, workers)
	errs := make([]error, workers)

	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			outstanding[worker], errs[worker] = randomCycles(allocator, int64(worker+1), cycles)
		}(worker)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	var all []Lease
	for _, leases := range outstanding {
		all = append(all, leases...)
	}
	requireNoOverlap(t, all)
	requireConsistent(t, allocator)

	var stats AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, len(all), stats.Total.AllocationCount)

	for _, lease := range all {
		require.NoError(t, allocator.Release(lease))
	}
	requireConsistent(t, allocator)

	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.Equal(t, 0, stats.Total.AllocationBytes)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveMemory())
}

func TestRandomCyclesConserveSpace(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, allocator := readyAllocator(t, ctrl, defaultSetup(16*1024))

	random := rand.New(rand.NewSource(99))
	var leases []Lease

	for i := 0; i < 2000; i++ {
		if len(leases) > 0 && random.Intn(3) == 0 {
			index := random.Intn(len(leases))
			require.NoError(t, allocator.Release(leases[index]))
			leases = append(leases[:index], leases[index+1:]...)
		} else {
			info := AllocationCreateInfo{}
			if random.Intn(2) == 0 {
				info.Flags = AllocationCreateStrategyMinOffset
			}

			lease, _, err := allocator.AllocateMemory(requirements(1+random.Intn(2048), 1<<random.Intn(8), 0b1), info)
			require.NoError(t, err)
			leases = append(leases, lease)
		}

		if i%100 == 0 {
			requireConsistent(t, allocator)
			requireNoOverlap(t, leases)
		}
	}

	requireConsistent(t, allocator)
	requireNoOverlap(t, leases)
}
