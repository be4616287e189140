package vam

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func TestFindMemoryTypeIndex(t *testing.T) {
	setup := defaultSetup(1024)
	setup.MemoryTypes = []core1_0.MemoryType{
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
		{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
		{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
	}

	testCases := map[string]struct {
		memoryTypeBits uint32
		createInfo     AllocationCreateInfo
		expectedIndex  int
		expectedErr    error
	}{
		"first fit without flags": {
			memoryTypeBits: 0b1111,
			expectedIndex:  0,
		},
		"first fit honors type bits": {
			memoryTypeBits: 0b1100,
			expectedIndex:  2,
		},
		"required flags": {
			memoryTypeBits: 0b1111,
			createInfo: AllocationCreateInfo{
				RequiredFlags: core1_0.MemoryPropertyHostVisible,
			},
			expectedIndex: 1,
		},
		"preferred flags pick the closest match": {
			memoryTypeBits: 0b1111,
			createInfo: AllocationCreateInfo{
				RequiredFlags:  core1_0.MemoryPropertyHostVisible,
				PreferredFlags: core1_0.MemoryPropertyDeviceLocal,
			},
			expectedIndex: 3,
		},
		"preferred flags tie on lowest index": {
			memoryTypeBits: 0b0111,
			createInfo: AllocationCreateInfo{
				PreferredFlags: core1_0.MemoryPropertyHostCached | core1_0.MemoryPropertyDeviceLocal,
			},
			expectedIndex: 0,
		},
		"create info type bits": {
			memoryTypeBits: 0b1111,
			createInfo: AllocationCreateInfo{
				RequiredFlags:  core1_0.MemoryPropertyHostVisible,
				MemoryTypeBits: 0b0100,
			},
			expectedIndex: 2,
		},
		"required flags missing": {
			memoryTypeBits: 0b0011,
			createInfo: AllocationCreateInfo{
				RequiredFlags: core1_0.MemoryPropertyHostCached,
			},
			expectedErr: ErrNoCompatibleMemoryType,
		},
		"bits beyond the device's types": {
			memoryTypeBits: 0b110000,
			expectedErr:    ErrNoCompatibleMemoryType,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			device, allocator := readyAllocator(t, ctrl, setup)

			index, res, err := allocator.FindMemoryTypeIndex(testCase.memoryTypeBits, testCase.createInfo)
			if testCase.expectedErr != nil {
				require.True(t, errors.Is(err, testCase.expectedErr))
				require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)
				require.Equal(t, -1, index)
			} else {
				require.NoError(t, err)
				require.Equal(t, core1_0.VKSuccess, res)
				require.Equal(t, testCase.expectedIndex, index)
			}

			require.Empty(t, device.Allocations())
		})
	}
}
