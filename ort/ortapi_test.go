package ort

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Slot numbers of selected entries in the C OrtApi table. A field added or
// dropped in the Go mirror shifts every later slot.
func TestOrtApiSlots(t *testing.T) {
	var api OrtApi
	slot := func(offset uintptr) int { return int(offset / unsafe.Sizeof(uintptr(0))) }

	tests := []struct {
		name string
		got  uintptr
		want int
	}{
		{"CreateStatus", unsafe.Offsetof(api.CreateStatus), 0},
		{"CreateEnv", unsafe.Offsetof(api.CreateEnv), 3},
		{"Run", unsafe.Offsetof(api.Run), 9},
		{"CreateTensorWithDataAsOrtValue", unsafe.Offsetof(api.CreateTensorWithDataAsOrtValue), 49},
		{"GetSymbolicDimensions", unsafe.Offsetof(api.GetSymbolicDimensions), 63},
		{"GetAllocatorWithDefaultOptions", unsafe.Offsetof(api.GetAllocatorWithDefaultOptions), 78},
		{"ReleaseEnv", unsafe.Offsetof(api.ReleaseEnv), 92},
		{"ReleaseStatus", unsafe.Offsetof(api.ReleaseStatus), 93},
		{"ReleaseSession", unsafe.Offsetof(api.ReleaseSession), 95},
		{"ReleaseValue", unsafe.Offsetof(api.ReleaseValue), 96},
		{"SessionGetModelMetadata", unsafe.Offsetof(api.SessionGetModelMetadata), 111},
		{"AddSessionConfigEntry", unsafe.Offsetof(api.AddSessionConfigEntry), 130},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slot(tt.got), tt.name)
	}
	assert.Equal(t, 131, slot(unsafe.Sizeof(api)), "mirror ends at AddSessionConfigEntry")
}

func TestOrtApiWithRuntime(t *testing.T) {
	cleanup := setupTestEnvironment(t)
	defer cleanup()

	version := GetVersionString()
	require.NotEqual(t, devVersionString, version)
	t.Logf("ONNX Runtime %s", version)
	assert.NoError(t, CheckMinimumVersion(MinimumOnnxRuntimeVersion))

	mu.Lock()
	api := ortAPI
	mu.Unlock()
	require.NotNil(t, api)
	assert.NotZero(t, api.ReleaseEnv)
	assert.NotZero(t, api.AddSessionConfigEntry)
}

func TestEnvironmentReinitializeCycles(t *testing.T) {
	path := libraryPathFromEnv(t)
	resetEnvironmentState()
	defer resetEnvironmentState()

	require.NoError(t, SetSharedLibraryPath(path))
	for i := 0; i < 3; i++ {
		require.NoError(t, InitializeEnvironment(), "cycle %d", i)
		require.True(t, IsInitialized())
		require.NoError(t, DestroyEnvironment(), "cycle %d", i)
		require.False(t, IsInitialized())
	}
}
