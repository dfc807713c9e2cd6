package ort

import (
	"fmt"
	"runtime"
)

// cpuDevice is the allocator name ONNX Runtime uses for host memory.
const cpuDevice = "Cpu"

// memoryLocation is the descriptor an OrtMemoryInfo is built from.
type memoryLocation struct {
	name      string
	allocator AllocatorType
	device    int
	kind      MemType
}

func cpuLocation(allocator AllocatorType, kind MemType) memoryLocation {
	return memoryLocation{name: cpuDevice, allocator: allocator, kind: kind}
}

// MemoryInfo tells ONNX Runtime where a tensor buffer lives. Session inputs
// are always host buffers; other locations are accepted and passed through.
type MemoryInfo struct {
	handle uintptr
	loc    memoryLocation
}

// CreateMemoryInfo wraps OrtApi::CreateMemoryInfo. Call Destroy when done.
func CreateMemoryInfo(name string, allocatorType AllocatorType, deviceID int, memType MemType) (*MemoryInfo, error) {
	if err := checkCString("memory info name", name); err != nil {
		return nil, err
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	m, err := newMemoryInfoLocked(memoryLocation{name: name, allocator: allocatorType, device: deviceID, kind: memType})
	if err != nil {
		return nil, err
	}
	runtime.SetFinalizer(m, func(m *MemoryInfo) {
		_ = m.Destroy()
	})
	return m, nil
}

// CreateCpuMemoryInfo is CreateMemoryInfo for host memory on device 0.
func CreateCpuMemoryInfo(allocatorType AllocatorType, memType MemType) (*MemoryInfo, error) {
	return CreateMemoryInfo(cpuDevice, allocatorType, 0, memType)
}

// newMemoryInfoLocked returns an unfinalized MemoryInfo. Requires ortCallMu
// held for reading.
func newMemoryInfoLocked(loc memoryLocation) (*MemoryInfo, error) {
	handle, err := loc.createLocked()
	if err != nil {
		return nil, err
	}
	return &MemoryInfo{handle: handle, loc: loc}, nil
}

// createLocked returns a raw OrtMemoryInfo handle owned by the caller.
// Requires ortCallMu held for reading.
func (loc memoryLocation) createLocked() (uintptr, error) {
	if createMemoryInfoFunc == nil {
		return 0, ErrNotInitialized
	}

	native, ptr := GoToCstring(loc.name)
	var handle uintptr
	// #nosec G115 -- device ordinals are small; ONNX Runtime validates the value.
	status := createMemoryInfoFunc(ptr, loc.allocator, int32(loc.device), loc.kind, &handle)
	runtime.KeepAlive(native)
	if err := statusToError(OpMemoryInfo, status); err != nil {
		return 0, fmt.Errorf("creating memory info %q: %w", loc.name, err)
	}
	if err := assertNotNull(OpMemoryInfo, handle, "MemoryInfo"); err != nil {
		return 0, err
	}
	return handle, nil
}

// Destroy releases the native memory info. It is idempotent.
func (m *MemoryInfo) Destroy() error {
	if m == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	m.releaseLocked()
	return nil
}

// releaseLocked requires ortCallMu held for reading.
func (m *MemoryInfo) releaseLocked() {
	mu.Lock()
	handle := m.handle
	m.handle = 0
	runtime.SetFinalizer(m, nil)
	mu.Unlock()

	if handle != 0 && releaseMemoryInfoFunc != nil {
		releaseMemoryInfoFunc(handle)
	}
}

func (m *MemoryInfo) GetName() string                 { return m.loc.name }
func (m *MemoryInfo) GetMemType() MemType             { return m.loc.kind }
func (m *MemoryInfo) GetAllocatorType() AllocatorType { return m.loc.allocator }
func (m *MemoryInfo) GetDeviceID() int                { return m.loc.device }

// IsValid reports whether m still owns a native handle.
func (m *MemoryInfo) IsValid() bool {
	return m != nil && m.nativeHandle() != 0
}

func (m *MemoryInfo) nativeHandle() uintptr {
	mu.Lock()
	defer mu.Unlock()
	return m.handle
}
