package ort

import "fmt"

// allocator is the runtime's default CPU allocator. It is owned by ONNX
// Runtime for the life of the process and is never released.
type allocator struct {
	handle uintptr
}

// defaultAllocatorLocked requires ortCallMu held for reading.
func defaultAllocatorLocked() (allocator, error) {
	if getAllocatorWithDefaultOptionsFunc == nil {
		return allocator{}, ErrNotInitialized
	}
	var handle uintptr
	status := getAllocatorWithDefaultOptionsFunc(&handle)
	if err := statusToError(OpAllocator, status); err != nil {
		return allocator{}, fmt.Errorf("failed to get default allocator: %w", err)
	}
	if err := assertNotNull(OpAllocator, handle, "Allocator"); err != nil {
		return allocator{}, err
	}
	return allocator{handle: handle}, nil
}

// takeString copies an allocator-owned C string into Go memory and frees it.
// Requires ortCallMu held for reading.
func (a allocator) takeString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	s := CstringToGo(ptr)
	a.free(ptr)
	return s
}

func (a allocator) free(ptr uintptr) {
	if ptr == 0 || a.handle == 0 || allocatorFreeFunc == nil {
		return
	}
	if err := statusToError(OpAllocator, allocatorFreeFunc(a.handle, ptr)); err != nil {
		Logger().WithError(err).Warn("failed to free allocator-owned memory")
	}
}
