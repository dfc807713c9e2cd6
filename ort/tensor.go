package ort

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"unsafe"
)

// TensorData lists the Go element types that map onto ONNX tensor element types.
type TensorData interface {
	float32 | float64 | int8 | uint8 | int16 | uint16 | int32 | uint32 | int64 | uint64 | bool
}

// Tensor is an OrtValue backed by a Go slice. The slice stays pinned until
// Destroy.
type Tensor[T TensorData] struct {
	shape       Shape
	data        []T
	elementType TensorElementDataType
	ref         valueRef
	pinner      *runtime.Pinner
}

func (t *Tensor[T]) ortValueHandle() uintptr {
	if t == nil {
		return 0
	}
	return t.ref.current()
}

func (t *Tensor[T]) acquire() (uintptr, func()) {
	return t.ref.acquire()
}

// NewTensor creates a CPU tensor over data. The tensor keeps data pinned and
// reads it in place, so writes to data are visible to later runs.
func NewTensor[T TensorData](shape Shape, data []T) (*Tensor[T], error) {
	return NewTensorWithMemoryInfo[T](nil, shape, data)
}

// NewEmptyTensor allocates a zeroed tensor of the given shape.
func NewEmptyTensor[T TensorData](shape Shape) (*Tensor[T], error) {
	elementCount, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}
	return NewTensorWithMemoryInfo[T](nil, shape, make([]T, elementCount))
}

// NewTensorWithMemoryInfo creates a tensor described by memInfo. A nil
// memInfo means CPU arena memory.
func NewTensorWithMemoryInfo[T TensorData](memInfo *MemoryInfo, shape Shape, data []T) (*Tensor[T], error) {
	elementType, elementSize, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}

	shapeCopy := cloneShape(shape)
	elementCount, err := shapeElementCount(shapeCopy)
	if err != nil {
		return nil, err
	}
	if len(data) != elementCount {
		return nil, fmt.Errorf("data length mismatch: shape %v holds %d elements, got %d", shapeCopy, elementCount, len(data))
	}

	dataBytes, err := tensorDataByteSize(len(data), elementSize)
	if err != nil {
		return nil, err
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	if createTensorWithDataAsOrtValueFunc == nil || releaseMemoryInfoFunc == nil {
		return nil, ErrNotInitialized
	}

	var memInfoHandle uintptr
	if memInfo != nil {
		memInfoHandle = memInfo.nativeHandle()
		if memInfoHandle == 0 {
			return nil, fmt.Errorf("memory info: %w", ErrDestroyed)
		}
	} else {
		memInfoHandle, err = cpuLocation(AllocatorTypeArena, MemTypeCPU).createLocked()
		if err != nil {
			return nil, err
		}
		defer releaseMemoryInfoFunc(memInfoHandle)
	}

	var (
		pinner  *runtime.Pinner
		dataPtr uintptr
		value   uintptr
	)
	if len(data) > 0 {
		pinner = &runtime.Pinner{}
		pinner.Pin(unsafe.SliceData(data))
		// #nosec G103 -- the backing array stays pinned until Destroy.
		dataPtr = uintptr(unsafe.Pointer(unsafe.SliceData(data)))
	}
	fail := func(err error) (*Tensor[T], error) {
		if pinner != nil {
			pinner.Unpin()
		}
		return nil, err
	}

	status := createTensorWithDataAsOrtValueFunc(memInfoHandle, dataPtr, dataBytes, shapePtr(shapeCopy), uintptr(len(shapeCopy)), elementType, &value)
	runtime.KeepAlive(shapeCopy)
	if err := statusToError(OpCreateTensor, status); err != nil {
		return fail(fmt.Errorf("creating %s tensor %v: %w", elementType, shapeCopy, err))
	}
	if err := assertNotNull(OpCreateTensor, value, "OrtValue"); err != nil {
		return fail(err)
	}

	tensor := &Tensor[T]{
		shape:       shapeCopy,
		data:        data,
		elementType: elementType,
		pinner:      pinner,
	}
	tensor.ref.set(value)

	runtime.SetFinalizer(tensor, func(t *Tensor[T]) {
		_ = t.Destroy()
	})

	return tensor, nil
}

// GetData returns the backing slice, or nil once destroyed.
func (t *Tensor[T]) GetData() []T {
	if t == nil {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	return t.data
}

// Shape returns the tensor's dimensions, or nil once destroyed.
func (t *Tensor[T]) Shape() Shape {
	if t == nil {
		return nil
	}
	mu.Lock()
	defer mu.Unlock()
	return t.shape
}

// ElementType returns the ONNX element type of T.
func (t *Tensor[T]) ElementType() TensorElementDataType {
	if t == nil {
		return TensorElementDataTypeUndefined
	}
	return t.elementType
}

// Destroy releases the OrtValue and unpins the data. It waits for runs
// reading the tensor to finish. Repeated calls are no-ops.
func (t *Tensor[T]) Destroy() error {
	if t == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	handle := t.ref.take()
	mu.Lock()
	pinner := t.pinner
	t.pinner = nil
	t.data, t.shape = nil, nil
	runtime.SetFinalizer(t, nil)
	mu.Unlock()

	if handle != 0 && releaseValueFunc != nil {
		releaseValueFunc(handle)
	}
	if pinner != nil {
		pinner.Unpin()
	}
	return nil
}

// Type reports ValueTypeTensor.
func (t *Tensor[T]) Type() ValueType {
	return ValueTypeTensor
}

// tensorDataByteSize returns count*elementSize, failing when the product
// does not fit in a uintptr.
func tensorDataByteSize(count int, elementSize uintptr) (uintptr, error) {
	switch {
	case count < 0:
		return 0, fmt.Errorf("negative element count %d", count)
	case count == 0:
		return 0, nil
	case elementSize == 0:
		return 0, errors.New("zero element size")
	}
	hi, lo := bits.Mul64(uint64(count), uint64(elementSize))
	if hi != 0 || lo > uint64(^uintptr(0)) {
		return 0, fmt.Errorf("tensor byte size overflow: %d elements of %d bytes", count, elementSize)
	}
	return uintptr(lo), nil
}

// tensorElementType returns the ONNX element type for T and its size in
// bytes. ONNX bool is one byte, as is Go's.
func tensorElementType[T TensorData]() (TensorElementDataType, uintptr, error) {
	var zero T
	var dt TensorElementDataType
	switch any(zero).(type) {
	case float32:
		dt = TensorElementDataTypeFloat
	case float64:
		dt = TensorElementDataTypeDouble
	case int8:
		dt = TensorElementDataTypeInt8
	case uint8:
		dt = TensorElementDataTypeUint8
	case int16:
		dt = TensorElementDataTypeInt16
	case uint16:
		dt = TensorElementDataTypeUint16
	case int32:
		dt = TensorElementDataTypeInt32
	case uint32:
		dt = TensorElementDataTypeUint32
	case int64:
		dt = TensorElementDataTypeInt64
	case uint64:
		dt = TensorElementDataTypeUint64
	case bool:
		dt = TensorElementDataTypeBool
	default:
		return TensorElementDataTypeUndefined, 0, fmt.Errorf("unsupported tensor element type %T", zero)
	}
	return dt, unsafe.Sizeof(zero), nil
}
