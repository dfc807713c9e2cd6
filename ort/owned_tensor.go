package ort

import (
	"fmt"
	"runtime"
	"unsafe"
)

// OwnedTensor is a tensor allocated by ONNX Runtime, typically a Session.Run
// output. Its buffer belongs to the runtime; read it with OwnedTensorData.
type OwnedTensor struct {
	ref         valueRef
	elementType TensorElementDataType
	shape       Shape
}

// newOwnedTensorLocked takes ownership of value. Requires ortCallMu held for
// reading. On error value is still owned by the caller.
func newOwnedTensorLocked(value uintptr) (*OwnedTensor, error) {
	if err := assertNotNull(OpGetTensorTypeAndShape, value, "OrtValue"); err != nil {
		return nil, err
	}
	if getTensorTypeAndShapeFunc == nil || releaseTensorTypeAndShapeInfoFunc == nil {
		return nil, ErrNotInitialized
	}

	var info uintptr
	if err := statusToError(OpGetTensorTypeAndShape, getTensorTypeAndShapeFunc(value, &info)); err != nil {
		return nil, err
	}
	if err := assertNotNull(OpGetTensorTypeAndShape, info, "TensorTypeAndShapeInfo"); err != nil {
		return nil, err
	}
	defer releaseTensorTypeAndShapeInfoFunc(info)

	elementType, err := tensorInfoElementType(info)
	if err != nil {
		return nil, err
	}
	dims, err := tensorInfoDimensions(info, true)
	if err != nil {
		return nil, err
	}

	t := &OwnedTensor{
		elementType: elementType,
		shape:       Shape(dims),
	}
	t.ref.set(value)
	runtime.SetFinalizer(t, func(t *OwnedTensor) {
		_ = t.Destroy()
	})
	return t, nil
}

// ElementType returns the tensor element type.
func (t *OwnedTensor) ElementType() TensorElementDataType {
	if t == nil {
		return TensorElementDataTypeUndefined
	}
	return t.elementType
}

// Shape returns a copy of the runtime shape of the tensor.
func (t *OwnedTensor) Shape() Shape {
	if t == nil {
		return nil
	}
	if t.ref.current() == 0 {
		return nil
	}
	return cloneShape(t.shape)
}

// Type returns ValueTypeTensor.
func (t *OwnedTensor) Type() ValueType {
	return ValueTypeTensor
}

func (t *OwnedTensor) ortValueHandle() uintptr {
	if t == nil {
		return 0
	}
	return t.ref.current()
}

func (t *OwnedTensor) acquire() (uintptr, func()) {
	return t.ref.acquire()
}

// Destroy releases the runtime-owned value once no run or OwnedTensorData
// call is reading it. It is safe to call more than once.
func (t *OwnedTensor) Destroy() error {
	if t == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	t.releaseLocked()
	return nil
}

// releaseLocked requires ortCallMu held for reading.
func (t *OwnedTensor) releaseLocked() {
	handle := t.ref.take()
	runtime.SetFinalizer(t, nil)

	if handle != 0 && releaseValueFunc != nil {
		releaseValueFunc(handle)
	}
}

// OwnedTensorData copies the tensor contents into a new Go slice. T must
// match the tensor element type.
func OwnedTensorData[T TensorData](t *OwnedTensor) ([]T, error) {
	if t == nil {
		return nil, fmt.Errorf("tensor is nil")
	}
	wantType, elementSize, err := tensorElementType[T]()
	if err != nil {
		return nil, err
	}
	if wantType != t.elementType {
		return nil, fmt.Errorf("tensor element type is %s, cannot read as %s", t.elementType, wantType)
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	handle, done := t.ref.acquire()
	defer done()
	if handle == 0 {
		return nil, fmt.Errorf("tensor: %w", ErrDestroyed)
	}
	count, err := shapeElementCount(t.shape)
	if err != nil {
		return nil, err
	}
	if _, err := tensorDataByteSize(count, elementSize); err != nil {
		return nil, err
	}
	out := make([]T, count)
	if count == 0 {
		return out, nil
	}

	if getTensorMutableDataFunc == nil {
		return nil, ErrNotInitialized
	}
	var dataPtr uintptr
	if err := statusToError(OpGetTensorMutableData, getTensorMutableDataFunc(handle, &dataPtr)); err != nil {
		return nil, err
	}
	if err := assertNotNull(OpGetTensorMutableData, dataPtr, "tensor data"); err != nil {
		return nil, err
	}
	// #nosec G103 -- dataPtr addresses count elements of the OrtValue, which cannot be released until done runs.
	copy(out, unsafe.Slice((*T)(unsafe.Pointer(dataPtr)), count))
	return out, nil
}

// tensorInfoElementType requires ortCallMu held for reading.
func tensorInfoElementType(info uintptr) (TensorElementDataType, error) {
	if getTensorElementTypeFunc == nil {
		return TensorElementDataTypeUndefined, ErrNotInitialized
	}
	var raw int32
	if err := statusToError(OpTensorElementType, getTensorElementTypeFunc(info, &raw)); err != nil {
		return TensorElementDataTypeUndefined, err
	}
	elementType := TensorElementDataType(raw)
	if elementType == TensorElementDataTypeUndefined {
		return elementType, opError(OpTensorElementType, ErrUndefinedElementType)
	}
	return elementType, nil
}

// tensorInfoDimensions reads the dimensions of a tensor info. Model metadata
// must have a rank; runtime values may be scalars when allowScalar is set.
// Requires ortCallMu held for reading.
func tensorInfoDimensions(info uintptr, allowScalar bool) ([]int64, error) {
	if getDimensionsCountFunc == nil || getDimensionsFunc == nil {
		return nil, ErrNotInitialized
	}
	var count uintptr
	if err := statusToError(OpGetDimensionsCount, getDimensionsCountFunc(info, &count)); err != nil {
		return nil, err
	}
	if count == 0 {
		if allowScalar {
			return []int64{}, nil
		}
		return nil, opError(OpGetDimensionsCount, ErrInvalidDimensions)
	}

	dims := make([]int64, count)
	if err := statusToError(OpGetDimensions, getDimensionsFunc(info, unsafe.SliceData(dims), count)); err != nil {
		return nil, err
	}
	return dims, nil
}

// tensorInfoSymbolicDimensions requires ortCallMu held for reading. The
// returned strings are owned by info and copied before it is released.
func tensorInfoSymbolicDimensions(info uintptr, count int) ([]string, error) {
	if count == 0 || getSymbolicDimensionsFunc == nil {
		return nil, nil
	}
	ptrs := make([]uintptr, count)
	if err := statusToError(OpGetDimensions, getSymbolicDimensionsFunc(info, unsafe.SliceData(ptrs), uintptr(count))); err != nil {
		return nil, err
	}
	names := make([]string, count)
	for i, p := range ptrs {
		names[i] = CstringToGo(p)
	}
	return names, nil
}
