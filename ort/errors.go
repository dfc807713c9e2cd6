package ort

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotInitialized is returned when an operation needs the runtime before InitializeEnvironment succeeded.
	ErrNotInitialized = errors.New("ONNX Runtime not initialized")

	// ErrNullPointer is returned when a native call reports success but hands back a null handle.
	ErrNullPointer = errors.New("ONNX Runtime returned a null pointer")

	// ErrDestroyed is returned when a resource is used after Destroy or after a builder was committed.
	ErrDestroyed = errors.New("resource has been destroyed")

	// ErrNoNodes is returned when a model declares no inputs or no outputs.
	ErrNoNodes = errors.New("no nodes in model")

	// ErrUndefinedElementType is returned when the runtime reports an undefined tensor element type.
	ErrUndefinedElementType = errors.New("undefined tensor element type")

	// ErrInvalidDimensions is returned when tensor metadata reports zero dimensions.
	ErrInvalidDimensions = errors.New("invalid dimensions")
)

// Op identifies the native operation that produced an error.
type Op string

const (
	OpEnvironment              Op = "environment"
	OpSessionOptions           Op = "session options"
	OpSession                  Op = "session"
	OpAllocator                Op = "allocator"
	OpInOutCount               Op = "input/output count"
	OpInputName                Op = "input/output name"
	OpGetTypeInfo              Op = "get type info"
	OpCastTypeInfoToTensorInfo Op = "cast type info to tensor info"
	OpTensorElementType        Op = "tensor element type"
	OpGetDimensionsCount       Op = "get dimensions count"
	OpGetDimensions            Op = "get dimensions"
	OpGetTensorTypeAndShape    Op = "get tensor type and shape"
	OpGetTensorMutableData     Op = "get tensor mutable data"
	OpCreateTensor             Op = "create tensor"
	OpMemoryInfo               Op = "memory info"
	OpRunOptions               Op = "run options"
	OpRun                      Op = "run"
	OpProfiling                Op = "profiling"
	OpModelMetadata            Op = "model metadata"
)

// Error is the Go form of a non-null OrtStatus.
type Error struct {
	Op      Op
	Code    ErrorCode
	Message string
	// Err carries a Go-side cause when the failure did not come from a status.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Op))
	b.WriteString(" failed")
	if e.Code != ErrorCodeOK {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsErrorCode reports whether err wraps an *Error carrying code.
func IsErrorCode(err error, code ErrorCode) bool {
	var ortErr *Error
	if !errors.As(err, &ortErr) {
		return false
	}
	return ortErr.Code == code
}

// statusToError converts a native status into an *Error and releases it.
// A null status yields nil.
func statusToError(op Op, status uintptr) error {
	if status == 0 {
		return nil
	}
	s := Status{handle: status}
	code := s.GetErrorCode()
	message := s.GetErrorMessage()
	releaseStatus(status)
	if code == ErrorCodeOK {
		code = ErrorCodeFail
	}
	return &Error{Op: op, Code: code, Message: message}
}

// opError annotates a Go-side failure with the operation it belongs to.
func opError(op Op, err error) error {
	return &Error{Op: op, Err: err}
}

// assertNotNull rejects a null handle produced by a successful native call.
func assertNotNull(op Op, handle uintptr, what string) error {
	if handle != 0 {
		return nil
	}
	return opError(op, fmt.Errorf("%w: %s", ErrNullPointer, what))
}

// FileNotFoundError is returned when a model file does not exist.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("model file does not exist: %q", e.Path)
}

// DimensionsMismatchKind classifies a NonMatchingDimensionsError.
type DimensionsMismatchKind int

const (
	// InputsCount means the number of inputs differs from the model.
	InputsCount DimensionsMismatchKind = iota
	// InputsLength means an input rank differs from the model.
	InputsLength
	// InputsShape means a fixed model dimension differs from the input.
	InputsShape
)

func (k DimensionsMismatchKind) String() string {
	switch k {
	case InputsCount:
		return "inputs count"
	case InputsLength:
		return "inputs length"
	case InputsShape:
		return "inputs shape"
	default:
		return fmt.Sprintf("DimensionsMismatchKind(%d)", int(k))
	}
}

// NonMatchingDimensionsError reports inference inputs that do not fit the model.
type NonMatchingDimensionsError struct {
	Kind DimensionsMismatchKind
	// Index of the first offending input; -1 for InputsCount.
	Index          int
	InferenceInput []Shape
	ModelInput     [][]Dimension
}

func (e *NonMatchingDimensionsError) Error() string {
	switch e.Kind {
	case InputsCount:
		return fmt.Sprintf("non-matching number of inputs: %d (inference) vs %d (model)", len(e.InferenceInput), len(e.ModelInput))
	default:
		return fmt.Sprintf("non-matching %s at input %d: inference %v vs model %v", e.Kind, e.Index, e.InferenceInput, e.ModelInput)
	}
}

// ElementTypeMismatchError reports an input tensor whose element type differs from the model input.
type ElementTypeMismatchError struct {
	Index    int
	Name     string
	Expected TensorElementDataType
	Got      TensorElementDataType
}

func (e *ElementTypeMismatchError) Error() string {
	return fmt.Sprintf("input %d (%q) has element type %s, model expects %s", e.Index, e.Name, e.Got, e.Expected)
}
