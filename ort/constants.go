package ort

import "fmt"

const (
	// ORT_API_VERSION is the ONNX Runtime C API version requested from OrtGetApiBase.
	ORT_API_VERSION = 22

	// MinimumOnnxRuntimeVersion is the oldest runtime release exposing ORT_API_VERSION.
	MinimumOnnxRuntimeVersion = "1.22.0"
)

// LoggingLevel represents the logging verbosity level
type LoggingLevel int

const (
	LoggingLevelVerbose LoggingLevel = iota
	LoggingLevelInfo
	LoggingLevelWarning
	LoggingLevelError
	LoggingLevelFatal
)

func (l LoggingLevel) String() string {
	switch l {
	case LoggingLevelVerbose:
		return "verbose"
	case LoggingLevelInfo:
		return "info"
	case LoggingLevelWarning:
		return "warning"
	case LoggingLevelError:
		return "error"
	case LoggingLevelFatal:
		return "fatal"
	default:
		return fmt.Sprintf("LoggingLevel(%d)", int(l))
	}
}

func (l LoggingLevel) valid() bool {
	return l >= LoggingLevelVerbose && l <= LoggingLevelFatal
}

// ErrorCode represents ONNX Runtime error codes
type ErrorCode int

const (
	ErrorCodeOK ErrorCode = iota
	ErrorCodeFail
	ErrorCodeInvalidArgument
	ErrorCodeNoSuchFile
	ErrorCodeNoModel
	ErrorCodeEngineError
	ErrorCodeRuntimeException
	ErrorCodeInvalidProtobuf
	ErrorCodeModelLoaded
	ErrorCodeNotImplemented
	ErrorCodeInvalidGraph
	ErrorCodeEPFail
	ErrorCodeModelLoadCanceled
	ErrorCodeModelRequiresCompilation
)

var errorCodeNames = [...]string{
	ErrorCodeOK:                       "OK",
	ErrorCodeFail:                     "FAIL",
	ErrorCodeInvalidArgument:          "INVALID_ARGUMENT",
	ErrorCodeNoSuchFile:               "NO_SUCHFILE",
	ErrorCodeNoModel:                  "NO_MODEL",
	ErrorCodeEngineError:              "ENGINE_ERROR",
	ErrorCodeRuntimeException:         "RUNTIME_EXCEPTION",
	ErrorCodeInvalidProtobuf:          "INVALID_PROTOBUF",
	ErrorCodeModelLoaded:              "MODEL_LOADED",
	ErrorCodeNotImplemented:           "NOT_IMPLEMENTED",
	ErrorCodeInvalidGraph:             "INVALID_GRAPH",
	ErrorCodeEPFail:                   "EP_FAIL",
	ErrorCodeModelLoadCanceled:        "MODEL_LOAD_CANCELED",
	ErrorCodeModelRequiresCompilation: "MODEL_REQUIRES_COMPILATION",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// TensorElementDataType represents the data type of tensor elements
type TensorElementDataType int

const (
	TensorElementDataTypeUndefined TensorElementDataType = iota
	TensorElementDataTypeFloat
	TensorElementDataTypeUint8
	TensorElementDataTypeInt8
	TensorElementDataTypeUint16
	TensorElementDataTypeInt16
	TensorElementDataTypeInt32
	TensorElementDataTypeInt64
	TensorElementDataTypeString
	TensorElementDataTypeBool
	TensorElementDataTypeFloat16
	TensorElementDataTypeDouble
	TensorElementDataTypeUint32
	TensorElementDataTypeUint64
	TensorElementDataTypeComplex64
	TensorElementDataTypeComplex128
	TensorElementDataTypeBFloat16
	TensorElementDataTypeFloat8E4M3FN
	TensorElementDataTypeFloat8E4M3FNUZ
	TensorElementDataTypeFloat8E5M2
	TensorElementDataTypeFloat8E5M2FNUZ
	TensorElementDataTypeUint4
	TensorElementDataTypeInt4
)

var tensorElementDataTypeNames = [...]string{
	TensorElementDataTypeUndefined:      "undefined",
	TensorElementDataTypeFloat:          "float32",
	TensorElementDataTypeUint8:          "uint8",
	TensorElementDataTypeInt8:           "int8",
	TensorElementDataTypeUint16:         "uint16",
	TensorElementDataTypeInt16:          "int16",
	TensorElementDataTypeInt32:          "int32",
	TensorElementDataTypeInt64:          "int64",
	TensorElementDataTypeString:         "string",
	TensorElementDataTypeBool:           "bool",
	TensorElementDataTypeFloat16:        "float16",
	TensorElementDataTypeDouble:         "float64",
	TensorElementDataTypeUint32:         "uint32",
	TensorElementDataTypeUint64:         "uint64",
	TensorElementDataTypeComplex64:      "complex64",
	TensorElementDataTypeComplex128:     "complex128",
	TensorElementDataTypeBFloat16:       "bfloat16",
	TensorElementDataTypeFloat8E4M3FN:   "float8e4m3fn",
	TensorElementDataTypeFloat8E4M3FNUZ: "float8e4m3fnuz",
	TensorElementDataTypeFloat8E5M2:     "float8e5m2",
	TensorElementDataTypeFloat8E5M2FNUZ: "float8e5m2fnuz",
	TensorElementDataTypeUint4:          "uint4",
	TensorElementDataTypeInt4:           "int4",
}

func (t TensorElementDataType) String() string {
	if t >= 0 && int(t) < len(tensorElementDataTypeNames) {
		return tensorElementDataTypeNames[t]
	}
	return fmt.Sprintf("TensorElementDataType(%d)", int(t))
}

// AllocatorType represents the type of memory allocator
type AllocatorType int

const (
	AllocatorTypeInvalid AllocatorType = -1
	AllocatorTypeDevice  AllocatorType = 0
	AllocatorTypeArena   AllocatorType = 1
)

// MemType represents memory types for allocated memory
type MemType int

const (
	MemTypeCPUInput  MemType = -2
	MemTypeCPUOutput MemType = -1
	MemTypeCPU       MemType = MemTypeCPUOutput
	MemTypeDefault   MemType = 0
)

// GraphOptimizationLevel represents the level of graph optimizations
type GraphOptimizationLevel int

// Values mirror GraphOptimizationLevel in onnxruntime_c_api.h.
const (
	GraphOptimizationLevelDisableAll     GraphOptimizationLevel = 0
	GraphOptimizationLevelEnableBasic    GraphOptimizationLevel = 1
	GraphOptimizationLevelEnableExtended GraphOptimizationLevel = 2
	GraphOptimizationLevelEnableAll      GraphOptimizationLevel = 99
)

func (l GraphOptimizationLevel) valid() bool {
	switch l {
	case GraphOptimizationLevelDisableAll, GraphOptimizationLevelEnableBasic,
		GraphOptimizationLevelEnableExtended, GraphOptimizationLevelEnableAll:
		return true
	default:
		return false
	}
}

// ExecutionMode represents the execution mode for the session
type ExecutionMode int

const (
	ExecutionModeSequential ExecutionMode = iota
	ExecutionModeParallel
)

// ONNXType represents the type of an ONNX value
type ONNXType int

const (
	ONNXTypeUnknown ONNXType = iota
	ONNXTypeTensor
	ONNXTypeSequence
	ONNXTypeMap
	ONNXTypeOpaque
	ONNXTypeSparseTensor
	ONNXTypeOptional
)
