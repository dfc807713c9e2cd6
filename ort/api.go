package ort

// OrtApiBase mirrors the struct returned by OrtGetApiBase.
type OrtApiBase struct {
	GetApi           uintptr
	GetVersionString uintptr
}

// OrtApi mirrors the leading entries of the C OrtApi function table.
//
// Field order must match onnxruntime_c_api.h exactly: the struct is overlaid
// on the table returned by GetApi, so only a prefix of it is declared and
// entries are never reordered. tools/gen_ortapi.go regenerates this list.
type OrtApi struct {
	CreateStatus    uintptr
	GetErrorCode    uintptr
	GetErrorMessage uintptr

	CreateEnv                 uintptr
	CreateEnvWithCustomLogger uintptr
	EnableTelemetryEvents     uintptr
	DisableTelemetryEvents    uintptr

	CreateSession          uintptr
	CreateSessionFromArray uintptr
	Run                    uintptr

	CreateSessionOptions             uintptr
	SetOptimizedModelFilePath        uintptr
	CloneSessionOptions              uintptr
	SetSessionExecutionMode          uintptr
	EnableProfiling                  uintptr
	DisableProfiling                 uintptr
	EnableMemPattern                 uintptr
	DisableMemPattern                uintptr
	EnableCpuMemArena                uintptr
	DisableCpuMemArena               uintptr
	SetSessionLogId                  uintptr
	SetSessionLogVerbosityLevel      uintptr
	SetSessionLogSeverityLevel       uintptr
	SetSessionGraphOptimizationLevel uintptr
	SetIntraOpNumThreads             uintptr
	SetInterOpNumThreads             uintptr

	CreateCustomOpDomain     uintptr
	CustomOpDomain_Add       uintptr
	AddCustomOpDomain        uintptr
	RegisterCustomOpsLibrary uintptr

	SessionGetInputCount                     uintptr
	SessionGetOutputCount                    uintptr
	SessionGetOverridableInitializerCount    uintptr
	SessionGetInputTypeInfo                  uintptr
	SessionGetOutputTypeInfo                 uintptr
	SessionGetOverridableInitializerTypeInfo uintptr
	SessionGetInputName                      uintptr
	SessionGetOutputName                     uintptr
	SessionGetOverridableInitializerName     uintptr

	CreateRunOptions                  uintptr
	RunOptionsSetRunLogVerbosityLevel uintptr
	RunOptionsSetRunLogSeverityLevel  uintptr
	RunOptionsSetRunTag               uintptr
	RunOptionsGetRunLogVerbosityLevel uintptr
	RunOptionsGetRunLogSeverityLevel  uintptr
	RunOptionsGetRunTag               uintptr
	RunOptionsSetTerminate            uintptr
	RunOptionsUnsetTerminate          uintptr

	CreateTensorAsOrtValue         uintptr
	CreateTensorWithDataAsOrtValue uintptr
	IsTensor                       uintptr
	GetTensorMutableData           uintptr

	FillStringTensor          uintptr
	GetStringTensorDataLength uintptr
	GetStringTensorContent    uintptr

	CastTypeInfoToTensorInfo     uintptr
	GetOnnxTypeFromTypeInfo      uintptr
	CreateTensorTypeAndShapeInfo uintptr
	SetTensorElementType         uintptr

	SetDimensions              uintptr
	GetTensorElementType       uintptr
	GetDimensionsCount         uintptr
	GetDimensions              uintptr
	GetSymbolicDimensions      uintptr
	GetTensorShapeElementCount uintptr
	GetTensorTypeAndShape      uintptr
	GetTypeInfo                uintptr
	GetValueType               uintptr
	CreateMemoryInfo           uintptr
	CreateCpuMemoryInfo        uintptr
	CompareMemoryInfo          uintptr
	MemoryInfoGetName          uintptr
	MemoryInfoGetId            uintptr
	MemoryInfoGetMemType       uintptr
	MemoryInfoGetType          uintptr

	AllocatorAlloc                 uintptr
	AllocatorFree                  uintptr
	AllocatorGetInfo               uintptr
	GetAllocatorWithDefaultOptions uintptr
	AddFreeDimensionOverride       uintptr

	GetValue          uintptr
	GetValueCount     uintptr
	CreateValue       uintptr
	CreateOpaqueValue uintptr
	GetOpaqueValue    uintptr

	KernelInfoGetAttribute_float  uintptr
	KernelInfoGetAttribute_int64  uintptr
	KernelInfoGetAttribute_string uintptr
	KernelContext_GetInputCount   uintptr
	KernelContext_GetOutputCount  uintptr
	KernelContext_GetInput        uintptr
	KernelContext_GetOutput       uintptr

	ReleaseEnv                    uintptr
	ReleaseStatus                 uintptr
	ReleaseMemoryInfo             uintptr
	ReleaseSession                uintptr
	ReleaseValue                  uintptr
	ReleaseRunOptions             uintptr
	ReleaseTypeInfo               uintptr
	ReleaseTensorTypeAndShapeInfo uintptr
	ReleaseSessionOptions         uintptr
	ReleaseCustomOpDomain         uintptr

	GetDenotationFromTypeInfo      uintptr
	CastTypeInfoToMapTypeInfo      uintptr
	CastTypeInfoToSequenceTypeInfo uintptr
	GetMapKeyType                  uintptr
	GetMapValueType                uintptr
	GetSequenceElementType         uintptr
	ReleaseMapTypeInfo             uintptr
	ReleaseSequenceTypeInfo        uintptr

	SessionEndProfiling                  uintptr
	SessionGetModelMetadata              uintptr
	ModelMetadataGetProducerName         uintptr
	ModelMetadataGetGraphName            uintptr
	ModelMetadataGetDomain               uintptr
	ModelMetadataGetDescription          uintptr
	ModelMetadataLookupCustomMetadataMap uintptr
	ModelMetadataGetVersion              uintptr
	ReleaseModelMetadata                 uintptr

	CreateEnvWithGlobalThreadPools        uintptr
	DisablePerSessionThreads              uintptr
	CreateThreadingOptions                uintptr
	ReleaseThreadingOptions               uintptr
	ModelMetadataGetCustomMetadataMapKeys uintptr
	AddFreeDimensionOverrideByName        uintptr
	GetAvailableProviders                 uintptr
	ReleaseAvailableProviders             uintptr
	GetStringTensorElementLength          uintptr
	GetStringTensorElement                uintptr
	FillStringTensorElement               uintptr
	AddSessionConfigEntry                 uintptr
}

// Status represents an ONNX Runtime status
// Thread-safe: Status can be shared across goroutines for read operations
type Status struct {
	handle uintptr // Pointer to OrtStatus
}

// IsOK returns true if the status represents success
func (s *Status) IsOK() bool {
	return s == nil || s.handle == 0
}

// GetErrorCode returns the error code carried by the status.
// A status read while the runtime is not loaded reports ErrorCodeFail.
func (s *Status) GetErrorCode() ErrorCode {
	if s.IsOK() {
		return ErrorCodeOK
	}
	return getErrorCode(s.handle)
}

// GetErrorMessage returns the message carried by the status.
func (s *Status) GetErrorMessage() string {
	if s.IsOK() {
		return ""
	}
	return getErrorMessage(s.handle)
}

// Value represents an ONNX Runtime value (tensor, sequence, map, etc.)
type Value interface {
	// Destroy releases the underlying resources
	Destroy() error
	// Type returns the type of the value
	Type() ValueType
}

// nativeValue is implemented by values backed by an OrtValue handle.
type nativeValue interface {
	ortValueHandle() uintptr
}

// typedValue is implemented by values that know their element type and shape
// without a native call, which lets Session.Run validate inputs up front.
type typedValue interface {
	ElementType() TensorElementDataType
	Shape() Shape
}

// ValueType represents the type of an ONNX Runtime value
type ValueType int

const (
	ValueTypeUnknown ValueType = iota
	ValueTypeTensor
	ValueTypeSequence
	ValueTypeMap
	ValueTypeOpaque
	ValueTypeOptional
)
