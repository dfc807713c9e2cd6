package ort

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/Masterminds/semver/v3"
	"github.com/ebitengine/purego"
)

const (
	defaultEnvironmentName = "onnxruntime-go"
	devVersionString       = "0.0.0-dev"
)

var (
	// mu guards the environment state below. Lock order is ortCallMu -> mu.
	mu       sync.Mutex
	refCount int
	ortLib   *nativeLibrary
	ortAPI   *OrtApi
	ortEnv   uintptr
	libPath  string
	logLevel = LoggingLevelWarning
	envName  = defaultEnvironmentName

	// ortCallMu is held for reading around every native call and for writing
	// while the library is loaded or torn down, so bound functions never
	// disappear underneath a caller.
	ortCallMu sync.RWMutex
)

// Bound C functions. They are assigned while ortCallMu is held for writing
// and read while it is held for reading.
var (
	getVersionStringFunc func() uintptr

	getErrorCodeFunc    func(status uintptr) int32
	getErrorMessageFunc func(status uintptr) uintptr
	releaseStatusFunc   func(status uintptr)

	createEnvFunc  func(level LoggingLevel, logID uintptr, out *uintptr) uintptr
	releaseEnvFunc func(env uintptr)

	createSessionOptionsFunc             func(out *uintptr) uintptr
	releaseSessionOptionsFunc            func(options uintptr)
	setIntraOpNumThreadsFunc             func(options uintptr, threads int32) uintptr
	setInterOpNumThreadsFunc             func(options uintptr, threads int32) uintptr
	setSessionGraphOptimizationLevelFunc func(options uintptr, level GraphOptimizationLevel) uintptr
	setSessionExecutionModeFunc          func(options uintptr, mode ExecutionMode) uintptr
	enableCPUMemArenaFunc                func(options uintptr) uintptr
	disableCPUMemArenaFunc               func(options uintptr) uintptr
	enableMemPatternFunc                 func(options uintptr) uintptr
	disableMemPatternFunc                func(options uintptr) uintptr
	setSessionLogIDFunc                  func(options uintptr, logID uintptr) uintptr
	setSessionLogSeverityLevelFunc       func(options uintptr, level int32) uintptr
	enableProfilingFunc                  func(options uintptr, prefix uintptr) uintptr
	setOptimizedModelFilePathFunc        func(options uintptr, path uintptr) uintptr
	addSessionConfigEntryFunc            func(options uintptr, key uintptr, value uintptr) uintptr

	createSessionFunc          func(env uintptr, modelPath uintptr, options uintptr, out *uintptr) uintptr
	createSessionFromArrayFunc func(env uintptr, data uintptr, length uintptr, options uintptr, out *uintptr) uintptr
	runSessionFunc             func(session uintptr, runOptions uintptr, inputNames *uintptr, inputValues *uintptr, inputLen uintptr, outputNames *uintptr, outputLen uintptr, outputValues *uintptr) uintptr
	releaseSessionFunc         func(session uintptr)

	sessionGetInputCountFunc     func(session uintptr, out *uintptr) uintptr
	sessionGetOutputCountFunc    func(session uintptr, out *uintptr) uintptr
	sessionGetInputNameFunc      func(session uintptr, index uintptr, allocator uintptr, out *uintptr) uintptr
	sessionGetOutputNameFunc     func(session uintptr, index uintptr, allocator uintptr, out *uintptr) uintptr
	sessionGetInputTypeInfoFunc  func(session uintptr, index uintptr, out *uintptr) uintptr
	sessionGetOutputTypeInfoFunc func(session uintptr, index uintptr, out *uintptr) uintptr
	sessionEndProfilingFunc      func(session uintptr, allocator uintptr, out *uintptr) uintptr

	castTypeInfoToTensorInfoFunc      func(typeInfo uintptr, out *uintptr) uintptr
	releaseTypeInfoFunc               func(typeInfo uintptr)
	getTensorElementTypeFunc          func(info uintptr, out *int32) uintptr
	getDimensionsCountFunc            func(info uintptr, out *uintptr) uintptr
	getDimensionsFunc                 func(info uintptr, dims *int64, count uintptr) uintptr
	getSymbolicDimensionsFunc         func(info uintptr, names *uintptr, count uintptr) uintptr
	getTensorTypeAndShapeFunc         func(value uintptr, out *uintptr) uintptr
	releaseTensorTypeAndShapeInfoFunc func(info uintptr)
	getTensorMutableDataFunc          func(value uintptr, out *uintptr) uintptr

	createMemoryInfoFunc               func(name uintptr, allocatorType AllocatorType, deviceID int32, memType MemType, out *uintptr) uintptr
	releaseMemoryInfoFunc              func(memInfo uintptr)
	createTensorWithDataAsOrtValueFunc func(memInfo uintptr, data uintptr, dataLen uintptr, shape *int64, shapeLen uintptr, elementType TensorElementDataType, out *uintptr) uintptr
	releaseValueFunc                   func(value uintptr)

	getAllocatorWithDefaultOptionsFunc func(out *uintptr) uintptr
	allocatorFreeFunc                  func(allocator uintptr, ptr uintptr) uintptr

	createRunOptionsFunc                 func(out *uintptr) uintptr
	releaseRunOptionsFunc                func(options uintptr)
	runOptionsSetRunTagFunc              func(options uintptr, tag uintptr) uintptr
	runOptionsSetRunLogSeverityLevelFunc func(options uintptr, level int32) uintptr
	runOptionsSetTerminateFunc           func(options uintptr) uintptr

	sessionGetModelMetadataFunc              func(session uintptr, out *uintptr) uintptr
	modelMetadataGetProducerNameFunc         func(metadata uintptr, allocator uintptr, out *uintptr) uintptr
	modelMetadataGetGraphNameFunc            func(metadata uintptr, allocator uintptr, out *uintptr) uintptr
	modelMetadataGetDomainFunc               func(metadata uintptr, allocator uintptr, out *uintptr) uintptr
	modelMetadataGetDescriptionFunc          func(metadata uintptr, allocator uintptr, out *uintptr) uintptr
	modelMetadataGetVersionFunc              func(metadata uintptr, out *int64) uintptr
	modelMetadataLookupCustomMetadataMapFunc func(metadata uintptr, allocator uintptr, key uintptr, out *uintptr) uintptr
	releaseModelMetadataFunc                 func(metadata uintptr)
)

// SetSharedLibraryPath sets the path to the ONNX Runtime shared library.
// The path cannot change while the environment is initialized.
func SetSharedLibraryPath(path string) error {
	mu.Lock()
	defer mu.Unlock()
	if refCount > 0 {
		return fmt.Errorf("cannot change library path after environment is initialized")
	}
	libPath = path
	return nil
}

// SetLogLevel sets the severity used when the OrtEnv is created.
func SetLogLevel(level LoggingLevel) error {
	if !level.valid() {
		return fmt.Errorf("invalid log level %d", int(level))
	}
	mu.Lock()
	defer mu.Unlock()
	if refCount > 0 {
		return fmt.Errorf("cannot change log level after environment is initialized")
	}
	logLevel = level
	return nil
}

// SetEnvironmentName sets the log identifier of the OrtEnv.
func SetEnvironmentName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("environment name cannot be empty")
	}
	if err := checkCString("environment name", name); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	if refCount > 0 {
		return fmt.Errorf("cannot change environment name after environment is initialized")
	}
	envName = name
	return nil
}

// IsInitialized returns true if the environment is initialized
func IsInitialized() bool {
	mu.Lock()
	defer mu.Unlock()
	return refCount > 0
}

// InitializeEnvironment loads the ONNX Runtime library and creates the
// process-wide OrtEnv. Calls are reference counted; each successful call
// must be paired with DestroyEnvironment.
func InitializeEnvironment() error {
	mu.Lock()
	if refCount > 0 {
		refCount++
		mu.Unlock()
		return nil
	}
	mu.Unlock()

	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	// Another goroutine may have finished initialization while we waited.
	if refCount > 0 {
		refCount++
		return nil
	}
	if libPath == "" {
		return fmt.Errorf("library path not set, call SetSharedLibraryPath first")
	}

	lib, err := openNativeLibrary(libPath)
	if err != nil {
		return err
	}

	api, getVersion, err := resolveAPI(lib)
	if err != nil {
		_ = lib.close()
		return err
	}
	if err := bindFunctions(api); err != nil {
		unbindFunctions()
		_ = lib.close()
		return err
	}
	getVersionStringFunc = getVersion

	nameBytes, namePtr := GoToCstring(envName)
	var env uintptr
	status := createEnvFunc(logLevel, namePtr, &env)
	runtime.KeepAlive(nameBytes)
	if err := statusToError(OpEnvironment, status); err != nil {
		unbindFunctions()
		_ = lib.close()
		return fmt.Errorf("failed to create ONNX Runtime environment: %w", err)
	}
	if env == 0 {
		unbindFunctions()
		_ = lib.close()
		return fmt.Errorf("failed to create ONNX Runtime environment: %w", ErrNullPointer)
	}

	ortLib = lib
	ortAPI = api
	ortEnv = env
	refCount = 1

	Logger().WithField("path", libPath).WithField("name", envName).Debug("ONNX Runtime environment initialized")
	return nil
}

// DestroyEnvironment drops one environment reference. The last reference
// releases the OrtEnv and unloads the library.
func DestroyEnvironment() error {
	mu.Lock()
	switch {
	case refCount == 0:
		mu.Unlock()
		return nil
	case refCount > 1:
		refCount--
		mu.Unlock()
		return nil
	}
	mu.Unlock()

	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	if refCount == 0 {
		return nil
	}
	refCount--
	if refCount > 0 {
		return nil
	}

	if ortEnv != 0 && releaseEnvFunc != nil {
		releaseEnvFunc(ortEnv)
	}
	ortEnv = 0
	ortAPI = nil
	unbindFunctions()
	getVersionStringFunc = nil

	lib := ortLib
	ortLib = nil
	if err := lib.close(); err != nil {
		return err
	}
	Logger().Debug("ONNX Runtime environment destroyed")
	return nil
}

// retainEnvironment takes an extra reference for a resource that must not
// outlive the environment.
func retainEnvironment() error {
	mu.Lock()
	defer mu.Unlock()
	if refCount == 0 {
		return ErrNotInitialized
	}
	refCount++
	return nil
}

// releaseEnvironment drops a reference taken by retainEnvironment. It must be
// called without ortCallMu held.
func releaseEnvironment() {
	if err := DestroyEnvironment(); err != nil {
		Logger().WithError(err).Error("failed to release ONNX Runtime environment reference")
	}
}

// GetVersionString returns the ONNX Runtime version string
func GetVersionString() string {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	if getVersionStringFunc == nil {
		return devVersionString
	}
	return CstringToGo(getVersionStringFunc())
}

// CheckMinimumVersion returns an error when the loaded runtime is older than minimum.
func CheckMinimumVersion(minimum string) error {
	want, err := semver.NewVersion(minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	if !IsInitialized() {
		return ErrNotInitialized
	}
	raw := GetVersionString()
	got, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("unparseable ONNX Runtime version %q: %w", raw, err)
	}
	if got.LessThan(want) {
		return fmt.Errorf("ONNX Runtime %s is older than required %s", got, want)
	}
	return nil
}

func resolveAPI(lib *nativeLibrary) (*OrtApi, func() uintptr, error) {
	sym, err := lib.symbol("OrtGetApiBase")
	if err != nil {
		return nil, nil, err
	}

	var getAPIBase func() uintptr
	purego.RegisterFunc(&getAPIBase, sym)
	basePtr := getAPIBase()
	if basePtr == 0 {
		return nil, nil, fmt.Errorf("OrtGetApiBase returned null")
	}
	// #nosec G103 -- OrtApiBase is a static table owned by the loaded library.
	base := (*OrtApiBase)(unsafe.Pointer(basePtr))

	var getVersion func() uintptr
	purego.RegisterFunc(&getVersion, base.GetVersionString)

	var getAPI func(version uint32) uintptr
	purego.RegisterFunc(&getAPI, base.GetApi)
	apiPtr := getAPI(ORT_API_VERSION)
	if apiPtr == 0 {
		return nil, nil, fmt.Errorf("ONNX Runtime %s does not support API version %d (need %s or newer)",
			CstringToGo(getVersion()), ORT_API_VERSION, MinimumOnnxRuntimeVersion)
	}
	// #nosec G103 -- OrtApi is a static table owned by the loaded library.
	return (*OrtApi)(unsafe.Pointer(apiPtr)), getVersion, nil
}

// binding pairs a Go function variable with the table entry it is bound to.
type binding struct {
	name string
	fptr any
	cfn  uintptr
}

func apiBindings(api *OrtApi) []binding {
	return []binding{
		{"GetErrorCode", &getErrorCodeFunc, api.GetErrorCode},
		{"GetErrorMessage", &getErrorMessageFunc, api.GetErrorMessage},
		{"ReleaseStatus", &releaseStatusFunc, api.ReleaseStatus},
		{"CreateEnv", &createEnvFunc, api.CreateEnv},
		{"ReleaseEnv", &releaseEnvFunc, api.ReleaseEnv},

		{"CreateSessionOptions", &createSessionOptionsFunc, api.CreateSessionOptions},
		{"ReleaseSessionOptions", &releaseSessionOptionsFunc, api.ReleaseSessionOptions},
		{"SetIntraOpNumThreads", &setIntraOpNumThreadsFunc, api.SetIntraOpNumThreads},
		{"SetInterOpNumThreads", &setInterOpNumThreadsFunc, api.SetInterOpNumThreads},
		{"SetSessionGraphOptimizationLevel", &setSessionGraphOptimizationLevelFunc, api.SetSessionGraphOptimizationLevel},
		{"SetSessionExecutionMode", &setSessionExecutionModeFunc, api.SetSessionExecutionMode},
		{"EnableCpuMemArena", &enableCPUMemArenaFunc, api.EnableCpuMemArena},
		{"DisableCpuMemArena", &disableCPUMemArenaFunc, api.DisableCpuMemArena},
		{"EnableMemPattern", &enableMemPatternFunc, api.EnableMemPattern},
		{"DisableMemPattern", &disableMemPatternFunc, api.DisableMemPattern},
		{"SetSessionLogId", &setSessionLogIDFunc, api.SetSessionLogId},
		{"SetSessionLogSeverityLevel", &setSessionLogSeverityLevelFunc, api.SetSessionLogSeverityLevel},
		{"EnableProfiling", &enableProfilingFunc, api.EnableProfiling},
		{"SetOptimizedModelFilePath", &setOptimizedModelFilePathFunc, api.SetOptimizedModelFilePath},
		{"AddSessionConfigEntry", &addSessionConfigEntryFunc, api.AddSessionConfigEntry},

		{"CreateSession", &createSessionFunc, api.CreateSession},
		{"CreateSessionFromArray", &createSessionFromArrayFunc, api.CreateSessionFromArray},
		{"Run", &runSessionFunc, api.Run},
		{"ReleaseSession", &releaseSessionFunc, api.ReleaseSession},

		{"SessionGetInputCount", &sessionGetInputCountFunc, api.SessionGetInputCount},
		{"SessionGetOutputCount", &sessionGetOutputCountFunc, api.SessionGetOutputCount},
		{"SessionGetInputName", &sessionGetInputNameFunc, api.SessionGetInputName},
		{"SessionGetOutputName", &sessionGetOutputNameFunc, api.SessionGetOutputName},
		{"SessionGetInputTypeInfo", &sessionGetInputTypeInfoFunc, api.SessionGetInputTypeInfo},
		{"SessionGetOutputTypeInfo", &sessionGetOutputTypeInfoFunc, api.SessionGetOutputTypeInfo},
		{"SessionEndProfiling", &sessionEndProfilingFunc, api.SessionEndProfiling},

		{"CastTypeInfoToTensorInfo", &castTypeInfoToTensorInfoFunc, api.CastTypeInfoToTensorInfo},
		{"ReleaseTypeInfo", &releaseTypeInfoFunc, api.ReleaseTypeInfo},
		{"GetTensorElementType", &getTensorElementTypeFunc, api.GetTensorElementType},
		{"GetDimensionsCount", &getDimensionsCountFunc, api.GetDimensionsCount},
		{"GetDimensions", &getDimensionsFunc, api.GetDimensions},
		{"GetSymbolicDimensions", &getSymbolicDimensionsFunc, api.GetSymbolicDimensions},
		{"GetTensorTypeAndShape", &getTensorTypeAndShapeFunc, api.GetTensorTypeAndShape},
		{"ReleaseTensorTypeAndShapeInfo", &releaseTensorTypeAndShapeInfoFunc, api.ReleaseTensorTypeAndShapeInfo},
		{"GetTensorMutableData", &getTensorMutableDataFunc, api.GetTensorMutableData},

		{"CreateMemoryInfo", &createMemoryInfoFunc, api.CreateMemoryInfo},
		{"ReleaseMemoryInfo", &releaseMemoryInfoFunc, api.ReleaseMemoryInfo},
		{"CreateTensorWithDataAsOrtValue", &createTensorWithDataAsOrtValueFunc, api.CreateTensorWithDataAsOrtValue},
		{"ReleaseValue", &releaseValueFunc, api.ReleaseValue},

		{"GetAllocatorWithDefaultOptions", &getAllocatorWithDefaultOptionsFunc, api.GetAllocatorWithDefaultOptions},
		{"AllocatorFree", &allocatorFreeFunc, api.AllocatorFree},

		{"CreateRunOptions", &createRunOptionsFunc, api.CreateRunOptions},
		{"ReleaseRunOptions", &releaseRunOptionsFunc, api.ReleaseRunOptions},
		{"RunOptionsSetRunTag", &runOptionsSetRunTagFunc, api.RunOptionsSetRunTag},
		{"RunOptionsSetRunLogSeverityLevel", &runOptionsSetRunLogSeverityLevelFunc, api.RunOptionsSetRunLogSeverityLevel},
		{"RunOptionsSetTerminate", &runOptionsSetTerminateFunc, api.RunOptionsSetTerminate},

		{"SessionGetModelMetadata", &sessionGetModelMetadataFunc, api.SessionGetModelMetadata},
		{"ModelMetadataGetProducerName", &modelMetadataGetProducerNameFunc, api.ModelMetadataGetProducerName},
		{"ModelMetadataGetGraphName", &modelMetadataGetGraphNameFunc, api.ModelMetadataGetGraphName},
		{"ModelMetadataGetDomain", &modelMetadataGetDomainFunc, api.ModelMetadataGetDomain},
		{"ModelMetadataGetDescription", &modelMetadataGetDescriptionFunc, api.ModelMetadataGetDescription},
		{"ModelMetadataGetVersion", &modelMetadataGetVersionFunc, api.ModelMetadataGetVersion},
		{"ModelMetadataLookupCustomMetadataMap", &modelMetadataLookupCustomMetadataMapFunc, api.ModelMetadataLookupCustomMetadataMap},
		{"ReleaseModelMetadata", &releaseModelMetadataFunc, api.ReleaseModelMetadata},
	}
}

func bindFunctions(api *OrtApi) error {
	for _, b := range apiBindings(api) {
		if b.cfn == 0 {
			return fmt.Errorf("ONNX Runtime API function %s is not available", b.name)
		}
		purego.RegisterFunc(b.fptr, b.cfn)
	}
	return nil
}

func unbindFunctions() {
	getErrorCodeFunc = nil
	getErrorMessageFunc = nil
	releaseStatusFunc = nil
	createEnvFunc = nil
	releaseEnvFunc = nil

	createSessionOptionsFunc = nil
	releaseSessionOptionsFunc = nil
	setIntraOpNumThreadsFunc = nil
	setInterOpNumThreadsFunc = nil
	setSessionGraphOptimizationLevelFunc = nil
	setSessionExecutionModeFunc = nil
	enableCPUMemArenaFunc = nil
	disableCPUMemArenaFunc = nil
	enableMemPatternFunc = nil
	disableMemPatternFunc = nil
	setSessionLogIDFunc = nil
	setSessionLogSeverityLevelFunc = nil
	enableProfilingFunc = nil
	setOptimizedModelFilePathFunc = nil
	addSessionConfigEntryFunc = nil

	createSessionFunc = nil
	createSessionFromArrayFunc = nil
	runSessionFunc = nil
	releaseSessionFunc = nil

	sessionGetInputCountFunc = nil
	sessionGetOutputCountFunc = nil
	sessionGetInputNameFunc = nil
	sessionGetOutputNameFunc = nil
	sessionGetInputTypeInfoFunc = nil
	sessionGetOutputTypeInfoFunc = nil
	sessionEndProfilingFunc = nil

	castTypeInfoToTensorInfoFunc = nil
	releaseTypeInfoFunc = nil
	getTensorElementTypeFunc = nil
	getDimensionsCountFunc = nil
	getDimensionsFunc = nil
	getSymbolicDimensionsFunc = nil
	getTensorTypeAndShapeFunc = nil
	releaseTensorTypeAndShapeInfoFunc = nil
	getTensorMutableDataFunc = nil

	createMemoryInfoFunc = nil
	releaseMemoryInfoFunc = nil
	createTensorWithDataAsOrtValueFunc = nil
	releaseValueFunc = nil

	getAllocatorWithDefaultOptionsFunc = nil
	allocatorFreeFunc = nil

	createRunOptionsFunc = nil
	releaseRunOptionsFunc = nil
	runOptionsSetRunTagFunc = nil
	runOptionsSetRunLogSeverityLevelFunc = nil
	runOptionsSetTerminateFunc = nil

	sessionGetModelMetadataFunc = nil
	modelMetadataGetProducerNameFunc = nil
	modelMetadataGetGraphNameFunc = nil
	modelMetadataGetDomainFunc = nil
	modelMetadataGetDescriptionFunc = nil
	modelMetadataGetVersionFunc = nil
	modelMetadataLookupCustomMetadataMapFunc = nil
	releaseModelMetadataFunc = nil
}

// getErrorCode reads the code of a non-null status without releasing it.
func getErrorCode(status uintptr) ErrorCode {
	if status == 0 {
		return ErrorCodeOK
	}
	if getErrorCodeFunc == nil {
		return ErrorCodeFail
	}
	return ErrorCode(getErrorCodeFunc(status))
}

// getErrorMessage reads the message of a non-null status without releasing it.
func getErrorMessage(status uintptr) string {
	if status == 0 || getErrorMessageFunc == nil {
		return ""
	}
	return CstringToGo(getErrorMessageFunc(status))
}

func releaseStatus(status uintptr) {
	if status == 0 || releaseStatusFunc == nil {
		return
	}
	releaseStatusFunc(status)
}

// Environment is a reference on the process-wide ONNX Runtime environment.
type Environment struct {
	once   sync.Once
	closed bool
	mu     sync.Mutex
}

// EnvironmentOption configures NewEnvironment.
type EnvironmentOption func() error

// WithEnvironmentLibraryPath sets the shared library path before initialization.
func WithEnvironmentLibraryPath(path string) EnvironmentOption {
	return func() error {
		if IsInitialized() {
			mu.Lock()
			current := libPath
			mu.Unlock()
			if current == path {
				return nil
			}
		}
		return SetSharedLibraryPath(path)
	}
}

// WithEnvironmentName sets the OrtEnv log identifier.
func WithEnvironmentName(name string) EnvironmentOption {
	return func() error {
		if IsInitialized() {
			return nil
		}
		return SetEnvironmentName(name)
	}
}

// WithEnvironmentLogLevel sets the OrtEnv logging severity.
func WithEnvironmentLogLevel(level LoggingLevel) EnvironmentOption {
	return func() error {
		if IsInitialized() {
			return nil
		}
		return SetLogLevel(level)
	}
}

// NewEnvironment applies opts, initializes the runtime and returns a handle
// holding one environment reference. Options that only affect creation of the
// OrtEnv are ignored when another handle already initialized it.
func NewEnvironment(opts ...EnvironmentOption) (*Environment, error) {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(); err != nil {
			return nil, err
		}
	}
	if err := InitializeEnvironment(); err != nil {
		return nil, err
	}
	return &Environment{}, nil
}

// NewSessionBuilder starts configuring a session bound to this environment.
func (e *Environment) NewSessionBuilder() (*SessionBuilder, error) {
	if e == nil {
		return nil, fmt.Errorf("environment is nil")
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("environment: %w", ErrDestroyed)
	}
	return NewSessionBuilder()
}

// Close drops the reference taken by NewEnvironment. Sessions created from
// the environment keep their own references and stay usable.
func (e *Environment) Close() error {
	if e == nil {
		return nil
	}
	var err error
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		err = DestroyEnvironment()
	})
	return err
}
