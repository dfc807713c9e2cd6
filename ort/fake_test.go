package ort

import (
	"sync"
	"testing"
	"unsafe"
)

// This file provides an in-process stand-in for the native library so the
// session, tensor and metadata paths can be exercised without ONNX Runtime.

func uintptrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// resetEnvironmentState returns the package to its never-initialized state.
func resetEnvironmentState() {
	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	unbindFunctions()
	getVersionStringFunc = nil
	refCount = 0
	ortLib = nil
	ortAPI = nil
	ortEnv = 0
	libPath = ""
	logLevel = LoggingLevelWarning
	envName = defaultEnvironmentName
}

type fakeNode struct {
	name        string
	elementType TensorElementDataType
	dims        []int64
	symbolic    []string
}

type fakeTensorInfo struct {
	elementType TensorElementDataType
	dims        []int64
	symbolic    [][]byte
}

func newFakeTensorInfo(elementType TensorElementDataType, dims []int64, symbolic []string) *fakeTensorInfo {
	info := &fakeTensorInfo{elementType: elementType, dims: append([]int64(nil), dims...)}
	for i := range dims {
		name := ""
		if i < len(symbolic) {
			name = symbolic[i]
		}
		b, _ := GoToCstring(name)
		info.symbolic = append(info.symbolic, b)
	}
	return info
}

type fakeValue struct {
	info    *fakeTensorInfo
	data    uintptr
	backing []uint64
}

type fakeStatus struct {
	code    ErrorCode
	message []byte
}

type fakeRunOptions struct {
	tag        string
	severity   int32
	terminated chan struct{}
	once       sync.Once
}

type fakeRunRequest struct {
	inputNames  []string
	outputNames []string
	inputs      []*fakeValue
	options     *fakeRunOptions
}

type fakeFailure struct {
	code    ErrorCode
	message string
}

type fakeRuntime struct {
	mu   sync.Mutex
	next uintptr

	version   []byte
	allocator uintptr

	inputs   []fakeNode
	outputs  []fakeNode
	metadata ModelMetadata
	custom   map[string]string

	// onRun replaces the default run behavior. It is called without the
	// fake's lock held and returns a status.
	onRun func(req fakeRunRequest) uintptr

	failures map[string]fakeFailure

	statuses       map[uintptr]*fakeStatus
	strings        map[uintptr][]byte
	typeInfos      map[uintptr]*fakeTensorInfo
	shapeInfos     map[uintptr]*fakeTensorInfo
	values         map[uintptr]*fakeValue
	sessions       map[uintptr]bool
	sessionOptions map[uintptr]bool
	memoryInfos    map[uintptr]bool
	runOptions     map[uintptr]*fakeRunOptions
	modelMetadata  map[uintptr]bool

	configEntries  map[string]string
	calls          map[string]int
	intraOpThreads int32
	interOpThreads int32
	optLevel       GraphOptimizationLevel
	runTags        []string
	modelBytes     int
	envReleased    bool
}

func newFakeRuntime() *fakeRuntime {
	version, _ := GoToCstring("1.22.0")
	return &fakeRuntime{
		next:      0x10000,
		version:   version,
		allocator: 0xa110c,
		inputs: []fakeNode{
			{name: "input", elementType: TensorElementDataTypeFloat, dims: []int64{-1, 3}, symbolic: []string{"batch", ""}},
		},
		outputs: []fakeNode{
			{name: "output", elementType: TensorElementDataTypeFloat, dims: []int64{-1, 2}, symbolic: []string{"batch", ""}},
		},
		metadata: ModelMetadata{
			ProducerName: "pytorch",
			GraphName:    "main_graph",
			Domain:       "ai.onnx",
			Description:  "test model",
			Version:      3,
		},
		custom:         map[string]string{"license": "apache-2.0"},
		failures:       map[string]fakeFailure{},
		statuses:       map[uintptr]*fakeStatus{},
		strings:        map[uintptr][]byte{},
		typeInfos:      map[uintptr]*fakeTensorInfo{},
		shapeInfos:     map[uintptr]*fakeTensorInfo{},
		values:         map[uintptr]*fakeValue{},
		sessions:       map[uintptr]bool{},
		sessionOptions: map[uintptr]bool{},
		memoryInfos:    map[uintptr]bool{},
		runOptions:     map[uintptr]*fakeRunOptions{},
		modelMetadata:  map[uintptr]bool{},
		configEntries:  map[string]string{},
		calls:          map[string]int{},
	}
}

// installFakeRuntime binds a fresh fake and marks the environment initialized
// with one reference. The package is reset when the test ends.
func installFakeRuntime(t testing.TB) *fakeRuntime {
	t.Helper()
	f := newFakeRuntime()
	f.install()
	t.Cleanup(resetEnvironmentState)
	return f
}

func (f *fakeRuntime) install() {
	resetEnvironmentState()

	ortCallMu.Lock()
	defer ortCallMu.Unlock()
	mu.Lock()
	defer mu.Unlock()

	getVersionStringFunc = func() uintptr { return uintptrOf(f.version) }
	getErrorCodeFunc = f.getErrorCode
	getErrorMessageFunc = f.getErrorMessage
	releaseStatusFunc = f.releaseStatus
	releaseEnvFunc = func(uintptr) {
		f.mu.Lock()
		f.envReleased = true
		f.mu.Unlock()
	}

	createSessionOptionsFunc = func(out *uintptr) uintptr {
		return f.create("CreateSessionOptions", out, func(h uintptr) { f.sessionOptions[h] = true })
	}
	releaseSessionOptionsFunc = func(options uintptr) { f.release(func() { delete(f.sessionOptions, options) }) }
	setIntraOpNumThreadsFunc = func(_ uintptr, threads int32) uintptr {
		return f.record("SetIntraOpNumThreads", func() { f.intraOpThreads = threads })
	}
	setInterOpNumThreadsFunc = func(_ uintptr, threads int32) uintptr {
		return f.record("SetInterOpNumThreads", func() { f.interOpThreads = threads })
	}
	setSessionGraphOptimizationLevelFunc = func(_ uintptr, level GraphOptimizationLevel) uintptr {
		return f.record("SetSessionGraphOptimizationLevel", func() { f.optLevel = level })
	}
	setSessionExecutionModeFunc = func(uintptr, ExecutionMode) uintptr { return f.record("SetSessionExecutionMode", nil) }
	enableCPUMemArenaFunc = func(uintptr) uintptr { return f.record("EnableCpuMemArena", nil) }
	disableCPUMemArenaFunc = func(uintptr) uintptr { return f.record("DisableCpuMemArena", nil) }
	enableMemPatternFunc = func(uintptr) uintptr { return f.record("EnableMemPattern", nil) }
	disableMemPatternFunc = func(uintptr) uintptr { return f.record("DisableMemPattern", nil) }
	setSessionLogIDFunc = func(uintptr, uintptr) uintptr { return f.record("SetSessionLogId", nil) }
	setSessionLogSeverityLevelFunc = func(uintptr, int32) uintptr { return f.record("SetSessionLogSeverityLevel", nil) }
	enableProfilingFunc = func(uintptr, uintptr) uintptr { return f.record("EnableProfiling", nil) }
	setOptimizedModelFilePathFunc = func(uintptr, uintptr) uintptr { return f.record("SetOptimizedModelFilePath", nil) }
	addSessionConfigEntryFunc = func(_ uintptr, key uintptr, value uintptr) uintptr {
		k, v := CstringToGo(key), CstringToGo(value)
		return f.record("AddSessionConfigEntry", func() { f.configEntries[k] = v })
	}

	createSessionFunc = func(_ uintptr, _ uintptr, _ uintptr, out *uintptr) uintptr {
		return f.create("CreateSession", out, func(h uintptr) { f.sessions[h] = true })
	}
	createSessionFromArrayFunc = func(_ uintptr, _ uintptr, length uintptr, _ uintptr, out *uintptr) uintptr {
		return f.create("CreateSessionFromArray", out, func(h uintptr) {
			f.sessions[h] = true
			f.modelBytes = int(length)
		})
	}
	runSessionFunc = f.run
	releaseSessionFunc = func(session uintptr) { f.release(func() { delete(f.sessions, session) }) }

	sessionGetInputCountFunc = func(_ uintptr, out *uintptr) uintptr {
		return f.record("SessionGetInputCount", func() { *out = uintptr(len(f.inputs)) })
	}
	sessionGetOutputCountFunc = func(_ uintptr, out *uintptr) uintptr {
		return f.record("SessionGetOutputCount", func() { *out = uintptr(len(f.outputs)) })
	}
	sessionGetInputNameFunc = func(_ uintptr, index uintptr, _ uintptr, out *uintptr) uintptr {
		return f.record("SessionGetInputName", func() { *out = f.allocStringLocked(f.inputs[index].name) })
	}
	sessionGetOutputNameFunc = func(_ uintptr, index uintptr, _ uintptr, out *uintptr) uintptr {
		return f.record("SessionGetOutputName", func() { *out = f.allocStringLocked(f.outputs[index].name) })
	}
	sessionGetInputTypeInfoFunc = func(_ uintptr, index uintptr, out *uintptr) uintptr {
		return f.create("SessionGetInputTypeInfo", out, func(h uintptr) {
			n := f.inputs[index]
			f.typeInfos[h] = newFakeTensorInfo(n.elementType, n.dims, n.symbolic)
		})
	}
	sessionGetOutputTypeInfoFunc = func(_ uintptr, index uintptr, out *uintptr) uintptr {
		return f.create("SessionGetOutputTypeInfo", out, func(h uintptr) {
			n := f.outputs[index]
			f.typeInfos[h] = newFakeTensorInfo(n.elementType, n.dims, n.symbolic)
		})
	}
	sessionEndProfilingFunc = func(_ uintptr, _ uintptr, out *uintptr) uintptr {
		return f.record("SessionEndProfiling", func() { *out = f.allocStringLocked("profile_2026.json") })
	}

	// Tensor info cast from a type info is owned by it and shares its handle.
	castTypeInfoToTensorInfoFunc = func(typeInfo uintptr, out *uintptr) uintptr {
		return f.record("CastTypeInfoToTensorInfo", func() { *out = typeInfo })
	}
	releaseTypeInfoFunc = func(typeInfo uintptr) { f.release(func() { delete(f.typeInfos, typeInfo) }) }
	getTensorElementTypeFunc = func(info uintptr, out *int32) uintptr {
		return f.record("GetTensorElementType", func() { *out = int32(f.infoLocked(info).elementType) })
	}
	getDimensionsCountFunc = func(info uintptr, out *uintptr) uintptr {
		return f.record("GetDimensionsCount", func() { *out = uintptr(len(f.infoLocked(info).dims)) })
	}
	getDimensionsFunc = func(info uintptr, dims *int64, count uintptr) uintptr {
		return f.record("GetDimensions", func() { copy(unsafe.Slice(dims, count), f.infoLocked(info).dims) })
	}
	getSymbolicDimensionsFunc = func(info uintptr, names *uintptr, count uintptr) uintptr {
		return f.record("GetSymbolicDimensions", func() {
			out := unsafe.Slice(names, count)
			for i, b := range f.infoLocked(info).symbolic {
				if i < len(out) {
					out[i] = uintptrOf(b)
				}
			}
		})
	}
	getTensorTypeAndShapeFunc = func(value uintptr, out *uintptr) uintptr {
		return f.create("GetTensorTypeAndShape", out, func(h uintptr) { f.shapeInfos[h] = f.values[value].info })
	}
	releaseTensorTypeAndShapeInfoFunc = func(info uintptr) { f.release(func() { delete(f.shapeInfos, info) }) }
	getTensorMutableDataFunc = func(value uintptr, out *uintptr) uintptr {
		return f.record("GetTensorMutableData", func() { *out = f.values[value].data })
	}

	createMemoryInfoFunc = func(_ uintptr, _ AllocatorType, _ int32, _ MemType, out *uintptr) uintptr {
		return f.create("CreateMemoryInfo", out, func(h uintptr) { f.memoryInfos[h] = true })
	}
	releaseMemoryInfoFunc = func(memInfo uintptr) { f.release(func() { delete(f.memoryInfos, memInfo) }) }
	createTensorWithDataAsOrtValueFunc = func(_ uintptr, data uintptr, _ uintptr, shape *int64, shapeLen uintptr, elementType TensorElementDataType, out *uintptr) uintptr {
		dims := append([]int64{}, unsafe.Slice(shape, shapeLen)...)
		return f.create("CreateTensorWithDataAsOrtValue", out, func(h uintptr) {
			f.values[h] = &fakeValue{info: newFakeTensorInfo(elementType, dims, nil), data: data}
		})
	}
	releaseValueFunc = func(value uintptr) { f.release(func() { delete(f.values, value) }) }

	getAllocatorWithDefaultOptionsFunc = func(out *uintptr) uintptr {
		return f.record("GetAllocatorWithDefaultOptions", func() { *out = f.allocator })
	}
	allocatorFreeFunc = func(_ uintptr, ptr uintptr) uintptr {
		return f.record("AllocatorFree", func() { delete(f.strings, ptr) })
	}

	createRunOptionsFunc = func(out *uintptr) uintptr {
		return f.create("CreateRunOptions", out, func(h uintptr) {
			f.runOptions[h] = &fakeRunOptions{terminated: make(chan struct{})}
		})
	}
	releaseRunOptionsFunc = func(options uintptr) { f.release(func() { delete(f.runOptions, options) }) }
	runOptionsSetRunTagFunc = func(options uintptr, tag uintptr) uintptr {
		s := CstringToGo(tag)
		return f.record("RunOptionsSetRunTag", func() { f.runOptions[options].tag = s })
	}
	runOptionsSetRunLogSeverityLevelFunc = func(options uintptr, level int32) uintptr {
		return f.record("RunOptionsSetRunLogSeverityLevel", func() { f.runOptions[options].severity = level })
	}
	runOptionsSetTerminateFunc = func(options uintptr) uintptr {
		return f.record("RunOptionsSetTerminate", func() {
			o := f.runOptions[options]
			o.once.Do(func() { close(o.terminated) })
		})
	}

	sessionGetModelMetadataFunc = func(_ uintptr, out *uintptr) uintptr {
		return f.create("SessionGetModelMetadata", out, func(h uintptr) { f.modelMetadata[h] = true })
	}
	modelMetadataGetProducerNameFunc = f.metadataString("ModelMetadataGetProducerName", func() string { return f.metadata.ProducerName })
	modelMetadataGetGraphNameFunc = f.metadataString("ModelMetadataGetGraphName", func() string { return f.metadata.GraphName })
	modelMetadataGetDomainFunc = f.metadataString("ModelMetadataGetDomain", func() string { return f.metadata.Domain })
	modelMetadataGetDescriptionFunc = f.metadataString("ModelMetadataGetDescription", func() string { return f.metadata.Description })
	modelMetadataGetVersionFunc = func(_ uintptr, out *int64) uintptr {
		return f.record("ModelMetadataGetVersion", func() { *out = f.metadata.Version })
	}
	modelMetadataLookupCustomMetadataMapFunc = func(_ uintptr, _ uintptr, key uintptr, out *uintptr) uintptr {
		k := CstringToGo(key)
		return f.record("ModelMetadataLookupCustomMetadataMap", func() {
			if v, ok := f.custom[k]; ok {
				*out = f.allocStringLocked(v)
			}
		})
	}
	releaseModelMetadataFunc = func(metadata uintptr) { f.release(func() { delete(f.modelMetadata, metadata) }) }

	ortEnv = 0xe4
	refCount = 1
}

// fail makes the named native function return a status with code and message.
func (f *fakeRuntime) fail(name string, code ErrorCode, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = fakeFailure{code: code, message: message}
}

func (f *fakeRuntime) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// record counts the call, applies an injected failure or runs apply.
func (f *fakeRuntime) record(name string, apply func()) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if failure, ok := f.failures[name]; ok {
		return f.newStatusLocked(failure.code, failure.message)
	}
	if apply != nil {
		apply()
	}
	return 0
}

// create is record for functions producing a new handle.
func (f *fakeRuntime) create(name string, out *uintptr, register func(h uintptr)) uintptr {
	return f.record(name, func() {
		h := f.handleLocked()
		register(h)
		*out = h
	})
}

func (f *fakeRuntime) release(apply func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	apply()
}

func (f *fakeRuntime) handleLocked() uintptr {
	f.next += 0x10
	return f.next
}

func (f *fakeRuntime) newStatus(code ErrorCode, message string) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newStatusLocked(code, message)
}

func (f *fakeRuntime) newStatusLocked(code ErrorCode, message string) uintptr {
	h := f.handleLocked()
	b, _ := GoToCstring(message)
	f.statuses[h] = &fakeStatus{code: code, message: b}
	return h
}

func (f *fakeRuntime) getErrorCode(status uintptr) int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[status]; ok {
		return int32(s.code)
	}
	return int32(ErrorCodeFail)
}

func (f *fakeRuntime) getErrorMessage(status uintptr) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.statuses[status]; ok {
		return uintptrOf(s.message)
	}
	return 0
}

func (f *fakeRuntime) releaseStatus(status uintptr) {
	f.release(func() { delete(f.statuses, status) })
}

func (f *fakeRuntime) allocStringLocked(s string) uintptr {
	b, ptr := GoToCstring(s)
	f.strings[ptr] = b
	return ptr
}

func (f *fakeRuntime) infoLocked(info uintptr) *fakeTensorInfo {
	if ti, ok := f.typeInfos[info]; ok {
		return ti
	}
	return f.shapeInfos[info]
}

func (f *fakeRuntime) metadataString(name string, get func() string) func(uintptr, uintptr, *uintptr) uintptr {
	return func(_ uintptr, _ uintptr, out *uintptr) uintptr {
		return f.record(name, func() { *out = f.allocStringLocked(get()) })
	}
}

func (f *fakeRuntime) run(_ uintptr, runOptions uintptr, inputNames *uintptr, inputValues *uintptr, inputLen uintptr, outputNames *uintptr, outputLen uintptr, outputValues *uintptr) uintptr {
	f.mu.Lock()
	f.calls["Run"]++
	if failure, ok := f.failures["Run"]; ok {
		defer f.mu.Unlock()
		return f.newStatusLocked(failure.code, failure.message)
	}
	req := fakeRunRequest{options: f.runOptions[runOptions]}
	if req.options != nil {
		f.runTags = append(f.runTags, req.options.tag)
	}
	for i, p := range unsafe.Slice(inputNames, inputLen) {
		req.inputNames = append(req.inputNames, CstringToGo(p))
		req.inputs = append(req.inputs, f.values[unsafe.Slice(inputValues, inputLen)[i]])
	}
	for _, p := range unsafe.Slice(outputNames, outputLen) {
		req.outputNames = append(req.outputNames, CstringToGo(p))
	}
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		if status := hook(req); status != 0 {
			return status
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	batch := int64(1)
	if len(req.inputs) > 0 && req.inputs[0] != nil && len(req.inputs[0].info.dims) > 0 {
		batch = req.inputs[0].info.dims[0]
	}
	outs := unsafe.Slice(outputValues, outputLen)
	for i := range outs {
		if outs[i] == 0 {
			node := f.outputs[i]
			dims := make([]int64, len(node.dims))
			for j, d := range node.dims {
				if d < 0 {
					d = batch
				}
				dims[j] = d
			}
			h := f.handleLocked()
			f.values[h] = newFakeOwnedValue(node.elementType, dims)
			outs[i] = h
		}
		fillFakeValue(f.values[outs[i]])
	}
	return 0
}

// newFakeOwnedValue allocates a runtime-owned buffer for dims.
func newFakeOwnedValue(elementType TensorElementDataType, dims []int64) *fakeValue {
	count := int64(1)
	for _, d := range dims {
		count *= d
	}
	v := &fakeValue{
		info:    newFakeTensorInfo(elementType, dims, nil),
		backing: make([]uint64, count+1),
	}
	v.data = uintptr(unsafe.Pointer(unsafe.SliceData(v.backing)))
	return v
}

// fillFakeValue writes i+0.5 (float32) or i (int64) into element i.
func fillFakeValue(v *fakeValue) {
	if v == nil || v.data == 0 {
		return
	}
	count := int64(1)
	for _, d := range v.info.dims {
		count *= d
	}
	switch v.info.elementType {
	case TensorElementDataTypeFloat:
		out := unsafe.Slice((*float32)(unsafe.Pointer(v.data)), count)
		for i := range out {
			out[i] = float32(i) + 0.5
		}
	case TensorElementDataTypeInt64:
		out := unsafe.Slice((*int64)(unsafe.Pointer(v.data)), count)
		for i := range out {
			out[i] = int64(i)
		}
	}
}

// leaks reports native objects that were created and never released.
func (f *fakeRuntime) leaks() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int{}
	add := func(name string, n int) {
		if n > 0 {
			out[name] = n
		}
	}
	add("statuses", len(f.statuses))
	add("strings", len(f.strings))
	add("typeInfos", len(f.typeInfos))
	add("shapeInfos", len(f.shapeInfos))
	add("values", len(f.values))
	add("sessions", len(f.sessions))
	add("sessionOptions", len(f.sessionOptions))
	add("memoryInfos", len(f.memoryInfos))
	add("runOptions", len(f.runOptions))
	add("modelMetadata", len(f.modelMetadata))
	return out
}
