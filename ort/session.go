package ort

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Input describes a model input.
type Input struct {
	Name        string
	ElementType TensorElementDataType
	Dimensions  []Dimension
	// SymbolicDimensions holds the symbolic name of each dimension, or ""
	// where the model declares none.
	SymbolicDimensions []string
}

// Output describes a model output.
type Output struct {
	Name               string
	ElementType        TensorElementDataType
	Dimensions         []Dimension
	SymbolicDimensions []string
}

// RunStats describes one completed Session.Run.
type RunStats struct {
	Session  string
	RunTag   string
	Inputs   int
	Outputs  int
	Duration time.Duration
	Err      error
	Canceled bool
}

// RunObserver receives a RunStats after every run of a session it is
// attached to. ObserveRun is called from the goroutine that called Run.
type RunObserver interface {
	ObserveRun(RunStats)
}

// Session is a loaded model ready for inference.
//
// Runs on one Session are serialized. A Session holds a reference on the
// environment until Destroy.
type Session struct {
	runMu    sync.Mutex
	handle   uintptr // Pointer to OrtSession
	memInfo  *MemoryInfo
	name     string
	inputs   []Input
	outputs  []Output
	observer RunObserver

	inputNames  []string
	outputNames []string
}

// nodeInfo is the metadata shared by inputs and outputs.
type nodeInfo struct {
	name        string
	elementType TensorElementDataType
	dimensions  []Dimension
	symbolic    []string
}

type nodeFuncs struct {
	count    func(session uintptr, out *uintptr) uintptr
	name     func(session uintptr, index uintptr, allocator uintptr, out *uintptr) uintptr
	typeInfo func(session uintptr, index uintptr, out *uintptr) uintptr
}

// newSessionLocked reads the session metadata and creates its memory info.
// Requires ortCallMu held for reading. On error handle is still owned by the
// caller.
func newSessionLocked(handle uintptr, cfg sessionConfig) (*Session, error) {
	alloc, err := defaultAllocatorLocked()
	if err != nil {
		return nil, err
	}

	memInfo, err := newMemoryInfoLocked(cpuLocation(cfg.allocatorType, cfg.memType))
	if err != nil {
		return nil, err
	}

	inputs, err := readNodesLocked(handle, alloc, nodeFuncs{
		count:    sessionGetInputCountFunc,
		name:     sessionGetInputNameFunc,
		typeInfo: sessionGetInputTypeInfoFunc,
	})
	if err != nil {
		memInfo.releaseLocked()
		return nil, fmt.Errorf("failed to read model inputs: %w", err)
	}
	outputs, err := readNodesLocked(handle, alloc, nodeFuncs{
		count:    sessionGetOutputCountFunc,
		name:     sessionGetOutputNameFunc,
		typeInfo: sessionGetOutputTypeInfoFunc,
	})
	if err != nil {
		memInfo.releaseLocked()
		return nil, fmt.Errorf("failed to read model outputs: %w", err)
	}

	name := cfg.name
	if cfg.logID != "" {
		name = cfg.logID
	}
	s := &Session{
		handle:   handle,
		memInfo:  memInfo,
		name:     name,
		observer: cfg.observer,
	}
	for _, n := range inputs {
		s.inputs = append(s.inputs, Input{Name: n.name, ElementType: n.elementType, Dimensions: n.dimensions, SymbolicDimensions: n.symbolic})
		s.inputNames = append(s.inputNames, n.name)
	}
	for _, n := range outputs {
		s.outputs = append(s.outputs, Output{Name: n.name, ElementType: n.elementType, Dimensions: n.dimensions, SymbolicDimensions: n.symbolic})
		s.outputNames = append(s.outputNames, n.name)
	}
	return s, nil
}

// readNodesLocked requires ortCallMu held for reading.
func readNodesLocked(session uintptr, alloc allocator, fns nodeFuncs) ([]nodeInfo, error) {
	if fns.count == nil || fns.name == nil || fns.typeInfo == nil {
		return nil, ErrNotInitialized
	}

	var count uintptr
	if err := statusToError(OpInOutCount, fns.count(session, &count)); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, opError(OpInOutCount, ErrNoNodes)
	}

	nodes := make([]nodeInfo, 0, count)
	for i := uintptr(0); i < count; i++ {
		var namePtr uintptr
		if err := statusToError(OpInputName, fns.name(session, i, alloc.handle, &namePtr)); err != nil {
			return nil, err
		}
		if err := assertNotNull(OpInputName, namePtr, "name"); err != nil {
			return nil, err
		}
		name := alloc.takeString(namePtr)

		var typeInfo uintptr
		if err := statusToError(OpGetTypeInfo, fns.typeInfo(session, i, &typeInfo)); err != nil {
			return nil, err
		}
		if err := assertNotNull(OpGetTypeInfo, typeInfo, "TypeInfo"); err != nil {
			return nil, err
		}
		node, err := readTypeInfoLocked(typeInfo)
		if releaseTypeInfoFunc != nil {
			releaseTypeInfoFunc(typeInfo)
		}
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		node.name = name
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// readTypeInfoLocked reads the tensor metadata behind typeInfo without
// releasing it. Requires ortCallMu held for reading.
func readTypeInfoLocked(typeInfo uintptr) (nodeInfo, error) {
	if castTypeInfoToTensorInfoFunc == nil {
		return nodeInfo{}, ErrNotInitialized
	}
	// The tensor info is owned by typeInfo.
	var tensorInfo uintptr
	if err := statusToError(OpCastTypeInfoToTensorInfo, castTypeInfoToTensorInfoFunc(typeInfo, &tensorInfo)); err != nil {
		return nodeInfo{}, err
	}
	if err := assertNotNull(OpCastTypeInfoToTensorInfo, tensorInfo, "TensorTypeAndShapeInfo"); err != nil {
		return nodeInfo{}, err
	}

	elementType, err := tensorInfoElementType(tensorInfo)
	if err != nil {
		return nodeInfo{}, err
	}
	dims, err := tensorInfoDimensions(tensorInfo, false)
	if err != nil {
		return nodeInfo{}, err
	}
	symbolic, err := tensorInfoSymbolicDimensions(tensorInfo, len(dims))
	if err != nil {
		return nodeInfo{}, err
	}
	return nodeInfo{
		elementType: elementType,
		dimensions:  dimensionsFromNative(dims),
		symbolic:    symbolic,
	}, nil
}

// Inputs returns the model inputs in declaration order.
func (s *Session) Inputs() []Input {
	out := make([]Input, len(s.inputs))
	for i, in := range s.inputs {
		in.Dimensions = append([]Dimension(nil), in.Dimensions...)
		in.SymbolicDimensions = append([]string(nil), in.SymbolicDimensions...)
		out[i] = in
	}
	return out
}

// Outputs returns the model outputs in declaration order.
func (s *Session) Outputs() []Output {
	out := make([]Output, len(s.outputs))
	for i, o := range s.outputs {
		o.Dimensions = append([]Dimension(nil), o.Dimensions...)
		o.SymbolicDimensions = append([]string(nil), o.SymbolicDimensions...)
		out[i] = o
	}
	return out
}

// Name returns the session log ID, or the model source when none was set.
func (s *Session) Name() string {
	return s.name
}

// MemoryInfo returns the memory info the session was built with, for use
// with NewTensorWithMemoryInfo. It is owned by the session.
func (s *Session) MemoryInfo() *MemoryInfo {
	return s.memInfo
}

func (s *Session) nativeHandle() uintptr {
	mu.Lock()
	defer mu.Unlock()
	return s.handle
}

// Run validates inputs against the model and runs it, returning one
// runtime-allocated tensor per model output. The caller owns the returned
// tensors and must Destroy them.
//
// When ctx is cancelled during the run, the run is terminated and the
// returned error wraps ctx.Err().
func (s *Session) Run(ctx context.Context, inputs []Value) ([]*OwnedTensor, error) {
	if err := s.validateInputs(inputs); err != nil {
		return nil, err
	}
	var results []*OwnedTensor
	err := s.observe(ctx, inputs, func(ctx context.Context, tag string) error {
		return s.run(ctx, tag, inputs, nil, func(outputs []uintptr) error {
			var err error
			results, err = wrapOutputsLocked(outputs)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// RunWithOutputs runs the model writing into caller-allocated outputs, given
// in model output order.
func (s *Session) RunWithOutputs(ctx context.Context, inputs []Value, outputs []Value) error {
	if err := s.validateInputs(inputs); err != nil {
		return err
	}
	if len(outputs) != len(s.outputs) {
		return fmt.Errorf("non-matching number of outputs: %d (provided) vs %d (model)", len(outputs), len(s.outputs))
	}
	for i, out := range outputs {
		if _, ok := out.(nativeValue); !ok {
			return fmt.Errorf("unsupported value implementation for output %d", i)
		}
		if tv, ok := out.(typedValue); ok && tv.ElementType() != s.outputs[i].ElementType {
			return fmt.Errorf("output %d (%q) has element type %s, model produces %s", i, s.outputs[i].Name, tv.ElementType(), s.outputs[i].ElementType)
		}
	}

	return s.observe(ctx, inputs, func(ctx context.Context, tag string) error {
		return s.run(ctx, tag, inputs, outputs, nil)
	})
}

// observe serializes runs, tags them and reports them to the observer.
func (s *Session) observe(ctx context.Context, inputs []Value, run func(ctx context.Context, tag string) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	tag := uuid.NewString()
	start := time.Now()
	err := ctx.Err()
	if err == nil {
		err = run(ctx, tag)
	}
	stats := RunStats{
		Session:  s.name,
		RunTag:   tag,
		Inputs:   len(inputs),
		Outputs:  len(s.outputs),
		Duration: time.Since(start),
		Err:      err,
		Canceled: err != nil && ctx.Err() != nil,
	}

	if err != nil {
		Logger().WithFields(logrus.Fields{
			"session": s.name,
			"run_tag": tag,
		}).WithError(err).Debug("run failed")
	}
	if s.observer != nil {
		s.observer.ObserveRun(stats)
	}
	return err
}

// run executes the session. With nil outputs ONNX Runtime allocates every
// output and collect receives them while the library is still held.
func (s *Session) run(ctx context.Context, tag string, inputs []Value, outputs []Value, collect func(outputs []uintptr) error) error {
	opts, err := NewRunOptions()
	if err != nil {
		return err
	}
	defer func() { _ = opts.Destroy() }()
	if err := opts.SetRunTag(tag); err != nil {
		return err
	}

	stop := watchContext(ctx, opts)
	defer stop()

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	handle := s.nativeHandle()
	if handle == 0 {
		return fmt.Errorf("session: %w", ErrDestroyed)
	}
	if runSessionFunc == nil {
		return ErrNotInitialized
	}

	// Values stay acquired until the native call and collect return.
	var releases []func()
	defer func() {
		for _, done := range releases {
			done()
		}
	}()
	inputHandles := make([]uintptr, len(inputs))
	for i, in := range inputs {
		h, done := acquireValue(in)
		releases = append(releases, done)
		if h == 0 {
			return fmt.Errorf("input value at index %d: %w", i, ErrDestroyed)
		}
		inputHandles[i] = h
	}
	outputHandles := make([]uintptr, len(s.outputNames))
	for i, out := range outputs {
		h, done := acquireValue(out)
		releases = append(releases, done)
		if h == 0 {
			return fmt.Errorf("output value at index %d: %w", i, ErrDestroyed)
		}
		outputHandles[i] = h
	}

	inputNameBytes, inputNamePtrs := makeCStringPointerArray(s.inputNames)
	outputNameBytes, outputNamePtrs := makeCStringPointerArray(s.outputNames)

	status := runSessionFunc(
		handle,
		opts.nativeHandle(),
		unsafe.SliceData(inputNamePtrs),
		unsafe.SliceData(inputHandles),
		uintptr(len(inputHandles)),
		unsafe.SliceData(outputNamePtrs),
		uintptr(len(outputNamePtrs)),
		unsafe.SliceData(outputHandles),
	)
	runtime.KeepAlive(inputNameBytes)
	runtime.KeepAlive(outputNameBytes)
	runtime.KeepAlive(inputs)
	runtime.KeepAlive(outputs)

	if err := statusToError(OpRun, status); err != nil {
		if outputs == nil {
			releaseValuesLocked(outputHandles)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("run canceled: %w: %w", ctxErr, err)
		}
		return err
	}
	if collect != nil {
		return collect(outputHandles)
	}
	return nil
}

// watchContext terminates opts when ctx is done before the returned stop
// function is called. stop waits for the watcher to exit.
func watchContext(ctx context.Context, opts *RunOptions) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			// The run holds ortCallMu; taking it again here could deadlock
			// behind a pending writer.
			if err := opts.terminateLocked(); err != nil {
				Logger().WithError(err).Warn("failed to terminate run")
			}
		case <-done:
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// wrapOutputsLocked requires ortCallMu held for reading. On error every
// output value is released.
func wrapOutputsLocked(values []uintptr) ([]*OwnedTensor, error) {
	results := make([]*OwnedTensor, 0, len(values))
	for i, v := range values {
		t, err := newOwnedTensorLocked(v)
		if err != nil {
			for _, r := range results {
				r.releaseLocked()
			}
			releaseValuesLocked(values[i:])
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		results = append(results, t)
	}
	return results, nil
}

func releaseValuesLocked(values []uintptr) {
	if releaseValueFunc == nil {
		return
	}
	for i, v := range values {
		if v != 0 {
			releaseValueFunc(v)
			values[i] = 0
		}
	}
}

// validateInputs checks inputs against the model metadata before any native
// call is made.
func (s *Session) validateInputs(inputs []Value) error {
	shapes := make([]Shape, len(inputs))
	for i, in := range inputs {
		if tv, ok := in.(typedValue); ok {
			shapes[i] = tv.Shape()
		}
	}
	modelDims := make([][]Dimension, len(s.inputs))
	for i, in := range s.inputs {
		modelDims[i] = in.Dimensions
	}

	if len(inputs) != len(s.inputs) {
		return &NonMatchingDimensionsError{Kind: InputsCount, Index: -1, InferenceInput: shapes, ModelInput: modelDims}
	}

	for i, in := range inputs {
		if in == nil {
			return fmt.Errorf("input %d is nil", i)
		}
		nv, ok := in.(nativeValue)
		if !ok {
			return fmt.Errorf("unsupported value implementation for input %d", i)
		}
		if nv.ortValueHandle() == 0 {
			return fmt.Errorf("input value at index %d: %w", i, ErrDestroyed)
		}
		tv, ok := in.(typedValue)
		if !ok {
			continue
		}
		rankOK, shapeOK := matchesDimensions(shapes[i], s.inputs[i].Dimensions)
		if !rankOK {
			return &NonMatchingDimensionsError{Kind: InputsLength, Index: i, InferenceInput: shapes, ModelInput: modelDims}
		}
		if !shapeOK {
			return &NonMatchingDimensionsError{Kind: InputsShape, Index: i, InferenceInput: shapes, ModelInput: modelDims}
		}
		if tv.ElementType() != s.inputs[i].ElementType {
			return &ElementTypeMismatchError{Index: i, Name: s.inputs[i].Name, Expected: s.inputs[i].ElementType, Got: tv.ElementType()}
		}
	}
	return nil
}

// EndProfiling stops profiling and returns the profile file name. The
// session must have been built with WithProfiling.
func (s *Session) EndProfiling() (string, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	handle := s.nativeHandle()
	if handle == 0 {
		return "", fmt.Errorf("session: %w", ErrDestroyed)
	}
	if sessionEndProfilingFunc == nil {
		return "", ErrNotInitialized
	}
	alloc, err := defaultAllocatorLocked()
	if err != nil {
		return "", err
	}
	var ptr uintptr
	if err := statusToError(OpProfiling, sessionEndProfilingFunc(handle, alloc.handle, &ptr)); err != nil {
		return "", err
	}
	return alloc.takeString(ptr), nil
}

// Destroy waits for an in-flight run, then releases the session, its memory
// info and its environment reference. It is safe to call more than once.
func (s *Session) Destroy() error {
	if s == nil {
		return nil
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.releaseNative() {
		return nil
	}
	releaseEnvironment()
	Logger().WithField("session", s.name).Debug("session destroyed")
	return nil
}

func (s *Session) releaseNative() bool {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	mu.Lock()
	handle := s.handle
	s.handle = 0
	runtime.SetFinalizer(s, nil)
	mu.Unlock()

	if handle == 0 {
		return false
	}
	if releaseSessionFunc != nil {
		releaseSessionFunc(handle)
	}
	if s.memInfo != nil {
		s.memInfo.releaseLocked()
	}
	return true
}
