package ort

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
)

// SessionBuilder configures and creates a Session. It owns native session
// options until one of the WithModel* methods commits it.
//
// Configuration methods apply immediately and return the builder for
// chaining. The first failure is kept and reported by the commit; later
// configuration calls are ignored.
type SessionBuilder struct {
	mu            sync.Mutex
	options       uintptr // Pointer to OrtSessionOptions
	allocatorType AllocatorType
	memType       MemType
	logID         string
	observer      RunObserver
	err           error
	consumed      bool
}

// NewSessionBuilder creates a builder holding a reference on the initialized
// environment.
func NewSessionBuilder() (*SessionBuilder, error) {
	if err := retainEnvironment(); err != nil {
		return nil, err
	}

	options, err := createSessionOptions()
	if err != nil {
		releaseEnvironment()
		return nil, err
	}

	b := &SessionBuilder{
		options:       options,
		allocatorType: AllocatorTypeArena,
		memType:       MemTypeDefault,
	}
	runtime.SetFinalizer(b, func(b *SessionBuilder) {
		_ = b.Destroy()
	})
	return b, nil
}

func createSessionOptions() (uintptr, error) {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	if createSessionOptionsFunc == nil {
		return 0, ErrNotInitialized
	}
	var options uintptr
	if err := statusToError(OpSessionOptions, createSessionOptionsFunc(&options)); err != nil {
		return 0, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := assertNotNull(OpSessionOptions, options, "SessionOptions"); err != nil {
		return 0, err
	}
	return options, nil
}

// Err returns the first configuration failure, if any.
func (b *SessionBuilder) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// configure runs call against the native options unless the builder already
// failed or was consumed.
func (b *SessionBuilder) configure(call func(options uintptr) error) *SessionBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil || b.consumed {
		return b
	}

	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	b.err = call(b.options)
	return b
}

// fail records err as the builder failure unless one is already recorded.
func (b *SessionBuilder) fail(err error) *SessionBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil && !b.consumed {
		b.err = err
	}
	return b
}

// WithNumberThreads sets the number of intra-op threads. Zero lets ONNX
// Runtime choose.
func (b *SessionBuilder) WithNumberThreads(threads int16) *SessionBuilder {
	if threads < 0 {
		return b.fail(fmt.Errorf("intra-op thread count cannot be negative: %d", threads))
	}
	return b.configure(func(options uintptr) error {
		if setIntraOpNumThreadsFunc == nil {
			return ErrNotInitialized
		}
		return statusToError(OpSessionOptions, setIntraOpNumThreadsFunc(options, int32(threads)))
	})
}

// WithInterOpThreads sets the number of threads used to run independent
// graph nodes in parallel.
func (b *SessionBuilder) WithInterOpThreads(threads int16) *SessionBuilder {
	if threads < 0 {
		return b.fail(fmt.Errorf("inter-op thread count cannot be negative: %d", threads))
	}
	return b.configure(func(options uintptr) error {
		if setInterOpNumThreadsFunc == nil {
			return ErrNotInitialized
		}
		return statusToError(OpSessionOptions, setInterOpNumThreadsFunc(options, int32(threads)))
	})
}

// WithOptimizationLevel sets the graph optimization level.
func (b *SessionBuilder) WithOptimizationLevel(level GraphOptimizationLevel) *SessionBuilder {
	if !level.valid() {
		return b.fail(fmt.Errorf("invalid graph optimization level %d", int(level)))
	}
	return b.configure(func(options uintptr) error {
		if setSessionGraphOptimizationLevelFunc == nil {
			return ErrNotInitialized
		}
		return statusToError(OpSessionOptions, setSessionGraphOptimizationLevelFunc(options, level))
	})
}

// WithExecutionMode selects sequential or parallel graph execution.
func (b *SessionBuilder) WithExecutionMode(mode ExecutionMode) *SessionBuilder {
	if mode != ExecutionModeSequential && mode != ExecutionModeParallel {
		return b.fail(fmt.Errorf("invalid execution mode %d", int(mode)))
	}
	return b.configure(func(options uintptr) error {
		if setSessionExecutionModeFunc == nil {
			return ErrNotInitialized
		}
		return statusToError(OpSessionOptions, setSessionExecutionModeFunc(options, mode))
	})
}

// WithAllocator sets the allocator type of the session memory info.
func (b *SessionBuilder) WithAllocator(allocatorType AllocatorType) *SessionBuilder {
	if allocatorType != AllocatorTypeDevice && allocatorType != AllocatorTypeArena {
		return b.fail(fmt.Errorf("invalid allocator type %d", int(allocatorType)))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil && !b.consumed {
		b.allocatorType = allocatorType
	}
	return b
}

// WithMemoryType sets the memory type of the session memory info.
func (b *SessionBuilder) WithMemoryType(memType MemType) *SessionBuilder {
	if memType < MemTypeCPUInput || memType > MemTypeDefault {
		return b.fail(fmt.Errorf("invalid memory type %d", int(memType)))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil && !b.consumed {
		b.memType = memType
	}
	return b
}

// WithCPUMemArena enables or disables the CPU memory arena.
func (b *SessionBuilder) WithCPUMemArena(enable bool) *SessionBuilder {
	return b.configure(func(options uintptr) error {
		fn := disableCPUMemArenaFunc
		if enable {
			fn = enableCPUMemArenaFunc
		}
		if fn == nil {
			return ErrNotInitialized
		}
		return statusToError(OpSessionOptions, fn(options))
	})
}

// WithMemPattern enables or disables memory pattern optimization.
func (b *SessionBuilder) WithMemPattern(enable bool) *SessionBuilder {
	return b.configure(func(options uintptr) error {
		fn := disableMemPatternFunc
		if enable {
			fn = enableMemPatternFunc
		}
		if fn == nil {
			return ErrNotInitialized
		}
		return statusToError(OpSessionOptions, fn(options))
	})
}

// WithLogID sets the identifier used in session log messages.
func (b *SessionBuilder) WithLogID(logID string) *SessionBuilder {
	if err := checkCString("log ID", logID); err != nil {
		return b.fail(err)
	}
	return b.configure(func(options uintptr) error {
		if setSessionLogIDFunc == nil {
			return ErrNotInitialized
		}
		idBytes, idPtr := GoToCstring(logID)
		status := setSessionLogIDFunc(options, idPtr)
		runtime.KeepAlive(idBytes)
		if err := statusToError(OpSessionOptions, status); err != nil {
			return err
		}
		b.logID = logID
		return nil
	})
}

// WithLogSeverityLevel sets the session log severity.
func (b *SessionBuilder) WithLogSeverityLevel(level LoggingLevel) *SessionBuilder {
	if !level.valid() {
		return b.fail(fmt.Errorf("invalid log level %d", int(level)))
	}
	return b.configure(func(options uintptr) error {
		if setSessionLogSeverityLevelFunc == nil {
			return ErrNotInitialized
		}
		// #nosec G115 -- level is validated above.
		return statusToError(OpSessionOptions, setSessionLogSeverityLevelFunc(options, int32(level)))
	})
}

// WithProfiling enables profiling; profile files are written with prefix.
// Session.EndProfiling returns the file name.
func (b *SessionBuilder) WithProfiling(prefix string) *SessionBuilder {
	if prefix == "" {
		return b.fail(fmt.Errorf("profiling prefix cannot be empty"))
	}
	return b.configure(func(options uintptr) error {
		if enableProfilingFunc == nil {
			return ErrNotInitialized
		}
		native, err := newORTString(prefix)
		if err != nil {
			return err
		}
		status := enableProfilingFunc(options, native.ptr)
		native.keepAlive()
		return statusToError(OpSessionOptions, status)
	})
}

// WithOptimizedModelFilePath saves the optimized graph to path when the
// session is created.
func (b *SessionBuilder) WithOptimizedModelFilePath(path string) *SessionBuilder {
	if path == "" {
		return b.fail(fmt.Errorf("optimized model path cannot be empty"))
	}
	return b.configure(func(options uintptr) error {
		if setOptimizedModelFilePathFunc == nil {
			return ErrNotInitialized
		}
		native, err := newORTString(path)
		if err != nil {
			return err
		}
		status := setOptimizedModelFilePathFunc(options, native.ptr)
		native.keepAlive()
		return statusToError(OpSessionOptions, status)
	})
}

// WithConfigEntry adds a session configuration key/value pair such as
// "session.intra_op.allow_spinning".
func (b *SessionBuilder) WithConfigEntry(key, value string) *SessionBuilder {
	if key == "" {
		return b.fail(fmt.Errorf("config entry key cannot be empty"))
	}
	if err := errors.Join(checkCString("config entry key", key), checkCString("config entry value", value)); err != nil {
		return b.fail(err)
	}
	return b.configure(func(options uintptr) error {
		if addSessionConfigEntryFunc == nil {
			return ErrNotInitialized
		}
		keyBytes, keyPtr := GoToCstring(key)
		valueBytes, valuePtr := GoToCstring(value)
		status := addSessionConfigEntryFunc(options, keyPtr, valuePtr)
		runtime.KeepAlive(keyBytes)
		runtime.KeepAlive(valueBytes)
		return statusToError(OpSessionOptions, status)
	})
}

// WithEPLoader hands the native OrtSessionOptions pointer to loader, which
// typically appends an execution provider through a provider-specific entry
// point. The loader returns an OrtStatus pointer (0 for success) that the
// builder takes ownership of.
func (b *SessionBuilder) WithEPLoader(loader func(options uintptr) uintptr) *SessionBuilder {
	if loader == nil {
		return b.fail(fmt.Errorf("execution provider loader cannot be nil"))
	}
	return b.configure(func(options uintptr) error {
		return statusToError(OpSessionOptions, loader(options))
	})
}

// WithRunObserver reports every Session.Run to observer.
func (b *SessionBuilder) WithRunObserver(observer RunObserver) *SessionBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil && !b.consumed {
		b.observer = observer
	}
	return b
}

// WithModelFromFile commits the builder and loads the model at path.
func (b *SessionBuilder) WithModelFromFile(path string) (*Session, error) {
	if err := b.checkUncommitted(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		_ = b.Destroy()
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &FileNotFoundError{Path: path}
		}
		return nil, fmt.Errorf("failed to stat model file: %w", err)
	}

	return b.commit(path, func(env, options uintptr, out *uintptr) error {
		if createSessionFunc == nil {
			return ErrNotInitialized
		}
		native, err := newORTString(path)
		if err != nil {
			return err
		}
		status := createSessionFunc(env, native.ptr, options, out)
		native.keepAlive()
		return statusToError(OpSession, status)
	})
}

// WithModelFromMemory commits the builder and loads a serialized model.
// ONNX Runtime copies what it needs; data may be reused after the call.
func (b *SessionBuilder) WithModelFromMemory(data []byte) (*Session, error) {
	if err := b.checkUncommitted(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		_ = b.Destroy()
		return nil, fmt.Errorf("model data cannot be empty")
	}

	return b.commit("memory", func(env, options uintptr, out *uintptr) error {
		if createSessionFromArrayFunc == nil {
			return ErrNotInitialized
		}
		// #nosec G103 -- data is only read during CreateSessionFromArray and kept alive below.
		dataPtr := uintptr(unsafe.Pointer(unsafe.SliceData(data)))
		status := createSessionFromArrayFunc(env, dataPtr, uintptr(len(data)), options, out)
		runtime.KeepAlive(data)
		return statusToError(OpSession, status)
	})
}

// WithModelDownloaded commits the builder with a model from the catalog,
// downloading it into the model cache when missing.
func (b *SessionBuilder) WithModelDownloaded(ctx context.Context, model AvailableModel) (*Session, error) {
	if err := b.checkUncommitted(); err != nil {
		return nil, err
	}
	path, err := DownloadModel(ctx, model, "")
	if err != nil {
		_ = b.Destroy()
		return nil, err
	}
	return b.WithModelFromFile(path)
}

// checkUncommitted fails with ErrDestroyed once the builder was committed or
// destroyed, before any commit validates its arguments.
func (b *SessionBuilder) checkUncommitted() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumed {
		return fmt.Errorf("session builder: %w", ErrDestroyed)
	}
	return nil
}

// commit consumes the builder. The session options are released whatever
// the outcome; on success the environment reference moves to the session.
func (b *SessionBuilder) commit(name string, create func(env, options uintptr, out *uintptr) error) (*Session, error) {
	b.mu.Lock()
	if b.consumed {
		b.mu.Unlock()
		return nil, fmt.Errorf("session builder: %w", ErrDestroyed)
	}
	b.consumed = true
	runtime.SetFinalizer(b, nil)
	options := b.options
	b.options = 0
	cfg := sessionConfig{
		name:          name,
		logID:         b.logID,
		allocatorType: b.allocatorType,
		memType:       b.memType,
		observer:      b.observer,
	}
	buildErr := b.err
	b.mu.Unlock()

	session, err := createSessionLocked(options, buildErr, cfg, create)
	if err != nil {
		releaseEnvironment()
		return nil, err
	}
	runtime.SetFinalizer(session, func(s *Session) {
		_ = s.Destroy()
	})
	Logger().WithFields(logrus.Fields{
		"session": session.name,
		"inputs":  len(session.inputs),
		"outputs": len(session.outputs),
	}).Debug("session created")
	return session, nil
}

type sessionConfig struct {
	name          string
	logID         string
	allocatorType AllocatorType
	memType       MemType
	observer      RunObserver
}

func createSessionLocked(options uintptr, buildErr error, cfg sessionConfig, create func(env, options uintptr, out *uintptr) error) (*Session, error) {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	defer func() {
		if options != 0 && releaseSessionOptionsFunc != nil {
			releaseSessionOptionsFunc(options)
		}
	}()

	if buildErr != nil {
		return nil, buildErr
	}

	mu.Lock()
	env := ortEnv
	mu.Unlock()
	if env == 0 {
		return nil, ErrNotInitialized
	}

	var handle uintptr
	if err := create(env, options, &handle); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if err := assertNotNull(OpSession, handle, "Session"); err != nil {
		return nil, err
	}

	session, err := newSessionLocked(handle, cfg)
	if err != nil {
		if releaseSessionFunc != nil {
			releaseSessionFunc(handle)
		}
		return nil, err
	}
	return session, nil
}

// Destroy releases an uncommitted builder. It is safe to call more than once
// and after a commit.
func (b *SessionBuilder) Destroy() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.consumed {
		b.mu.Unlock()
		return nil
	}
	b.consumed = true
	runtime.SetFinalizer(b, nil)
	options := b.options
	b.options = 0
	b.mu.Unlock()

	releaseSessionOptions(options)
	releaseEnvironment()
	return nil
}

func releaseSessionOptions(options uintptr) {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()
	if options != 0 && releaseSessionOptionsFunc != nil {
		releaseSessionOptionsFunc(options)
	}
}
