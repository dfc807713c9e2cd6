package ort

import (
	"fmt"
	"runtime"
	"sync"
)

// RunOptions configures a single Session run and can terminate it from
// another goroutine.
type RunOptions struct {
	mu     sync.Mutex
	handle uintptr // Pointer to OrtRunOptions
	runTag string
}

// NewRunOptions creates native run options.
func NewRunOptions() (*RunOptions, error) {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	if createRunOptionsFunc == nil {
		return nil, ErrNotInitialized
	}
	var handle uintptr
	if err := statusToError(OpRunOptions, createRunOptionsFunc(&handle)); err != nil {
		return nil, fmt.Errorf("failed to create run options: %w", err)
	}
	if err := assertNotNull(OpRunOptions, handle, "RunOptions"); err != nil {
		return nil, err
	}

	opts := &RunOptions{handle: handle}
	runtime.SetFinalizer(opts, func(o *RunOptions) {
		_ = o.Destroy()
	})
	return opts, nil
}

// SetRunTag sets the tag used in runtime log messages for this run.
func (o *RunOptions) SetRunTag(tag string) error {
	if err := checkCString("run tag", tag); err != nil {
		return err
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == 0 {
		return fmt.Errorf("run options: %w", ErrDestroyed)
	}
	if runOptionsSetRunTagFunc == nil {
		return ErrNotInitialized
	}
	tagBytes, tagPtr := GoToCstring(tag)
	status := runOptionsSetRunTagFunc(o.handle, tagPtr)
	runtime.KeepAlive(tagBytes)
	if err := statusToError(OpRunOptions, status); err != nil {
		return err
	}
	o.runTag = tag
	return nil
}

// RunTag returns the tag last set with SetRunTag.
func (o *RunOptions) RunTag() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runTag
}

// SetLogSeverityLevel sets the runtime log severity for this run.
func (o *RunOptions) SetLogSeverityLevel(level LoggingLevel) error {
	if !level.valid() {
		return fmt.Errorf("invalid log level %d", int(level))
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == 0 {
		return fmt.Errorf("run options: %w", ErrDestroyed)
	}
	if runOptionsSetRunLogSeverityLevelFunc == nil {
		return ErrNotInitialized
	}
	// #nosec G115 -- level is validated above.
	return statusToError(OpRunOptions, runOptionsSetRunLogSeverityLevelFunc(o.handle, int32(level)))
}

// Terminate asks every run using these options to stop as soon as possible.
func (o *RunOptions) Terminate() error {
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	return o.terminateLocked()
}

// terminateLocked requires ortCallMu held for reading by the caller or by a
// run the caller is bound to.
func (o *RunOptions) terminateLocked() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handle == 0 {
		return fmt.Errorf("run options: %w", ErrDestroyed)
	}
	if runOptionsSetTerminateFunc == nil {
		return ErrNotInitialized
	}
	return statusToError(OpRunOptions, runOptionsSetTerminateFunc(o.handle))
}

// Destroy releases the run options. It is safe to call more than once.
func (o *RunOptions) Destroy() error {
	if o == nil {
		return nil
	}
	ortCallMu.RLock()
	defer ortCallMu.RUnlock()

	o.mu.Lock()
	handle := o.handle
	o.handle = 0
	runtime.SetFinalizer(o, nil)
	o.mu.Unlock()

	if handle != 0 && releaseRunOptionsFunc != nil {
		releaseRunOptionsFunc(handle)
	}
	return nil
}

func (o *RunOptions) nativeHandle() uintptr {
	if o == nil {
		return 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}
