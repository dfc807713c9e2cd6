package ort

import "sync"

// valueRef owns an OrtValue handle. Native calls that read the value hold a
// use through acquire; take blocks until every use is done and then hands the
// handle to the caller for release. Once take has started, acquire fails.
type valueRef struct {
	mu      sync.Mutex
	idle    sync.Cond
	handle  uintptr
	users   int
	closing bool
}

func (r *valueRef) set(handle uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handle = handle
}

func (r *valueRef) current() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return 0
	}
	return r.handle
}

// acquire returns the handle and a function ending the use, or 0 when the
// value is released or being released. done is safe to call more than once.
func (r *valueRef) acquire() (handle uintptr, done func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing || r.handle == 0 {
		return 0, func() {}
	}
	r.users++
	var once sync.Once
	return r.handle, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.users--
			if r.users == 0 {
				r.idle.Broadcast()
			}
		})
	}
}

// take waits for in-flight uses to end and clears the handle. Only one of
// several concurrent callers receives a non-zero handle.
func (r *valueRef) take() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idle.L == nil {
		r.idle.L = &r.mu
	}
	r.closing = true
	for r.users > 0 {
		r.idle.Wait()
	}
	handle := r.handle
	r.handle = 0
	return handle
}

// acquireValue pins v's handle for a native call. Values without a valueRef
// only expose their handle.
func acquireValue(v Value) (uintptr, func()) {
	if g, ok := v.(interface{ acquire() (uintptr, func()) }); ok {
		return g.acquire()
	}
	if nv, ok := v.(nativeValue); ok {
		return nv.ortValueHandle(), func() {}
	}
	return 0, func() {}
}
