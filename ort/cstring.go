package ort

import (
	"fmt"
	"runtime"
	"strings"
	"unsafe"
)

// maxCStringLen bounds scans of native strings. ONNX Runtime names, messages
// and version strings are far shorter; a longer run means a missing terminator.
const maxCStringLen = 1 << 20

// CstringToGo copies a null-terminated C string into a Go string.
// Returns empty string if ptr is 0 (null).
func CstringToGo(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}

	// #nosec G103 -- ptr is a char* handed out by ONNX Runtime.
	base := unsafe.Pointer(ptr)
	length := 0
	for length < maxCStringLen && *(*byte)(unsafe.Add(base, length)) != 0 {
		length++
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(base), length))
}

// GoToCstring converts a Go string to a null-terminated byte slice suitable for passing to C functions.
// Returns the byte slice (which must be kept alive by the caller to prevent GC) and a uintptr to its first byte.
// C stops reading at the first NUL, so strings from callers go through checkCString first.
//
// IMPORTANT: The caller MUST keep the returned []byte alive for as long as the C function might access it.
//
//	logIDBytes, logIDPtr := GoToCstring("my-log-id")
//	status := cFunction(logIDPtr)
//	runtime.KeepAlive(logIDBytes)
func GoToCstring(s string) ([]byte, uintptr) {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b, uintptr(unsafe.Pointer(&b[0]))
}

// checkCString rejects s when it holds a NUL byte, which C would read as the
// end of the string.
func checkCString(what, s string) error {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return fmt.Errorf("%s %q contains a NUL byte at offset %d", what, s, i)
	}
	return nil
}

// makeCStringPointerArray builds a const char** for names. Both returned
// slices must stay reachable until the native call returns.
func makeCStringPointerArray(names []string) ([][]byte, []uintptr) {
	if len(names) == 0 {
		return nil, nil
	}
	backings := make([][]byte, len(names))
	ptrs := make([]uintptr, len(names))
	for i, name := range names {
		backings[i], ptrs[i] = GoToCstring(name)
	}
	return backings, ptrs
}

// ortString is an ORTCHAR_T string built by newORTString. ptr is valid while
// backing is reachable.
type ortString struct {
	ptr     uintptr
	backing any
}

func (s ortString) keepAlive() {
	runtime.KeepAlive(s.backing)
}
