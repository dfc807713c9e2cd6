//go:build windows

package ort

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ORTCHAR_T is wchar_t on Windows; paths are passed as UTF-16.
func newORTString(s string) (ortString, error) {
	wide, err := windows.UTF16FromString(s)
	if err != nil {
		return ortString{}, fmt.Errorf("path %q is not representable as UTF-16: %w", s, err)
	}
	// #nosec G103 -- ORT reads the wchar_t* for the duration of the call.
	return ortString{ptr: uintptr(unsafe.Pointer(&wide[0])), backing: wide}, nil
}
