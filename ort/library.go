package ort

import (
	"errors"
	"fmt"
)

// nativeLibrary is a loaded ONNX Runtime shared object.
type nativeLibrary struct {
	path   string
	handle uintptr
}

func openNativeLibrary(path string) (*nativeLibrary, error) {
	handle, err := platformOpen(path)
	if err == nil && handle == 0 {
		err = errors.New("null library handle")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ONNX Runtime library from %q: %w", path, err)
	}
	return &nativeLibrary{path: path, handle: handle}, nil
}

// symbol resolves an exported function and rejects null addresses.
func (l *nativeLibrary) symbol(name string) (uintptr, error) {
	if l == nil || l.handle == 0 {
		return 0, fmt.Errorf("failed to find %s: library not loaded", name)
	}
	addr, err := platformSymbol(l.handle, name)
	if err == nil && addr == 0 {
		err = errors.New("symbol address is null")
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find %s: %w", name, err)
	}
	return addr, nil
}

func (l *nativeLibrary) close() error {
	if l == nil || l.handle == 0 {
		return nil
	}
	handle := l.handle
	l.handle = 0
	if err := platformClose(handle); err != nil {
		return fmt.Errorf("failed to close ONNX Runtime library %q: %w", l.path, err)
	}
	return nil
}
