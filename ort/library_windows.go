//go:build windows

package ort

import "golang.org/x/sys/windows"

func platformOpen(path string) (uintptr, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	return uintptr(h), err
}

func platformSymbol(handle uintptr, name string) (uintptr, error) {
	return windows.GetProcAddress(windows.Handle(handle), name)
}

func platformClose(handle uintptr) error {
	return windows.FreeLibrary(windows.Handle(handle))
}
