//go:build !windows

package ort

import "github.com/ebitengine/purego"

// RTLD_GLOBAL lets provider libraries that ORT opens later bind to our copy.
func platformOpen(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
}

func platformSymbol(handle uintptr, name string) (uintptr, error) {
	return purego.Dlsym(handle, name)
}

func platformClose(handle uintptr) error {
	return purego.Dlclose(handle)
}
