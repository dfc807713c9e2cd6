package ort

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenNativeLibraryMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "libonnxruntime-missing.so")
	lib, err := openNativeLibrary(path)
	require.Error(t, err)
	assert.Nil(t, lib)
	assert.Contains(t, err.Error(), path)
}

func TestNativeLibraryNilSafe(t *testing.T) {
	var lib *nativeLibrary
	assert.NoError(t, lib.close())

	_, err := lib.symbol("OrtGetApiBase")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "library not loaded")

	closed := &nativeLibrary{path: "x"}
	assert.NoError(t, closed.close())
}
