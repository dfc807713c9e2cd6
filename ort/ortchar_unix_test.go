//go:build !windows

package ort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewORTStringUTF8(t *testing.T) {
	s, err := newORTString("/models/résumé.onnx")
	require.NoError(t, err)
	assert.Equal(t, "/models/résumé.onnx", CstringToGo(s.ptr))
	s.keepAlive()
}

func TestNewORTStringRejectsNUL(t *testing.T) {
	_, err := newORTString("/models/a\x00.onnx")
	assert.ErrorContains(t, err, "NUL byte")
}
