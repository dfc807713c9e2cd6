package ort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionModelMetadata(t *testing.T) {
	f := installFakeRuntime(t)
	s := newTestSession(t, nil)

	md, err := s.ModelMetadata()
	require.NoError(t, err)
	assert.Equal(t, ModelMetadata{
		ProducerName: "pytorch",
		GraphName:    "main_graph",
		Domain:       "ai.onnx",
		Description:  "test model",
		Version:      3,
	}, md)

	f.mu.Lock()
	assert.Empty(t, f.strings, "metadata strings must be freed")
	assert.Empty(t, f.modelMetadata, "metadata handle must be released")
	f.mu.Unlock()
}

func TestSessionLookupCustomMetadata(t *testing.T) {
	f := installFakeRuntime(t)
	s := newTestSession(t, nil)

	value, found, err := s.LookupCustomMetadata("license")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "apache-2.0", value)

	value, found, err = s.LookupCustomMetadata("missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, value)

	_, _, err = s.LookupCustomMetadata("license\x00suffix")
	assert.ErrorContains(t, err, "NUL byte")

	f.mu.Lock()
	assert.Empty(t, f.strings)
	assert.Empty(t, f.modelMetadata)
	f.mu.Unlock()
}

func TestSessionModelMetadataFailure(t *testing.T) {
	f := installFakeRuntime(t)
	s := newTestSession(t, nil)
	f.fail("ModelMetadataGetDomain", ErrorCodeFail, "no domain")

	_, err := s.ModelMetadata()
	require.Error(t, err)
	var ortErr *Error
	require.ErrorAs(t, err, &ortErr)
	assert.Equal(t, OpModelMetadata, ortErr.Op)
	assert.Equal(t, "no domain", ortErr.Message)

	f.mu.Lock()
	assert.Empty(t, f.strings, "fields read before the failure must still be freed")
	assert.Empty(t, f.modelMetadata)
	f.mu.Unlock()
}
