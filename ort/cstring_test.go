package ort

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoToCstringRoundTrip(t *testing.T) {
	inputs := []string{"", "input_ids", "hello world", "Hello, 世界", strings.Repeat("a", 4096)}
	for _, input := range inputs {
		backing, ptr := GoToCstring(input)
		require.NotZero(t, ptr)
		require.Len(t, backing, len(input)+1)
		assert.Zero(t, backing[len(backing)-1])
		assert.Equal(t, input, CstringToGo(ptr))
		runtime.KeepAlive(backing)
	}
}

func TestCstringToGoNullPointer(t *testing.T) {
	assert.Empty(t, CstringToGo(0))
}

func TestCstringToGoStopsAtFirstTerminator(t *testing.T) {
	buf := []byte("first\x00second\x00")
	ptr := uintptrOf(buf)
	assert.Equal(t, "first", CstringToGo(ptr))
	runtime.KeepAlive(buf)
}

func TestGoToCstringDoesNotAliasInput(t *testing.T) {
	source := []byte("mutable")
	backing, _ := GoToCstring(string(source))
	source[0] = 'M'
	assert.Equal(t, "mutable", string(backing[:len(backing)-1]))
}

func TestMakeCStringPointerArray(t *testing.T) {
	backings, ptrs := makeCStringPointerArray(nil)
	assert.Nil(t, backings)
	assert.Nil(t, ptrs)

	backings, ptrs = makeCStringPointerArray([]string{"input_ids", "attention_mask"})
	require.Len(t, ptrs, 2)
	assert.Equal(t, "input_ids", CstringToGo(ptrs[0]))
	assert.Equal(t, "attention_mask", CstringToGo(ptrs[1]))
	runtime.KeepAlive(backings)
}

func BenchmarkCstringToGo(b *testing.B) {
	backing, ptr := GoToCstring(strings.Repeat("x", 256))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = CstringToGo(ptr)
	}
	runtime.KeepAlive(backing)
}

func TestCheckCString(t *testing.T) {
	assert.NoError(t, checkCString("key", ""))
	assert.NoError(t, checkCString("key", "session.intra_op.allow_spinning"))

	err := checkCString("key", "abc\x00def")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key")
	assert.Contains(t, err.Error(), "offset 3")
}
