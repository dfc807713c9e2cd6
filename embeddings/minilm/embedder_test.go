package minilm

import (
	"context"
	"errors"
	"io/fs"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amikos-tech/onnxruntime-go/ort"
)

func TestMeanPoolSingleAttendedToken(t *testing.T) {
	vectors, err := meanPool([]float32{1, 2, 3, 4}, []int64{1, 0}, 2, 2)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.InDeltaSlice(t, []float32{0.4472136, 0.8944272}, vectors[0], 1e-6)
}

func TestMeanPoolAveragesRows(t *testing.T) {
	// Row 0 averages tokens 0 and 1 to {2, 0}; row 1 only keeps token 0.
	hidden := []float32{
		1, 0, 3, 0,
		0, 5, 9, 9,
	}
	vectors, err := meanPool(hidden, []int64{1, 1, 1, 0}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
}

func TestMeanPoolZeroMask(t *testing.T) {
	vectors, err := meanPool([]float32{10, 20, 30, 40}, []int64{0, 0}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, vectors[0])
}

func TestMeanPoolValidation(t *testing.T) {
	tests := []struct {
		name    string
		hidden  []float32
		mask    []int64
		seqLen  int
		dim     int
		wantErr string
	}{
		{"hidden length", []float32{1, 2}, []int64{1, 1}, 2, 2, "hidden state has 2 values, expected 4"},
		{"ragged mask", []float32{1, 2, 3, 4}, []int64{1}, 2, 2, "not a whole number of 2-token rows"},
		{"empty mask", nil, nil, 2, 2, "not a whole number"},
		{"sequence", nil, nil, 0, 2, "invalid pooling geometry"},
		{"dimension", nil, nil, 1, 0, "invalid pooling geometry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := meanPool(tt.hidden, tt.mask, tt.seqLen, tt.dim)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDeriveAttentionMask(t *testing.T) {
	dst := make([]int64, 4)
	deriveAttentionMask(dst, []int64{101, 2023, 0, 0})
	assert.Equal(t, []int64{1, 1, 0, 0}, dst)
}

func TestWidenStopsAtShorterSlice(t *testing.T) {
	dst := make([]int64, 3)
	widen(dst, []uint32{1, 2, 3, 4, 5})
	assert.Equal(t, []int64{1, 2, 3}, dst)

	short := make([]int64, 3)
	widen(short, []uint32{7})
	assert.Equal(t, []int64{7, 0, 0}, short)
}

func TestNormalizeUnitLength(t *testing.T) {
	v := []float32{3, 4}
	normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-7)
	assert.InDelta(t, 0.8, v[1], 1e-7)

	zero := []float32{0, 0}
	normalize(zero)
	assert.False(t, math.IsNaN(float64(zero[0])))
}

func modelInput(name string, elementType ort.TensorElementDataType) ort.Input {
	return ort.Input{
		Name:        name,
		ElementType: elementType,
		Dimensions:  []ort.Dimension{ort.DynamicDimension, ort.DynamicDimension},
	}
}

func TestBindInputs(t *testing.T) {
	names := defaultNames

	buffers, err := bindInputs([]ort.Input{
		modelInput("attention_mask", ort.TensorElementDataTypeInt64),
		modelInput("input_ids", ort.TensorElementDataTypeInt64),
		modelInput("token_type_ids", ort.TensorElementDataTypeInt64),
	}, names)
	require.NoError(t, err)
	assert.Equal(t, []int{bufferAttentionMask, bufferInputIDs, bufferTokenTypeIDs}, buffers)

	buffers, err = bindInputs([]ort.Input{
		modelInput("input_ids", ort.TensorElementDataTypeInt64),
		modelInput("attention_mask", ort.TensorElementDataTypeInt64),
	}, names)
	require.NoError(t, err, "token_type_ids is optional")
	assert.Equal(t, []int{bufferInputIDs, bufferAttentionMask}, buffers)

	_, err = bindInputs([]ort.Input{modelInput("pixel_values", ort.TensorElementDataTypeFloat)}, names)
	assert.ErrorContains(t, err, `unexpected model input "pixel_values"`)

	_, err = bindInputs([]ort.Input{modelInput("input_ids", ort.TensorElementDataTypeInt32)}, names)
	assert.ErrorContains(t, err, "need int64")

	_, err = bindInputs([]ort.Input{modelInput("input_ids", ort.TensorElementDataTypeInt64)}, names)
	assert.ErrorContains(t, err, `lacks "input_ids" or "attention_mask"`)

	rank3 := modelInput("input_ids", ort.TensorElementDataTypeInt64)
	rank3.Dimensions = append(rank3.Dimensions, 1)
	_, err = bindInputs([]ort.Input{rank3}, names)
	assert.ErrorContains(t, err, "rank 3")
}

func TestBindOutput(t *testing.T) {
	outputs := []ort.Output{
		{Name: "pooler_output", ElementType: ort.TensorElementDataTypeFloat},
		{Name: "last_hidden_state", ElementType: ort.TensorElementDataTypeFloat},
	}
	index, err := bindOutput(outputs, defaultNames.output)
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	_, err = bindOutput(outputs, "logits")
	assert.ErrorContains(t, err, `no output named "logits"`)

	_, err = bindOutput([]ort.Output{{Name: "last_hidden_state", ElementType: ort.TensorElementDataTypeDouble}}, defaultNames.output)
	assert.ErrorContains(t, err, "need float32")
}

func TestTokenizeInto(t *testing.T) {
	e := &Embedder{
		sequenceLength: 4,
		encode: func(text string) (encoding, error) {
			switch text {
			case "with mask":
				return encoding{ids: []uint32{101, 7, 102, 0}, attentionMask: []uint32{1, 1, 1, 0}, typeIDs: []uint32{0, 0, 0, 0}}, nil
			case "no mask":
				return encoding{ids: []uint32{101, 102}}, nil
			default:
				return encoding{}, errors.New("unknown token")
			}
		},
	}

	batch := newTokenBatch(2, 4)
	require.NoError(t, e.tokenizeInto([]string{"with mask", "no mask"}, batch))
	assert.Equal(t, []int64{101, 7, 102, 0, 101, 102, 0, 0}, batch.buffers[bufferInputIDs])
	assert.Equal(t, []int64{1, 1, 1, 0, 1, 1, 0, 0}, batch.buffers[bufferAttentionMask])
	assert.Equal(t, make([]int64, 8), batch.buffers[bufferTokenTypeIDs])

	err := e.tokenizeInto([]string{"???"}, newTokenBatch(1, 4))
	assert.ErrorContains(t, err, "tokenizing document 0: unknown token")

	err = e.tokenizeInto([]string{"no mask"}, newTokenBatch(2, 4))
	assert.ErrorContains(t, err, "batch holds 2 rows, got 1 documents")
}

func TestEmbedderValidation(t *testing.T) {
	var nilEmbedder *Embedder
	_, err := nilEmbedder.EmbedQuery(context.Background(), "test")
	assert.ErrorContains(t, err, "embedder is nil")
	assert.NoError(t, nilEmbedder.Close())

	closed := &Embedder{sequenceLength: 4}
	require.NoError(t, closed.Close())
	_, err = closed.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, errEmbedderClosed)

	empty, err := closed.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewEmbedderArgumentErrors(t *testing.T) {
	_, err := NewEmbedder("", "tokenizer.json")
	assert.ErrorContains(t, err, "model path is empty")

	_, err = NewEmbedder("model.onnx", "")
	assert.ErrorContains(t, err, "tokenizer path is empty")

	_, err = NewEmbedder("model.onnx", "/nonexistent/tokenizer.json")
	assert.ErrorIs(t, err, fs.ErrNotExist)

	tokenizerPath := t.TempDir()
	for _, opt := range []Option{
		WithSequenceLength(0),
		WithTokenizerLibraryPath(""),
		WithInputOutputNames("a", "", "c", "d"),
		WithIntraOpThreads(-1),
	} {
		_, err = NewEmbedder("model.onnx", tokenizerPath, opt)
		assert.Error(t, err)
	}
}
