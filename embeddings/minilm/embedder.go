// Package minilm computes sentence embeddings with all-MiniLM-L6-v2.
package minilm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"sync"

	tokenizers "github.com/amikos-tech/pure-tokenizers"

	"github.com/amikos-tech/onnxruntime-go/embeddings/internal/ortutil"
	"github.com/amikos-tech/onnxruntime-go/ort"
)

const (
	// DefaultSequenceLength is the padded token count of every row.
	DefaultSequenceLength = 256
	// OutputEmbeddingDimension is the width of the hidden state and of the
	// returned vectors.
	OutputEmbeddingDimension = 384

	minTokenWeight = float32(1e-9)
	minNorm        = float32(1e-12)
)

// Indexes of the token buffers in a batch.
const (
	bufferInputIDs = iota
	bufferAttentionMask
	bufferTokenTypeIDs
	bufferCount
)

// ioNames are the graph names the embedder binds to.
type ioNames struct {
	inputIDs      string
	attentionMask string
	tokenTypeIDs  string
	output        string
}

// #nosec G101 -- graph input names, not credentials.
var defaultNames = ioNames{
	inputIDs:      "input_ids",
	attentionMask: "attention_mask",
	tokenTypeIDs:  "token_type_ids",
	output:        "last_hidden_state",
}

func (n ioNames) buffers() map[string]int {
	return map[string]int{
		n.inputIDs:      bufferInputIDs,
		n.attentionMask: bufferAttentionMask,
		n.tokenTypeIDs:  bufferTokenTypeIDs,
	}
}

// Option configures NewEmbedder.
type Option func(*config) error

type config struct {
	sequenceLength int
	tokenizerLib   string
	names          ioNames
	intraOpThreads int16
	observer       ort.RunObserver
}

// WithSequenceLength sets the length every document is truncated or padded to.
func WithSequenceLength(length int) Option {
	return func(c *config) error {
		if length <= 0 {
			return fmt.Errorf("sequence length must be positive, got %d", length)
		}
		c.sequenceLength = length
		return nil
	}
}

// WithTokenizerLibraryPath points pure-tokenizers at its shared library
// instead of letting it locate or download one.
func WithTokenizerLibraryPath(path string) Option {
	return func(c *config) error {
		if path == "" {
			return errors.New("tokenizer library path is empty")
		}
		c.tokenizerLib = path
		return nil
	}
}

// WithInputOutputNames binds graphs exported with non-standard names.
func WithInputOutputNames(inputIDs, attentionMask, tokenTypeIDs, output string) Option {
	return func(c *config) error {
		n := ioNames{inputIDs, attentionMask, tokenTypeIDs, output}
		if slices.Contains([]string{n.inputIDs, n.attentionMask, n.tokenTypeIDs, n.output}, "") {
			return fmt.Errorf("graph names must all be set, got %+v", n)
		}
		c.names = n
		return nil
	}
}

// WithIntraOpThreads sets the session's intra-op thread count. Zero lets
// ONNX Runtime decide.
func WithIntraOpThreads(threads int16) Option {
	return func(c *config) error {
		if threads < 0 {
			return fmt.Errorf("intra-op threads must be >= 0, got %d", threads)
		}
		c.intraOpThreads = threads
		return nil
	}
}

// WithRunObserver reports every inference run of the embedder's session.
func WithRunObserver(observer ort.RunObserver) Option {
	return func(c *config) error {
		c.observer = observer
		return nil
	}
}

// encoding is one tokenized document.
type encoding struct {
	ids           []uint32
	attentionMask []uint32
	typeIDs       []uint32
}

type encodeFunc func(text string) (encoding, error)

// loadTokenizer opens tokenizer.json with truncation and fixed padding to
// cfg.sequenceLength.
func loadTokenizer(path string, cfg config) (encodeFunc, func() error, error) {
	n := uintptr(cfg.sequenceLength)
	opts := []tokenizers.TokenizerOption{
		tokenizers.WithTruncation(n, tokenizers.TruncationDirectionRight, tokenizers.TruncationStrategyLongestFirst),
		tokenizers.WithPadding(true, tokenizers.PaddingStrategy{Tag: tokenizers.PaddingStrategyFixed, FixedSize: n}),
	}
	if cfg.tokenizerLib != "" {
		opts = append(opts, tokenizers.WithLibraryPath(cfg.tokenizerLib))
	}
	tk, err := tokenizers.FromFile(path, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tokenizer %s: %w", path, err)
	}
	encode := func(text string) (encoding, error) {
		res, err := tk.Encode(text,
			tokenizers.WithAddSpecialTokens(),
			tokenizers.WithReturnAttentionMask(),
			tokenizers.WithReturnTypeIDs(),
		)
		switch {
		case err != nil:
			return encoding{}, err
		case res == nil:
			return encoding{}, errors.New("tokenizer returned no encoding")
		}
		return encoding{ids: res.IDs, attentionMask: res.AttentionMask, typeIDs: res.TypeIDs}, nil
	}
	return encode, tk.Close, nil
}

// Embedder provides local all-MiniLM-L6-v2 embeddings on top of ort.
//
// The caller must initialize ONNX Runtime via ort.SetSharedLibraryPath and
// ort.InitializeEnvironment before calling NewEmbedder. One session serves
// every batch size; calls are serialized.
type Embedder struct {
	mu             sync.Mutex
	sequenceLength int
	encode         encodeFunc
	closeTokenizer func() error
	session        *ort.Session

	// inputBuffers maps each session input position to a token buffer.
	inputBuffers []int
	outputIndex  int
}

// NewEmbedder loads an all-MiniLM-L6-v2 ONNX export and its tokenizer.json.
// The ort environment must already be initialized.
func NewEmbedder(modelPath, tokenizerPath string, opts ...Option) (_ *Embedder, err error) {
	switch {
	case modelPath == "":
		return nil, errors.New("model path is empty")
	case tokenizerPath == "":
		return nil, errors.New("tokenizer path is empty")
	}
	if _, err := os.Stat(tokenizerPath); err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", tokenizerPath, err)
	}

	cfg := config{sequenceLength: DefaultSequenceLength, names: defaultNames}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if !ort.IsInitialized() {
		return nil, fmt.Errorf("minilm: %w", ort.ErrNotInitialized)
	}

	encode, closeTokenizer, err := loadTokenizer(tokenizerPath, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, closeTokenizer())
		}
	}()

	builder, err := ort.NewSessionBuilder()
	if err != nil {
		return nil, err
	}
	builder.WithLogID("all-MiniLM-L6-v2")
	if cfg.intraOpThreads > 0 {
		builder.WithNumberThreads(cfg.intraOpThreads)
	}
	if cfg.observer != nil {
		builder.WithRunObserver(cfg.observer)
	}
	session, err := builder.WithModelFromFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("creating session for %s: %w", modelPath, err)
	}

	e, err := newEmbedder(session, cfg, encode)
	if err != nil {
		return nil, errors.Join(err, session.Destroy())
	}
	e.closeTokenizer = closeTokenizer
	return e, nil
}

func newEmbedder(session *ort.Session, cfg config, encode encodeFunc) (*Embedder, error) {
	inputBuffers, err := bindInputs(session.Inputs(), cfg.names)
	if err != nil {
		return nil, err
	}
	outputIndex, err := bindOutput(session.Outputs(), cfg.names.output)
	if err != nil {
		return nil, err
	}
	return &Embedder{
		sequenceLength: cfg.sequenceLength,
		encode:         encode,
		session:        session,
		inputBuffers:   inputBuffers,
		outputIndex:    outputIndex,
	}, nil
}

// bindInputs maps the model's inputs, in session order, to token buffers.
// token_type_ids is optional since some exports drop it.
func bindInputs(inputs []ort.Input, names ioNames) ([]int, error) {
	known := names.buffers()
	order := make([]int, len(inputs))
	var bound [bufferCount]bool
	for i, in := range inputs {
		buffer, ok := known[in.Name]
		switch {
		case !ok:
			return nil, fmt.Errorf("unexpected model input %q", in.Name)
		case in.ElementType != ort.TensorElementDataTypeInt64:
			return nil, fmt.Errorf("model input %q is %s, need int64", in.Name, in.ElementType)
		case len(in.Dimensions) != 2:
			return nil, fmt.Errorf("model input %q has rank %d, need [batch, sequence]", in.Name, len(in.Dimensions))
		}
		order[i] = buffer
		bound[buffer] = true
	}
	if !bound[bufferInputIDs] || !bound[bufferAttentionMask] {
		return nil, fmt.Errorf("model lacks %q or %q input", names.inputIDs, names.attentionMask)
	}
	return order, nil
}

func bindOutput(outputs []ort.Output, name string) (int, error) {
	for i, out := range outputs {
		if out.Name != name {
			continue
		}
		if out.ElementType != ort.TensorElementDataTypeFloat {
			return 0, fmt.Errorf("model output %q is %s, need float32", name, out.ElementType)
		}
		return i, nil
	}
	return 0, fmt.Errorf("model has no output named %q", name)
}

// Close releases the session and tokenizer. It is safe to call twice.
func (e *Embedder) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
		e.session = nil
	}
	if e.closeTokenizer != nil {
		errs = append(errs, e.closeTokenizer())
		e.closeTokenizer = nil
	}
	e.encode = nil
	return errors.Join(errs...)
}

// EmbedDocuments returns one unit-length vector of OutputEmbeddingDimension
// floats per document, in input order.
func (e *Embedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("embedder is nil")
	}
	if len(documents) == 0 {
		return [][]float32{}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil || e.encode == nil {
		return nil, errEmbedderClosed
	}

	batch := newTokenBatch(len(documents), e.sequenceLength)
	if err := e.tokenizeInto(documents, batch); err != nil {
		return nil, err
	}
	hidden, err := e.infer(ctx, batch)
	if err != nil {
		return nil, err
	}
	return meanPool(hidden, batch.buffers[bufferAttentionMask], e.sequenceLength, OutputEmbeddingDimension)
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := e.EmbedDocuments(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

var errEmbedderClosed = errors.New("embedder is closed")

// infer runs the model on batch and returns the last hidden state.
func (e *Embedder) infer(ctx context.Context, batch *tokenBatch) (_ []float32, err error) {
	shape := ort.Shape{int64(batch.size), int64(batch.sequenceLength)}
	tensors := make([]*ort.Tensor[int64], bufferCount)
	defer func() {
		err = errors.Join(err, ortutil.DestroySlice(tensors))
	}()

	inputs := make([]ort.Value, len(e.inputBuffers))
	for i, buffer := range e.inputBuffers {
		if tensors[buffer] == nil {
			t, err := ort.NewTensor(shape, batch.buffers[buffer])
			if err != nil {
				return nil, err
			}
			tensors[buffer] = t
		}
		inputs[i] = tensors[buffer]
	}

	outputs, err := e.session.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("minilm inference: %w", err)
	}
	defer func() {
		err = errors.Join(err, ortutil.DestroySlice(outputs))
	}()

	hidden := outputs[e.outputIndex]
	want := ort.Shape{int64(batch.size), int64(batch.sequenceLength), OutputEmbeddingDimension}
	if got := hidden.Shape(); !slices.Equal(got, want) {
		return nil, fmt.Errorf("hidden state has shape %v, expected %v", got, want)
	}
	return ort.OwnedTensorData[float32](hidden)
}

// tokenBatch holds the row-major token buffers of one batch.
type tokenBatch struct {
	size           int
	sequenceLength int
	buffers        [bufferCount][]int64
}

func newTokenBatch(size, sequenceLength int) *tokenBatch {
	b := &tokenBatch{size: size, sequenceLength: sequenceLength}
	for i := range b.buffers {
		b.buffers[i] = make([]int64, size*sequenceLength)
	}
	return b
}

// row returns the slice of buffer that belongs to document i.
func (b *tokenBatch) row(buffer, i int) []int64 {
	return b.buffers[buffer][i*b.sequenceLength : (i+1)*b.sequenceLength]
}

func (e *Embedder) tokenizeInto(documents []string, batch *tokenBatch) error {
	if batch.size != len(documents) {
		return fmt.Errorf("batch holds %d rows, got %d documents", batch.size, len(documents))
	}
	for i, doc := range documents {
		enc, err := e.encode(doc)
		if err != nil {
			return fmt.Errorf("tokenizing document %d: %w", i, err)
		}
		ids := batch.row(bufferInputIDs, i)
		widen(ids, enc.ids)
		if mask := batch.row(bufferAttentionMask, i); len(enc.attentionMask) > 0 {
			widen(mask, enc.attentionMask)
		} else {
			deriveAttentionMask(mask, ids)
		}
		widen(batch.row(bufferTokenTypeIDs, i), enc.typeIDs)
	}
	return nil
}

// widen copies src into dst, stopping at the shorter of the two.
func widen(dst []int64, src []uint32) {
	for i := range min(len(dst), len(src)) {
		dst[i] = int64(src[i])
	}
}

// deriveAttentionMask marks every non-padding token (id != 0).
func deriveAttentionMask(dst []int64, ids []int64) {
	for i, id := range ids[:len(dst)] {
		if id != 0 {
			dst[i] = 1
		}
	}
}

// meanPool averages each row's hidden states over its attended tokens and
// L2-normalizes the result. hidden is [rows, sequenceLength, dim] row-major;
// mask is [rows, sequenceLength].
func meanPool(hidden []float32, mask []int64, sequenceLength, dim int) ([][]float32, error) {
	if sequenceLength <= 0 || dim <= 0 {
		return nil, fmt.Errorf("invalid pooling geometry: sequence length %d, dim %d", sequenceLength, dim)
	}
	if len(mask) == 0 || len(mask)%sequenceLength != 0 {
		return nil, fmt.Errorf("attention mask of %d values is not a whole number of %d-token rows", len(mask), sequenceLength)
	}
	if want := len(mask) * dim; len(hidden) != want {
		return nil, fmt.Errorf("hidden state has %d values, expected %d", len(hidden), want)
	}

	rows := len(mask) / sequenceLength
	out := make([][]float32, rows)
	for r := range out {
		vec := make([]float32, dim)
		var weight float32
		for t, m := range mask[r*sequenceLength : (r+1)*sequenceLength] {
			if m == 0 {
				continue
			}
			w := float32(m)
			weight += w
			token := (r*sequenceLength + t) * dim
			for d, h := range hidden[token : token+dim] {
				vec[d] += w * h
			}
		}
		inv := 1 / max(weight, minTokenWeight)
		for d := range vec {
			vec[d] *= inv
		}
		normalize(vec)
		out[r] = vec
	}
	return out, nil
}

// normalize scales v to unit L2 length; a zero vector stays zero.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	scale := 1 / max(float32(math.Sqrt(sum)), minNorm)
	for i := range v {
		v[i] *= scale
	}
}
