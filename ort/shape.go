package ort

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"
	"strconv"
	"strings"
	"unsafe"
)

// Shape lists tensor dimensions, outermost first.
type Shape []int64

func NewShape(dims ...int64) Shape {
	return Shape(dims)
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s)
}

// Clone returns an independent copy. A nil or empty shape clones to a
// non-nil rank-0 shape.
func (s Shape) Clone() Shape {
	return cloneShape(s)
}

// ParseShape reads a comma-separated list of sizes such as "1,384".
func ParseShape(raw string) (Shape, error) {
	var shape Shape
	for field := range strings.SplitSeq(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			return nil, errors.New("empty dimension")
		}
		dim, err := strconv.ParseInt(field, 10, 64)
		switch {
		case err != nil:
			return nil, fmt.Errorf("failed to parse dimension %q: %w", field, err)
		case dim < 0:
			return nil, fmt.Errorf("negative dimension %d", dim)
		}
		shape = append(shape, dim)
	}
	return shape, nil
}

// Dimension is one entry of a model input or output shape as declared in the
// model. Dynamic (symbolic) dimensions are DynamicDimension.
type Dimension int64

// DynamicDimension marks a dimension whose size is only known at run time.
const DynamicDimension Dimension = -1

// Fixed returns the dimension size and true when the size is static.
func (d Dimension) Fixed() (int64, bool) {
	if d < 0 {
		return 0, false
	}
	return int64(d), true
}

func (d Dimension) String() string {
	if d < 0 {
		return "?"
	}
	return strconv.FormatInt(int64(d), 10)
}

// dimensionsFromNative normalizes native dimensions: ONNX Runtime reports -1
// for symbolic sizes and no negative value is a real size.
func dimensionsFromNative(dims []int64) []Dimension {
	out := make([]Dimension, len(dims))
	for i, d := range dims {
		if d < 0 {
			out[i] = DynamicDimension
			continue
		}
		out[i] = Dimension(d)
	}
	return out
}

// matchesDimensions reports whether shape has the same rank as dims and
// agrees with every fixed dimension.
func matchesDimensions(shape Shape, dims []Dimension) (rankOK bool, shapeOK bool) {
	if len(shape) != len(dims) {
		return false, false
	}
	for i, d := range dims {
		if size, fixed := d.Fixed(); fixed && size != shape[i] {
			return true, false
		}
	}
	return true, true
}

// cloneShape copies shape. Scalars stay a non-nil rank-0 shape.
func cloneShape(shape Shape) Shape {
	return append(Shape{}, shape...)
}

func shapeElementCount(shape Shape) (int, error) {
	for i, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("dimension %d is %d, must be >= 0", i, dim)
		}
	}
	if slices.Contains(shape, 0) {
		return 0, nil
	}

	count := uint64(1)
	for _, dim := range shape {
		hi, lo := bits.Mul64(count, uint64(dim))
		if hi != 0 || lo > math.MaxInt {
			return 0, fmt.Errorf("shape %v exceeds maximum supported element count", shape)
		}
		count = lo
	}
	return int(count), nil
}

// ShapeElementCount returns the number of elements shape holds. A zero
// dimension gives zero; negative dimensions are an error.
func ShapeElementCount(shape Shape) (int, error) {
	return shapeElementCount(shape)
}

func shapePtr(shape Shape) *int64 {
	if len(shape) == 0 {
		return nil
	}
	return unsafe.SliceData(shape)
}
