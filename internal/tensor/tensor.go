// Package tensor holds the dense host-side tensors exchanged with graph handles.
package tensor

import (
	"fmt"
	"slices"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a Tensor.
type DType int

const (
	Float32 DType = iota
	Float16
	Int64
	Bool
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a row-major dense array. The data slice is one of
// []float32, []float16.Float16, []int64 or []bool, matching DType.
type Tensor struct {
	shape []int
	dtype DType
	data  any
}

// FromFloat32 wraps data without copying. It panics when len(data) does not match shape.
func FromFloat32(data []float32, shape ...int) *Tensor {
	return newTensor(Float32, data, len(data), shape)
}

// FromFloat16 wraps half-precision data without copying.
func FromFloat16(data []float16.Float16, shape ...int) *Tensor {
	return newTensor(Float16, data, len(data), shape)
}

// FromInt64 wraps data without copying.
func FromInt64(data []int64, shape ...int) *Tensor {
	return newTensor(Int64, data, len(data), shape)
}

// FromBool wraps data without copying.
func FromBool(data []bool, shape ...int) *Tensor {
	return newTensor(Bool, data, len(data), shape)
}

// Zeros allocates a zero-filled tensor. A zero-sized dimension is allowed.
func Zeros(dtype DType, shape ...int) *Tensor {
	n := NumElements(shape)
	switch dtype {
	case Float16:
		return FromFloat16(make([]float16.Float16, n), shape...)
	case Int64:
		return FromInt64(make([]int64, n), shape...)
	case Bool:
		return FromBool(make([]bool, n), shape...)
	default:
		return FromFloat32(make([]float32, n), shape...)
	}
}

// Ones returns an int64 tensor filled with 1, the layout attention masks use.
func Ones(shape ...int) *Tensor {
	n := NumElements(shape)
	data := make([]int64, n)
	for i := range data {
		data[i] = 1
	}
	return FromInt64(data, shape...)
}

func newTensor(dtype DType, data any, n int, shape []int) *Tensor {
	if want := NumElements(shape); want != n {
		panic(fmt.Sprintf("tensor: %d elements do not fit shape %v (%d)", n, shape, want))
	}
	return &Tensor{shape: slices.Clone(shape), dtype: dtype, data: data}
}

// NumElements returns the product of dims. An empty shape is a scalar.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t *Tensor) Shape() []int  { return slices.Clone(t.shape) }
func (t *Tensor) DType() DType  { return t.dtype }
func (t *Tensor) Rank() int     { return len(t.shape) }
func (t *Tensor) Len() int      { return NumElements(t.shape) }
func (t *Tensor) Data() any     { return t.data }
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Bytes is the in-memory payload size.
func (t *Tensor) Bytes() int64 {
	switch t.dtype {
	case Float16:
		return int64(t.Len()) * 2
	case Int64:
		return int64(t.Len()) * 8
	case Bool:
		return int64(t.Len())
	default:
		return int64(t.Len()) * 4
	}
}

// Float32s returns the elements as float32, converting from float16 when needed.
// The returned slice aliases the tensor for Float32 tensors.
func (t *Tensor) Float32s() ([]float32, error) {
	switch v := t.data.(type) {
	case []float32:
		return v, nil
	case []float16.Float16:
		out := make([]float32, len(v))
		for i, h := range v {
			out[i] = h.Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor: cannot read %s as float32", t.dtype)
	}
}

// Int64s returns the elements of an Int64 tensor.
func (t *Tensor) Int64s() ([]int64, error) {
	v, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("tensor: cannot read %s as int64", t.dtype)
	}
	return v, nil
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if NumElements(shape) != t.Len() {
		return nil, fmt.Errorf("tensor: cannot reshape %v to %v", t.shape, shape)
	}
	return &Tensor{shape: slices.Clone(shape), dtype: t.dtype, data: t.data}, nil
}

// Convert returns t as dtype. Identity conversions return t itself.
func (t *Tensor) Convert(dtype DType) (*Tensor, error) {
	if t.dtype == dtype {
		return t, nil
	}
	switch {
	case dtype == Float16 && t.dtype == Float32:
		src := t.data.([]float32)
		out := make([]float16.Float16, len(src))
		for i, f := range src {
			out[i] = float16.Fromfloat32(f)
		}
		return FromFloat16(out, t.shape...), nil
	case dtype == Float32 && t.dtype == Float16:
		f, _ := t.Float32s()
		return FromFloat32(f, t.shape...), nil
	case dtype == Bool && t.dtype == Int64:
		src := t.data.([]int64)
		out := make([]bool, len(src))
		for i, v := range src {
			out[i] = v != 0
		}
		return FromBool(out, t.shape...), nil
	case dtype == Int64 && t.dtype == Bool:
		src := t.data.([]bool)
		out := make([]int64, len(src))
		for i, v := range src {
			if v {
				out[i] = 1
			}
		}
		return FromInt64(out, t.shape...), nil
	}
	return nil, fmt.Errorf("tensor: unsupported conversion %s -> %s", t.dtype, dtype)
}

// LastRow returns the final row of a [..., rows, cols] tensor as float32.
// Used to read the last-position logits of a decoder output.
func (t *Tensor) LastRow() ([]float32, error) {
	if t.Rank() < 2 {
		return nil, fmt.Errorf("tensor: last row needs rank >= 2, got shape %v", t.shape)
	}
	cols := t.shape[len(t.shape)-1]
	if cols == 0 || t.Len() == 0 {
		return nil, fmt.Errorf("tensor: empty tensor %v", t.shape)
	}
	start := t.Len() - cols
	switch v := t.data.(type) {
	case []float32:
		return v[start:], nil
	case []float16.Float16:
		out := make([]float32, cols)
		for i := range out {
			out[i] = v[start+i].Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tensor: last row of %s tensor", t.dtype)
	}
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.shape))
	for i, d := range t.shape {
		dims[i] = fmt.Sprint(d)
	}
	return fmt.Sprintf("%s[%s]", t.dtype, strings.Join(dims, ","))
}
