package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor represents a multi-dimensional array.
//
// Storage is always float32. The Dtype field records the value grid the
// tensor lives on: F16 and BF16 tensors hold float32 values that have
// already been rounded to the 16-bit format, so casting is lossy exactly
// where the real formats are.
type Tensor struct {
	Data  []float32
	Shape []int
	Dtype DType
}

// New creates a zero-filled tensor with the given dtype and shape.
func New(dtype DType, shape ...int) *Tensor {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Tensor{
		Data:  make([]float32, size),
		Shape: append([]int(nil), shape...),
		Dtype: dtype,
	}
}

// FromSlice creates an F32 tensor from data, copying it.
func FromSlice(data []float32, shape ...int) *Tensor {
	t := New(F32, shape...)
	if len(data) != len(t.Data) {
		panic(fmt.Sprintf("data length %d does not match shape %v", len(data), shape))
	}
	copy(t.Data, data)
	return t
}

// Ones creates a ones-filled tensor.
func Ones(dtype DType, shape ...int) *Tensor {
	t := New(dtype, shape...)
	for i := range t.Data {
		t.Data[i] = 1.0
	}
	return t
}

// Randn fills a new tensor with normal values scaled by std, rounded to dtype.
func Randn(rng *rand.Rand, dtype DType, std float32, shape ...int) *Tensor {
	t := New(dtype, shape...)
	t.FillRandn(rng, std)
	return t
}

// FillRandn overwrites t in place with normal values scaled by std, rounded
// to t's dtype.
func (t *Tensor) FillRandn(rng *rand.Rand, std float32) {
	for i := range t.Data {
		t.Data[i] = roundTo(float32(rng.NormFloat64())*std, t.Dtype)
	}
}

// Size returns the total number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Shape {
		size *= dim
	}
	return size
}

// At returns the element at the given indices.
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[t.flatIndex(indices)]
}

// Set sets the element at the given indices.
func (t *Tensor) Set(val float32, indices ...int) {
	t.Data[t.flatIndex(indices)] = val
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("wrong number of indices: got %d, want %d", len(indices), len(t.Shape)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dim %d with size %d", indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}

// Reshape returns a view of the same data with a different shape.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	newSize := 1
	for _, dim := range shape {
		newSize *= dim
	}
	if newSize != t.Size() {
		panic(fmt.Sprintf("cannot reshape %v to %v: size mismatch", t.Shape, shape))
	}
	return &Tensor{
		Data:  t.Data,
		Shape: append([]int(nil), shape...),
		Dtype: t.Dtype,
	}
}

// Slice extracts [start, end) along the first dimension, sharing data.
func (t *Tensor) Slice(start, end int) *Tensor {
	if len(t.Shape) < 1 {
		panic("cannot slice scalar")
	}
	if start < 0 || end > t.Shape[0] || start >= end {
		panic(fmt.Sprintf("invalid slice [%d:%d] for dim of size %d", start, end, t.Shape[0]))
	}

	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	newShape := append([]int(nil), t.Shape...)
	newShape[0] = end - start

	return &Tensor{
		Data:  t.Data[start*stride : end*stride],
		Shape: newShape,
		Dtype: t.Dtype,
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Dtype, t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Transpose swaps the dimensions of a 2D tensor.
func Transpose(t *Tensor) *Tensor {
	if len(t.Shape) != 2 {
		panic("Transpose requires 2D tensor")
	}
	m, n := t.Shape[0], t.Shape[1]
	result := New(t.Dtype, n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			result.Data[j*m+i] = t.Data[i*n+j]
		}
	}
	return result
}

// Add performs element-wise addition. Result carries a's dtype tag.
func Add(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensors must have same size: %v vs %v", a.Shape, b.Shape))
	}
	result := New(a.Dtype, a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] + b.Data[i]
	}
	return result
}

// Mul performs element-wise multiplication.
func Mul(a, b *Tensor) *Tensor {
	if len(a.Data) != len(b.Data) {
		panic(fmt.Sprintf("tensors must have same size: %v vs %v", a.Shape, b.Shape))
	}
	result := New(a.Dtype, a.Shape...)
	for i := range a.Data {
		result.Data[i] = a.Data[i] * b.Data[i]
	}
	return result
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, factor float32) *Tensor {
	result := New(t.Dtype, t.Shape...)
	for i := range t.Data {
		result.Data[i] = t.Data[i] * factor
	}
	return result
}

// Stack concatenates tensors of identical shape along a new leading axis.
// The order of the arguments is the order along the new axis.
func Stack(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("Stack requires at least one tensor")
	}
	first := ts[0]
	for _, t := range ts[1:] {
		if !sameShape(t.Shape, first.Shape) {
			panic(fmt.Sprintf("Stack shape mismatch: %v vs %v", t.Shape, first.Shape))
		}
	}

	shape := append([]int{len(ts)}, first.Shape...)
	result := New(first.Dtype, shape...)
	stride := first.Size()
	for i, t := range ts {
		copy(result.Data[i*stride:(i+1)*stride], t.Data)
	}
	return result
}

// Gather selects rows along axis 0 of t at the given per-token indices,
// producing a [len(indices), len(indices[0]), ...] tensor. An out-of-range
// index is reported as an error, never clamped or wrapped.
func Gather(t *Tensor, indices [][]int) (*Tensor, error) {
	if len(t.Shape) < 1 {
		panic("Gather requires at least 1D tensor")
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("gather: empty index set")
	}

	k := len(indices[0])
	stride := 1
	for i := 1; i < len(t.Shape); i++ {
		stride *= t.Shape[i]
	}

	shape := append([]int{len(indices), k}, t.Shape[1:]...)
	result := New(t.Dtype, shape...)
	for ti, row := range indices {
		if len(row) != k {
			return nil, fmt.Errorf("gather: ragged index row %d: got %d entries, want %d", ti, len(row), k)
		}
		for ki, idx := range row {
			if idx < 0 || idx >= t.Shape[0] {
				return nil, fmt.Errorf("gather: index %d out of range [0,%d) at token %d", idx, t.Shape[0], ti)
			}
			dst := (ti*k + ki) * stride
			copy(result.Data[dst:dst+stride], t.Data[idx*stride:(idx+1)*stride])
		}
	}
	return result, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
