package moe

import (
	"fmt"

	"deepseek-moe-go/tensor"
)

// Linear is a dense linear transform without bias. The weight is stored
// [out, in], matching the checkpoint layout of the projection tensors.
type Linear struct {
	Weight *tensor.Tensor
}

// NewLinear allocates a zero-initialized linear transform.
func NewLinear(dtype tensor.DType, in, out int) *Linear {
	return &Linear{Weight: tensor.New(dtype, out, in)}
}

// Forward computes x @ weight^T over the last dimension of x.
func (l *Linear) Forward(x *tensor.Tensor) *tensor.Tensor {
	out, in := l.Weight.Shape[0], l.Weight.Shape[1]
	last := x.Shape[len(x.Shape)-1]
	if last != in {
		panic(fmt.Sprintf("linear: input dim %d does not match weight in dim %d", last, in))
	}

	rows := x.Size() / in
	y := tensor.MatMul(x.Reshape(rows, in), tensor.Transpose(l.Weight))

	shape := append([]int(nil), x.Shape[:len(x.Shape)-1]...)
	shape = append(shape, out)
	return y.Reshape(shape...)
}
