package moe

import "deepseek-moe-go/tensor"

// LayerNorm normalizes the last dimension with a learned affine transform.
type LayerNorm struct {
	Weight *tensor.Tensor
	Bias   *tensor.Tensor
	Eps    float32
}

// NewLayerNorm creates a LayerNorm with identity weight and zero bias.
func NewLayerNorm(dtype tensor.DType, hidden int, eps float32) *LayerNorm {
	return &LayerNorm{
		Weight: tensor.Ones(dtype, hidden),
		Bias:   tensor.New(dtype, hidden),
		Eps:    eps,
	}
}

// Forward applies layer normalization.
func (ln *LayerNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// RMSNorm normalizes the last dimension by its root mean square with a
// learned scale.
type RMSNorm struct {
	Weight *tensor.Tensor
	Eps    float32
}

// NewRMSNorm creates an RMSNorm with identity weight.
func NewRMSNorm(dtype tensor.DType, hidden int, eps float32) *RMSNorm {
	return &RMSNorm{
		Weight: tensor.Ones(dtype, hidden),
		Eps:    eps,
	}
}

// Forward applies RMS normalization.
func (rn *RMSNorm) Forward(x *tensor.Tensor) *tensor.Tensor {
	return tensor.RMSNorm(x, rn.Weight, rn.Eps)
}
