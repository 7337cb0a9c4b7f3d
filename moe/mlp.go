package moe

import "deepseek-moe-go/tensor"

// MLP is the gated feed-forward transform used by every expert:
//
//	down_proj(silu(gate_proj(x)) * up_proj(x))
//
// No dropout and no normalization are applied inside it.
type MLP struct {
	GateProj *Linear
	UpProj   *Linear
	DownProj *Linear
}

// NewMLP allocates a zero-initialized gated feed-forward transform.
func NewMLP(dtype tensor.DType, hidden, intermediate int) *MLP {
	return &MLP{
		GateProj: NewLinear(dtype, hidden, intermediate),
		UpProj:   NewLinear(dtype, hidden, intermediate),
		DownProj: NewLinear(dtype, intermediate, hidden),
	}
}

// Forward applies the gated feed-forward transform to every token.
func (m *MLP) Forward(x *tensor.Tensor) *tensor.Tensor {
	gated := tensor.Mul(tensor.SiLU(m.GateProj.Forward(x)), m.UpProj.Forward(x))
	return m.DownProj.Forward(gated)
}
