package tensor

import (
	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType identifies the value grid a tensor lives on.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// Cast returns a copy of t tagged with dtype, with every value re-rounded
// to that dtype's grid. Casting to F32 only retags: values narrowed earlier
// stay narrowed.
func Cast(t *Tensor, dtype DType) *Tensor {
	result := New(dtype, t.Shape...)
	if dtype == F32 || dtype == t.Dtype {
		copy(result.Data, t.Data)
		return result
	}
	for i, v := range t.Data {
		result.Data[i] = roundTo(v, dtype)
	}
	return result
}

func roundTo(v float32, dtype DType) float32 {
	switch dtype {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	default:
		return v
	}
}
