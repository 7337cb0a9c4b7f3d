package tensor

import (
	"fmt"
	"math"
)

// MatMul performs matrix multiplication: [m,k] x [k,n] -> [m,n].
func MatMul(a, b *Tensor) *Tensor {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		panic("MatMul requires 2D tensors")
	}
	if a.Shape[1] != b.Shape[0] {
		panic(fmt.Sprintf("incompatible shapes: [%d,%d] x [%d,%d]", a.Shape[0], a.Shape[1], b.Shape[0], b.Shape[1]))
	}

	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	result := New(a.Dtype, m, n)
	matmulInto(result.Data, a.Data, b.Data, m, k, n)
	return result
}

// BatchedMatMul multiplies the trailing two dimensions of a and b for every
// batch position. Both tensors must have the same rank (>= 3); each leading
// dimension must either match or be 1, in which case it broadcasts.
func BatchedMatMul(a, b *Tensor) *Tensor {
	rank := len(a.Shape)
	if rank != len(b.Shape) || rank < 3 {
		panic(fmt.Sprintf("BatchedMatMul requires equal rank >= 3, got %v and %v", a.Shape, b.Shape))
	}

	m, k := a.Shape[rank-2], a.Shape[rank-1]
	if b.Shape[rank-2] != k {
		panic(fmt.Sprintf("incompatible inner dims: %v x %v", a.Shape, b.Shape))
	}
	n := b.Shape[rank-1]

	nbatch := rank - 2
	batch := make([]int, nbatch)
	total := 1
	for i := 0; i < nbatch; i++ {
		da, db := a.Shape[i], b.Shape[i]
		switch {
		case da == db:
			batch[i] = da
		case da == 1:
			batch[i] = db
		case db == 1:
			batch[i] = da
		default:
			panic(fmt.Sprintf("cannot broadcast batch dims: %v x %v", a.Shape, b.Shape))
		}
		total *= batch[i]
	}

	result := New(a.Dtype, append(append([]int(nil), batch...), m, n)...)

	aStrides := batchStrides(a.Shape[:nbatch])
	bStrides := batchStrides(b.Shape[:nbatch])
	matA, matB, matO := m*k, k*n, m*n

	for flat := 0; flat < total; flat++ {
		rem := flat
		aOff, bOff := 0, 0
		for i := nbatch - 1; i >= 0; i-- {
			d := rem % batch[i]
			rem /= batch[i]
			if a.Shape[i] > 1 {
				aOff += d * aStrides[i]
			}
			if b.Shape[i] > 1 {
				bOff += d * bStrides[i]
			}
		}
		matmulInto(
			result.Data[flat*matO:(flat+1)*matO],
			a.Data[aOff*matA:(aOff+1)*matA],
			b.Data[bOff*matB:(bOff+1)*matB],
			m, k, n,
		)
	}
	return result
}

// batchStrides returns per-dimension strides counted in matrices.
func batchStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func matmulInto(dst, a, b []float32, m, k, n int) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			sum := float32(0)
			for p := 0; p < k; p++ {
				sum += a[i*k+p] * b[p*n+j]
			}
			dst[i*n+j] = sum
		}
	}
}

// Softmax applies softmax along the last dimension.
func Softmax(t *Tensor) *Tensor {
	result := New(t.Dtype, t.Shape...)
	cols := t.Shape[len(t.Shape)-1]
	rows := t.Size() / cols

	for i := 0; i < rows; i++ {
		row := t.Data[i*cols : (i+1)*cols]
		out := result.Data[i*cols : (i+1)*cols]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		sum := float32(0)
		for j, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			out[j] = e
			sum += e
		}
		for j := range out {
			out[j] /= sum
		}
	}
	return result
}

// SiLU applies x * sigmoid(x) element-wise.
func SiLU(t *Tensor) *Tensor {
	result := New(t.Dtype, t.Shape...)
	for i, x := range t.Data {
		sigmoid := 1.0 / (1.0 + float32(math.Exp(float64(-x))))
		result.Data[i] = x * sigmoid
	}
	return result
}

// LayerNorm normalizes the last dimension to zero mean and unit variance,
// then applies the affine weight and bias.
func LayerNorm(t, weight, bias *Tensor, eps float32) *Tensor {
	result := New(t.Dtype, t.Shape...)
	hidden := t.Shape[len(t.Shape)-1]
	rows := t.Size() / hidden

	for i := 0; i < rows; i++ {
		row := t.Data[i*hidden : (i+1)*hidden]
		out := result.Data[i*hidden : (i+1)*hidden]

		mean := float32(0)
		for _, v := range row {
			mean += v
		}
		mean /= float32(hidden)

		variance := float32(0)
		for _, v := range row {
			diff := v - mean
			variance += diff * diff
		}
		variance /= float32(hidden)

		std := float32(math.Sqrt(float64(variance + eps)))
		for j, v := range row {
			out[j] = (v-mean)/std*weight.Data[j] + bias.Data[j]
		}
	}
	return result
}

// RMSNorm normalizes the last dimension by its root mean square, then
// applies the scale weight.
func RMSNorm(t, weight *Tensor, eps float32) *Tensor {
	result := New(t.Dtype, t.Shape...)
	hidden := t.Shape[len(t.Shape)-1]
	rows := t.Size() / hidden

	for i := 0; i < rows; i++ {
		row := t.Data[i*hidden : (i+1)*hidden]
		out := result.Data[i*hidden : (i+1)*hidden]

		rms := float32(0)
		for _, v := range row {
			rms += v * v
		}
		rms = float32(math.Sqrt(float64(rms/float32(hidden) + eps)))

		for j, v := range row {
			out[j] = v / rms * weight.Data[j]
		}
	}
	return result
}
