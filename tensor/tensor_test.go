package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestMatMul(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := FromSlice([]float32{7, 8, 9, 10, 11, 12}, 3, 2)

	c := MatMul(a, b)

	want := []float32{58, 64, 139, 154}
	if len(c.Shape) != 2 || c.Shape[0] != 2 || c.Shape[1] != 2 {
		t.Fatalf("Expected shape [2 2], got %v", c.Shape)
	}
	for i, w := range want {
		if c.Data[i] != w {
			t.Errorf("Result[%d]: expected %f, got %f", i, w, c.Data[i])
		}
	}
}

func TestTranspose(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	at := Transpose(a)

	if at.Shape[0] != 3 || at.Shape[1] != 2 {
		t.Fatalf("Expected shape [3 2], got %v", at.Shape)
	}
	if at.At(2, 1) != a.At(1, 2) {
		t.Errorf("Transpose mismatch: %f vs %f", at.At(2, 1), a.At(1, 2))
	}
}

func TestStackPreservesOrder(t *testing.T) {
	t0 := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	t1 := FromSlice([]float32{5, 6, 7, 8}, 2, 2)
	t2 := FromSlice([]float32{9, 10, 11, 12}, 2, 2)

	s := Stack(t0, t1, t2)

	if len(s.Shape) != 3 || s.Shape[0] != 3 || s.Shape[1] != 2 || s.Shape[2] != 2 {
		t.Fatalf("Expected shape [3 2 2], got %v", s.Shape)
	}
	if s.At(0, 0, 0) != 1 || s.At(1, 0, 0) != 5 || s.At(2, 1, 1) != 12 {
		t.Errorf("Stack reordered values: %v", s.Data)
	}
	// Stacked values must be bit-identical to the originals.
	for i, v := range t1.Data {
		if s.Data[4+i] != v {
			t.Errorf("Slot 1 value %d: expected %f, got %f", i, v, s.Data[4+i])
		}
	}
}

func TestGather(t *testing.T) {
	bank := FromSlice([]float32{
		0, 0,
		1, 1,
		2, 2,
		3, 3,
	}, 4, 2)

	got, err := Gather(bank, [][]int{{0, 2}, {3, 3}})
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(got.Shape) != 3 || got.Shape[0] != 2 || got.Shape[1] != 2 || got.Shape[2] != 2 {
		t.Fatalf("Expected shape [2 2 2], got %v", got.Shape)
	}
	if got.At(0, 1, 0) != 2 {
		t.Errorf("Expected row 2 at token 0 slot 1, got %f", got.At(0, 1, 0))
	}
	if got.At(1, 0, 0) != 3 || got.At(1, 1, 0) != 3 {
		t.Errorf("Duplicate index must repeat the row: %v", got.Data)
	}
}

func TestGatherOutOfRange(t *testing.T) {
	bank := FromSlice([]float32{1, 2, 3, 4}, 2, 2)

	if _, err := Gather(bank, [][]int{{0, 2}}); err == nil {
		t.Errorf("Expected error for index 2 with 2 rows")
	}
	if _, err := Gather(bank, [][]int{{-1}}); err == nil {
		t.Errorf("Expected error for negative index")
	}
}

func TestGatherRaggedRows(t *testing.T) {
	bank := FromSlice([]float32{1, 2, 3, 4}, 2, 2)

	if _, err := Gather(bank, [][]int{{0, 1}, {0}}); err == nil {
		t.Errorf("Expected error for ragged index rows")
	}
}

func TestBatchedMatMulMatchesMatMul(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	a := Randn(rng, F32, 1.0, 2, 3, 4, 5)
	b := Randn(rng, F32, 1.0, 2, 3, 5, 2)

	got := BatchedMatMul(a, b)
	if len(got.Shape) != 4 || got.Shape[0] != 2 || got.Shape[1] != 3 || got.Shape[2] != 4 || got.Shape[3] != 2 {
		t.Fatalf("Expected shape [2 3 4 2], got %v", got.Shape)
	}

	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			am := a.Slice(i, i+1).Reshape(3, 4, 5).Slice(j, j+1).Reshape(4, 5)
			bm := b.Slice(i, i+1).Reshape(3, 5, 2).Slice(j, j+1).Reshape(5, 2)
			want := MatMul(am, bm)
			gm := got.Slice(i, i+1).Reshape(3, 4, 2).Slice(j, j+1).Reshape(4, 2)
			for k, w := range want.Data {
				if gm.Data[k] != w {
					t.Fatalf("Batch [%d %d] element %d: expected %f, got %f", i, j, k, w, gm.Data[k])
				}
			}
		}
	}
}

func TestBatchedMatMulBroadcast(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	a := Randn(rng, F32, 1.0, 3, 2, 4, 5) // [seq, k, m, n]
	b := Randn(rng, F32, 1.0, 3, 1, 5, 1) // broadcast over k

	got := BatchedMatMul(a, b)
	if got.Shape[0] != 3 || got.Shape[1] != 2 || got.Shape[2] != 4 || got.Shape[3] != 1 {
		t.Fatalf("Expected shape [3 2 4 1], got %v", got.Shape)
	}

	for s := 0; s < 3; s++ {
		bm := b.Slice(s, s+1).Reshape(5, 1)
		for k := 0; k < 2; k++ {
			am := a.Slice(s, s+1).Reshape(2, 4, 5).Slice(k, k+1).Reshape(4, 5)
			want := MatMul(am, bm)
			for i, w := range want.Data {
				gi := ((s*2+k)*4 + i)
				if got.Data[gi] != w {
					t.Fatalf("Broadcast batch [%d %d] element %d: expected %f, got %f", s, k, i, w, got.Data[gi])
				}
			}
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, -1, 0, 1}, 2, 3)
	p := Softmax(x)

	for i := 0; i < 2; i++ {
		sum := float32(0)
		for j := 0; j < 3; j++ {
			sum += p.At(i, j)
		}
		if math.Abs(float64(sum-1)) > 1e-6 {
			t.Errorf("Row %d sums to %f, expected 1", i, sum)
		}
	}
	if p.At(0, 2) <= p.At(0, 1) {
		t.Errorf("Softmax must be monotone in the logits")
	}
}

func TestSiLU(t *testing.T) {
	x := FromSlice([]float32{0, 1, -1}, 3)
	y := SiLU(x)

	if y.Data[0] != 0 {
		t.Errorf("silu(0): expected 0, got %f", y.Data[0])
	}
	// silu(1) = 1 * sigmoid(1)
	want := float32(1.0 / (1.0 + math.Exp(-1)))
	if math.Abs(float64(y.Data[1]-want)) > 1e-6 {
		t.Errorf("silu(1): expected %f, got %f", want, y.Data[1])
	}
	// silu(-1) = -sigmoid(-1)
	wantNeg := float32(-1.0 / (1.0 + math.Exp(1)))
	if math.Abs(float64(y.Data[2]-wantNeg)) > 1e-6 {
		t.Errorf("silu(-1): expected %f, got %f", wantNeg, y.Data[2])
	}
}

func TestCastNarrows(t *testing.T) {
	pi := FromSlice([]float32{math.Pi}, 1)

	bf := Cast(pi, BF16)
	if bf.Dtype != BF16 {
		t.Fatalf("Expected dtype BF16, got %s", bf.Dtype)
	}
	if bf.Data[0] == float32(math.Pi) {
		t.Errorf("BF16 cast must lose precision for pi")
	}

	f16 := Cast(pi, F16)
	if f16.Data[0] == float32(math.Pi) {
		t.Errorf("F16 cast must lose precision for pi")
	}

	// Casting back to F32 retags without changing values.
	back := Cast(bf, F32)
	if back.Data[0] != bf.Data[0] {
		t.Errorf("F32 cast changed a value: %f vs %f", back.Data[0], bf.Data[0])
	}

	// Values already on the grid survive a second cast unchanged.
	again := Cast(bf, BF16)
	if again.Data[0] != bf.Data[0] {
		t.Errorf("Idempotent cast changed a value: %f vs %f", again.Data[0], bf.Data[0])
	}
}

func TestCastExactValues(t *testing.T) {
	x := FromSlice([]float32{1.0, -2.0, 0.5, 0}, 4)
	for _, dtype := range []DType{F16, BF16} {
		c := Cast(x, dtype)
		for i, v := range x.Data {
			if c.Data[i] != v {
				t.Errorf("%s cast changed exactly-representable %f to %f", dtype, v, c.Data[i])
			}
		}
	}
}

func TestSliceSharesData(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	s := x.Slice(1, 3)

	if s.Shape[0] != 2 || s.Shape[1] != 2 {
		t.Fatalf("Expected shape [2 2], got %v", s.Shape)
	}
	s.Set(99, 0, 0)
	if x.At(1, 0) != 99 {
		t.Errorf("Slice must alias the parent data")
	}
}

func TestLayerNorm(t *testing.T) {
	x := FromSlice([]float32{1, 2, 3, 4}, 1, 4)
	weight := Ones(F32, 4)
	bias := New(F32, 4)

	y := LayerNorm(x, weight, bias, 1e-5)

	mean := float32(0)
	for _, v := range y.Data {
		mean += v
	}
	if math.Abs(float64(mean)) > 1e-5 {
		t.Errorf("Normalized row mean %f, expected 0", mean/4)
	}
}

func TestRMSNorm(t *testing.T) {
	x := FromSlice([]float32{3, 4}, 1, 2)
	weight := Ones(F32, 2)

	y := RMSNorm(x, weight, 0)

	// rms = sqrt((9+16)/2)
	rms := float32(math.Sqrt(12.5))
	if math.Abs(float64(y.Data[0]-3/rms)) > 1e-6 || math.Abs(float64(y.Data[1]-4/rms)) > 1e-6 {
		t.Errorf("RMSNorm values wrong: %v", y.Data)
	}
}
