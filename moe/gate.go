package moe

import (
	"fmt"

	"deepseek-moe-go/tensor"
)

// Gate selects experts for each token of a [1, seq, hidden] input. It
// returns per-token expert indices of length num_experts_per_tok and the
// matching non-negative routing weights as a [seq, k] tensor.
//
// The MoE layer treats the gate as an external collaborator: any
// implementation can be plugged in by assigning MoE.Gate.
type Gate interface {
	Select(hidden *tensor.Tensor) (indices [][]int, weights *tensor.Tensor, err error)
}

// TopKGate is the default gate: a learned [experts, hidden] scoring weight,
// softmax over the per-token expert logits, greedy top-k selection, and
// renormalization so each token's weights sum to 1.
type TopKGate struct {
	Weight *tensor.Tensor

	numExperts int
	topK       int
}

// NewTopKGate allocates a zero-initialized gate for the given config.
func NewTopKGate(cfg *Config) *TopKGate {
	return &TopKGate{
		Weight:     tensor.New(cfg.Dtype, cfg.ExpertsPerRank, cfg.HiddenSize),
		numExperts: cfg.ExpertsPerRank,
		topK:       cfg.NumExpertsPerTok,
	}
}

// Select routes every token to its top-k experts. Routing math runs in F32
// regardless of the scoring weight's dtype.
func (g *TopKGate) Select(hidden *tensor.Tensor) ([][]int, *tensor.Tensor, error) {
	if len(hidden.Shape) != 3 {
		return nil, nil, fmt.Errorf("gate: input must be [batch, seq, hidden], got %v", hidden.Shape)
	}
	h := hidden.Shape[2]
	if h != g.Weight.Shape[1] {
		return nil, nil, fmt.Errorf("gate: input hidden dim %d does not match scoring weight dim %d", h, g.Weight.Shape[1])
	}

	rows := hidden.Size() / h
	flat := tensor.Cast(hidden.Reshape(rows, h), tensor.F32)
	logits := tensor.MatMul(flat, tensor.Transpose(tensor.Cast(g.Weight, tensor.F32)))
	probs := tensor.Softmax(logits)

	indices := make([][]int, rows)
	weights := tensor.New(tensor.F32, rows, g.topK)
	selected := make([]bool, g.numExperts)

	for t := 0; t < rows; t++ {
		row := probs.Data[t*g.numExperts : (t+1)*g.numExperts]
		for e := range selected {
			selected[e] = false
		}

		indices[t] = make([]int, g.topK)
		sum := float32(0)
		for k := 0; k < g.topK; k++ {
			bestIdx, bestVal := -1, float32(-1)
			for e, p := range row {
				if !selected[e] && p > bestVal {
					bestVal = p
					bestIdx = e
				}
			}
			selected[bestIdx] = true
			indices[t][k] = bestIdx
			weights.Data[t*g.topK+k] = bestVal
			sum += bestVal
		}

		// Renormalize so the selected weights sum to 1.
		for k := 0; k < g.topK; k++ {
			weights.Data[t*g.topK+k] /= sum
		}
	}

	return indices, weights, nil
}
