package moe

import (
	"fmt"
	"math/rand"
	"sort"

	"deepseek-moe-go/tensor"
)

// MoE is a DeepSeek-V2-style Mixture-of-Experts feed-forward layer.
//
// It owns experts_per_rank routed expert weight triples plus an
// always-active shared expert pathway. On each forward pass the gate picks
// num_experts_per_tok experts per token; the selected experts' weight
// slices are gathered from stacked banks, each token runs through its
// experts' gated feed-forward transform, the results are combined with the
// routing weights, and the dense shared-expert output is added on top.
type MoE struct {
	Config *Config

	// Gate is the routing collaborator. NewMoE installs a TopKGate; callers
	// may replace it before the first forward pass.
	Gate Gate

	// Routed expert weights, index-addressable by expert number.
	// GateProjs[i] and UpProjs[i] are [intermediate, hidden];
	// DownProjs[i] is [hidden, intermediate].
	GateProjs []*tensor.Tensor
	UpProjs   []*tensor.Tensor
	DownProjs []*tensor.Tensor

	// SharedExperts is the dense pathway applied to every token, with
	// intermediate dimension moe_intermediate_size * n_shared_experts.
	SharedExperts *MLP
}

// NewMoE allocates the layer's parameter tensors. No computation happens
// here; weights are zero until loaded or randomized.
func NewMoE(cfg *Config) (*MoE, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("moe: invalid config: %w", err)
	}

	m := &MoE{
		Config:    cfg,
		Gate:      NewTopKGate(cfg),
		GateProjs: make([]*tensor.Tensor, cfg.ExpertsPerRank),
		UpProjs:   make([]*tensor.Tensor, cfg.ExpertsPerRank),
		DownProjs: make([]*tensor.Tensor, cfg.ExpertsPerRank),
	}
	for i := 0; i < cfg.ExpertsPerRank; i++ {
		m.GateProjs[i] = tensor.New(cfg.Dtype, cfg.MoEIntermediateSize, cfg.HiddenSize)
		m.UpProjs[i] = tensor.New(cfg.Dtype, cfg.MoEIntermediateSize, cfg.HiddenSize)
		m.DownProjs[i] = tensor.New(cfg.Dtype, cfg.HiddenSize, cfg.MoEIntermediateSize)
	}
	m.SharedExperts = NewMLP(cfg.Dtype, cfg.HiddenSize, cfg.MoEIntermediateSize*cfg.NSharedExperts)
	return m, nil
}

// Params returns the layer's named parameter tensors. The names are a hard
// external contract consumed by checkpoint load and save:
//
//	experts.<i>.gate_proj.weight
//	experts.<i>.up_proj.weight
//	experts.<i>.down_proj.weight
//	shared_expert_gate_proj.weight
//	shared_expert_up_proj.weight
//	shared_expert_down_proj.weight
//	gate.weight (only when the default TopKGate is installed)
func (m *MoE) Params() map[string]*tensor.Tensor {
	params := make(map[string]*tensor.Tensor, 3*len(m.GateProjs)+4)
	for i := range m.GateProjs {
		params[fmt.Sprintf("experts.%d.gate_proj.weight", i)] = m.GateProjs[i]
		params[fmt.Sprintf("experts.%d.up_proj.weight", i)] = m.UpProjs[i]
		params[fmt.Sprintf("experts.%d.down_proj.weight", i)] = m.DownProjs[i]
	}
	params["shared_expert_gate_proj.weight"] = m.SharedExperts.GateProj.Weight
	params["shared_expert_up_proj.weight"] = m.SharedExperts.UpProj.Weight
	params["shared_expert_down_proj.weight"] = m.SharedExperts.DownProj.Weight
	if g, ok := m.Gate.(*TopKGate); ok {
		params["gate.weight"] = g.Weight
	}
	return params
}

// InitRandom fills every parameter with normal values (std 0.02), rounded
// to the layer dtype. Parameters are filled in name order so a seeded rng
// produces the same weights every time.
func (m *MoE) InitRandom(rng *rand.Rand) {
	params := m.Params()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		params[name].FillRandn(rng, 0.02)
	}
}

// Forward computes the MoE transform for a [1, seq, hidden] input and
// returns a tensor of the same shape and dtype. Only single-sequence
// batches are supported; a batch dimension other than 1 is rejected.
func (m *MoE) Forward(hidden *tensor.Tensor) (*tensor.Tensor, error) {
	cfg := m.Config
	if len(hidden.Shape) != 3 {
		return nil, fmt.Errorf("moe: input must be [batch, seq, hidden], got %v", hidden.Shape)
	}
	if hidden.Shape[0] != 1 {
		return nil, fmt.Errorf("moe: batch size must be 1, got %d", hidden.Shape[0])
	}
	if hidden.Shape[2] != cfg.HiddenSize {
		return nil, fmt.Errorf("moe: input hidden dim %d does not match configured hidden size %d", hidden.Shape[2], cfg.HiddenSize)
	}
	seq := hidden.Shape[1]
	identity := hidden

	// The gate sees the full batch-shaped input.
	topkIdx, topkWeight, err := m.Gate.Select(hidden)
	if err != nil {
		return nil, fmt.Errorf("moe: gate: %w", err)
	}
	if err := m.checkRouting(seq, topkIdx, topkWeight); err != nil {
		return nil, err
	}

	// Expert weight banks: [experts, ., .], expert-index order.
	downBank := tensor.Stack(m.DownProjs...)
	gateBank := tensor.Stack(m.GateProjs...)
	upBank := tensor.Stack(m.UpProjs...)

	// Per-token weight slices: [seq, k, ., .].
	topkDown, err := tensor.Gather(downBank, topkIdx)
	if err != nil {
		return nil, fmt.Errorf("moe: %w", err)
	}
	topkGate, err := tensor.Gather(gateBank, topkIdx)
	if err != nil {
		return nil, fmt.Errorf("moe: %w", err)
	}
	topkUp, err := tensor.Gather(upBank, topkIdx)
	if err != nil {
		return nil, fmt.Errorf("moe: %w", err)
	}

	// [seq, hidden] -> [seq, 1, hidden, 1] so each token's vector multiplies
	// its k gathered matrices in one batched matmul.
	h := hidden.Slice(0, 1).Reshape(seq, 1, cfg.HiddenSize, 1)

	// [seq, k, inter, hidden] @ [seq, 1, hidden, 1] -> [seq, k, inter, 1]
	up := tensor.BatchedMatMul(topkUp, h)
	gate := tensor.BatchedMatMul(topkGate, h)
	act := tensor.Mul(tensor.SiLU(gate), up)

	// [seq, k, hidden, inter] @ [seq, k, inter, 1] -> [seq, k, hidden],
	// cast to the routing-weight dtype before combining.
	down := tensor.BatchedMatMul(topkDown, act).Reshape(seq, cfg.NumExpertsPerTok, cfg.HiddenSize)
	down = tensor.Cast(down, topkWeight.Dtype)

	// [seq, 1, k] @ [seq, k, hidden] -> [seq, 1, hidden]; duplicate indices
	// each contribute their own weighted term.
	combined := tensor.BatchedMatMul(topkWeight.Reshape(seq, 1, cfg.NumExpertsPerTok), down)
	sparse := tensor.Cast(combined, identity.Dtype).Reshape(1, seq, cfg.HiddenSize)

	shared := m.SharedExperts.Forward(identity)
	return tensor.Add(sparse, shared), nil
}

// checkRouting validates the gate output against the configuration.
func (m *MoE) checkRouting(seq int, idx [][]int, weight *tensor.Tensor) error {
	k := m.Config.NumExpertsPerTok
	if len(idx) != seq {
		return fmt.Errorf("moe: gate returned indices for %d tokens, want %d", len(idx), seq)
	}
	for t, row := range idx {
		if len(row) != k {
			return fmt.Errorf("moe: gate returned %d experts for token %d, want %d", len(row), t, k)
		}
		for _, e := range row {
			if e < 0 || e >= m.Config.ExpertsPerRank {
				return fmt.Errorf("moe: expert index %d for token %d out of range [0,%d)", e, t, m.Config.ExpertsPerRank)
			}
		}
	}
	if len(weight.Shape) != 2 || weight.Shape[0] != seq || weight.Shape[1] != k {
		return fmt.Errorf("moe: gate weight shape %v, want [%d %d]", weight.Shape, seq, k)
	}
	return nil
}
