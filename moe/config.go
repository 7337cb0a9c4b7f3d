package moe

import (
	"fmt"

	"deepseek-moe-go/tensor"
)

// Config holds the MoE layer configuration. It is immutable after
// construction; NewMoE rejects invalid values.
type Config struct {
	// NumExpertsPerTok is the number of experts each token is routed to.
	NumExpertsPerTok int

	// EPSize is the expert-parallel group size. It is recorded for
	// checkpoint compatibility only: this unit is single-rank and performs
	// no cross-rank dispatch.
	EPSize int

	// ExpertsPerRank is the number of routed experts owned by this rank.
	ExpertsPerRank int

	// MoEIntermediateSize is the hidden dimension of each expert FFN.
	MoEIntermediateSize int

	// HiddenSize is the model dimension. DeepSeek-V2 checkpoints carry this
	// value under the name max_position_embeddings; it is a hidden size,
	// not a position count.
	HiddenSize int

	// NSharedExperts scales the intermediate dimension of the always-active
	// shared expert pathway.
	NSharedExperts int

	// Dtype is the value grid of the layer's weights.
	Dtype tensor.DType
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with DeepSeek-V2 defaults.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		NumExpertsPerTok:    6,
		EPSize:              1,
		ExpertsPerRank:      64,
		MoEIntermediateSize: 1408,
		HiddenSize:          2048,
		NSharedExperts:      2,
		Dtype:               tensor.BF16,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Config) validate() error {
	if c.ExpertsPerRank < 1 {
		return fmt.Errorf("experts_per_rank must be positive, got %d", c.ExpertsPerRank)
	}
	if c.NumExpertsPerTok < 1 {
		return fmt.Errorf("num_experts_per_tok must be positive, got %d", c.NumExpertsPerTok)
	}
	if c.NumExpertsPerTok > c.ExpertsPerRank {
		return fmt.Errorf("num_experts_per_tok (%d) must not exceed experts_per_rank (%d)", c.NumExpertsPerTok, c.ExpertsPerRank)
	}
	if c.MoEIntermediateSize < 1 {
		return fmt.Errorf("moe_intermediate_size must be positive, got %d", c.MoEIntermediateSize)
	}
	if c.HiddenSize < 1 {
		return fmt.Errorf("hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NSharedExperts < 1 {
		return fmt.Errorf("n_shared_experts must be positive, got %d", c.NSharedExperts)
	}
	if c.EPSize < 1 {
		return fmt.Errorf("ep_size must be positive, got %d", c.EPSize)
	}
	switch c.Dtype {
	case tensor.F32, tensor.F16, tensor.BF16:
	default:
		return fmt.Errorf("unsupported dtype %q", c.Dtype)
	}
	return nil
}

// WithNumExpertsPerTok sets the number of experts each token is routed to.
func WithNumExpertsPerTok(n int) ConfigOption {
	return func(c *Config) {
		c.NumExpertsPerTok = n
	}
}

// WithEPSize sets the expert-parallel group size.
func WithEPSize(n int) ConfigOption {
	return func(c *Config) {
		c.EPSize = n
	}
}

// WithExpertsPerRank sets the number of routed experts.
func WithExpertsPerRank(n int) ConfigOption {
	return func(c *Config) {
		c.ExpertsPerRank = n
	}
}

// WithMoEIntermediateSize sets the expert FFN hidden dimension.
func WithMoEIntermediateSize(n int) ConfigOption {
	return func(c *Config) {
		c.MoEIntermediateSize = n
	}
}

// WithHiddenSize sets the model dimension.
func WithHiddenSize(n int) ConfigOption {
	return func(c *Config) {
		c.HiddenSize = n
	}
}

// WithNSharedExperts sets the shared expert multiplier.
func WithNSharedExperts(n int) ConfigOption {
	return func(c *Config) {
		c.NSharedExperts = n
	}
}

// WithDtype sets the weight dtype.
func WithDtype(d tensor.DType) ConfigOption {
	return func(c *Config) {
		c.Dtype = d
	}
}
