package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"deepseek-moe-go/moe"
	"deepseek-moe-go/safetensors"
	"deepseek-moe-go/tensor"
)

func main() {
	experts := flag.Int("experts", 8, "number of routed experts")
	topK := flag.Int("top-k", 2, "experts per token")
	hidden := flag.Int("hidden", 64, "hidden size")
	intermediate := flag.Int("intermediate", 128, "expert intermediate size")
	seqLen := flag.Int("seq-len", 16, "sequence length")
	checkpoint := flag.String("checkpoint", "", "checkpoint path (default: temp file)")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	fmt.Println("DeepSeek-V2 MoE Layer Demo")
	fmt.Println("==========================")
	fmt.Println()

	config := moe.NewConfig(
		moe.WithExpertsPerRank(*experts),
		moe.WithNumExpertsPerTok(*topK),
		moe.WithHiddenSize(*hidden),
		moe.WithMoEIntermediateSize(*intermediate),
		moe.WithDtype(tensor.BF16),
	)

	rng := rand.New(rand.NewSource(*seed))

	layer, err := moe.NewMoE(config)
	if err != nil {
		log.Fatalf("Failed to build layer: %v", err)
	}
	layer.InitRandom(rng)
	fmt.Printf("Experts: %d (top-%d per token), hidden %d, intermediate %d\n",
		*experts, *topK, *hidden, *intermediate)
	fmt.Printf("Parameter tensors: %d\n", len(layer.Params()))

	// Round-trip the weights through a checkpoint.
	path := *checkpoint
	if path == "" {
		dir, err := os.MkdirTemp("", "moe-demo")
		if err != nil {
			log.Fatalf("Failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "moe.safetensors")
	}

	if err := safetensors.Save(path, layer.Params()); err != nil {
		log.Fatalf("Failed to save checkpoint: %v", err)
	}
	if info, err := os.Stat(path); err == nil {
		fmt.Printf("Saved checkpoint: %s (%d bytes)\n", path, info.Size())
	}

	restored, err := moe.NewMoE(config)
	if err != nil {
		log.Fatalf("Failed to build layer: %v", err)
	}
	if err := safetensors.LoadInto(path, restored.Params()); err != nil {
		log.Fatalf("Failed to load checkpoint: %v", err)
	}
	fmt.Println("Restored checkpoint into a fresh layer")

	// Forward pass over a random sequence.
	input := tensor.Randn(rng, tensor.BF16, 1.0, 1, *seqLen, *hidden)
	start := time.Now()
	output, err := restored.Forward(input)
	if err != nil {
		log.Fatalf("Forward pass failed: %v", err)
	}
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Printf("Input:  shape %v dtype %s\n", input.Shape, input.Dtype)
	fmt.Printf("Output: shape %v dtype %s\n", output.Shape, output.Dtype)
	fmt.Printf("Forward pass: %v (%.1f tokens/sec)\n",
		elapsed, float64(*seqLen)/elapsed.Seconds())
}
