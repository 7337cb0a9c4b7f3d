// Package safetensors reads and writes checkpoints in the safetensors
// format: an 8-byte little-endian header length, a JSON header mapping
// tensor names to {dtype, shape, data_offsets}, and the raw payloads.
//
// Save records an xxhash digest of the payload section under __metadata__;
// Load verifies it when present.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/d4l3k/go-bfloat16"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"

	"deepseek-moe-go/tensor"
)

// progressThreshold is the tensor count above which Load shows a progress
// bar. Small checkpoints load silently.
const progressThreshold = 8

const digestKey = "xxhash"

type tensorInfo struct {
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

func dtypeWidth(d tensor.DType) int64 {
	if d == tensor.F32 {
		return 4
	}
	return 2
}

// Save writes the named tensors to path. Tensor names are serialized in
// sorted order so the layout is deterministic.
func Save(path string, tensors map[string]*tensor.Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	var payload []byte
	for _, name := range names {
		t := tensors[name]
		data, err := encode(t)
		if err != nil {
			return fmt.Errorf("failed to encode tensor %q: %w", name, err)
		}
		start := int64(len(payload))
		payload = append(payload, data...)
		header[name] = tensorInfo{
			Dtype:   string(t.Dtype),
			Shape:   append([]int(nil), t.Shape...),
			Offsets: [2]int64{start, int64(len(payload))},
		}
	}
	header["__metadata__"] = map[string]string{
		digestKey: strconv.FormatUint(xxhash.Sum64(payload), 16),
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerBytes)+len(payload))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerBytes)))
	out = append(out, headerBytes...)
	out = append(out, payload...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads every tensor from a checkpoint file, verifying the payload
// digest when the file carries one. Payload decoding runs on a bounded
// worker group.
func Load(path string) (map[string]*tensor.Tensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("checkpoint too short: %d bytes", len(data))
	}

	headerSize := binary.LittleEndian.Uint64(data[:8])
	if 8+headerSize > uint64(len(data)) {
		return nil, fmt.Errorf("header size %d exceeds file size %d", headerSize, len(data))
	}
	headerBytes := data[8 : 8+headerSize]
	payload := data[8+headerSize:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if meta, ok := raw["__metadata__"]; ok {
		delete(raw, "__metadata__")
		var fields map[string]string
		if err := json.Unmarshal(meta, &fields); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		if want, ok := fields[digestKey]; ok {
			got := strconv.FormatUint(xxhash.Sum64(payload), 16)
			if got != want {
				return nil, fmt.Errorf("payload digest mismatch: got %s, want %s", got, want)
			}
		}
	}

	infos := make(map[string]tensorInfo, len(raw))
	for name, msg := range raw {
		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("failed to parse entry %q: %w", name, err)
		}
		infos[name] = info
	}

	var bar *progressbar.ProgressBar
	if len(infos) >= progressThreshold {
		bar = progressbar.NewOptions(len(infos),
			progressbar.OptionSetDescription("Loading tensors"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
		)
	}

	result := make(map[string]*tensor.Tensor, len(infos))
	for name, info := range infos {
		result[name] = tensor.New(tensor.DType(info.Dtype), info.Shape...)
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for name, info := range infos {
		name, info := name, info
		g.Go(func() error {
			if err := decode(result[name], info, payload); err != nil {
				return fmt.Errorf("failed to decode tensor %q: %w", name, err)
			}
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if bar != nil {
		bar.Finish()
	}
	return result, nil
}

// LoadInto restores a checkpoint into an existing set of named parameters.
// Every parameter must be present in the file with an identical shape, and
// the file must not contain tensors the parameter set does not know; both
// directions are part of the naming contract.
func LoadInto(path string, params map[string]*tensor.Tensor) error {
	loaded, err := Load(path)
	if err != nil {
		return err
	}

	for name := range loaded {
		if _, ok := params[name]; !ok {
			return fmt.Errorf("unexpected tensor %q in checkpoint", name)
		}
	}
	for name, dst := range params {
		src, ok := loaded[name]
		if !ok {
			return fmt.Errorf("checkpoint is missing tensor %q", name)
		}
		if len(src.Shape) != len(dst.Shape) {
			return fmt.Errorf("tensor %q shape %v does not match parameter shape %v", name, src.Shape, dst.Shape)
		}
		for i := range src.Shape {
			if src.Shape[i] != dst.Shape[i] {
				return fmt.Errorf("tensor %q shape %v does not match parameter shape %v", name, src.Shape, dst.Shape)
			}
		}
		copy(dst.Data, tensor.Cast(src, dst.Dtype).Data)
	}
	return nil
}

func encode(t *tensor.Tensor) ([]byte, error) {
	switch t.Dtype {
	case tensor.F32:
		out := make([]byte, 0, 4*len(t.Data))
		for _, v := range t.Data {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
		return out, nil
	case tensor.F16:
		out := make([]byte, 0, 2*len(t.Data))
		for _, v := range t.Data {
			out = binary.LittleEndian.AppendUint16(out, float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case tensor.BF16:
		return bfloat16.EncodeFloat32(t.Data), nil
	default:
		return nil, fmt.Errorf("unknown dtype %q", t.Dtype)
	}
}

func decode(dst *tensor.Tensor, info tensorInfo, payload []byte) error {
	start, end := info.Offsets[0], info.Offsets[1]
	if start < 0 || end < start || end > int64(len(payload)) {
		return fmt.Errorf("offsets [%d,%d) out of payload bounds %d", start, end, len(payload))
	}
	data := payload[start:end]

	want := int64(dst.Size()) * dtypeWidth(dst.Dtype)
	if int64(len(data)) != want {
		return fmt.Errorf("payload size %d does not match shape %v (%s)", len(data), dst.Shape, dst.Dtype)
	}

	switch dst.Dtype {
	case tensor.F32:
		for i := range dst.Data {
			dst.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
		}
	case tensor.F16:
		for i := range dst.Data {
			dst.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(data[2*i:])).Float32()
		}
	case tensor.BF16:
		copy(dst.Data, bfloat16.DecodeFloat32(data))
	default:
		return fmt.Errorf("unknown dtype %q", dst.Dtype)
	}
	return nil
}
