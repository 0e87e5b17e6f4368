package loader

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/percept-ml/percept/internal/tensor"
)

// Weight container format (consumed by the native engine, produced by the
// packaging tool):
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// The JSON header maps tensor names to dtype/shape/offsets and carries a
// "__metadata__" section whose "graph" entry is the JSON-encoded layer list.

// ArtifactDType names a tensor element type inside the container header.
type ArtifactDType string

// Supported container dtypes.
const (
	ArtifactF32 ArtifactDType = "F32"
	ArtifactI32 ArtifactDType = "I32"
	ArtifactI64 ArtifactDType = "I64"
	ArtifactU8  ArtifactDType = "U8"
)

func (d ArtifactDType) dataType() (tensor.DataType, error) {
	switch d {
	case ArtifactF32:
		return tensor.Float32, nil
	case ArtifactI32:
		return tensor.Int32, nil
	case ArtifactI64:
		return tensor.Int64, nil
	case ArtifactU8:
		return tensor.Uint8, nil
	default:
		return 0, fmt.Errorf("%w: unsupported container dtype %q", ErrInvalidModel, d)
	}
}

func artifactDType(dt tensor.DataType) ArtifactDType {
	switch dt {
	case tensor.Int32:
		return ArtifactI32
	case tensor.Int64:
		return ArtifactI64
	case tensor.Uint8:
		return ArtifactU8
	default:
		return ArtifactF32
	}
}

// TensorInfo describes one tensor in the container header.
type TensorInfo struct {
	DType       ArtifactDType `json:"dtype"`
	Shape       []int         `json:"shape"`
	DataOffsets [2]int64      `json:"data_offsets"` // [start, end) relative to the data section
}

// Layer is one step of the native engine's execution graph.
type Layer struct {
	Op string `json:"op"` // conv2d | maxpool2d | relu | flatten | linear | softmax

	Weight string `json:"weight,omitempty"`
	Bias   string `json:"bias,omitempty"`

	Stride  int `json:"stride,omitempty"`
	Padding int `json:"padding,omitempty"`
	Kernel  int `json:"kernel,omitempty"`
	Dim     int `json:"dim,omitempty"`
}

// Artifact is a parsed weight container. It retains a view into the raw
// bytes it was parsed from; Tensor copies data out, so the backing bytes may
// be zeroed once the engine finishes loading.
type Artifact struct {
	meta    map[string]string
	tensors map[string]TensorInfo
	data    []byte
}

// ParseArtifact decodes a weight container from plaintext bytes.
func ParseArtifact(blob []byte) (*Artifact, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("%w: weight container truncated", ErrInvalidModel)
	}
	headerSize := binary.LittleEndian.Uint64(blob[:8])
	if headerSize == 0 || headerSize > uint64(len(blob)-8) {
		return nil, fmt.Errorf("%w: weight container header size %d out of range", ErrInvalidModel, headerSize)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(blob[8:8+headerSize], &raw); err != nil {
		return nil, fmt.Errorf("%w: weight container header: %v", ErrInvalidModel, err)
	}

	a := &Artifact{
		meta:    map[string]string{},
		tensors: map[string]TensorInfo{},
		data:    blob[8+headerSize:],
	}
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &a.meta); err != nil {
				return nil, fmt.Errorf("%w: weight container metadata: %v", ErrInvalidModel, err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("%w: tensor %q header: %v", ErrInvalidModel, name, err)
		}
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] < info.DataOffsets[0] ||
			info.DataOffsets[1] > int64(len(a.data)) {
			return nil, fmt.Errorf("%w: tensor %q offsets %v out of range", ErrInvalidModel, name, info.DataOffsets)
		}
		a.tensors[name] = info
	}
	return a, nil
}

// TensorNames returns the contained tensor names, sorted.
func (a *Artifact) TensorNames() []string {
	names := make([]string, 0, len(a.tensors))
	for name := range a.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tensor copies the named tensor out of the container.
func (a *Artifact) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := a.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: tensor %q not in weight container", ErrInvalidModel, name)
	}
	dt, err := info.DType.dataType()
	if err != nil {
		return nil, err
	}

	start, end := info.DataOffsets[0], info.DataOffsets[1]
	data := make([]byte, end-start)
	copy(data, a.data[start:end])

	t, err := tensor.FromBytes(data, tensor.Shape(info.Shape), dt, tensor.HostDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: tensor %q: %v", ErrInvalidModel, name, err)
	}
	return t, nil
}

// Graph decodes the execution graph from the container metadata.
func (a *Artifact) Graph() ([]Layer, error) {
	raw, ok := a.meta["graph"]
	if !ok {
		return nil, fmt.Errorf("%w: weight container has no graph metadata", ErrInvalidModel)
	}
	var layers []Layer
	if err := json.Unmarshal([]byte(raw), &layers); err != nil {
		return nil, fmt.Errorf("%w: graph metadata: %v", ErrInvalidModel, err)
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: graph metadata is empty", ErrInvalidModel)
	}
	return layers, nil
}

// BuildArtifact assembles a weight container from a graph and named tensors.
// Used by the packaging tool and by tests; the inverse of ParseArtifact.
func BuildArtifact(graph []Layer, tensors map[string]*tensor.Tensor) ([]byte, error) {
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}

	header := map[string]any{
		"__metadata__": map[string]string{"graph": string(graphJSON)},
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	var data []byte
	for _, name := range names {
		t := tensors[name]
		start := int64(len(data))
		data = append(data, t.Data()...)
		header[name] = TensorInfo{
			DType:       artifactDType(t.DType()),
			Shape:       t.Shape(),
			DataOffsets: [2]int64{start, int64(len(data))},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	out := make([]byte, 0, 8+len(headerJSON)+len(data))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, data...)
	return out, nil
}
