// Package native implements the pure-Go inference backend. It executes the
// weight container's layer graph directly on host memory with dynamic batch
// shapes, trading throughput for zero external runtime dependencies.
package native

import (
	"errors"
	"fmt"
	"sync"

	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/parallel"
	"github.com/percept-ml/percept/internal/tensor"
)

const backendName = "native"

// Engine is the native backend. Stateless; all model state lives on handles.
type Engine struct {
	cfg parallel.Config
}

// New creates a native engine with default kernel parallelism.
func New() *Engine {
	return &Engine{cfg: parallel.DefaultConfig()}
}

// Name returns "native".
func (e *Engine) Name() string { return backendName }

// compiledLayer is a graph step with its weights resolved out of the
// container, so the plaintext artifact bytes can be zeroed after Load.
type compiledLayer struct {
	spec   loader.Layer
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

// Load parses the weight container, resolves every layer's tensors and
// returns a ready handle. The weights slice is not retained.
func (e *Engine) Load(desc *loader.Descriptor, weights []byte, device tensor.Device) (engine.Handle, error) {
	fail := func(err error) (engine.Handle, error) {
		return nil, &engine.LoadError{Backend: backendName, Device: device, Err: err}
	}

	if device.Kind != tensor.Host {
		return fail(fmt.Errorf("unsupported device %s: native backend executes on host memory", device))
	}

	artifact, err := loader.ParseArtifact(weights)
	if err != nil {
		return fail(err)
	}
	graph, err := artifact.Graph()
	if err != nil {
		return fail(err)
	}

	layers := make([]compiledLayer, 0, len(graph))
	for i, spec := range graph {
		layer := compiledLayer{spec: spec}
		switch spec.Op {
		case "conv2d", "linear":
			if layer.weight, err = resolveFloat32(artifact, spec.Weight); err != nil {
				return fail(fmt.Errorf("layer %d (%s): %w", i, spec.Op, err))
			}
			if spec.Bias != "" {
				if layer.bias, err = resolveFloat32(artifact, spec.Bias); err != nil {
					return fail(fmt.Errorf("layer %d (%s): %w", i, spec.Op, err))
				}
			}
			wantRank := 2
			if spec.Op == "conv2d" {
				wantRank = 4
			}
			if len(layer.weight.Shape()) != wantRank {
				return fail(fmt.Errorf("layer %d (%s): weight must be %dD, got %v",
					i, spec.Op, wantRank, layer.weight.Shape()))
			}
		case "maxpool2d":
			if spec.Kernel <= 0 {
				return fail(fmt.Errorf("layer %d (maxpool2d): kernel must be positive", i))
			}
		case "relu", "flatten", "softmax":
			// no parameters
		default:
			return fail(fmt.Errorf("unknown op %q at layer %d", spec.Op, i))
		}
		layers = append(layers, layer)
	}

	// The first conv's input channels must agree with the descriptor.
	if len(layers) > 0 && layers[0].spec.Op == "conv2d" {
		if got, want := layers[0].weight.Shape()[1], desc.InputShape[1]; got != want {
			return fail(fmt.Errorf("first conv expects %d input channels, descriptor declares %d", got, want))
		}
	}

	return &handle{
		desc:   desc,
		device: device,
		layers: layers,
		cfg:    e.cfg,
	}, nil
}

func resolveFloat32(a *loader.Artifact, name string) (*tensor.Tensor, error) {
	if name == "" {
		return nil, errors.New("missing weight tensor name")
	}
	t, err := a.Tensor(name)
	if err != nil {
		return nil, err
	}
	if t.DType() != tensor.Float32 {
		return nil, fmt.Errorf("tensor %q: native backend computes in float32, got %s", name, t.DType())
	}
	return t, nil
}

// handle is a loaded native model. Infer calls are serialized by mu.
type handle struct {
	desc   *loader.Descriptor
	device tensor.Device
	layers []compiledLayer
	cfg    parallel.Config

	mu       sync.Mutex
	released bool
}

func (h *handle) Descriptor() *loader.Descriptor { return h.desc }
func (h *handle) Device() tensor.Device          { return h.device }

// Release drops the resolved weights.
func (h *handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.layers = nil
	h.released = true
}

func (h *handle) inferError(kind engine.InferErrorKind, format string, args ...any) error {
	return &engine.InferError{Backend: backendName, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Infer runs the layer graph over one stacked batch.
func (h *handle) Infer(input *tensor.Tensor) ([]*tensor.Tensor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, h.inferError(engine.Fatal, "handle already released")
	}
	if err := h.checkInput(input); err != nil {
		return nil, err
	}

	cur := input
	for i, layer := range h.layers {
		next, err := h.run(layer, cur)
		if err != nil {
			return nil, h.inferError(engine.Transient, "layer %d (%s): %w", i, layer.spec.Op, err)
		}
		cur = next
	}
	return []*tensor.Tensor{cur}, nil
}

func (h *handle) checkInput(input *tensor.Tensor) error {
	shape := input.Shape()
	if len(shape) != 4 {
		return h.inferError(engine.Transient, "input must be [N,C,H,W], got %v", shape)
	}
	if input.DType() != tensor.Float32 {
		return h.inferError(engine.Transient, "input dtype must be float32, got %s", input.DType())
	}
	want := h.desc.InputShape
	if !h.desc.DynamicBatch() && shape[0] != want[0] {
		return h.inferError(engine.Transient, "batch size %d does not match loaded shape %v", shape[0], want)
	}
	for d := 1; d < 4; d++ {
		if shape[d] != want[d] {
			return h.inferError(engine.Transient, "input %v does not match loaded shape %v", shape, want)
		}
	}
	return nil
}

func (h *handle) run(layer compiledLayer, in *tensor.Tensor) (*tensor.Tensor, error) {
	shape := in.Shape()

	switch layer.spec.Op {
	case "conv2d":
		if len(shape) != 4 {
			return nil, fmt.Errorf("conv2d needs a 4D input, got %v", shape)
		}
		ws := layer.weight.Shape()
		n, cIn, hIn, wIn := shape[0], shape[1], shape[2], shape[3]
		cOut, kh, kw := ws[0], ws[2], ws[3]
		if ws[1] != cIn {
			return nil, fmt.Errorf("conv2d kernel expects %d channels, input has %d", ws[1], cIn)
		}
		stride := layer.spec.Stride
		if stride <= 0 {
			stride = 1
		}
		hOut := (hIn+2*layer.spec.Padding-kh)/stride + 1
		wOut := (wIn+2*layer.spec.Padding-kw)/stride + 1
		if hOut <= 0 || wOut <= 0 {
			return nil, fmt.Errorf("conv2d output would be %dx%d for input %v", hOut, wOut, shape)
		}

		out, err := tensor.New(tensor.Shape{n, cOut, hOut, wOut}, tensor.Float32, h.device)
		if err != nil {
			return nil, err
		}
		var bias []float32
		if layer.bias != nil {
			bias = layer.bias.AsFloat32()
		}
		conv2d(out.AsFloat32(), in.AsFloat32(), layer.weight.AsFloat32(), bias,
			n, cIn, hIn, wIn, cOut, kh, kw, hOut, wOut, stride, layer.spec.Padding, h.cfg)
		return out, nil

	case "maxpool2d":
		if len(shape) != 4 {
			return nil, fmt.Errorf("maxpool2d needs a 4D input, got %v", shape)
		}
		n, c, hIn, wIn := shape[0], shape[1], shape[2], shape[3]
		kernel := layer.spec.Kernel
		stride := layer.spec.Stride
		if stride <= 0 {
			stride = kernel
		}
		hOut := (hIn-kernel)/stride + 1
		wOut := (wIn-kernel)/stride + 1
		if hOut <= 0 || wOut <= 0 {
			return nil, fmt.Errorf("maxpool2d output would be %dx%d for input %v", hOut, wOut, shape)
		}

		out, err := tensor.New(tensor.Shape{n, c, hOut, wOut}, tensor.Float32, h.device)
		if err != nil {
			return nil, err
		}
		maxpool2d(out.AsFloat32(), in.AsFloat32(), n, c, hIn, wIn, kernel, stride, hOut, wOut, h.cfg)
		return out, nil

	case "relu":
		relu(in.AsFloat32())
		return in, nil

	case "flatten":
		n := shape[0]
		return in.Reshape(tensor.Shape{n, in.NumElements() / n})

	case "linear":
		if len(shape) != 2 {
			return nil, fmt.Errorf("linear needs a 2D input, got %v", shape)
		}
		ws := layer.weight.Shape() // [in, out]
		n, k := shape[0], shape[1]
		if ws[0] != k {
			return nil, fmt.Errorf("linear weight expects %d features, input has %d", ws[0], k)
		}
		m := ws[1]

		out, err := tensor.New(tensor.Shape{n, m}, tensor.Float32, h.device)
		if err != nil {
			return nil, err
		}
		matmul(out.AsFloat32(), in.AsFloat32(), layer.weight.AsFloat32(), n, k, m)
		if layer.bias != nil {
			addBiasRows(out.AsFloat32(), layer.bias.AsFloat32(), n, m)
		}
		return out, nil

	case "softmax":
		if len(shape) != 2 {
			return nil, fmt.Errorf("softmax needs a 2D input, got %v", shape)
		}
		softmaxRows(in.AsFloat32(), shape[0], shape[1])
		return in, nil

	default:
		return nil, fmt.Errorf("unknown op %q", layer.spec.Op)
	}
}
