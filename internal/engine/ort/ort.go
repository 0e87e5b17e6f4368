// Package ort implements the accelerated inference backend on ONNX Runtime.
//
// Sessions are built from in-memory model bytes, so decrypted weights never
// touch the filesystem. Session construction performs the runtime's one-time
// graph optimization and (for accelerator devices) engine build; it can take
// materially longer than a native load, so callers must not hold shared
// locks across Load.
package ort

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	onnxrt "github.com/yalue/onnxruntime_go"

	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

const backendName = "ort"

// Default graph tensor names when the descriptor does not specify them.
const (
	defaultInputName  = "input"
	defaultOutputName = "output"
)

// Config controls runtime initialization and session construction.
type Config struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// library's platform default.
	LibraryPath string

	// IntraOpThreads bounds the runtime's per-op thread pool. Zero keeps
	// the runtime default.
	IntraOpThreads int
}

// Engine is the accelerated backend. Stateless apart from the process-wide
// runtime environment, which is initialized once on first Load.
type Engine struct {
	cfg Config
}

// New creates an accelerated engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Name returns "ort".
func (e *Engine) Name() string { return backendName }

// The ONNX Runtime environment is process-global.
var (
	envOnce sync.Once
	envErr  error
)

func (e *Engine) ensureEnvironment() error {
	envOnce.Do(func() {
		if onnxrt.IsInitialized() {
			return
		}
		if e.cfg.LibraryPath != "" {
			onnxrt.SetSharedLibraryPath(e.cfg.LibraryPath)
		}
		envErr = onnxrt.InitializeEnvironment()
	})
	return envErr
}

// Load builds an ONNX Runtime session from the plaintext model bytes on the
// given device. The batch dimension must be statically known: the runtime's
// optimized engine is shaped at build time.
func (e *Engine) Load(desc *loader.Descriptor, weights []byte, device tensor.Device) (engine.Handle, error) {
	fail := func(err error) (engine.Handle, error) {
		return nil, &engine.LoadError{Backend: backendName, Device: device, Err: err}
	}

	if desc.DynamicBatch() {
		return fail(fmt.Errorf("shape %v: accelerated backend requires a statically known batch dimension", desc.InputShape))
	}
	if device.Kind == tensor.Accelerator && device.Index < 0 {
		return fail(fmt.Errorf("unsupported device index %d", device.Index))
	}
	if err := e.ensureEnvironment(); err != nil {
		return fail(fmt.Errorf("initialize runtime: %w", err))
	}

	options, err := onnxrt.NewSessionOptions()
	if err != nil {
		return fail(fmt.Errorf("session options: %w", err))
	}
	defer options.Destroy()

	if e.cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(e.cfg.IntraOpThreads); err != nil {
			return fail(fmt.Errorf("set threads: %w", err))
		}
	}

	if device.Kind == tensor.Accelerator {
		cudaOpts, err := onnxrt.NewCUDAProviderOptions()
		if err != nil {
			return fail(fmt.Errorf("cuda provider: %w", err))
		}
		defer cudaOpts.Destroy()
		if err := cudaOpts.Update(map[string]string{
			"device_id": strconv.Itoa(device.Index),
		}); err != nil {
			return fail(fmt.Errorf("cuda provider device %d: %w", device.Index, err))
		}
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return fail(fmt.Errorf("append cuda provider: %w", err))
		}
	}

	inputName := desc.InputName
	if inputName == "" {
		inputName = defaultInputName
	}
	outputNames := desc.OutputNames
	if len(outputNames) == 0 {
		outputNames = []string{defaultOutputName}
	}

	// The expensive one-time build step.
	session, err := onnxrt.NewDynamicAdvancedSessionWithONNXData(
		weights, []string{inputName}, outputNames, options)
	if err != nil {
		return fail(fmt.Errorf("build session: %w", err))
	}

	return &handle{
		desc:        desc,
		device:      device,
		session:     session,
		inputName:   inputName,
		outputNames: outputNames,
	}, nil
}

// handle is a loaded session. Infer calls are serialized by mu: the session
// is not proven safe for concurrent Run.
type handle struct {
	desc        *loader.Descriptor
	device      tensor.Device
	session     *onnxrt.DynamicAdvancedSession
	inputName   string
	outputNames []string

	mu       sync.Mutex
	released bool
}

func (h *handle) Descriptor() *loader.Descriptor { return h.desc }
func (h *handle) Device() tensor.Device          { return h.device }

// Release destroys the session.
func (h *handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.released {
		h.session.Destroy()
		h.released = true
	}
}

func (h *handle) inferError(kind engine.InferErrorKind, format string, args ...any) error {
	return &engine.InferError{Backend: backendName, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Infer runs one stacked batch through the session. Allocation failures are
// reported transient so the caller may retry with a smaller batch; any other
// runtime fault is fatal for this handle.
func (h *handle) Infer(input *tensor.Tensor) ([]*tensor.Tensor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return nil, h.inferError(engine.Fatal, "handle already released")
	}

	shape := input.Shape()
	if len(shape) != 4 || input.DType() != tensor.Float32 {
		return nil, h.inferError(engine.Transient, "input must be float32 [N,C,H,W], got %s %v", input.DType(), shape)
	}
	if !shape.Equal(tensor.Shape(h.desc.InputShape)) {
		return nil, h.inferError(engine.Transient, "input %v does not match loaded shape %v", shape, h.desc.InputShape)
	}

	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	inputValue, err := onnxrt.NewTensor(onnxrt.NewShape(dims...), input.AsFloat32())
	if err != nil {
		return nil, h.inferError(engine.Transient, "create input tensor: %w", err)
	}
	defer inputValue.Destroy()

	outputs := make([]onnxrt.Value, len(h.outputNames))
	if err := h.session.Run([]onnxrt.Value{inputValue}, outputs); err != nil {
		return nil, h.inferError(classify(err), "run: %w", err)
	}
	// Run allocated every output slot; a failed conversion below must not
	// leak the siblings it has not visited yet.
	defer func() {
		vals := make([]destroyable, len(outputs))
		for i, out := range outputs {
			if out != nil {
				vals[i] = out
			}
		}
		destroyAll(vals)
	}()

	results := make([]*tensor.Tensor, 0, len(outputs))
	for i, out := range outputs {
		ot, ok := out.(*onnxrt.Tensor[float32])
		if !ok {
			return nil, h.inferError(engine.Fatal, "output %q is not a float32 tensor", h.outputNames[i])
		}
		outShape := ot.GetShape()
		dims := make(tensor.Shape, len(outShape))
		for j, d := range outShape {
			dims[j] = int(d)
		}
		host, err := tensor.FromFloat32(append([]float32(nil), ot.GetData()...), dims)
		if err != nil {
			return nil, h.inferError(engine.Fatal, "copy output %q: %w", h.outputNames[i], err)
		}
		results = append(results, host)
	}
	return results, nil
}

// destroyable matches the runtime values a session run produces.
type destroyable interface {
	Destroy() error
}

// destroyAll releases every non-nil value, visiting all slots exactly once.
func destroyAll(vals []destroyable) {
	for _, v := range vals {
		if v != nil {
			v.Destroy()
		}
	}
}

// classify maps a runtime error message to a severity. Allocation failures
// are the only recoverable class the runtime reports.
func classify(err error) engine.InferErrorKind {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "alloc") || strings.Contains(msg, "memory") {
		return engine.Transient
	}
	return engine.Fatal
}
