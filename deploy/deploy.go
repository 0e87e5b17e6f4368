// Copyright 2026 Percept ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package deploy is the public API for serving perception models.
//
// A Predictor owns one loaded model bound to one or more devices and runs
// the full pipeline: preprocessing, batching, dispatch across devices, and
// task-family postprocessing.
//
// Example:
//
//	p, err := deploy.New("models/detector", deploy.Options{Key: key, EncryptionEnabled: true})
//	if err != nil { ... }
//	defer p.Release()
//	result, err := p.Predict(img)
package deploy

import (
	"errors"
	"fmt"
	"image"

	"github.com/percept-ml/percept/internal/crypt"
	"github.com/percept-ml/percept/internal/dispatch"
	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/engine/native"
	"github.com/percept-ml/percept/internal/engine/ort"
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/parallel"
	"github.com/percept-ml/percept/internal/postprocess"
	"github.com/percept-ml/percept/internal/tensor"
	"github.com/percept-ml/percept/internal/vision"
)

// Type aliases for the public API.

// Device identifies where a model instance executes.
type Device = tensor.Device

// DeviceKind distinguishes host execution from accelerator devices.
type DeviceKind = tensor.DeviceKind

// Device kinds.
const (
	Host        DeviceKind = tensor.Host
	Accelerator DeviceKind = tensor.Accelerator
)

// Family is a model's task family.
type Family = loader.Family

// Task families.
const (
	FamilyDetection      Family = loader.FamilyDetection
	FamilySegmentation   Family = loader.FamilySegmentation
	FamilyClassification Family = loader.FamilyClassification
	FamilyComposite      Family = loader.FamilyComposite
)

// Result is the structured output for one input.
type Result = postprocess.Result

// Detection is one decoded box with score and label.
type Detection = postprocess.Detection

// Box is an axis-aligned box in source-image coordinates.
type Box = postprocess.Box

// ClassScore is one entry of a classification ranking.
type ClassScore = postprocess.ClassScore

// Errors surfaced through the facade.
var (
	ErrInvalidModel      = loader.ErrInvalidModel
	ErrMissingKey        = loader.ErrMissingKey
	ErrDecryption        = crypt.ErrDecryption
	ErrNoAvailableDevice = dispatch.ErrNoAvailableDevice
	ErrUnknownBackend    = errors.New("unknown backend")
)

// Backend names accepted by Options.
const (
	BackendNative = "native"
	BackendORT    = "ort"
)

const defaultMaxBatch = 8

// Options configures a Predictor. The zero value loads an unencrypted model
// on the native backend, one host instance, dynamic batching up to 8.
type Options struct {
	// Backend selects the inference runtime: BackendNative (default) or
	// BackendORT.
	Backend string

	// Devices lists the devices to load one model instance each onto.
	// Empty means a single host instance.
	Devices []Device

	// Key decrypts encrypted weight artifacts.
	Key string

	// EncryptionEnabled gates the decrypt-on-load path entirely.
	EncryptionEnabled bool

	// MaxBatch bounds dynamic-batch grouping. Ignored for models with a
	// fixed batch dimension, which dictate their own batch size.
	MaxBatch int

	// Warmup runs one zero batch through every handle after load, so
	// lazily-allocated device buffers are touched before serving.
	Warmup bool

	// ORTLibraryPath points the accelerated backend at the onnxruntime
	// shared library. Empty uses the platform default.
	ORTLibraryPath string
}

// Predictor serves one loaded model across one or more devices.
type Predictor struct {
	desc       *loader.Descriptor
	dispatcher *dispatch.Dispatcher
	maxBatch   int
	fixed      bool
	par        parallel.Config
}

// New loads the model package in dir and binds it to the configured devices.
// Any decrypted weight plaintext is zeroed before New returns, on every exit
// path.
func New(dir string, opts Options) (*Predictor, error) {
	desc, weights, err := loader.Load(dir, loader.Config{
		Key:               opts.Key,
		EncryptionEnabled: opts.EncryptionEnabled,
	})
	if err != nil {
		return nil, err
	}
	defer crypt.Zero(weights)

	return build(desc, weights, opts)
}

// NewFromBytes is New over an in-memory model package. The caller's buffers
// are never modified: only plaintext produced by the decryptor is zeroed.
func NewFromBytes(descBytes, weightBytes []byte, opts Options) (*Predictor, error) {
	desc, weights, err := loader.LoadBytes(descBytes, weightBytes, loader.Config{
		Key:               opts.Key,
		EncryptionEnabled: opts.EncryptionEnabled,
	})
	if err != nil {
		return nil, err
	}
	// For a plaintext artifact LoadBytes hands back the caller's slice.
	if opts.EncryptionEnabled && crypt.IsEncrypted(weightBytes) {
		defer crypt.Zero(weights)
	}

	return build(desc, weights, opts)
}

func build(desc *loader.Descriptor, weights []byte, opts Options) (*Predictor, error) {
	var eng engine.Engine
	switch opts.Backend {
	case "", BackendNative:
		eng = native.New()
	case BackendORT:
		eng = ort.New(ort.Config{LibraryPath: opts.ORTLibraryPath})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}

	devices := opts.Devices
	if len(devices) == 0 {
		devices = []Device{tensor.HostDevice}
	}

	// One handle per device. No shared lock is held here: engine Load may
	// perform a long one-time build step.
	handles := make([]engine.Handle, 0, len(devices))
	for _, dev := range devices {
		h, err := eng.Load(desc, weights, dev)
		if err != nil {
			for _, loaded := range handles {
				loaded.Release()
			}
			return nil, err
		}
		handles = append(handles, h)
	}

	maxBatch := opts.MaxBatch
	fixed := !desc.DynamicBatch()
	if fixed {
		maxBatch = desc.InputShape[0]
	} else if maxBatch <= 0 {
		maxBatch = defaultMaxBatch
	}

	p := &Predictor{
		desc:       desc,
		dispatcher: dispatch.NewDispatcher(handles),
		maxBatch:   maxBatch,
		fixed:      fixed,
		par:        parallel.DefaultConfig(),
	}

	if opts.Warmup {
		if err := p.warmup(handles); err != nil {
			p.Release()
			return nil, err
		}
	}
	return p, nil
}

func (p *Predictor) warmup(handles []engine.Handle) error {
	n := 1
	if p.fixed {
		n = p.maxBatch
	}
	shape := tensor.Shape{n, p.desc.InputShape[1], p.desc.InputShape[2], p.desc.InputShape[3]}
	for _, h := range handles {
		blank, err := tensor.New(shape, tensor.Float32, tensor.HostDevice)
		if err != nil {
			return err
		}
		if _, err := h.Infer(blank); err != nil {
			return fmt.Errorf("warmup on %s: %w", h.Device(), err)
		}
	}
	return nil
}

// Family returns the loaded model's task family.
func (p *Predictor) Family() Family {
	return p.desc.Family
}

// Devices lists the live devices.
func (p *Predictor) Devices() []Device {
	return p.dispatcher.Devices()
}

// Release frees every engine handle.
func (p *Predictor) Release() {
	p.dispatcher.Release()
}

// ItemResult pairs one input with its result or its isolated failure. A
// malformed input never aborts the rest of a batch.
type ItemResult struct {
	Index  int
	Result *Result
	Err    error
}

// Predict runs a single image through the pipeline.
func (p *Predictor) Predict(img image.Image) (*Result, error) {
	items := p.PredictBatch([]image.Image{img})
	if items[0].Err != nil {
		return nil, items[0].Err
	}
	return items[0].Result, nil
}

// PredictBatch runs a set of images through the pipeline and returns one
// entry per input, in input order. Per-item preprocessing and decoding
// failures are reported in their slots alongside the successful results.
func (p *Predictor) PredictBatch(imgs []image.Image) []ItemResult {
	results := make([]ItemResult, len(imgs))
	metas := make([]*vision.Meta, len(imgs))
	tensors := make([]*tensor.Tensor, len(imgs))

	// Preprocessing is pure and fans out safely.
	parallel.For(len(imgs), func(i int) {
		results[i].Index = i
		t, meta, err := vision.Run(imgs[i], p.desc.Transforms)
		if err != nil {
			results[i].Err = err
			return
		}
		if err := p.checkInputShape(t); err != nil {
			results[i].Err = err
			return
		}
		tensors[i] = t
		metas[i] = meta
	}, p.par)

	items := make([]dispatch.Item, 0, len(imgs))
	for i, t := range tensors {
		if t != nil {
			items = append(items, dispatch.Item{Index: i, Tensor: t})
		}
	}
	if len(items) == 0 {
		return results
	}

	batches, err := dispatch.Group(items, p.maxBatch, p.fixed)
	if err != nil {
		p.failRemaining(results, items, err)
		return results
	}

	outputs, err := p.dispatcher.Dispatch(batches)
	if err != nil {
		p.failRemaining(results, items, err)
		return results
	}

	for _, out := range outputs {
		p.collect(results, metas, out)
	}
	return results
}

// checkInputShape verifies a preprocessed tensor against the descriptor
// before it is admitted to a batch.
func (p *Predictor) checkInputShape(t *tensor.Tensor) error {
	want := tensor.Shape{p.desc.InputShape[1], p.desc.InputShape[2], p.desc.InputShape[3]}
	if !t.Shape().Equal(want) {
		return fmt.Errorf("%w: pipeline produced %v, model expects %v",
			vision.ErrPreprocess, t.Shape(), want)
	}
	return nil
}

// failRemaining marks every not-yet-failed item with err.
func (p *Predictor) failRemaining(results []ItemResult, items []dispatch.Item, err error) {
	for _, it := range items {
		if results[it.Index].Err == nil && results[it.Index].Result == nil {
			results[it.Index].Err = err
		}
	}
}

// collect decodes one batch output into per-item results.
func (p *Predictor) collect(results []ItemResult, metas []*vision.Meta, out dispatch.BatchOutput) {
	if out.Err != nil {
		for _, idx := range out.Batch.Indices {
			results[idx].Err = out.Err
		}
		return
	}

	n := out.Batch.Logical()

	// Split every output tensor by rows, dropping padded rows.
	perOutput := make([][]*tensor.Tensor, len(out.Outputs))
	for oi, raw := range out.Outputs {
		rows, err := dispatch.SplitRows(raw, n)
		if err != nil {
			for _, idx := range out.Batch.Indices {
				results[idx].Err = fmt.Errorf("%w: %v", postprocess.ErrPostprocess, err)
			}
			return
		}
		perOutput[oi] = rows
	}

	for row, idx := range out.Batch.Indices {
		raw := make([]*tensor.Tensor, len(perOutput))
		for oi := range perOutput {
			raw[oi] = perOutput[oi][row]
		}
		res, err := postprocess.Run(raw, p.desc, metas[idx])
		if err != nil {
			results[idx].Err = err
			continue
		}
		res.InputIndex = idx
		results[idx].Result = res
	}
}

// DecodeImage decodes an encoded jpeg or png image.
func DecodeImage(data []byte) (image.Image, error) {
	return vision.DecodeBytes(data)
}

// IsTransient reports whether an inference failure may succeed on retry
// with a smaller batch. Retrying is caller policy; the engine never retries
// internally.
func IsTransient(err error) bool {
	return engine.IsTransient(err)
}

// IsFatal reports whether an inference failure retired its engine handle.
func IsFatal(err error) bool {
	return engine.IsFatal(err)
}
