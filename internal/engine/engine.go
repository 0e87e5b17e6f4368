// Package engine defines the capability interface every inference backend
// implements: load a model onto one device, run batched inference, release.
// Backend selection happens once at startup; dispatch logic never branches
// on a concrete backend type.
package engine

import (
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

// Engine is one concrete inference runtime.
//
// Load binds a model to a device and returns a Handle. Implementations may
// perform an expensive one-time build/optimization step inside Load; callers
// must not hold shared locks across it.
type Engine interface {
	// Name identifies the backend ("native", "ort").
	Name() string

	// Load validates the descriptor and weight bytes for this backend and
	// constructs a live handle on the given device. The weight bytes are
	// consumed during the call and not retained; the caller may zero them
	// as soon as Load returns.
	Load(desc *loader.Descriptor, weights []byte, device tensor.Device) (Handle, error)
}

// Handle is a loaded model bound to one device: the unit of execution
// concurrency. A Handle serializes its own Infer calls internally; distinct
// Handles run Infer fully in parallel. The device binding is fixed for the
// handle's lifetime.
type Handle interface {
	// Descriptor returns the immutable descriptor the handle was loaded with.
	Descriptor() *loader.Descriptor

	// Device returns the device the handle is bound to.
	Device() tensor.Device

	// Infer runs one stacked input batch [N,C,H,W] through the model and
	// returns the raw output tensors. Errors are *InferError values; a
	// fatal one means the handle must be retired from dispatch.
	Infer(input *tensor.Tensor) ([]*tensor.Tensor, error)

	// Release frees backend resources. The handle must not be used after.
	Release()
}
