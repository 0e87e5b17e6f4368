package engine

import (
	"errors"
	"fmt"

	"github.com/percept-ml/percept/internal/tensor"
)

// LoadError reports a failed handle construction: unsupported device,
// shape spec the backend cannot serve, or weight bytes failing backend
// validation. Other handles are unaffected.
type LoadError struct {
	Backend string
	Device  tensor.Device
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: load on %s: %v", e.Backend, e.Device, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InferErrorKind classifies inference failures by what the caller may do
// about them.
type InferErrorKind int

const (
	// Transient failures (batch shape mismatch, device-memory exhaustion)
	// leave the handle usable; the caller may retry with an adjusted batch.
	// No retry happens inside the engine.
	Transient InferErrorKind = iota

	// Fatal failures (device fault) kill the handle: it must be marked dead
	// and excluded from further dispatch.
	Fatal
)

// InferError reports a failed Infer call with its severity.
type InferError struct {
	Backend string
	Kind    InferErrorKind
	Err     error
}

func (e *InferError) Error() string {
	kind := "transient"
	if e.Kind == Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("%s: %s infer error: %v", e.Backend, kind, e.Err)
}

func (e *InferError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a fatal InferError.
func IsFatal(err error) bool {
	var ie *InferError
	return errors.As(err, &ie) && ie.Kind == Fatal
}

// IsTransient reports whether err is a transient InferError.
func IsTransient(err error) bool {
	var ie *InferError
	return errors.As(err, &ie) && ie.Kind == Transient
}
