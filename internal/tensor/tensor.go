package tensor

import (
	"fmt"
	"unsafe"
)

// DeviceKind distinguishes host memory from accelerator-resident memory.
type DeviceKind int

// Supported device kinds.
const (
	Host DeviceKind = iota
	Accelerator
)

// String returns a human-readable device kind name.
func (k DeviceKind) String() string {
	switch k {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// Device identifies where a tensor's buffer lives. Host tensors ignore Index;
// accelerator tensors are pinned to one device index for their lifetime.
type Device struct {
	Kind  DeviceKind
	Index int
}

// HostDevice is the placement for tensors living in ordinary process memory.
var HostDevice = Device{Kind: Host}

// String returns a name like "host" or "accelerator:1".
func (d Device) String() string {
	if d.Kind == Host {
		return "host"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// Tensor is a typed multi-dimensional buffer with shape and device placement.
//
// Ownership is exclusive: the pipeline stage currently holding a Tensor is the
// only one allowed to read or mutate it, and ownership transfers (never shares)
// across stage boundaries. There is no reference counting.
type Tensor struct {
	data   []byte
	shape  Shape
	stride []int
	dtype  DataType
	device Device
}

// New creates a zero-initialized Tensor with the given shape and type.
func New(shape Shape, dtype DataType, device Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &Tensor{
		data:   make([]byte, shape.NumElements()*dtype.Size()),
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
	}, nil
}

// FromFloat32 creates a host tensor owning a copy of the given values.
func FromFloat32(data []float32, shape Shape) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t, err := New(shape, Float32, HostDevice)
	if err != nil {
		return nil, err
	}
	copy(t.AsFloat32(), data)
	return t, nil
}

// FromBytes creates a tensor that takes ownership of raw, already-encoded data.
// The byte length must match shape x dtype exactly.
func FromBytes(data []byte, shape Shape, dtype DataType, device Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	want := shape.NumElements() * dtype.Size()
	if len(data) != want {
		return nil, fmt.Errorf("shape %v with dtype %s requires %d bytes, but got %d", shape, dtype, want, len(data))
	}
	return &Tensor{
		data:   data,
		shape:  shape.Clone(),
		stride: shape.ComputeStrides(),
		dtype:  dtype,
		device: device,
	}, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Strides returns the tensor's memory strides.
func (t *Tensor) Strides() []int {
	return t.stride
}

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType {
	return t.dtype
}

// Device returns the tensor's placement.
func (t *Tensor) Device() Device {
	return t.device
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return t.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (t *Tensor) ByteSize() int {
	return t.NumElements() * t.dtype.Size()
}

// Data returns the raw byte slice.
// WARNING: Direct access to underlying memory. Use with caution.
func (t *Tensor) Data() []byte {
	return t.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (t *Tensor) AsFloat32() []float32 {
	if t.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", t.dtype))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&t.data[0])), t.NumElements())
}

// AsInt32 interprets the data as []int32.
// Panics if the tensor's dtype is not Int32.
func (t *Tensor) AsInt32() []int32 {
	if t.dtype != Int32 {
		panic(fmt.Sprintf("tensor dtype is %s, not int32", t.dtype))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*int32)(unsafe.Pointer(&t.data[0])), t.NumElements())
}

// AsInt64 interprets the data as []int64.
// Panics if the tensor's dtype is not Int64.
func (t *Tensor) AsInt64() []int64 {
	if t.dtype != Int64 {
		panic(fmt.Sprintf("tensor dtype is %s, not int64", t.dtype))
	}
	//nolint:gosec // unsafe.Slice for zero-copy access, bounds checked by NumElements()
	return unsafe.Slice((*int64)(unsafe.Pointer(&t.data[0])), t.NumElements())
}

// AsUint8 interprets the data as []uint8.
// Panics if the tensor's dtype is not Uint8.
func (t *Tensor) AsUint8() []uint8 {
	if t.dtype != Uint8 {
		panic(fmt.Sprintf("tensor dtype is %s, not uint8", t.dtype))
	}
	return t.data
}

// Clone returns a deep copy. The copy owns its own buffer.
func (t *Tensor) Clone() *Tensor {
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return &Tensor{
		data:   data,
		shape:  t.shape.Clone(),
		stride: append([]int(nil), t.stride...),
		dtype:  t.dtype,
		device: t.device,
	}
}

// Reshape returns a view-free tensor with the same data and a new shape.
// The element count must be preserved.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if shape.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)",
			t.shape, t.NumElements(), shape, shape.NumElements())
	}
	t.shape = shape.Clone()
	t.stride = shape.ComputeStrides()
	return t, nil
}
