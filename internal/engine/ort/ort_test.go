package ort

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

// The dynamic-batch rejection is checked before the runtime environment is
// touched, so it is testable without the onnxruntime shared library.
func TestLoadRejectsDynamicBatch(t *testing.T) {
	d, err := loader.ParseDescriptor([]byte(
		"task: classification\ninput_shape: [-1, 3, 224, 224]\ntransforms: []"))
	require.NoError(t, err)

	_, err = New(Config{}).Load(d, []byte{}, tensor.Device{Kind: tensor.Accelerator})

	var le *engine.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "ort", le.Backend)
	assert.Contains(t, le.Error(), "statically known batch")
}

func TestLoadRejectsNegativeDeviceIndex(t *testing.T) {
	d, err := loader.ParseDescriptor([]byte(
		"task: classification\ninput_shape: [1, 3, 224, 224]\ntransforms: []"))
	require.NoError(t, err)

	_, err = New(Config{}).Load(d, []byte{}, tensor.Device{Kind: tensor.Accelerator, Index: -1})

	var le *engine.LoadError
	assert.ErrorAs(t, err, &le)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, engine.Fatal, classify(errMsg("CUDA failure: device fault")))
	assert.Equal(t, engine.Transient, classify(errMsg("Failed to allocate memory for requested buffer")))
	assert.Equal(t, engine.Transient, classify(errMsg("bad alloc")))
}

type errMsg string

func (e errMsg) Error() string { return string(e) }

type trackedValue struct {
	destroys int
}

func (v *trackedValue) Destroy() error {
	v.destroys++
	return nil
}

func TestDestroyAllReleasesEverySlot(t *testing.T) {
	a, b := &trackedValue{}, &trackedValue{}

	destroyAll([]destroyable{a, nil, b})

	assert.Equal(t, 1, a.destroys)
	assert.Equal(t, 1, b.destroys)
}

func TestName(t *testing.T) {
	assert.Equal(t, "ort", New(Config{}).Name())
}
