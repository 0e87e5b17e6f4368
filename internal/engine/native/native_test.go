package native

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

func classifierDescriptor(t *testing.T, batch int) *loader.Descriptor {
	t.Helper()
	yml := fmt.Sprintf(`
model_name: tiny-cls
task: classification
input_shape: [%d, 1, 2, 2]
labels: [a, b, c]
transforms:
  - op: permute
`, batch)
	d, err := loader.ParseDescriptor([]byte(yml))
	require.NoError(t, err)
	return d
}

// classifierWeights builds a flatten -> linear -> softmax container whose
// linear layer routes input element i to class i%3.
func classifierWeights(t *testing.T) []byte {
	t.Helper()
	w, err := tensor.FromFloat32([]float32{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 0, 0,
	}, tensor.Shape{4, 3})
	require.NoError(t, err)
	b, err := tensor.FromFloat32([]float32{0, 0, 0}, tensor.Shape{3})
	require.NoError(t, err)

	blob, err := loader.BuildArtifact([]loader.Layer{
		{Op: "flatten"},
		{Op: "linear", Weight: "fc.weight", Bias: "fc.bias"},
		{Op: "softmax"},
	}, map[string]*tensor.Tensor{"fc.weight": w, "fc.bias": b})
	require.NoError(t, err)
	return blob
}

func TestLoadAndInferClassifier(t *testing.T) {
	desc := classifierDescriptor(t, -1)
	h, err := New().Load(desc, classifierWeights(t), tensor.HostDevice)
	require.NoError(t, err)
	defer h.Release()

	in, err := tensor.FromFloat32([]float32{0, 5, 0, 0}, tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)

	outs, err := h.Infer(in)
	require.NoError(t, err)
	require.Len(t, outs, 1)

	scores := outs[0].AsFloat32()
	require.Equal(t, tensor.Shape{1, 3}, outs[0].Shape())
	assert.Greater(t, scores[1], scores[0])
	assert.Greater(t, scores[1], scores[2])

	sum := scores[0] + scores[1] + scores[2]
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestInferDynamicBatch(t *testing.T) {
	desc := classifierDescriptor(t, -1)
	h, err := New().Load(desc, classifierWeights(t), tensor.HostDevice)
	require.NoError(t, err)
	defer h.Release()

	in, err := tensor.FromFloat32(make([]float32, 3*4), tensor.Shape{3, 1, 2, 2})
	require.NoError(t, err)

	outs, err := h.Infer(in)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 3}, outs[0].Shape())
}

func TestInferFixedBatchMismatch(t *testing.T) {
	desc := classifierDescriptor(t, 2)
	h, err := New().Load(desc, classifierWeights(t), tensor.HostDevice)
	require.NoError(t, err)
	defer h.Release()

	in, err := tensor.FromFloat32(make([]float32, 4), tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)

	_, err = h.Infer(in)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.False(t, engine.IsFatal(err))
}

func TestInferWrongSpatialShape(t *testing.T) {
	desc := classifierDescriptor(t, -1)
	h, err := New().Load(desc, classifierWeights(t), tensor.HostDevice)
	require.NoError(t, err)
	defer h.Release()

	in, err := tensor.FromFloat32(make([]float32, 9), tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)

	_, err = h.Infer(in)
	assert.True(t, engine.IsTransient(err))
}

func TestLoadRejectsAcceleratorDevice(t *testing.T) {
	desc := classifierDescriptor(t, -1)
	_, err := New().Load(desc, classifierWeights(t), tensor.Device{Kind: tensor.Accelerator})

	var le *engine.LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "native", le.Backend)
}

func TestLoadRejectsBadContainer(t *testing.T) {
	desc := classifierDescriptor(t, -1)
	_, err := New().Load(desc, []byte("garbage"), tensor.HostDevice)

	var le *engine.LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, loader.ErrInvalidModel)
}

func TestLoadRejectsUnknownOp(t *testing.T) {
	blob, err := loader.BuildArtifact([]loader.Layer{{Op: "attention"}}, nil)
	require.NoError(t, err)

	desc := classifierDescriptor(t, -1)
	_, err = New().Load(desc, blob, tensor.HostDevice)

	var le *engine.LoadError
	assert.ErrorAs(t, err, &le)
}

func TestLoadRejectsChannelMismatch(t *testing.T) {
	w, err := tensor.FromFloat32(make([]float32, 2*3*2*2), tensor.Shape{2, 3, 2, 2})
	require.NoError(t, err)
	blob, err := loader.BuildArtifact(
		[]loader.Layer{{Op: "conv2d", Weight: "conv.weight"}},
		map[string]*tensor.Tensor{"conv.weight": w})
	require.NoError(t, err)

	desc := classifierDescriptor(t, -1) // declares 1 input channel
	_, err = New().Load(desc, blob, tensor.HostDevice)

	var le *engine.LoadError
	assert.ErrorAs(t, err, &le)
}

func TestConvMaxpoolGraph(t *testing.T) {
	// 2x2 all-ones kernel: each output is the sum of a 2x2 window.
	w, err := tensor.FromFloat32([]float32{1, 1, 1, 1}, tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)
	blob, err := loader.BuildArtifact([]loader.Layer{
		{Op: "conv2d", Weight: "conv.weight", Stride: 1},
		{Op: "relu"},
		{Op: "maxpool2d", Kernel: 2},
	}, map[string]*tensor.Tensor{"conv.weight": w})
	require.NoError(t, err)

	d, err := loader.ParseDescriptor([]byte(
		"task: segmentation\ninput_shape: [-1, 1, 3, 3]\ntransforms: []"))
	require.NoError(t, err)

	h, err := New().Load(d, blob, tensor.HostDevice)
	require.NoError(t, err)
	defer h.Release()

	in, err := tensor.FromFloat32([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	}, tensor.Shape{1, 1, 3, 3})
	require.NoError(t, err)

	outs, err := h.Infer(in)
	require.NoError(t, err)

	// Conv output (2x2): [12, 16, 24, 28]; 2x2 maxpool keeps 28.
	require.Equal(t, tensor.Shape{1, 1, 1, 1}, outs[0].Shape())
	assert.InDelta(t, 28, outs[0].AsFloat32()[0], 1e-6)
}

func TestInferAfterReleaseIsFatal(t *testing.T) {
	desc := classifierDescriptor(t, -1)
	h, err := New().Load(desc, classifierWeights(t), tensor.HostDevice)
	require.NoError(t, err)
	h.Release()

	in, err := tensor.FromFloat32(make([]float32, 4), tensor.Shape{1, 1, 2, 2})
	require.NoError(t, err)

	_, err = h.Infer(in)
	assert.True(t, engine.IsFatal(err))
}
