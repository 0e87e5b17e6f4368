package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percept-ml/percept/internal/crypt"
	"github.com/percept-ml/percept/internal/tensor"
)

const detectorYML = `
model_name: tiny-det
task: detection
input_shape: [-1, 3, 320, 320]
labels: [person, car]
transforms:
  - op: resize
    width: 320
    height: 320
    policy: letterbox
  - op: normalize
    mean: [0.485, 0.456, 0.406]
    std: [0.229, 0.224, 0.225]
  - op: permute
postprocess:
  score_threshold: 0.5
  iou_threshold: 0.45
`

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte(detectorYML))
	require.NoError(t, err)

	assert.Equal(t, FamilyDetection, d.Family)
	assert.Equal(t, FamilyDetection, d.Effective())
	assert.True(t, d.DynamicBatch())
	assert.Equal(t, []string{"person", "car"}, d.Labels)
	assert.Len(t, d.Transforms, 3)
	assert.Equal(t, "letterbox", d.Transforms[0].Policy)
	assert.InDelta(t, 0.45, d.Post.IoUThreshold, 1e-6)
}

func TestParseDescriptorUnknownFamily(t *testing.T) {
	_, err := ParseDescriptor([]byte("task: pose\ninput_shape: [1, 3, 8, 8]\ntransforms: []"))
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestParseDescriptorBadShape(t *testing.T) {
	for _, yml := range []string{
		"task: detection\ninput_shape: [1, 3, 8]\ntransforms: []",
		"task: detection\ninput_shape: [0, 3, 8, 8]\ntransforms: []",
		"task: detection\ninput_shape: [1, -3, 8, 8]\ntransforms: []",
	} {
		_, err := ParseDescriptor([]byte(yml))
		assert.ErrorIs(t, err, ErrInvalidModel, yml)
	}
}

func TestParseDescriptorComposite(t *testing.T) {
	d, err := ParseDescriptor([]byte(
		"task: composite\nmodel_type: classification\ninput_shape: [1, 3, 8, 8]\ntransforms: []"))
	require.NoError(t, err)
	assert.Equal(t, FamilyComposite, d.Family)
	assert.Equal(t, FamilyClassification, d.Effective())

	_, err = ParseDescriptor([]byte(
		"task: composite\nmodel_type: composite\ninput_shape: [1, 3, 8, 8]\ntransforms: []"))
	assert.ErrorIs(t, err, ErrInvalidModel)

	_, err = ParseDescriptor([]byte(
		"task: composite\ninput_shape: [1, 3, 8, 8]\ntransforms: []"))
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestLabelFallback(t *testing.T) {
	d := &Descriptor{Labels: []string{"cat"}}
	assert.Equal(t, "cat", d.Label(0))
	assert.Equal(t, "class_3", d.Label(3))
}

func buildTestArtifact(t *testing.T) []byte {
	t.Helper()
	w, err := tensor.FromFloat32([]float32{1, 0, 0, 1}, tensor.Shape{2, 2})
	require.NoError(t, err)

	blob, err := BuildArtifact(
		[]Layer{{Op: "linear", Weight: "fc.weight"}},
		map[string]*tensor.Tensor{"fc.weight": w},
	)
	require.NoError(t, err)
	return blob
}

func TestArtifactRoundTrip(t *testing.T) {
	blob := buildTestArtifact(t)

	a, err := ParseArtifact(blob)
	require.NoError(t, err)
	assert.Equal(t, []string{"fc.weight"}, a.TensorNames())

	w, err := a.Tensor("fc.weight")
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 2}, w.Shape())
	assert.Equal(t, []float32{1, 0, 0, 1}, w.AsFloat32())

	graph, err := a.Graph()
	require.NoError(t, err)
	require.Len(t, graph, 1)
	assert.Equal(t, "linear", graph[0].Op)

	_, err = a.Tensor("missing")
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestParseArtifactMalformed(t *testing.T) {
	_, err := ParseArtifact([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidModel)

	blob := buildTestArtifact(t)
	blob[0] = 0xff // absurd header size
	_, err = ParseArtifact(blob)
	assert.ErrorIs(t, err, ErrInvalidModel)
}

func TestLoadBytesPlaintext(t *testing.T) {
	weights := buildTestArtifact(t)

	desc, got, err := LoadBytes([]byte(detectorYML), weights, Config{EncryptionEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, FamilyDetection, desc.Family)
	assert.Equal(t, weights, got)
}

func TestLoadBytesEncrypted(t *testing.T) {
	weights := buildTestArtifact(t)
	sealed, err := crypt.Encrypt("key", weights)
	require.NoError(t, err)

	desc, got, err := LoadBytes([]byte(detectorYML), sealed, Config{Key: "key", EncryptionEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, FamilyDetection, desc.Family)
	assert.Equal(t, weights, got)
}

func TestLoadBytesMissingKey(t *testing.T) {
	weights := buildTestArtifact(t)
	sealed, err := crypt.Encrypt("key", weights)
	require.NoError(t, err)

	_, _, err = LoadBytes([]byte(detectorYML), sealed, Config{EncryptionEnabled: true})
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestLoadBytesWrongKey(t *testing.T) {
	weights := buildTestArtifact(t)
	sealed, err := crypt.Encrypt("key", weights)
	require.NoError(t, err)

	_, _, err = LoadBytes([]byte(detectorYML), sealed, Config{Key: "nope", EncryptionEnabled: true})
	assert.ErrorIs(t, err, crypt.ErrDecryption)
}

func TestLoadBytesEncryptionDisabled(t *testing.T) {
	weights := buildTestArtifact(t)
	sealed, err := crypt.Encrypt("key", weights)
	require.NoError(t, err)

	// With the capability flag off the envelope is passed through untouched.
	_, got, err := LoadBytes([]byte(detectorYML), sealed, Config{})
	require.NoError(t, err)
	assert.Equal(t, sealed, got)
}
