package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

// stubHandle is a scripted engine.Handle for dispatcher tests.
type stubHandle struct {
	device tensor.Device

	mu     sync.Mutex
	calls  int
	script func(call int, input *tensor.Tensor) ([]*tensor.Tensor, error)
}

func (s *stubHandle) Descriptor() *loader.Descriptor { return &loader.Descriptor{} }
func (s *stubHandle) Device() tensor.Device          { return s.device }
func (s *stubHandle) Release()                       {}

func (s *stubHandle) Infer(input *tensor.Tensor) ([]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.script(s.calls, input)
}

// echoScript returns the input's first element as a [1,1] output.
func echoScript(_ int, input *tensor.Tensor) ([]*tensor.Tensor, error) {
	out, _ := tensor.FromFloat32([]float32{input.AsFloat32()[0]}, tensor.Shape{1, 1})
	return []*tensor.Tensor{out}, nil
}

func fatalErr() error {
	return &engine.InferError{Backend: "stub", Kind: engine.Fatal, Err: assert.AnError}
}

func transientErr() error {
	return &engine.InferError{Backend: "stub", Kind: engine.Transient, Err: assert.AnError}
}

func testBatches(t *testing.T, n int) []*Batch {
	t.Helper()
	items := make([]Item, n)
	for i := range items {
		ts, err := tensor.FromFloat32([]float32{float32(i)}, tensor.Shape{1, 1, 1})
		require.NoError(t, err)
		items[i] = Item{Index: i, Tensor: ts}
	}
	batches, err := Group(items, 1, false)
	require.NoError(t, err)
	return batches
}

func TestDispatchPreservesOrder(t *testing.T) {
	a := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 0}, script: echoScript}
	b := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 1}, script: echoScript}
	d := NewDispatcher([]engine.Handle{a, b})

	outs, err := d.Dispatch(testBatches(t, 8))
	require.NoError(t, err)
	require.Len(t, outs, 8)

	for i, out := range outs {
		require.NoError(t, out.Err)
		require.Len(t, out.Outputs, 1)
		assert.Equal(t, float32(i), out.Outputs[0].AsFloat32()[0], "batch %d out of order", i)
	}

	// Both handles saw work.
	assert.Positive(t, a.calls)
	assert.Positive(t, b.calls)
	assert.Equal(t, 8, a.calls+b.calls)
}

func TestDispatchRetiresDeadHandleAndReroutes(t *testing.T) {
	dying := &stubHandle{
		device: tensor.Device{Kind: tensor.Accelerator, Index: 0},
		script: func(int, *tensor.Tensor) ([]*tensor.Tensor, error) { return nil, fatalErr() },
	}
	healthy := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 1}, script: echoScript}
	d := NewDispatcher([]engine.Handle{dying, healthy})

	outs, err := d.Dispatch(testBatches(t, 4))
	require.NoError(t, err)
	for _, out := range outs {
		assert.NoError(t, out.Err)
	}

	// The dying handle was retired and every batch re-routed to the
	// survivor. It may have been picked more than once before the death
	// flag landed, but never after.
	assert.LessOrEqual(t, dying.calls, 2)
	assert.Equal(t, 4, healthy.calls)
	assert.Equal(t, 1, d.Live())

	// Subsequent dispatches route exclusively to the survivor.
	callsBefore := dying.calls
	outs, err = d.Dispatch(testBatches(t, 2))
	require.NoError(t, err)
	for _, out := range outs {
		assert.NoError(t, out.Err)
	}
	assert.Equal(t, callsBefore, dying.calls)
}

func TestDispatchAllHandlesDead(t *testing.T) {
	die := func(int, *tensor.Tensor) ([]*tensor.Tensor, error) { return nil, fatalErr() }
	a := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 0}, script: die}
	b := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 1}, script: die}
	d := NewDispatcher([]engine.Handle{a, b})

	outs, err := d.Dispatch(testBatches(t, 3))
	require.NoError(t, err)
	for _, out := range outs {
		assert.ErrorIs(t, out.Err, ErrNoAvailableDevice)
	}
	assert.Equal(t, 0, d.Live())

	// Next dispatch call fails outright.
	_, err = d.Dispatch(testBatches(t, 1))
	assert.ErrorIs(t, err, ErrNoAvailableDevice)
}

func TestDispatchTransientErrorKeepsHandleLive(t *testing.T) {
	flaky := &stubHandle{
		device: tensor.Device{Kind: tensor.Accelerator, Index: 0},
		script: func(int, *tensor.Tensor) ([]*tensor.Tensor, error) { return nil, transientErr() },
	}
	d := NewDispatcher([]engine.Handle{flaky})

	outs, err := d.Dispatch(testBatches(t, 1))
	require.NoError(t, err)
	require.Len(t, outs, 1)

	// Reported to the caller, no internal retry, handle stays in rotation.
	assert.True(t, engine.IsTransient(outs[0].Err))
	assert.Equal(t, 1, flaky.calls)
	assert.Equal(t, 1, d.Live())
}

func TestDevices(t *testing.T) {
	a := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 0}, script: echoScript}
	b := &stubHandle{device: tensor.Device{Kind: tensor.Accelerator, Index: 1}, script: echoScript}
	d := NewDispatcher([]engine.Handle{a, b})

	assert.Len(t, d.Devices(), 2)
	d.workers[0].dead.Store(true)
	require.Len(t, d.Devices(), 1)
	assert.Equal(t, 1, d.Devices()[0].Index)
}
