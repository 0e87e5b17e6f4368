package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/percept-ml/percept/internal/engine"
	"github.com/percept-ml/percept/internal/tensor"
)

// ErrNoAvailableDevice reports that every engine handle has been retired.
var ErrNoAvailableDevice = errors.New("no available device: all engine handles are dead")

// worker wraps one engine handle with its liveness flag. The handle itself
// serializes Infer calls; the dispatcher only tracks rotation and death.
type worker struct {
	handle engine.Handle
	dead   atomic.Bool
}

// Dispatcher routes batches round-robin across live engine handles and
// aggregates outputs in input order. The rotation cursor is the only shared
// state; its lock is held just long enough to pick a handle, never across
// the blocking Infer call.
type Dispatcher struct {
	mu      sync.Mutex
	next    int
	workers []*worker
}

// NewDispatcher builds a dispatcher over one handle per device.
func NewDispatcher(handles []engine.Handle) *Dispatcher {
	workers := make([]*worker, len(handles))
	for i, h := range handles {
		workers[i] = &worker{handle: h}
	}
	return &Dispatcher{workers: workers}
}

// Live returns the number of handles still in rotation.
func (d *Dispatcher) Live() int {
	n := 0
	for _, w := range d.workers {
		if !w.dead.Load() {
			n++
		}
	}
	return n
}

// Devices lists the devices of live handles, for logging and CLI output.
func (d *Dispatcher) Devices() []tensor.Device {
	var devices []tensor.Device
	for _, w := range d.workers {
		if !w.dead.Load() {
			devices = append(devices, w.handle.Device())
		}
	}
	return devices
}

// Release releases every handle, dead or live.
func (d *Dispatcher) Release() {
	for _, w := range d.workers {
		w.handle.Release()
	}
}

// pick selects the next live worker round-robin.
func (d *Dispatcher) pick() (*worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for range d.workers {
		w := d.workers[d.next%len(d.workers)]
		d.next++
		if !w.dead.Load() {
			return w, nil
		}
	}
	return nil, ErrNoAvailableDevice
}

// BatchOutput carries one batch's raw outputs, or its failure. Failures are
// isolated per batch: one failed batch never aborts the others.
type BatchOutput struct {
	Batch   *Batch
	Outputs []*tensor.Tensor
	Err     error
}

// Dispatch runs every batch on some live handle and returns outputs in batch
// order regardless of completion order. It fails outright only when no
// handle is live; per-batch errors are reported in the output slots.
func (d *Dispatcher) Dispatch(batches []*Batch) ([]BatchOutput, error) {
	if d.Live() == 0 {
		return nil, ErrNoAvailableDevice
	}

	outputs := make([]BatchOutput, len(batches))

	var g errgroup.Group
	g.SetLimit(len(d.workers))
	for i, b := range batches {
		g.Go(func() error {
			outputs[i] = d.run(i, b)
			return nil
		})
	}
	// Worker funcs never return errors; failures land in the output slots.
	_ = g.Wait()

	return outputs, nil
}

// run executes one batch, rerouting to the next live handle after a fatal
// infer error until it succeeds or the rotation is empty.
func (d *Dispatcher) run(batchIdx int, b *Batch) BatchOutput {
	for {
		w, err := d.pick()
		if err != nil {
			return BatchOutput{Batch: b, Err: err}
		}

		device := w.handle.Device()
		slog.Debug("dispatching batch", "batch", batchIdx, "rows", b.Logical(), "pad", b.Pad, "device", device.String())

		outs, err := w.handle.Infer(b.Input)
		if err != nil {
			if engine.IsFatal(err) {
				w.dead.Store(true)
				slog.Warn("retiring engine handle after fatal infer error", "device", device.String(), "error", err)
				continue
			}
			// Transient: report to the caller, handle stays in rotation.
			return BatchOutput{Batch: b, Err: err}
		}
		return BatchOutput{Batch: b, Outputs: outs}
	}
}
