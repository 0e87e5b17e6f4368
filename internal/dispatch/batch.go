// Package dispatch groups preprocessed tensors into fixed-shape batches and
// routes them across the live engine handles of a multi-device deployment.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/percept-ml/percept/internal/tensor"
)

// ErrBatch reports inputs that cannot be grouped: mixed shapes or dtypes.
var ErrBatch = errors.New("batch grouping failed")

// Item is one preprocessed input with its original position, so aggregated
// results can be restored to input order.
type Item struct {
	Index  int
	Tensor *tensor.Tensor // [C, H, W]
}

// Batch is a stacked group of inputs submitted to a backend in one Infer
// call. Pad counts trailing zero-filled rows added to satisfy a fixed batch
// size; their outputs are discarded during aggregation.
type Batch struct {
	Input   *tensor.Tensor // [N, C, H, W]
	Indices []int          // original input index per logical row
	Pad     int
}

// Logical returns the number of real (unpadded) rows.
func (b *Batch) Logical() int {
	return len(b.Indices)
}

// Group fills batches greedily in input order up to maxBatch. When fixed is
// set the final partial batch is zero-padded to exactly maxBatch rows and
// the padding recorded. Inputs are never reordered across batch boundaries.
func Group(items []Item, maxBatch int, fixed bool) ([]*Batch, error) {
	if maxBatch <= 0 {
		return nil, fmt.Errorf("%w: max batch size must be positive, got %d", ErrBatch, maxBatch)
	}
	if len(items) == 0 {
		return nil, nil
	}

	itemShape := items[0].Tensor.Shape()
	for _, it := range items {
		if it.Tensor.DType() != tensor.Float32 {
			return nil, fmt.Errorf("%w: item %d dtype %s, want float32", ErrBatch, it.Index, it.Tensor.DType())
		}
		if !it.Tensor.Shape().Equal(itemShape) {
			return nil, fmt.Errorf("%w: item %d shape %v differs from %v",
				ErrBatch, it.Index, it.Tensor.Shape(), itemShape)
		}
	}

	var batches []*Batch
	for start := 0; start < len(items); start += maxBatch {
		end := min(start+maxBatch, len(items))
		group := items[start:end]

		rows := len(group)
		pad := 0
		if fixed && rows < maxBatch {
			pad = maxBatch - rows
		}

		stackedShape := append(tensor.Shape{rows + pad}, itemShape...)
		stacked, err := tensor.New(stackedShape, tensor.Float32, tensor.HostDevice)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBatch, err)
		}

		rowBytes := group[0].Tensor.ByteSize()
		indices := make([]int, rows)
		for i, it := range group {
			copy(stacked.Data()[i*rowBytes:(i+1)*rowBytes], it.Tensor.Data())
			indices[i] = it.Index
		}

		batches = append(batches, &Batch{Input: stacked, Indices: indices, Pad: pad})
	}
	return batches, nil
}

// SplitRows slices a stacked output tensor [N, ...] into n per-row tensors
// of the remaining shape, copying each row out so ownership stays exclusive.
// Rows beyond n (padding) are dropped.
func SplitRows(t *tensor.Tensor, n int) ([]*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("%w: cannot split %v by rows", ErrBatch, shape)
	}
	if shape[0] < n {
		return nil, fmt.Errorf("%w: tensor has %d rows, need %d", ErrBatch, shape[0], n)
	}

	rowShape := tensor.Shape(shape[1:]).Clone()
	rowBytes := rowShape.NumElements() * t.DType().Size()

	rows := make([]*tensor.Tensor, 0, n)
	for i := 0; i < n; i++ {
		data := make([]byte, rowBytes)
		copy(data, t.Data()[i*rowBytes:(i+1)*rowBytes])
		row, err := tensor.FromBytes(data, rowShape, t.DType(), tensor.HostDevice)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBatch, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
