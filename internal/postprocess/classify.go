package postprocess

import (
	"fmt"
	"sort"

	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

const defaultTopK = 5

// decodeClassification ranks class scores and keeps the top K. Ties break
// by ascending label index, so rankings are stable across runs.
func decodeClassification(raw *tensor.Tensor, desc *loader.Descriptor) ([]ClassScore, error) {
	if raw.DType() != tensor.Float32 {
		return nil, fmt.Errorf("%w: classification output must be float32, got %s",
			ErrPostprocess, raw.DType())
	}
	shape := raw.Shape()
	if len(shape) > 2 || (len(shape) == 2 && shape[0] != 1) {
		return nil, fmt.Errorf("%w: classification output must be a score vector, got %v",
			ErrPostprocess, shape)
	}

	scores := raw.AsFloat32()
	k := desc.Post.TopK
	if k <= 0 {
		k = defaultTopK
	}
	if k > len(scores) {
		k = len(scores)
	}

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if scores[order[a]] != scores[order[b]] {
			return scores[order[a]] > scores[order[b]]
		}
		return order[a] < order[b]
	})

	top := make([]ClassScore, 0, k)
	for _, idx := range order[:k] {
		top = append(top, ClassScore{
			Index: idx,
			Label: desc.Label(idx),
			Score: scores[idx],
		})
	}
	return top, nil
}
