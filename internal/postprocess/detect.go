package postprocess

import (
	"fmt"
	"sort"

	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
	"github.com/percept-ml/percept/internal/vision"
)

// Detection output layout: rows of 6 values
// (class_id, score, x1, y1, x2, y2) in model-input coordinates.
const detFields = 6

const (
	defaultScoreThreshold = 0.5
	defaultIoUThreshold   = 0.45
)

// decodeDetections thresholds, NMS-filters and projects raw detection rows
// back into source-image coordinates.
func decodeDetections(raw *tensor.Tensor, desc *loader.Descriptor, meta *vision.Meta) ([]Detection, error) {
	if raw.DType() != tensor.Float32 || raw.NumElements()%detFields != 0 {
		return nil, fmt.Errorf("%w: detection output must be float32 rows of %d, got %s %v",
			ErrPostprocess, detFields, raw.DType(), raw.Shape())
	}

	scoreThr := desc.Post.ScoreThreshold
	if scoreThr <= 0 {
		scoreThr = defaultScoreThreshold
	}
	iouThr := desc.Post.IoUThreshold
	if iouThr <= 0 {
		iouThr = defaultIoUThreshold
	}

	data := raw.AsFloat32()
	dets := make([]Detection, 0, len(data)/detFields)
	for i := 0; i+detFields <= len(data); i += detFields {
		classID := int(data[i])
		if classID < 0 {
			// Filler rows carry a negative class id.
			continue
		}
		score := data[i+1]
		if score < scoreThr {
			continue
		}
		box := Box{X1: data[i+2], Y1: data[i+3], X2: data[i+4], Y2: data[i+5]}
		if meta != nil {
			box = project(box, meta)
		}
		dets = append(dets, Detection{
			Box:     box,
			Score:   score,
			ClassID: classID,
			Label:   desc.Label(classID),
		})
	}
	return nms(dets, iouThr), nil
}

// project maps a box from model-input space back onto the source image.
func project(b Box, meta *vision.Meta) Box {
	return Box{
		X1: clamp((b.X1-float32(meta.PadX))/meta.ScaleX, 0, float32(meta.SrcWidth)),
		Y1: clamp((b.Y1-float32(meta.PadY))/meta.ScaleY, 0, float32(meta.SrcHeight)),
		X2: clamp((b.X2-float32(meta.PadX))/meta.ScaleX, 0, float32(meta.SrcWidth)),
		Y2: clamp((b.Y2-float32(meta.PadY))/meta.ScaleY, 0, float32(meta.SrcHeight)),
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// nms applies greedy per-class non-max suppression in descending score
// order. Ties keep the earlier-indexed box.
func nms(dets []Detection, iouThr float32) []Detection {
	order := make([]int, len(dets))
	for i := range order {
		order[i] = i
	}
	// Stable: equal scores preserve input order, so the earlier box wins.
	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Score > dets[order[b]].Score
	})

	kept := make([]Detection, 0, len(dets))
	suppressed := make([]bool, len(dets))
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		for _, j := range order {
			if j == i || suppressed[j] || dets[j].ClassID != dets[i].ClassID {
				continue
			}
			if iou(dets[i].Box, dets[j].Box) > iouThr {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b Box) float32 {
	ix := min(a.X2, b.X2) - max(a.X1, b.X1)
	iy := min(a.Y2, b.Y2) - max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	areaA := (a.X2 - a.X1) * (a.Y2 - a.Y1)
	areaB := (b.X2 - b.X1) * (b.Y2 - b.Y1)
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
