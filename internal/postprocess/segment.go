package postprocess

import (
	"fmt"

	"github.com/percept-ml/percept/internal/tensor"
	"github.com/percept-ml/percept/internal/vision"
)

// decodeSegmentation reduces a [C, H, W] class-probability tensor to a
// [H, W] int32 label map via per-pixel argmax, then resizes the label map
// back to the source resolution with nearest-neighbor sampling when the
// preprocessing geometry is known.
func decodeSegmentation(raw *tensor.Tensor, meta *vision.Meta) (*tensor.Tensor, error) {
	shape := raw.Shape()
	if raw.DType() != tensor.Float32 || len(shape) != 3 {
		return nil, fmt.Errorf("%w: segmentation output must be float32 [C,H,W], got %s %v",
			ErrPostprocess, raw.DType(), shape)
	}

	c, h, w := shape[0], shape[1], shape[2]
	labels, err := tensor.New(tensor.Shape{h, w}, tensor.Int32, tensor.HostDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPostprocess, err)
	}

	src := raw.AsFloat32()
	dst := labels.AsInt32()
	plane := h * w
	for p := 0; p < plane; p++ {
		best, bestIdx := src[p], 0
		for ch := 1; ch < c; ch++ {
			if v := src[ch*plane+p]; v > best {
				best, bestIdx = v, ch
			}
		}
		dst[p] = int32(bestIdx)
	}

	if meta == nil || (meta.SrcWidth == w && meta.SrcHeight == h) {
		return labels, nil
	}
	return resizeLabelsNearest(labels, meta)
}

// resizeLabelsNearest maps the label map back onto the source image,
// undoing preprocessing scale and padding. Label maps must use nearest
// neighbor: interpolating class indices would invent classes.
func resizeLabelsNearest(labels *tensor.Tensor, meta *vision.Meta) (*tensor.Tensor, error) {
	shape := labels.Shape()
	h, w := shape[0], shape[1]

	out, err := tensor.New(tensor.Shape{meta.SrcHeight, meta.SrcWidth}, tensor.Int32, tensor.HostDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPostprocess, err)
	}

	src := labels.AsInt32()
	dst := out.AsInt32()
	for y := 0; y < meta.SrcHeight; y++ {
		sy := int(float32(y)*meta.ScaleY) + meta.PadY
		if sy >= h {
			sy = h - 1
		}
		for x := 0; x < meta.SrcWidth; x++ {
			sx := int(float32(x)*meta.ScaleX) + meta.PadX
			if sx >= w {
				sx = w - 1
			}
			dst[y*meta.SrcWidth+x] = src[sy*w+sx]
		}
	}
	return out, nil
}
