// Package vision converts raw images into backend-ready tensors by running
// the descriptor's declarative transform pipeline. Every step is a pure
// function: identical input and pipeline always produce bit-identical output.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for the formats model packages ship samples in
	_ "image/png"
	"math"

	xdraw "golang.org/x/image/draw"

	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
)

// ErrPreprocess reports an undecodable input or a pipeline the input cannot
// satisfy.
var ErrPreprocess = errors.New("preprocess failed")

// Meta records how preprocessing mapped the source image into model space,
// so detection boxes can be projected back onto the original.
type Meta struct {
	SrcWidth  int
	SrcHeight int

	// ScaleX/ScaleY map source pixels to model-input pixels.
	ScaleX float32
	ScaleY float32

	// PadX/PadY are the letterbox/alignment offsets of the image content
	// inside the model input.
	PadX int
	PadY int
}

// DecodeBytes decodes an encoded image (jpeg or png).
func DecodeBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrPreprocess, err)
	}
	return img, nil
}

// Run executes the transform pipeline over one image and returns a CHW
// float32 tensor of shape [C, H, W] plus the coordinate-mapping metadata.
// Steps execute strictly in their declared order: a pad after normalize
// fills zeros, a pad before normalize gets normalized like any pixel.
func Run(img image.Image, transforms []loader.Transform) (*tensor.Tensor, *Meta, error) {
	if img == nil {
		return nil, nil, fmt.Errorf("%w: nil image", ErrPreprocess)
	}
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, nil, fmt.Errorf("%w: empty image", ErrPreprocess)
	}

	f := newFrame(img)
	meta := &Meta{
		SrcWidth:  bounds.Dx(),
		SrcHeight: bounds.Dy(),
		ScaleX:    1,
		ScaleY:    1,
	}

	for i, tr := range transforms {
		switch tr.Op {
		case "resize":
			if tr.Width <= 0 || tr.Height <= 0 {
				return nil, nil, fmt.Errorf("%w: resize step %d needs positive width/height", ErrPreprocess, i)
			}
			switch tr.Policy {
			case "", "stretch":
				f.stretch(tr.Width, tr.Height, meta)
			case "letterbox":
				f.letterbox(tr.Width, tr.Height, meta)
			default:
				return nil, nil, fmt.Errorf("%w: resize step %d: unknown policy %q", ErrPreprocess, i, tr.Policy)
			}

		case "normalize":
			if len(tr.Mean) != 3 || len(tr.Std) != 3 {
				return nil, nil, fmt.Errorf("%w: normalize step %d needs 3-channel mean and std", ErrPreprocess, i)
			}
			for _, s := range tr.Std {
				if s == 0 {
					return nil, nil, fmt.Errorf("%w: normalize step %d has zero std", ErrPreprocess, i)
				}
			}
			f.normalize(tr.Mean, tr.Std)

		case "pad":
			if tr.Multiple <= 0 {
				return nil, nil, fmt.Errorf("%w: pad step %d needs a positive multiple", ErrPreprocess, i)
			}
			f.padToMultiple(tr.Multiple)

		case "permute":
			// Channel-order flip to CHW happens at tensor conversion; the
			// step is accepted here so pipelines stay declarative.

		default:
			return nil, nil, fmt.Errorf("%w: unknown transform %q at step %d", ErrPreprocess, tr.Op, i)
		}
	}

	out, err := f.toCHW()
	if err != nil {
		return nil, nil, err
	}
	return out, meta, nil
}

// frame is the pipeline's working image. Geometry steps run on the 8-bit
// frame through the x/image scalers until normalize moves values out of
// [0,1]; from then on every step operates on the interleaved float planes.
type frame struct {
	rgba *image.RGBA
	pix  []float32 // HWC, 3 channels, valid once rgba is nil
	w, h int
}

func newFrame(img image.Image) *frame {
	rgba := toRGBA(img)
	b := rgba.Bounds()
	return &frame{rgba: rgba, w: b.Dx(), h: b.Dy()}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, bounds.Min, xdraw.Src)
	return dst
}

// toFloat converts the 8-bit frame into [0,1] float planes. Idempotent.
func (f *frame) toFloat() {
	if f.rgba == nil {
		return
	}
	pix := make([]float32, f.w*f.h*3)
	for y := 0; y < f.h; y++ {
		row := f.rgba.Pix[y*f.rgba.Stride : y*f.rgba.Stride+f.w*4]
		for x := 0; x < f.w; x++ {
			pix[(y*f.w+x)*3] = float32(row[x*4]) / 255
			pix[(y*f.w+x)*3+1] = float32(row[x*4+1]) / 255
			pix[(y*f.w+x)*3+2] = float32(row[x*4+2]) / 255
		}
	}
	f.pix = pix
	f.rgba = nil
}

// normalize applies (x - mean) / std per channel at this pipeline position.
func (f *frame) normalize(mean, std []float32) {
	f.toFloat()
	for i := 0; i < len(f.pix); i += 3 {
		f.pix[i] = (f.pix[i] - mean[0]) / std[0]
		f.pix[i+1] = (f.pix[i+1] - mean[1]) / std[1]
		f.pix[i+2] = (f.pix[i+2] - mean[2]) / std[2]
	}
}

func (f *frame) stretch(width, height int, meta *Meta) {
	meta.ScaleX *= float32(width) / float32(f.w)
	meta.ScaleY *= float32(height) / float32(f.h)

	if f.rgba != nil {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		xdraw.BiLinear.Scale(dst, dst.Bounds(), f.rgba, f.rgba.Bounds(), xdraw.Src, nil)
		f.rgba = dst
	} else {
		f.pix = bilinearResize(f.pix, f.w, f.h, width, height)
	}
	f.w, f.h = width, height
}

// letterbox scales the image to fit while preserving aspect ratio and pads
// the remainder, keeping the content top-left.
func (f *frame) letterbox(width, height int, meta *Meta) {
	scale := min(float32(width)/float32(f.w), float32(height)/float32(f.h))
	fitW := max(int(float32(f.w)*scale), 1)
	fitH := max(int(float32(f.h)*scale), 1)
	meta.ScaleX *= float32(fitW) / float32(f.w)
	meta.ScaleY *= float32(fitH) / float32(f.h)

	if f.rgba != nil {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		xdraw.BiLinear.Scale(dst, image.Rect(0, 0, fitW, fitH), f.rgba, f.rgba.Bounds(), xdraw.Src, nil)
		f.rgba = dst
	} else {
		fitted := bilinearResize(f.pix, f.w, f.h, fitW, fitH)
		dst := make([]float32, width*height*3)
		for y := 0; y < fitH; y++ {
			copy(dst[y*width*3:y*width*3+fitW*3], fitted[y*fitW*3:(y+1)*fitW*3])
		}
		f.pix = dst
	}
	f.w, f.h = width, height
}

// padToMultiple grows the canvas bottom-right so both sides align to m. In
// the float domain (after normalize) the fill stays exactly zero.
func (f *frame) padToMultiple(m int) {
	pw, ph := alignUp(f.w, m), alignUp(f.h, m)
	if pw == f.w && ph == f.h {
		return
	}

	if f.rgba != nil {
		dst := image.NewRGBA(image.Rect(0, 0, pw, ph))
		xdraw.Draw(dst, f.rgba.Bounds(), f.rgba, image.Point{}, xdraw.Src)
		f.rgba = dst
	} else {
		dst := make([]float32, pw*ph*3)
		for y := 0; y < f.h; y++ {
			copy(dst[y*pw*3:y*pw*3+f.w*3], f.pix[y*f.w*3:(y+1)*f.w*3])
		}
		f.pix = dst
	}
	f.w, f.h = pw, ph
}

func alignUp(v, m int) int {
	return (v + m - 1) / m * m
}

// toCHW packs the float planes into a [3, H, W] tensor. No value transform
// happens here; normalize already ran at its pipeline position.
func (f *frame) toCHW() (*tensor.Tensor, error) {
	f.toFloat()
	out, err := tensor.New(tensor.Shape{3, f.h, f.w}, tensor.Float32, tensor.HostDevice)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPreprocess, err)
	}

	data := out.AsFloat32()
	plane := f.w * f.h
	for p := 0; p < plane; p++ {
		data[p] = f.pix[p*3]
		data[plane+p] = f.pix[p*3+1]
		data[2*plane+p] = f.pix[p*3+2]
	}
	return out, nil
}

// bilinearResize samples an HWC 3-channel buffer into dw x dh. Only used
// when a resize follows normalize: the x/image scalers need an 8-bit frame
// and normalized values no longer fit one.
func bilinearResize(src []float32, sw, sh, dw, dh int) []float32 {
	dst := make([]float32, dw*dh*3)
	sx := float32(sw) / float32(dw)
	sy := float32(sh) / float32(dh)

	for y := 0; y < dh; y++ {
		fy := (float32(y)+0.5)*sy - 0.5
		y0 := int(math.Floor(float64(fy)))
		ty := fy - float32(y0)
		y1 := clampInt(y0+1, 0, sh-1)
		y0 = clampInt(y0, 0, sh-1)

		for x := 0; x < dw; x++ {
			fx := (float32(x)+0.5)*sx - 0.5
			x0 := int(math.Floor(float64(fx)))
			tx := fx - float32(x0)
			x1 := clampInt(x0+1, 0, sw-1)
			x0 = clampInt(x0, 0, sw-1)

			for c := 0; c < 3; c++ {
				top := src[(y0*sw+x0)*3+c]*(1-tx) + src[(y0*sw+x1)*3+c]*tx
				bot := src[(y1*sw+x0)*3+c]*(1-tx) + src[(y1*sw+x1)*3+c]*tx
				dst[(y*dw+x)*3+c] = top*(1-ty) + bot*ty
			}
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
