package main

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/percept-ml/percept/deploy"
)

// boxPalette cycles per class id when drawing detection outlines.
var boxPalette = []color.RGBA{
	{R: 0xe6, G: 0x19, B: 0x4b, A: 0xff},
	{R: 0x3c, G: 0xb4, B: 0x4b, A: 0xff},
	{R: 0x43, G: 0x63, B: 0xd8, A: 0xff},
	{R: 0xff, G: 0xe1, B: 0x19, A: 0xff},
	{R: 0xf5, G: 0x82, B: 0x31, A: 0xff},
	{R: 0x91, G: 0x1e, B: 0xb4, A: 0xff},
}

func stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func maskFileName(path string) string {
	return stem(path) + "_mask.png"
}

// writeVisualization renders the family-appropriate artifact next to
// results.json. Classification results have nothing to draw.
func writeVisualization(outDir, srcPath string, img image.Image, r *deploy.Result) error {
	switch {
	case len(r.Detections) > 0:
		out := filepath.Join(outDir, stem(srcPath)+"_vis.png")
		return writePNG(out, drawDetections(img, r.Detections))
	case r.LabelMap != nil:
		out := filepath.Join(outDir, maskFileName(srcPath))
		return writePNG(out, drawLabelMap(r))
	default:
		return nil
	}
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

// drawDetections copies the source image and outlines each box with a
// 2-pixel border in the class color.
func drawDetections(img image.Image, dets []deploy.Detection) image.Image {
	bounds := img.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, img, bounds.Min, draw.Src)

	for _, d := range dets {
		c := boxPalette[d.ClassID%len(boxPalette)]
		x1 := bounds.Min.X + int(d.Box.X1)
		y1 := bounds.Min.Y + int(d.Box.Y1)
		x2 := bounds.Min.X + int(d.Box.X2)
		y2 := bounds.Min.Y + int(d.Box.Y2)
		drawRect(canvas, x1, y1, x2, y2, c)
	}
	return canvas
}

func drawRect(canvas *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	const thickness = 2
	for t := 0; t < thickness; t++ {
		for x := x1; x <= x2; x++ {
			canvas.Set(x, y1+t, c)
			canvas.Set(x, y2-t, c)
		}
		for y := y1; y <= y2; y++ {
			canvas.Set(x1+t, y, c)
			canvas.Set(x2-t, y, c)
		}
	}
}

// drawLabelMap renders the [H, W] class-index tensor as a color image,
// class 0 staying black as the background convention.
func drawLabelMap(r *deploy.Result) image.Image {
	shape := r.LabelMap.Shape()
	h, w := shape[0], shape[1]
	labels := r.LabelMap.AsInt32()

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			cls := int(labels[y*w+x])
			if cls == 0 {
				continue
			}
			out.SetRGBA(x, y, boxPalette[cls%len(boxPalette)])
		}
	}
	return out
}
