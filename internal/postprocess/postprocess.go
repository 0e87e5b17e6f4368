// Package postprocess decodes raw backend output tensors into structured,
// task-family-specific results. The family is fixed at model load time;
// composite models delegate to their inner family's decode logic.
package postprocess

import (
	"errors"
	"fmt"

	"github.com/percept-ml/percept/internal/loader"
	"github.com/percept-ml/percept/internal/tensor"
	"github.com/percept-ml/percept/internal/vision"
)

// ErrPostprocess reports output tensors that do not match the layout the
// model's task family produces.
var ErrPostprocess = errors.New("postprocess failed")

// Box is an axis-aligned box in source-image coordinates.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// Detection is one decoded detection result.
type Detection struct {
	Box     Box
	Score   float32
	ClassID int
	Label   string
}

// ClassScore is one entry of a classification top-K ranking.
type ClassScore struct {
	Index int
	Label string
	Score float32
}

// Result is the structured output for one input item.
type Result struct {
	// InputIndex is the position of the originating input; set by the caller
	// aggregating batch results.
	InputIndex int

	Family loader.Family

	Detections []Detection    // detection (and composite-of-detection)
	LabelMap   *tensor.Tensor // segmentation: [H, W] int32 class indices
	Classes    []ClassScore   // classification top-K
}

// Run decodes the raw output tensors of one input item. meta carries the
// preprocessing geometry so detection boxes map back to source coordinates;
// it may be nil for families that do not need it.
func Run(raw []*tensor.Tensor, desc *loader.Descriptor, meta *vision.Meta) (*Result, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no output tensors", ErrPostprocess)
	}

	res := &Result{Family: desc.Family}
	var err error
	switch desc.Effective() {
	case loader.FamilyDetection:
		res.Detections, err = decodeDetections(raw[0], desc, meta)
	case loader.FamilySegmentation:
		res.LabelMap, err = decodeSegmentation(raw[0], meta)
	case loader.FamilyClassification:
		res.Classes, err = decodeClassification(raw[0], desc)
	default:
		err = fmt.Errorf("%w: family %s has no decoder", ErrPostprocess, desc.Effective())
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
