package loader

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrInvalidModel reports a malformed model descriptor or weight container:
// unknown task family, inconsistent shape spec, bad framing.
var ErrInvalidModel = errors.New("invalid model")

// Family is the task family a model belongs to. It is fixed at load time and
// selects the preprocessing and postprocessing logic for the handle's lifetime.
type Family int

// Supported task families.
const (
	FamilyUnknown Family = iota
	FamilyDetection
	FamilySegmentation
	FamilyClassification
	FamilyComposite
)

// String returns the family name as it appears in model.yml.
func (f Family) String() string {
	switch f {
	case FamilyDetection:
		return "detection"
	case FamilySegmentation:
		return "segmentation"
	case FamilyClassification:
		return "classification"
	case FamilyComposite:
		return "composite"
	default:
		return "unknown"
	}
}

// ParseFamily maps a model.yml task tag to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "detection":
		return FamilyDetection, nil
	case "segmentation":
		return FamilySegmentation, nil
	case "classification":
		return FamilyClassification, nil
	case "composite", "paddlex":
		return FamilyComposite, nil
	default:
		return FamilyUnknown, fmt.Errorf("%w: unknown task family %q", ErrInvalidModel, s)
	}
}

// Transform is one declarative preprocessing step. Steps execute in the
// order they appear in the descriptor.
type Transform struct {
	Op string `yaml:"op"`

	// resize
	Width  int    `yaml:"width,omitempty"`
	Height int    `yaml:"height,omitempty"`
	Policy string `yaml:"policy,omitempty"` // stretch | letterbox

	// normalize
	Mean []float32 `yaml:"mean,omitempty,flow"`
	Std  []float32 `yaml:"std,omitempty,flow"`

	// pad
	Multiple int `yaml:"multiple,omitempty"`
}

// Postprocess carries the family-specific decode parameters.
type Postprocess struct {
	ScoreThreshold float32 `yaml:"score_threshold,omitempty"`
	IoUThreshold   float32 `yaml:"iou_threshold,omitempty"`
	TopK           int     `yaml:"top_k,omitempty"`
}

// Descriptor is the parsed model descriptor (model.yml). Immutable once
// loaded; owned by the engine handle that loaded it.
type Descriptor struct {
	Name   string `yaml:"model_name"`
	Task   string `yaml:"task"`
	Family Family `yaml:"-"`

	// Composite models wrap a concrete family whose pre/post logic they reuse.
	ModelType string `yaml:"model_type,omitempty"`
	Inner     Family `yaml:"-"`

	// InputShape is [N, C, H, W]; N == -1 means the batch dimension is
	// dynamic and the backend may choose it per call.
	InputShape []int `yaml:"input_shape,flow"`

	// Graph tensor names for backends that address tensors by name
	// (the accelerated runtime). Optional; backends apply defaults.
	InputName   string   `yaml:"input_name,omitempty"`
	OutputNames []string `yaml:"output_names,omitempty,flow"`

	Labels     []string    `yaml:"labels,omitempty"`
	Transforms []Transform `yaml:"transforms"`
	Post       Postprocess `yaml:"postprocess,omitempty"`

	// Encrypted marks the weight artifact as sealed; loading it then
	// requires a key.
	Encrypted bool `yaml:"encrypted,omitempty"`
}

// DynamicBatch reports whether the descriptor leaves the batch dimension open.
func (d *Descriptor) DynamicBatch() bool {
	return len(d.InputShape) > 0 && d.InputShape[0] == -1
}

// Effective returns the family whose pre/post logic applies: the inner family
// for composite models, the model's own family otherwise.
func (d *Descriptor) Effective() Family {
	if d.Family == FamilyComposite {
		return d.Inner
	}
	return d.Family
}

// Label returns the class name for an index, or a numeric fallback when the
// label list does not cover it.
func (d *Descriptor) Label(i int) string {
	if i >= 0 && i < len(d.Labels) {
		return d.Labels[i]
	}
	return fmt.Sprintf("class_%d", i)
}

// ParseDescriptor decodes and validates a model.yml document.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: parse descriptor: %v", ErrInvalidModel, err)
	}

	family, err := ParseFamily(d.Task)
	if err != nil {
		return nil, err
	}
	d.Family = family

	if family == FamilyComposite {
		inner, err := ParseFamily(d.ModelType)
		if err != nil {
			return nil, fmt.Errorf("%w: composite model_type: %v", ErrInvalidModel, err)
		}
		if inner == FamilyComposite {
			return nil, fmt.Errorf("%w: composite model_type must name a concrete family", ErrInvalidModel)
		}
		d.Inner = inner
	}

	if err := validateShape(d.InputShape); err != nil {
		return nil, err
	}
	for i, tr := range d.Transforms {
		if tr.Op == "" {
			return nil, fmt.Errorf("%w: transform %d has no op", ErrInvalidModel, i)
		}
	}
	return &d, nil
}

func validateShape(shape []int) error {
	if len(shape) != 4 {
		return fmt.Errorf("%w: input_shape must be [N,C,H,W], got %v", ErrInvalidModel, shape)
	}
	if shape[0] != -1 && shape[0] <= 0 {
		return fmt.Errorf("%w: batch dimension must be -1 (dynamic) or positive, got %d", ErrInvalidModel, shape[0])
	}
	for _, dim := range shape[1:] {
		if dim <= 0 {
			return fmt.Errorf("%w: non-batch dimensions must be positive in %v", ErrInvalidModel, shape)
		}
	}
	return nil
}
