package vision

import (
	"context"
	"fmt"
)

// Detection is one person-class detection returned by a Detector.
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
}

// DetectorConfig parameterizes a single Detect call.
type DetectorConfig struct {
	ConfidenceThreshold float64
	NMSThreshold        float64
	ClassID             int
}

// ExtractorConfig parameterizes feature extraction.
type ExtractorConfig struct {
	// Padding grows the crop by this fraction of the box size on each side.
	Padding float64
}

// Detector localizes persons in an encoded image. Implementations apply
// non-max suppression themselves and return person-class boxes only.
type Detector interface {
	Detect(ctx context.Context, img []byte, cfg DetectorConfig) ([]Detection, error)
}

// Extractor computes appearance descriptors for person crops. The dimension of
// returned vectors is constant for a given model.
type Extractor interface {
	ExtractFeatures(ctx context.Context, img []byte, box Box, cfg ExtractorConfig) (Vector, error)
	ExtractBatch(ctx context.Context, img []byte, boxes []Box, cfg ExtractorConfig) ([]Vector, error)
}

// Model families understood by the ONNX engines.
const (
	FamilyYOLOv8 = "yolov8"
	FamilyYOLOv5 = "yolov5"
	FamilyOSNet  = "osnet"
)

// ErrUnknownFamily is returned when an engine is requested for an unsupported model family.
type ErrUnknownFamily struct {
	Family string
}

func (e ErrUnknownFamily) Error() string {
	return fmt.Sprintf("unknown model family %q", e.Family)
}
