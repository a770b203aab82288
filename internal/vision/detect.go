package vision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/reid/internal/observability"
)

// yoloClasses is the COCO class count used by the exported YOLO models.
const yoloClasses = 80

// YOLODetector runs a YOLO-family person detector using ONNX Runtime.
type YOLODetector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	family       string
	inputW       int
	inputH       int
	anchors      int
}

// NewYOLODetector loads a YOLOv8 or YOLOv5 ONNX export with a 640x640 input.
// opts may be nil (ORT defaults) or a pre-configured *ort.SessionOptions.
func NewYOLODetector(modelPath, family string, opts *ort.SessionOptions) (*YOLODetector, error) {
	inputW, inputH := 640, 640

	// yolov8: [1, 4+classes, 8400]   (channels first, no objectness)
	// yolov5: [1, 25200, 5+classes]  (rows, with objectness)
	var outputShape ort.Shape
	var anchors int
	switch family {
	case FamilyYOLOv8:
		anchors = 8400
		outputShape = ort.NewShape(1, 4+yoloClasses, int64(anchors))
	case FamilyYOLOv5:
		anchors = 25200
		outputShape = ort.NewShape(1, int64(anchors), 5+yoloClasses)
	default:
		return nil, ErrUnknownFamily{Family: family}
	}

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create detector session: %w", err)
	}

	return &YOLODetector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		family:       family,
		inputW:       inputW,
		inputH:       inputH,
		anchors:      anchors,
	}, nil
}

// Detect decodes the image, runs inference and returns person detections after NMS.
func (d *YOLODetector) Detect(ctx context.Context, img []byte, cfg DetectorConfig) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, err := DecodeImage(img)
	if err != nil {
		return nil, err
	}
	origW := decoded.Bounds().Dx()
	origH := decoded.Bounds().Dy()

	start := time.Now()
	input := imageToFloat32CHW(decoded, d.inputW, d.inputH, 255, [3]float32{0, 0, 0}, [3]float32{1, 1, 1})
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	start = time.Now()
	d.mu.Lock()
	copy(d.inputTensor.GetData(), input)
	if err := d.session.Run(); err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("run detection: %w", err)
	}
	output := make([]float32, len(d.outputTensor.GetData()))
	copy(output, d.outputTensor.GetData())
	d.mu.Unlock()
	observability.InferenceDuration.WithLabelValues("detect").Observe(time.Since(start).Seconds())

	scaleW := float32(origW) / float32(d.inputW)
	scaleH := float32(origH) / float32(d.inputH)

	var dets []Detection
	switch d.family {
	case FamilyYOLOv8:
		dets = decodeYOLOv8(output, d.anchors, cfg, scaleW, scaleH)
	case FamilyYOLOv5:
		dets = decodeYOLOv5(output, d.anchors, cfg, scaleW, scaleH)
	}

	for i := range dets {
		dets[i].Box = dets[i].Box.Clamp(origW, origH)
	}

	return nms(dets, cfg.NMSThreshold), nil
}

// decodeYOLOv8 reads a channels-first [4+classes, anchors] output.
func decodeYOLOv8(out []float32, anchors int, cfg DetectorConfig, scaleW, scaleH float32) []Detection {
	var dets []Detection
	for i := 0; i < anchors; i++ {
		score := out[(4+cfg.ClassID)*anchors+i]
		if float64(score) < cfg.ConfidenceThreshold {
			continue
		}
		cx := out[0*anchors+i]
		cy := out[1*anchors+i]
		w := out[2*anchors+i]
		h := out[3*anchors+i]
		dets = append(dets, Detection{
			Box:        BoxFromCorners((cx-w/2)*scaleW, (cy-h/2)*scaleH, (cx+w/2)*scaleW, (cy+h/2)*scaleH),
			Confidence: float64(score),
		})
	}
	return dets
}

// decodeYOLOv5 reads row-major [anchors, 5+classes] output with objectness.
func decodeYOLOv5(out []float32, anchors int, cfg DetectorConfig, scaleW, scaleH float32) []Detection {
	const stride = 5 + yoloClasses
	var dets []Detection
	for i := 0; i < anchors; i++ {
		row := out[i*stride : (i+1)*stride]
		score := row[4] * row[5+cfg.ClassID]
		if float64(score) < cfg.ConfidenceThreshold {
			continue
		}
		cx, cy, w, h := row[0], row[1], row[2], row[3]
		dets = append(dets, Detection{
			Box:        BoxFromCorners((cx-w/2)*scaleW, (cy-h/2)*scaleH, (cx+w/2)*scaleW, (cy+h/2)*scaleH),
			Confidence: float64(score),
		})
	}
	return dets
}

// InputSize returns the model's expected input dimensions.
func (d *YOLODetector) InputSize() (int, int) {
	return d.inputW, d.inputH
}

func (d *YOLODetector) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
}

// nms performs Non-Maximum Suppression on detections.
func nms(detections []Detection, iouThreshold float64) []Detection {
	if len(detections) == 0 {
		return detections
	}

	sort.Slice(detections, func(i, j int) bool {
		return detections[i].Confidence > detections[j].Confidence
	})

	keep := make([]bool, len(detections))
	for i := range keep {
		keep[i] = true
	}

	for i := 0; i < len(detections); i++ {
		if !keep[i] {
			continue
		}
		for j := i + 1; j < len(detections); j++ {
			if !keep[j] {
				continue
			}
			if detections[i].Box.IoU(detections[j].Box) > iouThreshold {
				keep[j] = false
			}
		}
	}

	var result []Detection
	for i, d := range detections {
		if keep[i] && d.Box.Valid() {
			result = append(result, d)
		}
	}
	return result
}
