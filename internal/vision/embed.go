package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/reid/internal/observability"
)

// ErrEmptyCrop is returned when a box does not overlap the image.
var ErrEmptyCrop = errors.New("empty crop")

// OSNetExtractor extracts person appearance features using an OSNet ONNX model.
type OSNetExtractor struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputW       int
	inputH       int
	embDim       int
}

// NewOSNetExtractor loads the OSNet ONNX model for person re-identification.
func NewOSNetExtractor(modelPath string, opts *ort.SessionOptions) (*OSNetExtractor, error) {
	// OSNet x1_0 expects a 256x128 (HxW) crop
	inputW, inputH := 128, 256
	embDim := 512

	inputShape := ort.NewShape(1, 3, int64(inputH), int64(inputW))
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputShape := ort.NewShape(1, int64(embDim))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"},
		[]string{"output"},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		opts,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create extractor session: %w", err)
	}

	return &OSNetExtractor{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputW:       inputW,
		inputH:       inputH,
		embDim:       embDim,
	}, nil
}

// ExtractFeatures crops the box from the image and returns its normalized descriptor.
func (e *OSNetExtractor) ExtractFeatures(ctx context.Context, img []byte, box Box, cfg ExtractorConfig) (Vector, error) {
	decoded, err := DecodeImage(img)
	if err != nil {
		return nil, err
	}
	return e.extract(ctx, decoded, box, cfg)
}

// ExtractBatch decodes the image once and extracts a descriptor per box.
// A box that cannot be cropped yields a nil entry.
func (e *OSNetExtractor) ExtractBatch(ctx context.Context, img []byte, boxes []Box, cfg ExtractorConfig) ([]Vector, error) {
	decoded, err := DecodeImage(img)
	if err != nil {
		return nil, err
	}

	out := make([]Vector, len(boxes))
	for i, box := range boxes {
		v, err := e.extract(ctx, decoded, box, cfg)
		if errors.Is(err, ErrEmptyCrop) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("extract box %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (e *OSNetExtractor) extract(ctx context.Context, img image.Image, box Box, cfg ExtractorConfig) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	crop := Crop(img, box, cfg.Padding)
	if crop == nil {
		return nil, ErrEmptyCrop
	}

	start := time.Now()
	// ImageNet mean/std on [0,1] pixels
	input := imageToFloat32CHW(crop, e.inputW, e.inputH, 255,
		[3]float32{0.485, 0.456, 0.406}, [3]float32{0.229, 0.224, 0.225})

	e.mu.Lock()
	copy(e.inputTensor.GetData(), input)
	if err := e.session.Run(); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("run reid: %w", err)
	}
	embedding := make(Vector, e.embDim)
	copy(embedding, e.outputTensor.GetData())
	e.mu.Unlock()
	observability.InferenceDuration.WithLabelValues("reid").Observe(time.Since(start).Seconds())

	return embedding.Normalize(), nil
}

// EmbeddingDim returns the embedding vector dimension.
func (e *OSNetExtractor) EmbeddingDim() int {
	return e.embDim
}

func (e *OSNetExtractor) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}
