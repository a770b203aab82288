package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNMS(t *testing.T) {
	dets := []Detection{
		{Box: Box{X: 1, Y: 1, W: 10, H: 10}, Confidence: 0.8},
		{Box: Box{X: 50, Y: 50, W: 10, H: 10}, Confidence: 0.7},
		{Box: Box{X: 0, Y: 0, W: 10, H: 10}, Confidence: 0.9},
		{Box: Box{X: 90, Y: 90, W: 0, H: 10}, Confidence: 0.95},
	}

	kept := nms(dets, 0.5)
	require.Len(t, kept, 2)
	assert.Equal(t, Box{X: 0, Y: 0, W: 10, H: 10}, kept[0].Box)
	assert.Equal(t, Box{X: 50, Y: 50, W: 10, H: 10}, kept[1].Box)

	assert.Empty(t, nms(nil, 0.5))
}

func TestDecodeYOLOv8(t *testing.T) {
	const anchors = 2
	out := make([]float32, (4+yoloClasses)*anchors)
	out[0*anchors] = 50 // cx
	out[1*anchors] = 50 // cy
	out[2*anchors] = 20 // w
	out[3*anchors] = 40 // h
	out[4*anchors] = 0.9
	out[4*anchors+1] = 0.1

	cfg := DetectorConfig{ConfidenceThreshold: 0.5}
	dets := decodeYOLOv8(out, anchors, cfg, 1, 1)
	require.Len(t, dets, 1)
	assert.Equal(t, Box{X: 40, Y: 30, W: 20, H: 40}, dets[0].Box)
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)

	scaled := decodeYOLOv8(out, anchors, cfg, 2, 2)
	require.Len(t, scaled, 1)
	assert.Equal(t, Box{X: 80, Y: 60, W: 40, H: 80}, scaled[0].Box)
}

func TestDecodeYOLOv5(t *testing.T) {
	const stride = 5 + yoloClasses
	out := make([]float32, stride*2)
	copy(out[0:5], []float32{50, 50, 20, 40, 0.9})
	out[5] = 1.0 // person
	copy(out[stride:stride+5], []float32{10, 10, 4, 4, 0.3})
	out[stride+5] = 1.0

	dets := decodeYOLOv5(out, 2, DetectorConfig{ConfidenceThreshold: 0.5}, 1, 1)
	require.Len(t, dets, 1)
	assert.Equal(t, Box{X: 40, Y: 30, W: 20, H: 40}, dets[0].Box)
}
