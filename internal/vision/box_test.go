package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBoxFromCorners(t *testing.T) {
	b := BoxFromCorners(10.4, 20.6, 50.4, 80.6)
	assert.Equal(t, Box{X: 10, Y: 21, W: 40, H: 60}, b)
}

func TestBoxGeometry(t *testing.T) {
	b := Box{X: 0, Y: 0, W: 10, H: 20}
	assert.True(t, b.Valid())
	assert.False(t, Box{W: 0, H: 5}.Valid())
	assert.Equal(t, 200, b.Area())
	assert.InDelta(t, 0.5, b.AspectRatio(), 1e-9)
	assert.Zero(t, Box{W: 5}.AspectRatio())

	cx, cy := b.Center()
	assert.InDelta(t, 5.0, cx, 1e-9)
	assert.InDelta(t, 10.0, cy, 1e-9)

	assert.InDelta(t, 5.0, Box{W: 10, H: 10}.CenterDistance(Box{X: 3, Y: 4, W: 10, H: 10}), 1e-9)
	assert.InDelta(t, 0.5, Box{W: 10, H: 10}.SizeRatio(Box{W: 20, H: 10}), 1e-9)
	assert.Zero(t, Box{}.SizeRatio(Box{W: 1, H: 1}))
}

func TestIoU(t *testing.T) {
	a := Box{X: 0, Y: 0, W: 10, H: 10}
	assert.InDelta(t, 1.0, a.IoU(a), 1e-9)
	assert.InDelta(t, 1.0/3.0, a.IoU(Box{X: 5, Y: 0, W: 10, H: 10}), 1e-9)
	assert.Zero(t, a.IoU(Box{X: 20, Y: 20, W: 5, H: 5}))
	assert.Zero(t, Box{}.IoU(Box{}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, Box{X: 0, Y: 0, W: 10, H: 10}, Box{X: -5, Y: -5, W: 20, H: 20}.Clamp(10, 10))
	assert.Equal(t, Box{X: 2, Y: 3, W: 4, H: 5}, Box{X: 2, Y: 3, W: 4, H: 5}.Clamp(10, 10))
	assert.False(t, Box{X: 20, Y: 20, W: 5, H: 5}.Clamp(10, 10).Valid())
}
