package live

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/your-org/reid/internal/events"
	"github.com/your-org/reid/internal/vision"
)

var (
	colorConfirmed   = color.RGBA{0, 200, 0, 255}
	colorPending     = color.RGBA{255, 200, 0, 255}
	colorProvisional = color.RGBA{160, 160, 160, 255}
	colorText        = color.RGBA{255, 255, 255, 255}
	colorBackdrop    = color.RGBA{0, 0, 0, 160}
)

const boxThickness = 2

// overlay is the status line drawn in the top-left corner.
type overlay struct {
	CameraID string
	State    events.StreamState
	Current  int
	Unique   int
}

// annotateFrame decodes a JPEG, draws person boxes and the status overlay,
// and re-encodes it.
func annotateFrame(frame []byte, persons []TrackedPerson, ov overlay, quality int) ([]byte, error) {
	img, err := vision.DecodeImage(frame)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	rgba := vision.ToRGBA(img)

	for _, p := range persons {
		c := colorPending
		switch {
		case p.Provisional:
			c = colorProvisional
		case p.Confirmed:
			c = colorConfirmed
		}
		rect := p.Box.Rect().Intersect(rgba.Bounds())
		drawRect(rgba, rect, c, boxThickness)
		drawLabel(rgba, rect.Min.X, rect.Min.Y, personLabel(p), c)
	}

	status := fmt.Sprintf("%s [%s] persons: %d unique: %d", ov.CameraID, ov.State, ov.Current, ov.Unique)
	drawLabel(rgba, 4, 4+basicfont.Face7x13.Height, status, colorBackdrop)

	out, err := vision.EncodeJPEG(rgba, quality)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return out, nil
}

func personLabel(p TrackedPerson) string {
	id := p.Identity
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("#%d %s %.0f%%", p.TrackID, id, p.Confidence*100)
}

// drawRect draws an unfilled rectangle of the given thickness.
func drawRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawLabel draws text on a filled background whose bottom-left corner is (x, y).
func drawLabel(img *image.RGBA, x, y int, text string, bg color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(colorText),
		Face: face,
	}
	w := d.MeasureString(text).Ceil()
	h := face.Height

	if y-h < 0 {
		y = h
	}
	bgRect := image.Rect(x, y-h, x+w+4, y).Intersect(img.Bounds())
	draw.Draw(img, bgRect, image.NewUniform(bg), image.Point{}, draw.Over)

	d.Dot = fixed.Point26_6{
		X: fixed.I(x + 2),
		Y: fixed.I(y - face.Descent),
	}
	d.DrawString(text)
}
