package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	xdraw "golang.org/x/image/draw"
)

// DecodeImage decodes JPEG bytes, falling back to any registered format.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}
	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes an image as JPEG with the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// ToRGBA copies img into a new RGBA image with origin at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Crop extracts the box region, grown by padding (fraction of box size) and
// clamped to the image. Returns nil when the clamped region is empty.
func Crop(img image.Image, box Box, padding float64) image.Image {
	bounds := img.Bounds()

	padW := int(float64(box.W) * padding)
	padH := int(float64(box.H) * padding)
	padded := Box{X: box.X - padW, Y: box.Y - padH, W: box.W + 2*padW, H: box.H + 2*padH}

	local := padded.Clamp(bounds.Dx(), bounds.Dy())
	if !local.Valid() {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, local.W, local.H))
	src := image.Pt(bounds.Min.X+local.X, bounds.Min.Y+local.Y)
	draw.Draw(crop, crop.Bounds(), img, src, draw.Src)
	return crop
}

// imageToFloat32CHW converts an image to CHW float32 format with normalization:
//
//	pixel = (pixel/scale - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, scale float32, mean, std [3]float32) []float32 {
	resized := resizeImage(img, targetW, targetH)
	w, h := targetW, targetH

	data := make([]float32, 3*h*w)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := resized.PixOffset(x, y)
			rf := float32(resized.Pix[off]) / scale
			gf := float32(resized.Pix[off+1]) / scale
			bf := float32(resized.Pix[off+2]) / scale

			idx := y*w + x
			data[0*h*w+idx] = (rf - mean[0]) / std[0]
			data[1*h*w+idx] = (gf - mean[1]) / std[1]
			data[2*h*w+idx] = (bf - mean[2]) / std[2]
		}
	}

	return data
}

// resizeImage scales img to the model input size with bilinear sampling.
func resizeImage(img image.Image, targetW, targetH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	if img.Bounds().Empty() {
		return dst
	}
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}
