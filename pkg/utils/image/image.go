package image

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

const DefaultQuality = 90

// RGB is a packed 24-bit image backed directly by a V4L2 RGB24 buffer.
type RGB struct {
	// Pix holds the image's pixels, in R, G, B order. The pixel at
	// (x, y) starts at Pix[(y-Rect.Min.Y)*Stride + (x-Rect.Min.X)*3].
	Pix []byte
	// Stride is the Pix stride (in bytes) between vertically adjacent pixels.
	Stride int
	Rect   image.Rectangle
}

func (p *RGB) ColorModel() color.Model { return color.RGBAModel }

func (p *RGB) Bounds() image.Rectangle { return p.Rect }

func (p *RGB) At(x, y int) color.Color {
	if !(image.Point{X: x, Y: y}.In(p.Rect)) {
		return color.RGBA{}
	}
	i := (y-p.Rect.Min.Y)*p.Stride + (x-p.Rect.Min.X)*3
	s := p.Pix[i : i+3 : i+3] // Small cap improves performance, see https://golang.org/issue/27857
	return color.RGBA{R: s[0], G: s[1], B: s[2], A: 0xff}
}

// NewRGB wraps data without copying. Drivers may pad rows, so the stride is
// derived from the buffer length.
func NewRGB(data []byte, width, height int) *RGB {
	return &RGB{
		Pix:    data,
		Stride: len(data) / height,
		Rect:   image.Rect(0, 0, width, height),
	}
}

func EncodeJPEG(img image.Image, dst io.Writer, quality int) error {
	return jpeg.Encode(dst, img, &jpeg.Options{Quality: quality})
}

// RGBToJPEG encodes a raw RGB24 frame.
func RGBToJPEG(data []byte, width, height, quality int) ([]byte, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := EncodeJPEG(NewRGB(data, width, height), &buf, quality); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// IsJPEG reports whether data starts with a JPEG SOI marker.
func IsJPEG(data []byte) bool {
	return len(data) > 2 && data[0] == 0xff && data[1] == 0xd8
}
