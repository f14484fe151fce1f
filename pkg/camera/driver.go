package camera

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vladimirvivien/go4vl/v4l2"
)

var (
	// ErrDeviceUnavailable means the device never started or failed permanently.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrCaptureFailed means a single still capture failed at the hardware.
	ErrCaptureFailed = errors.New("capture failed")

	ErrStreamClosed = errors.New("device frame stream closed")
	ErrNotStarted   = errors.New("device not started")
)

type PixelFormat string

const (
	PixelFmtJPEG  PixelFormat = "jpeg"
	PixelFmtMJPEG PixelFormat = "mjpeg"
	PixelFmtRGB24 PixelFormat = "rgb24"
)

func (p PixelFormat) fourCC() (v4l2.FourCCType, error) {
	switch PixelFormat(strings.ToLower(string(p))) {
	case PixelFmtJPEG, "":
		return v4l2.PixelFmtJPEG, nil
	case PixelFmtMJPEG:
		return v4l2.PixelFmtMJPEG, nil
	case PixelFmtRGB24:
		return v4l2.PixelFmtRGB24, nil
	}
	return 0, fmt.Errorf("unsupported pixel format %q", string(p))
}

func (p PixelFormat) isRGB() bool {
	return strings.EqualFold(string(p), string(PixelFmtRGB24))
}

// Format is the resolution, pixel format and frame rate the device is configured with.
type Format struct {
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	FPS         int         `json:"fps"`
	PixelFormat PixelFormat `json:"pixelFormat"`
}

func (f Format) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", f.Width, f.Height)
	}
	if f.FPS < 0 {
		return fmt.Errorf("invalid frame rate %d", f.FPS)
	}
	_, err := f.PixelFormat.fourCC()
	return err
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%dfps(%s)", f.Width, f.Height, f.FPS, f.PixelFormat)
}

// Settings are V4L2 control values re-applied every time the device starts.
type Settings map[v4l2.CtrlID]v4l2.CtrlValue

// FrameSink receives every encoded frame. It must not block and takes
// ownership of the slice.
type FrameSink func(frame []byte)

// Driver is the hardware boundary. Calls may be slow and may fail; the
// Session serializes them.
type Driver interface {
	Configure(ctx context.Context, f Format) error
	Start(ctx context.Context) error
	Stop() error
	// CaptureStill writes one full image to path.
	CaptureStill(ctx context.Context, path string) error
	// Encode feeds frames to sink until ctx is done or the device fails.
	Encode(ctx context.Context, sink FrameSink) error
	Close() error
}
