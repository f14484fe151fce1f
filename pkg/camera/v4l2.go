package camera

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"pi-camera-stream/pkg/utils/image"
)

const (
	DefaultDevice = "/dev/video0"
	DefaultFPS    = 24

	DefaultFilePerm = 0660
)

var StartedErr = errors.New("already started")

// V4L2 drives a camera through go4vl.
//
// The device is opened with its pixel format at Configure/Start time. A still
// capture at a different resolution stops the stream, reopens the device at
// the still format for one frame, then reopens it at the stream format. While
// that happens Encode keeps running and simply receives no frames.
type V4L2 struct {
	devName string
	ctx     context.Context
	still   Format
	quality int

	lock     sync.Mutex
	cancel   context.CancelFunc
	camera   *device.Device
	format   Format
	settings Settings

	// output is the frame channel of the running stream, nil while stopped.
	// changed is closed and replaced whenever output changes.
	output  <-chan []byte
	changed chan struct{}
	// paused is set while CaptureStill borrows the device.
	paused bool
}

type Option func(*V4L2)

// WithStillFormat sets the format used for still captures. By default stills
// are taken at the stream format.
func WithStillFormat(f Format) Option {
	return func(c *V4L2) {
		c.still = f
	}
}

func WithSettings(s Settings) Option {
	return func(c *V4L2) {
		c.settings = maps.Clone(s)
	}
}

// WithQuality sets the JPEG quality used when the device delivers raw RGB24.
func WithQuality(q int) Option {
	return func(c *V4L2) {
		c.quality = q
	}
}

// NewV4L2 returns a driver for devName. Streams live until Stop or until ctx is done.
func NewV4L2(ctx context.Context, devName string, opts ...Option) *V4L2 {
	c := &V4L2{
		ctx:      ctx,
		devName:  devName,
		quality:  image.DefaultQuality,
		settings: make(Settings),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *V4L2) Configure(ctx context.Context, f Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.output != nil {
		return StartedErr
	}
	if c.camera != nil {
		_ = c.camera.Close()
		c.camera = nil
	}
	logger.Infof("configure %s as %s", c.devName, f)
	if err := c.open(f, 2); err != nil {
		return err
	}
	c.format = f

	return nil
}

func (c *V4L2) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.output != nil {
		return StartedErr
	}
	if c.format == (Format{}) {
		return fmt.Errorf("start %s: %w", c.devName, ErrNotStarted)
	}
	out, err := c.start(c.format, 2)
	if err != nil {
		return err
	}
	c.setOutput(out)

	return nil
}

func (c *V4L2) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.setOutput(nil)
	c.paused = false

	return c.stop()
}

func (c *V4L2) Close() error {
	return c.Stop()
}

func (c *V4L2) Encode(ctx context.Context, sink FrameSink) error {
	src, changed, err := c.current()
	if err != nil {
		return err
	}
	if src == nil {
		return ErrNotStarted
	}
	width, height, rgb := c.frameGeometry()

	for {
		if src == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				if src, changed, err = c.current(); err != nil {
					return err
				}
				width, height, rgb = c.frameGeometry()
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			if src, changed, err = c.current(); err != nil {
				return err
			}
			width, height, rgb = c.frameGeometry()
		case frame, ok := <-src:
			if !ok {
				next, ch, err := c.current()
				if err != nil {
					return err
				}
				if next == src {
					return ErrStreamClosed
				}
				src, changed = next, ch
				continue
			}
			if len(frame) == 0 {
				continue
			}
			data, err := c.encode(frame, width, height, rgb)
			if err != nil {
				logger.Warnf("drop frame: %s", err)
				continue
			}
			sink(data)
		}
	}
}

func (c *V4L2) CaptureStill(ctx context.Context, path string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	still := c.still
	if still == (Format{}) {
		still = c.format
	}
	if still == (Format{}) {
		return ErrNotStarted
	}

	wasStreaming := c.output != nil
	if wasStreaming {
		c.paused = true
		c.setOutput(nil)
		_ = c.stop()
	} else if c.camera != nil {
		// configured but idle
		_ = c.camera.Close()
		c.camera = nil
	}

	frame, err := c.grab(ctx, still)
	if wasStreaming {
		if out, rerr := c.resume(); rerr != nil {
			logger.Errorf("failed to resume stream after capture: %s", rerr)
			c.paused = false
			c.setOutput(nil)
		} else {
			c.paused = false
			c.setOutput(out)
		}
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, frame, DefaultFilePerm)
}

// current returns the live stream channel. It fails once the stream has
// stopped for a reason other than a capture.
func (c *V4L2) current() (<-chan []byte, chan struct{}, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.output == nil && !c.paused {
		return nil, nil, ErrStreamClosed
	}
	return c.output, c.changed, nil
}

func (c *V4L2) frameGeometry() (width, height int, rgb bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.format.Width, c.format.Height, c.format.PixelFormat.isRGB()
}

// setOutput must be called with lock held.
func (c *V4L2) setOutput(out <-chan []byte) {
	c.output = out
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *V4L2) encode(frame []byte, width, height int, rgb bool) ([]byte, error) {
	if rgb {
		return image.RGBToJPEG(frame, width, height, c.quality)
	}
	return append([]byte(nil), frame...), nil
}

func (c *V4L2) open(f Format, buffers uint32) error {
	if c.camera != nil {
		return StartedErr
	}
	code, err := f.PixelFormat.fourCC()
	if err != nil {
		return err
	}
	opts := []device.Option{
		device.WithBufferSize(buffers),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: code,
			Width:       uint32(f.Width),
			Height:      uint32(f.Height),
			Field:       v4l2.FieldNone,
		}),
	}
	if f.FPS > 0 {
		opts = append(opts, device.WithFPS(uint32(f.FPS)))
	}
	camera, err := device.Open(c.devName, opts...)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.devName, err)
	}
	c.camera = camera

	return nil
}

func (c *V4L2) start(f Format, buffers uint32) (<-chan []byte, error) {
	logger.Infof("start camera in %s", f)
	if c.camera == nil {
		if err := c.open(f, buffers); err != nil {
			return nil, err
		}
	}

	newCtx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	if err := c.camera.Start(newCtx); err != nil {
		cancel()
		c.cancel = nil
		_ = c.camera.Close()
		c.camera = nil
		return nil, err
	}

	c.applySettings()

	return c.camera.GetOutput(), nil
}

func (c *V4L2) stop() error {
	if c.cancel != nil {
		// let the go4vl stream goroutine observe ctx.Done and stop the device
		// before Close runs
		c.cancel()
		time.Sleep(100 * time.Millisecond)
		c.cancel = nil
	}
	if c.camera != nil {
		err := c.camera.Close()
		c.camera = nil
		return err
	}
	return nil
}

// grab takes a single frame at f and leaves the device closed.
func (c *V4L2) grab(ctx context.Context, f Format) ([]byte, error) {
	frames, err := c.start(f, 1)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.stop() }()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return nil, errors.New("capture stream closed")
			}
			if len(frame) == 0 {
				continue
			}
			return c.encode(frame, f.Width, f.Height, f.PixelFormat.isRGB())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// resume restarts the stream after a capture; drivers report EBUSY for a
// short while after the previous fd is closed.
func (c *V4L2) resume() (<-chan []byte, error) {
	time.Sleep(50 * time.Millisecond)
	var (
		out <-chan []byte
		err error
	)
	for i := 0; i < 5; i++ {
		out, err = c.start(c.format, 2)
		if err == nil {
			return out, nil
		}
		if !isBusyErr(err) {
			break
		}
		logger.Warnf("failed to resume stream will retry %d/5: %v", i+1, err)
		time.Sleep(150 * time.Millisecond)
	}
	return nil, err
}

func (c *V4L2) applySettings() {
	if c.camera == nil {
		return
	}
	for k, v := range c.settings {
		if err := c.camera.SetControlValue(k, v); err != nil {
			logger.Warnf("set ctrl(%d) to %d, err: %s", k, v, err)
		}
	}
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "busy") || strings.Contains(s, "ebusy")
}
