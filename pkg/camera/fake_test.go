package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDriver records hardware calls and flags any two that overlap.
type fakeDriver struct {
	configureDelay time.Duration
	startDelay     time.Duration
	captureDelay   time.Duration
	startErr       error
	captureErr     error

	frames    chan []byte
	encodeErr chan error

	configureCalls atomic.Int32
	startCalls     atomic.Int32
	stopCalls      atomic.Int32
	captureCalls   atomic.Int32
	closeCalls     atomic.Int32

	active   atomic.Int32
	overlaps atomic.Int32

	mu       sync.Mutex
	captured []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		frames:    make(chan []byte),
		encodeErr: make(chan error, 1),
	}
}

func (f *fakeDriver) enter() func() {
	if f.active.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	return func() { f.active.Add(-1) }
}

// Configure and Start give up with ctx.Err() like the V4L2 driver does.
func (f *fakeDriver) Configure(ctx context.Context, _ Format) error {
	defer f.enter()()
	f.configureCalls.Add(1)
	return sleepCtx(ctx, f.configureDelay)
}

func (f *fakeDriver) Start(ctx context.Context) error {
	defer f.enter()()
	f.startCalls.Add(1)
	if err := sleepCtx(ctx, f.startDelay); err != nil {
		return err
	}
	return f.startErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (f *fakeDriver) Stop() error {
	f.stopCalls.Add(1)
	return nil
}

func (f *fakeDriver) CaptureStill(ctx context.Context, path string) error {
	defer f.enter()()
	f.captureCalls.Add(1)
	select {
	case <-time.After(f.captureDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.captureErr != nil {
		return f.captureErr
	}
	f.mu.Lock()
	f.captured = append(f.captured, path)
	f.mu.Unlock()
	return os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xd9}, DefaultFilePerm)
}

func (f *fakeDriver) Encode(ctx context.Context, sink FrameSink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-f.frames:
			sink(b)
		case err := <-f.encodeErr:
			return err
		}
	}
}

func (f *fakeDriver) Close() error {
	f.closeCalls.Add(1)
	return nil
}

type dirPaths string

func (d dirPaths) NewPhotoPath(t time.Time) (string, string) {
	name := "photo_" + t.Format("20060102_150405") + ".jpg"
	return name, filepath.Join(string(d), name)
}

// tickClock advances one second per call.
func tickClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type recordingListener struct {
	mu          sync.Mutex
	photos      []string
	interrupted []error
}

func (l *recordingListener) PhotoCaptured(name, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.photos = append(l.photos, name)
}

func (l *recordingListener) StreamInterrupted(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.interrupted = append(l.interrupted, err)
}

var testFormat = Format{Width: 640, Height: 480, FPS: 24, PixelFormat: PixelFmtJPEG}

func newTestSession(t *testing.T, d *fakeDriver, opts ...SessionOption) *Session {
	t.Helper()
	opts = append([]SessionOption{WithClock(tickClock())}, opts...)
	s := NewSession(d, testFormat, dirPaths(t.TempDir()), opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var errHardware = errors.New("hardware error")
