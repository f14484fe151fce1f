package camera

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"pi-camera-stream/pkg/broadcast"
)

const (
	DefaultCaptureTimeout = 10 * time.Second
	DefaultStartTimeout   = 10 * time.Second
)

type State int32

const (
	StateUninitialized State = iota
	StateConfigured
	StateStreaming
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// PathMaker names the file a still taken at t is written to.
type PathMaker interface {
	NewPhotoPath(t time.Time) (name, path string)
}

// Listener is told about captures and producer failures. Calls are made
// synchronously and must return quickly.
type Listener interface {
	PhotoCaptured(name, path string)
	StreamInterrupted(err error)
}

// Session owns the device. It starts the driver on first demand, runs the
// single producer that feeds the broadcaster, and serializes still captures
// against the start sequence through the Arbiter.
type Session struct {
	driver         Driver
	format         Format
	paths          PathMaker
	frames         *broadcast.Broadcaster
	gate           *Arbiter
	now            func() time.Time
	captureTimeout time.Duration
	startTimeout   time.Duration
	listeners      []Listener

	state atomic.Int32
	// mu serializes start, producer teardown and Close.
	mu    sync.Mutex
	cause error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type SessionOption func(*Session)

func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// WithCaptureTimeout bounds how long a still capture waits for the device,
// gate included.
func WithCaptureTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.captureTimeout = d
	}
}

// WithStartTimeout bounds the configure and start sequence. Running out of
// time there counts as a hardware failure.
func WithStartTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		s.startTimeout = d
	}
}

func WithListener(l Listener) SessionOption {
	return func(s *Session) {
		s.listeners = append(s.listeners, l)
	}
}

func WithArbiter(a *Arbiter) SessionOption {
	return func(s *Session) {
		s.gate = a
	}
}

func NewSession(driver Driver, format Format, paths PathMaker, opts ...SessionOption) *Session {
	s := &Session{
		driver:         driver,
		format:         format,
		paths:          paths,
		frames:         broadcast.New(),
		gate:           NewArbiter(),
		now:            time.Now,
		captureTimeout: DefaultCaptureTimeout,
		startTimeout:   DefaultStartTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Frames() *broadcast.Broadcaster {
	return s.frames
}

func (s *Session) Format() Format {
	return s.format
}

// Cause returns the error that moved the session to StateFailed.
func (s *Session) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// EnsureStarted configures and starts the device once. Concurrent callers
// wait for the first one and share its result. A failed start is terminal.
//
// ctx only bounds the wait for the device. The start sequence itself runs on
// the session's context, so a caller that goes away mid-start does not abort
// it for everyone else.
func (s *Session) EnsureStarted(ctx context.Context) error {
	if done, err := s.checkStarted(); done {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if done, err := s.checkStarted(); done {
		return err
	}

	attempted := false
	err := s.gate.WithExclusiveDeviceAccess(ctx, func() error {
		attempted = true
		startCtx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
		defer cancel()
		if err := s.driver.Configure(startCtx, s.format); err != nil {
			return fmt.Errorf("configure %s: %w", s.format, err)
		}
		s.state.Store(int32(StateConfigured))
		if err := s.driver.Start(startCtx); err != nil {
			_ = s.driver.Stop()
			return fmt.Errorf("start: %w", err)
		}
		return nil
	})
	if err != nil {
		if !attempted || s.ctx.Err() != nil {
			// never reached the device, or the session is closing
			s.state.CompareAndSwap(int32(StateConfigured), int32(StateUninitialized))
			return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		logger.Errorf("device start failed: %s", err)
		s.cause = err
		s.state.Store(int32(StateFailed))
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.frames.Reset()
	s.state.Store(int32(StateStreaming))
	s.wg.Add(1)
	go s.produce(s.ctx)
	logger.Infof("device streaming at %s", s.format)

	return nil
}

func (s *Session) checkStarted() (bool, error) {
	switch s.State() {
	case StateStreaming:
		return true, nil
	case StateFailed:
		return true, fmt.Errorf("%w: start failed earlier", ErrDeviceUnavailable)
	case StateClosed:
		return true, fmt.Errorf("%w: session closed", ErrDeviceUnavailable)
	}
	return false, nil
}

// produce runs the encoder until it fails or the session closes. A failure
// interrupts every viewer and lets the next caller start the device again.
func (s *Session) produce(ctx context.Context) {
	defer s.wg.Done()

	err := s.driver.Encode(ctx, func(frame []byte) {
		s.frames.Publish(frame)
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = ErrStreamClosed
	}
	logger.Errorf("frame producer stopped: %s", err)

	s.mu.Lock()
	s.frames.Interrupt(fmt.Errorf("%w: %v", broadcast.ErrStreamInterrupted, err))
	if s.State() == StateStreaming {
		stopErr := s.gate.WithExclusiveDeviceAccess(context.Background(), s.driver.Stop)
		if stopErr != nil {
			logger.Warnf("stop device after stream failure: %s", stopErr)
		}
		s.state.Store(int32(StateUninitialized))
	}
	s.mu.Unlock()

	for _, l := range s.listeners {
		l.StreamInterrupted(err)
	}
}

// CaptureStill writes one photo and returns its path. The device is started
// first if needed. Photos are named by the second they are taken in, so a
// second capture within the same second overwrites the first.
func (s *Session) CaptureStill(ctx context.Context) (string, error) {
	if err := s.EnsureStarted(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.captureTimeout)
	defer cancel()

	var name, path string
	err := s.gate.WithExclusiveDeviceAccess(ctx, func() error {
		if done, err := s.checkStarted(); done && err != nil {
			return err
		}
		name, path = s.paths.NewPhotoPath(s.now())
		if err := s.driver.CaptureStill(ctx, path); err != nil {
			return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) || errors.Is(err, ErrCaptureFailed) {
			return "", err
		}
		// the gate did not free up in time
		return "", fmt.Errorf("%w: device busy: %v", ErrCaptureFailed, err)
	}
	logger.Infof("photo saved: %s", path)

	for _, l := range s.listeners {
		l.PhotoCaptured(name, path)
	}

	return path, nil
}

// PhotoName is the file name part of a path returned by CaptureStill.
func PhotoName(path string) string {
	return filepath.Base(path)
}

// Close stops the producer, releases the device and fails all viewers.
func (s *Session) Close() error {
	s.mu.Lock()
	prev := State(s.state.Swap(int32(StateClosed)))
	s.mu.Unlock()
	if prev == StateClosed {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	s.frames.Close()

	return s.gate.WithExclusiveDeviceAccess(context.Background(), func() error {
		return errors.Join(s.driver.Stop(), s.driver.Close())
	})
}
