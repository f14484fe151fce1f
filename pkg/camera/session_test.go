package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pi-camera-stream/pkg/broadcast"
)

func TestEnsureStartedOnce(t *testing.T) {
	d := newFakeDriver()
	d.startDelay = 20 * time.Millisecond
	s := newTestSession(t, d)

	const k = 50
	var (
		wg    sync.WaitGroup
		ready = make(chan struct{})
		errs  = make(chan error, k)
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			errs <- s.EnsureStarted(context.Background())
		}()
	}
	close(ready)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureStarted: %v", err)
		}
	}
	if n := d.startCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one start, got %d", n)
	}
	if n := d.configureCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one configure, got %d", n)
	}
	if st := s.State(); st != StateStreaming {
		t.Fatalf("expected streaming, got %s", st)
	}
}

func TestEnsureStartedTwoCallersSameInstant(t *testing.T) {
	d := newFakeDriver()
	d.startDelay = 10 * time.Millisecond
	s := newTestSession(t, d)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.EnsureStarted(context.Background())
		}(i)
	}
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("unexpected errors %v", errs)
	}
	if n := d.startCalls.Load(); n != 1 {
		t.Fatalf("expected one start call, got %d", n)
	}
}

func TestStartFailureIsTerminal(t *testing.T) {
	d := newFakeDriver()
	d.startErr = errHardware
	s := newTestSession(t, d)

	err := s.EnsureStarted(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if st := s.State(); st != StateFailed {
		t.Fatalf("expected failed state, got %s", st)
	}
	if !errors.Is(s.Cause(), errHardware) {
		t.Fatalf("expected cause to wrap the hardware error, got %v", s.Cause())
	}

	if _, err := s.CaptureStill(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable from capture, got %v", err)
	}
	if err := s.EnsureStarted(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable on retry, got %v", err)
	}
	if n := d.captureCalls.Load(); n != 0 {
		t.Fatalf("capture reached the hardware %d times", n)
	}
	if n := d.startCalls.Load(); n != 1 {
		t.Fatalf("start was retried: %d calls", n)
	}
}

func TestEnsureStartedGateWaitIsNotAFailure(t *testing.T) {
	d := newFakeDriver()
	s := newTestSession(t, d)

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.gate.WithExclusiveDeviceAccess(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.EnsureStarted(ctx); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if st := s.State(); st != StateUninitialized {
		t.Fatalf("a gate timeout must not fail the session, got %s", st)
	}

	close(release)
	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureStartedCallerCancelIsNotAFailure(t *testing.T) {
	d := newFakeDriver()
	d.configureDelay = 20 * time.Millisecond
	s := newTestSession(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(5*time.Millisecond, cancel)
	if err := s.EnsureStarted(ctx); err != nil {
		t.Fatalf("start should complete for a caller that left: %v", err)
	}
	if st := s.State(); st != StateStreaming {
		t.Fatalf("expected streaming, got %s", st)
	}
	if s.Cause() != nil {
		t.Fatalf("unexpected cause %v", s.Cause())
	}

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("next viewer: %v", err)
	}
	if n := d.startCalls.Load(); n != 1 {
		t.Fatalf("expected one start, got %d", n)
	}
}

func TestEnsureStartedCancelledCallerNeverTouchesDevice(t *testing.T) {
	d := newFakeDriver()
	s := newTestSession(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 20; i++ {
		if err := s.EnsureStarted(ctx); !errors.Is(err, ErrDeviceUnavailable) {
			t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
		}
	}
	if n := d.configureCalls.Load(); n != 0 {
		t.Fatalf("device configured %d times for a cancelled caller", n)
	}
	if st := s.State(); st != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", st)
	}
	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStartTimeoutIsAFailure(t *testing.T) {
	d := newFakeDriver()
	d.startDelay = time.Second
	s := newTestSession(t, d, WithStartTimeout(20*time.Millisecond))

	if err := s.EnsureStarted(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if st := s.State(); st != StateFailed {
		t.Fatalf("a hung device should fail the session, got %s", st)
	}
	if !errors.Is(s.Cause(), context.DeadlineExceeded) {
		t.Fatalf("unexpected cause %v", s.Cause())
	}
}

func TestProducerFeedsViewers(t *testing.T) {
	d := newFakeDriver()
	s := newTestSession(t, d)
	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}

	sub := s.Frames().Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { d.frames <- []byte("F1") }()

	f, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(f.Data) != "F1" || f.Generation != 1 {
		t.Fatalf("expected F1 at generation 1, got %q at %d", f.Data, f.Generation)
	}
}

func TestProducerFailureInterruptsAndRestarts(t *testing.T) {
	d := newFakeDriver()
	l := &recordingListener{}
	s := newTestSession(t, d, WithListener(l))
	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}

	subs := []*broadcast.Subscription{s.Frames().Subscribe(), s.Frames().Subscribe()}
	errs := make(chan error, len(subs))
	for _, sub := range subs {
		go func(sub *broadcast.Subscription) {
			_, err := sub.Next(context.Background())
			errs <- err
		}(sub)
	}
	d.encodeErr <- errHardware

	for range subs {
		select {
		case err := <-errs:
			if !errors.Is(err, broadcast.ErrStreamInterrupted) {
				t.Fatalf("expected ErrStreamInterrupted, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("viewer was not interrupted")
		}
	}

	waitFor(t, func() bool { return s.State() == StateUninitialized })
	if n := d.stopCalls.Load(); n < 1 {
		t.Fatal("device was not stopped after the producer failed")
	}

	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := d.startCalls.Load(); n != 2 {
		t.Fatalf("expected a second start, got %d", n)
	}

	sub := s.Frames().Subscribe()
	defer sub.Close()
	go func() { d.frames <- []byte("F2") }()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("stream did not recover: %v", err)
	}
	if string(f.Data) != "F2" {
		t.Fatalf("expected F2, got %q", f.Data)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.interrupted) != 1 {
		t.Fatalf("expected one interruption event, got %d", len(l.interrupted))
	}
}

func TestCaptureStill(t *testing.T) {
	d := newFakeDriver()
	l := &recordingListener{}
	s := newTestSession(t, d, WithListener(l))

	path, err := s.CaptureStill(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	name := PhotoName(path)
	if !strings.HasPrefix(name, "photo_") || filepath.Ext(name) != ".jpg" {
		t.Fatalf("unexpected photo name %s", name)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("photo was not written: %v", err)
	}
	if st := s.State(); st != StateStreaming {
		t.Fatalf("capture should start the device, state %s", st)
	}
	if len(l.photos) != 1 || l.photos[0] != name {
		t.Fatalf("listener saw %v", l.photos)
	}
}

func TestCaptureFailed(t *testing.T) {
	d := newFakeDriver()
	d.captureErr = errHardware
	s := newTestSession(t, d)

	_, err := s.CaptureStill(context.Background())
	if !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	if st := s.State(); st != StateStreaming {
		t.Fatalf("a failed capture must not stop the stream, state %s", st)
	}
}

func TestCaptureBusyBeyondTimeout(t *testing.T) {
	d := newFakeDriver()
	s := newTestSession(t, d, WithCaptureTimeout(30*time.Millisecond))
	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = s.gate.WithExclusiveDeviceAccess(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	if _, err := s.CaptureStill(context.Background()); !errors.Is(err, ErrCaptureFailed) {
		t.Fatalf("expected ErrCaptureFailed, got %v", err)
	}
	if n := d.captureCalls.Load(); n != 0 {
		t.Fatalf("capture reached the hardware while the gate was held")
	}
}

func TestCaptureWaitsForStartSequence(t *testing.T) {
	d := newFakeDriver()
	d.startDelay = 100 * time.Millisecond
	s := newTestSession(t, d)

	startDone := make(chan struct{})
	go func() {
		defer close(startDone)
		if err := s.EnsureStarted(context.Background()); err != nil {
			t.Error(err)
		}
	}()
	waitFor(t, func() bool { return d.startCalls.Load() == 1 })

	type result struct {
		path string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		p, err := s.CaptureStill(context.Background())
		got <- result{p, err}
	}()

	select {
	case <-got:
		t.Fatal("capture finished while the start sequence held the device")
	case <-startDone:
	}

	r := <-got
	if r.err != nil {
		t.Fatal(r.err)
	}
	if d.overlaps.Load() != 0 {
		t.Fatal("capture overlapped the start sequence")
	}
}

func TestConcurrentCapturesAreSerialized(t *testing.T) {
	d := newFakeDriver()
	d.captureDelay = 5 * time.Millisecond
	d.startDelay = 5 * time.Millisecond
	s := newTestSession(t, d)

	const n = 20
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = s.CaptureStill(context.Background())
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if seen[paths[i]] {
			t.Fatalf("duplicate path %s", paths[i])
		}
		seen[paths[i]] = true
	}
	if d.overlaps.Load() != 0 {
		t.Fatalf("%d overlapping hardware calls", d.overlaps.Load())
	}
	if n := d.startCalls.Load(); n != 1 {
		t.Fatalf("expected one start, got %d", n)
	}
}

func TestClose(t *testing.T) {
	d := newFakeDriver()
	s := newTestSession(t, d)
	if err := s.EnsureStarted(context.Background()); err != nil {
		t.Fatal(err)
	}

	waiting := make(chan error, 1)
	go func() {
		_, err := s.Frames().NextFrame(context.Background(), s.Frames().Generation())
		waiting <- err
	}()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case err := <-waiting:
		if !errors.Is(err, broadcast.ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("viewer still waiting after close")
	}
	if st := s.State(); st != StateClosed {
		t.Fatalf("expected closed, got %s", st)
	}
	if err := s.EnsureStarted(context.Background()); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable after close, got %v", err)
	}
	if d.closeCalls.Load() != 1 {
		t.Fatalf("expected driver close once, got %d", d.closeCalls.Load())
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{
		StateUninitialized: "uninitialized",
		StateConfigured:    "configured",
		StateStreaming:     "streaming",
		StateFailed:        "failed",
		StateClosed:        "closed",
		State(42):          "state(42)",
	} {
		if got := st.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
