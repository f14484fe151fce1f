package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingCapturer struct {
	n   atomic.Int32
	err error
}

func (c *countingCapturer) CaptureStill(context.Context) (string, error) {
	c.n.Add(1)
	return "photo.jpg", c.err
}

func TestBeginRejectsShortInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, &countingCapturer{})
	if err := s.Begin(time.Second); err == nil {
		t.Fatal("expected an error for a short interval")
	}
	if s.Interval() != 0 {
		t.Fatal("rejected interval was stored")
	}
}

func TestSchedulerCaptures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &countingCapturer{err: errors.New("busy")}
	s := New(ctx, c)
	if err := s.Begin(MinInterval); err != nil {
		t.Fatal(err)
	}
	s.t.Reset(5 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for c.n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not keep capturing after an error")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	if s.Interval() != 0 {
		t.Fatal("interval not cleared")
	}
	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler goroutine did not exit")
	}
}
