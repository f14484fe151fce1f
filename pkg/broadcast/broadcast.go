package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrStreamInterrupted = errors.New("stream interrupted")
	ErrClosed            = errors.New("broadcaster closed")
)

// Frame is one encoded image. Data must not be modified after Publish.
type Frame struct {
	Data       []byte
	Generation uint64
	Time       time.Time
}

// Broadcaster keeps only the latest frame and wakes every waiter on publish.
//
// Waiters block on a channel that is closed and replaced by each Publish, so
// a slow or absent consumer never holds up the producer. A consumer that
// falls behind skips the intermediate frames.
type Broadcaster struct {
	mu     sync.Mutex
	frame  Frame
	wake   chan struct{}
	err    error
	closed bool

	viewers atomic.Int64
}

func New() *Broadcaster {
	return &Broadcaster{wake: make(chan struct{})}
}

// Publish stores data as the latest frame and returns its generation.
func (b *Broadcaster) Publish(data []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.frame.Generation
	}
	b.frame = Frame{
		Data:       data,
		Generation: b.frame.Generation + 1,
		Time:       time.Now(),
	}
	close(b.wake)
	b.wake = make(chan struct{})

	return b.frame.Generation
}

// NextFrame blocks until a frame newer than since is published.
func (b *Broadcaster) NextFrame(ctx context.Context, since uint64) (Frame, error) {
	for {
		b.mu.Lock()
		if b.err != nil {
			err := b.err
			b.mu.Unlock()
			return Frame{}, err
		}
		if b.frame.Generation > since {
			f := b.frame
			b.mu.Unlock()
			return f, nil
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Latest returns the most recent frame, false if none was published yet.
func (b *Broadcaster) Latest() (Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.frame.Generation > 0
}

func (b *Broadcaster) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame.Generation
}

// Interrupt fails all current and future waits with err until Reset.
// A nil err is replaced by ErrStreamInterrupted.
func (b *Broadcaster) Interrupt(err error) {
	if err == nil {
		err = ErrStreamInterrupted
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.err = err
	close(b.wake)
	b.wake = make(chan struct{})
}

// Reset clears an interruption so a restarted producer can be waited on again.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.err = nil
	}
}

// Close permanently fails all waits with ErrClosed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.err = ErrClosed
	close(b.wake)
	b.wake = make(chan struct{})
}

// Viewers is the number of open subscriptions.
func (b *Broadcaster) Viewers() int {
	return int(b.viewers.Load())
}

// Subscribe starts a cursor at the current generation: the caller only sees
// frames published after this call.
func (b *Broadcaster) Subscribe() *Subscription {
	b.viewers.Add(1)
	return &Subscription{b: b, since: b.Generation()}
}

// Subscription is a per-consumer cursor. It must be used by one goroutine.
type Subscription struct {
	b      *Broadcaster
	since  uint64
	closed atomic.Bool
}

// Next returns the next frame after the last one this subscription received.
func (s *Subscription) Next(ctx context.Context) (Frame, error) {
	if s.closed.Load() {
		return Frame{}, ErrClosed
	}
	f, err := s.b.NextFrame(ctx, s.since)
	if err != nil {
		return Frame{}, err
	}
	s.since = f.Generation

	return f, nil
}

// Since is the generation of the last frame returned by Next.
func (s *Subscription) Since() uint64 {
	return s.since
}

func (s *Subscription) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.b.viewers.Add(-1)
	}
}
