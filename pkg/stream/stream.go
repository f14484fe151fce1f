package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"pi-camera-stream/pkg/broadcast"
)

const (
	Boundary    = "frame"
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

var partHeader = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")

// WritePart writes one multipart part holding a JPEG. Every part ends with
// CRLF so a browser can render it before the next boundary arrives.
func WritePart(w io.Writer, jpeg []byte) error {
	if _, err := w.Write(partHeader); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

type State int32

const (
	WaitingForFirstFrame State = iota
	Streaming
	Terminated
)

func (s State) String() string {
	switch s {
	case WaitingForFirstFrame:
		return "waiting"
	case Streaming:
		return "streaming"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Source yields the frames one viewer receives.
type Source interface {
	Next(ctx context.Context) (broadcast.Frame, error)
}

// Session writes frames from one subscription to one viewer.
type Session struct {
	src   Source
	w     io.Writer
	flush func()

	state  atomic.Int32
	frames atomic.Uint64
}

// New returns a session writing to w. flush, if set, is called after each part.
func New(src Source, w io.Writer, flush func()) *Session {
	return &Session{src: src, w: w, flush: flush}
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Frames is the number of parts written so far.
func (s *Session) Frames() uint64 {
	return s.frames.Load()
}

// Run streams until the viewer goes away or the source fails. A viewer that
// disconnects, by cancelling ctx or by failing a write, ends the session with
// a nil error. A source failure is returned. A terminated session never
// resumes.
func (s *Session) Run(ctx context.Context) error {
	if s.State() == Terminated {
		return nil
	}
	defer s.state.Store(int32(Terminated))

	for {
		f, err := s.src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
				return nil
			}
			return err
		}
		if err := WritePart(s.w, f.Data); err != nil {
			return nil
		}
		if s.flush != nil {
			s.flush()
		}
		s.state.Store(int32(Streaming))
		s.frames.Add(1)
	}
}
