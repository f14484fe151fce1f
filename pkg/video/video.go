package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/icza/mjpeg"

	"pi-camera-stream/pkg/broadcast"
	"pi-camera-stream/pkg/utils"
)

var ErrNoFrames = errors.New("no frames recorded")

// Builder appends JPEG frames to an MJPEG AVI file.
type Builder struct {
	cnt int
	aw  mjpeg.AviWriter
}

func NewBuilder(path string, width, height, fps int) (*Builder, error) {
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, err
	}

	return &Builder{aw: aw}, nil
}

func (b *Builder) Add(frame []byte) error {
	err := b.aw.AddFrame(frame)
	if err != nil {
		return err
	}
	b.cnt++

	return nil
}

func (b *Builder) Close() error {
	return b.aw.Close()
}

func (b *Builder) GetCnt() int {
	return b.cnt
}

// Source is a broadcast cursor, usually a *broadcast.Subscription.
type Source interface {
	Next(ctx context.Context) (broadcast.Frame, error)
}

// Result describes a finished clip.
type Result struct {
	Path   string
	Frames int
	Size   int64
}

// Recorder writes the live broadcast into AVI clips. It is one more viewer
// of the broadcaster and never touches the device.
type Recorder struct {
	width, height, fps int
	maxDuration        time.Duration
}

func NewRecorder(width, height, fps int, maxDuration time.Duration) *Recorder {
	return &Recorder{width: width, height: height, fps: fps, maxDuration: maxDuration}
}

func (r *Recorder) MaxDuration() time.Duration {
	return r.maxDuration
}

// Record copies frames from src to path for d, clamped to the max duration.
// A clip that received no frame is removed and ErrNoFrames is returned.
func (r *Recorder) Record(ctx context.Context, src Source, path string, d time.Duration) (Result, error) {
	if d <= 0 {
		return Result{}, fmt.Errorf("invalid duration %s", d)
	}
	if r.maxDuration > 0 && d > r.maxDuration {
		d = r.maxDuration
	}
	b, err := NewBuilder(path, r.width, r.height, r.fps)
	if err != nil {
		return Result{}, fmt.Errorf("create clip: %w", err)
	}
	logger := utils.GetLogger().Named("video")
	logger.Infof("recording %s for %s", path, d)

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var recErr error
	for {
		f, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				recErr = err
			}
			break
		}
		if err := b.Add(f.Data); err != nil {
			recErr = err
			break
		}
	}
	if err := b.Close(); err != nil && recErr == nil {
		recErr = err
	}
	if recErr == nil && b.GetCnt() == 0 {
		recErr = ErrNoFrames
	}
	if recErr != nil {
		_ = os.Remove(path)
		return Result{}, recErr
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	logger.Infof("recorded %d frames into %s", b.GetCnt(), path)

	return Result{Path: path, Frames: b.GetCnt(), Size: info.Size()}, nil
}
