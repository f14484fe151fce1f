package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"pi-camera-stream/pkg/utils"
)

const MinInterval = 5 * time.Second

type Capturer interface {
	CaptureStill(ctx context.Context) (string, error)
}

// Scheduler takes a still every interval while it is running.
type Scheduler struct {
	t        *time.Ticker
	capturer Capturer
	interval time.Duration
	lock     sync.Mutex
	logger   *zap.SugaredLogger

	done chan struct{}
}

func New(ctx context.Context, capturer Capturer) *Scheduler {
	t := time.NewTicker(time.Second)
	t.Stop()

	s := &Scheduler{
		t:        t,
		capturer: capturer,
		logger:   utils.GetLogger().Named("schedule"),
		done:     make(chan struct{}),
	}
	s.startDeal(ctx)

	return s
}

func (s *Scheduler) Begin(interval time.Duration) error {
	if interval < MinInterval {
		return fmt.Errorf("interval %s less than %s", interval, MinInterval)
	}
	s.lock.Lock()
	s.interval = interval
	s.lock.Unlock()
	s.t.Reset(interval)
	s.logger.Infof("scheduler: capturing every %s", interval)

	return nil
}

func (s *Scheduler) Stop() {
	s.t.Stop()
	s.lock.Lock()
	s.interval = 0
	s.lock.Unlock()
	s.logger.Info("scheduler: stopped")
}

// Interval is the current capture interval, 0 when stopped.
func (s *Scheduler) Interval() time.Duration {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.interval
}

// Done is closed once the scheduler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) startDeal(ctx context.Context) {
	go func(s *Scheduler) {
		defer close(s.done)
		for {
			select {
			case start := <-s.t.C:
				if s.Interval() == 0 {
					s.logger.Warn("scheduler: tick while stopped")
					continue
				}
				path, err := s.capturer.CaptureStill(ctx)
				if err != nil {
					s.logger.Errorf("scheduler: capture err: %s", err)
					continue
				}
				s.logger.Infof("scheduler: took %s to save %s", time.Since(start), path)
			case <-ctx.Done():
				s.t.Stop()
				s.logger.Info("scheduler: stopped!")
				return
			}
		}
	}(s)
}
