package clock

import (
	"sync"
	"time"

	"github.com/beevik/ntp"

	"pi-camera-stream/pkg/utils"
)

const DefaultTimeout = 3 * time.Second

// Clock is local time corrected by the offset last measured against an NTP
// server. A Pi has no RTC, so its clock can be far off until it syncs.
type Clock struct {
	server  string
	timeout time.Duration
	query   func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

	lock   sync.RWMutex
	offset time.Duration
	synced time.Time
}

// New returns a clock for server. An empty server disables NTP and the clock
// reports local time.
func New(server string) *Clock {
	return &Clock{
		server:  server,
		timeout: DefaultTimeout,
		query:   ntp.QueryWithOptions,
	}
}

func (c *Clock) Now() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return time.Now().Add(c.offset)
}

func (c *Clock) Offset() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.offset
}

// Sync measures the offset once. On failure the previous offset is kept.
func (c *Clock) Sync() error {
	if c.server == "" {
		return nil
	}
	resp, err := c.query(c.server, ntp.QueryOptions{Timeout: c.timeout})
	if err != nil {
		return err
	}
	if err := resp.Validate(); err != nil {
		return err
	}
	c.lock.Lock()
	c.offset = resp.ClockOffset
	c.synced = time.Now()
	c.lock.Unlock()
	utils.GetLogger().Infof("ntp %s: clock offset %s", c.server, resp.ClockOffset)

	return nil
}

// Run syncs now and then every interval until done is closed.
func (c *Clock) Run(done <-chan struct{}, interval time.Duration) {
	if c.server == "" {
		return
	}
	logger := utils.GetLogger()
	if err := c.Sync(); err != nil {
		logger.Warnf("ntp sync failed, using local time: %s", err)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.Sync(); err != nil {
				logger.Warnf("ntp sync failed: %s", err)
			}
		case <-done:
			return
		}
	}
}
