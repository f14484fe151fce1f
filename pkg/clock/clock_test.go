package clock

import (
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
)

func TestLocalWithoutServer(t *testing.T) {
	c := New("")
	if err := c.Sync(); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(c.Now()); d < -time.Second || d > time.Second {
		t.Fatalf("clock drifted %s without a server", d)
	}
}

func TestSyncAppliesOffset(t *testing.T) {
	c := New("pool.example")
	c.query = func(host string, opt ntp.QueryOptions) (*ntp.Response, error) {
		now := time.Now()
		return &ntp.Response{
			ClockOffset:   time.Hour,
			Stratum:       2,
			Leap:          ntp.LeapNoWarning,
			RTT:           time.Millisecond,
			Time:          now,
			ReferenceTime: now.Add(-time.Second),
		}, nil
	}
	if err := c.Sync(); err != nil {
		t.Fatal(err)
	}
	if c.Offset() != time.Hour {
		t.Fatalf("expected 1h offset, got %s", c.Offset())
	}
	if d := c.Now().Sub(time.Now()); d < 59*time.Minute {
		t.Fatalf("offset not applied: %s", d)
	}
}

func TestSyncFailureKeepsOffset(t *testing.T) {
	c := New("pool.example")
	c.offset = time.Minute
	c.query = func(string, ntp.QueryOptions) (*ntp.Response, error) {
		return nil, errors.New("timeout")
	}
	if err := c.Sync(); err == nil {
		t.Fatal("expected an error")
	}
	if c.Offset() != time.Minute {
		t.Fatalf("offset changed to %s", c.Offset())
	}
}
