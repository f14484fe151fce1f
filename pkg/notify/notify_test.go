package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
)

type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message{topic: topic, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func waitStats(t *testing.T, m *MQTT, published, failed uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		p, f := m.Stats()
		if p == published && f == failed {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d/%d, got %d/%d", published, failed, p, f)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestPhotoCaptured(t *testing.T) {
	c := &fakeClient{}
	m := New(c, "camera/pi")
	m.PhotoCaptured("photo_20240101_120000.jpg", "/shots/photo_20240101_120000.jpg")
	waitStats(t, m, 1, 0)

	if len(c.msgs) != 1 || c.msgs[0].topic != "camera/pi/photo_captured" {
		t.Fatalf("unexpected messages %+v", c.msgs)
	}
	var e Event
	if err := json.Unmarshal(c.msgs[0].payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != EventPhotoCaptured || e.Filename != "photo_20240101_120000.jpg" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestStreamInterrupted(t *testing.T) {
	c := &fakeClient{err: errors.New("not connected")}
	m := New(c, "camera/pi")
	m.StreamInterrupted(errors.New("device gone"))
	waitStats(t, m, 0, 1)

	var e Event
	if err := json.Unmarshal(c.msgs[0].payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Type != EventStreamInterrupted || e.Error != "device gone" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestConnectFailureStopsRetrying(t *testing.T) {
	var client mqtt.Client
	newClient = func(o *mqtt.ClientOptions) mqtt.Client {
		client = mqtt.NewClient(o)
		return client
	}
	defer func() { newClient = mqtt.NewClient }()

	n, c, err := Connect(Config{
		Broker:         "tcp://127.0.0.1:1",
		ClientID:       "test",
		Topic:          "cam",
		ConnectTimeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected a connection error")
	}
	if n != nil || c != nil {
		t.Fatal("expected no notifier on failure")
	}
	if client == nil {
		t.Fatal("client was not created")
	}
	deadline := time.Now().Add(time.Second)
	for client.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client still retrying in the background")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
