package notify

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"pi-camera-stream/pkg/utils"
)

const (
	EventPhotoCaptured     = "photo_captured"
	EventStreamInterrupted = "stream_interrupted"

	publishTimeout        = 2 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

var newClient = mqtt.NewClient

type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Filename string    `json:"filename,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Publisher is the part of an MQTT client used here.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes camera events as JSON to <topic>/<event type>. It implements
// camera.Listener; publishing is asynchronous so a slow broker never holds up
// a capture.
type MQTT struct {
	client Publisher
	topic  string
	logger *zap.SugaredLogger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Connect dials the broker and returns a notifier using it.
func Connect(cfg Config) (*MQTT, mqtt.Client, error) {
	logger := utils.GetLogger().Named("mqtt")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Infof("connected to %s as %s", cfg.Broker, cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warnf("connection lost, will auto-reconnect: %s", err)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	client := newClient(opts)
	token := client.Connect()
	if err := waitConnected(token, timeout); err != nil {
		// stop the background connect retry
		client.Disconnect(0)
		return nil, nil, err
	}

	return New(client, cfg.Topic), client, nil
}

func waitConnected(token mqtt.Token, timeout time.Duration) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func New(client Publisher, topic string) *MQTT {
	return &MQTT{
		client: client,
		topic:  topic,
		logger: utils.GetLogger().Named("mqtt"),
	}
}

func (m *MQTT) PhotoCaptured(name, _ string) {
	m.send(Event{Type: EventPhotoCaptured, Time: time.Now(), Filename: name})
}

func (m *MQTT) StreamInterrupted(err error) {
	e := Event{Type: EventStreamInterrupted, Time: time.Now()}
	if err != nil {
		e.Error = err.Error()
	}
	m.send(e)
}

// Stats returns the number of published and failed events.
func (m *MQTT) Stats() (published, failed uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.errors
}

func (m *MQTT) send(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		m.fail("marshal %s: %s", e.Type, err)
		return
	}
	topic := fmt.Sprintf("%s/%s", m.topic, e.Type)
	token := m.client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			m.fail("publish %s: timeout", topic)
			return
		}
		if err := token.Error(); err != nil {
			m.fail("publish %s: %s", topic, err)
			return
		}
		m.mu.Lock()
		m.published++
		m.mu.Unlock()
	}()
}

func (m *MQTT) fail(format string, args ...interface{}) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
	m.logger.Warnf(format, args...)
}
