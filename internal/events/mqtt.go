package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"enrollgate/internal/session"
	"enrollgate/util"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker      string // host:port or a full URL
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // default "enrollgate"
	QoS         byte   // default 1
}

// MQTT publishes terminal snapshots as JSON.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *util.Logger

	mu        sync.Mutex
	connected bool
	published map[string]uint64
	errors    uint64
}

// Stats are publish counters.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// NewMQTT builds a publisher.  Call Connect before publishing.
func NewMQTT(o MQTTOptions, logger *util.Logger) *MQTT {
	m := newMQTT(nil, o, logger)

	broker := o.Broker
	if !hasScheme(broker) {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(o.ClientID)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("mqtt connected to %s", o.Broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("mqtt connection lost, reconnecting: %v", err)
	}
	m.client = mqtt.NewClient(opts)
	return m
}

func newMQTT(client mqtt.Client, o MQTTOptions, logger *util.Logger) *MQTT {
	if o.TopicPrefix == "" {
		o.TopicPrefix = "enrollgate"
	}
	if o.QoS == 0 {
		o.QoS = 1
	}
	return &MQTT{
		client:    client,
		prefix:    o.TopicPrefix,
		qos:       o.QoS,
		logger:    logger.Named("mqtt"),
		published: make(map[string]uint64),
	}
}

func hasScheme(s string) bool {
	for _, p := range []string{"tcp://", "ssl://", "tls://", "ws://", "wss://", "mqtt://", "mqtts://"} {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

// Connect dials the broker and waits up to 5s for the session.
func (m *MQTT) Connect(ctx context.Context) error {
	token := m.client.Connect()
	if err := wait(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.setConnected(true)
	return nil
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-t.C:
		return fmt.Errorf("timed out after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends snap on its device topic.
func (m *MQTT) Publish(ctx context.Context, snap session.Snapshot) error {
	if !m.isConnected() {
		m.fail()
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		m.fail()
		return fmt.Errorf("marshal session %s: %w", snap.ID, err)
	}
	topic := Topic(m.prefix, snap)
	if err := wait(ctx, m.client.Publish(topic, m.qos, false, payload), 2*time.Second); err != nil {
		m.fail()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()
	m.logger.Debug("published session %s on %s (%d bytes)", snap.ID, topic, len(payload))
	return nil
}

// Close disconnects with a short grace period.
func (m *MQTT) Close() error {
	if m.client != nil && m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	m.setConnected(false)
	return nil
}

// Stats returns a copy of the counters.
func (m *MQTT) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub := make(map[string]uint64, len(m.published))
	for k, v := range m.published {
		pub[k] = v
	}
	return Stats{Connected: m.connected, Published: pub, Errors: m.errors}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MQTT) fail() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
