// Package mqtt publishes completion events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const connectTimeout = 10 * time.Second

type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

type brokerClient interface {
	publishClient
	Connect() paho.Token
}

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	QoS      byte
}

// Publisher sends JSON payloads to MQTT topics.
type Publisher struct {
	client publishClient
	qos    byte
}

// Connect dials the broker with auto-reconnect enabled.
func Connect(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "probgate-" + uuid.NewString()
	}
	opts := paho.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)

	return connect(paho.NewClient(opts), cfg.Broker, cfg.QoS, connectTimeout)
}

// connect waits for the initial session. A failed attempt disconnects the
// client so auto-reconnect does not keep dialing in the background.
func connect(client brokerClient, broker string, qos byte, timeout time.Duration) (*Publisher, error) {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to mqtt broker %s: %w", broker, err)
	}
	return NewWithClient(client, qos)
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(client publishClient, qos byte) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if qos > 2 {
		return nil, fmt.Errorf("invalid qos %d", qos)
	}
	return &Publisher{client: client, qos: qos}, nil
}

// Publish marshals payload and waits until the broker acknowledges it (QoS
// 1 and 2) or ctx ends. The returned ID is the MQTT packet identifier.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	token := p.client.Publish(topic, p.qos, false, data)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return "", fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return "", fmt.Errorf("mqtt publish: %w", err)
	}
	if pt, ok := token.(interface{ MessageID() uint16 }); ok {
		return strconv.Itoa(int(pt.MessageID())), nil
	}
	return "", nil
}

// Connected reports whether the client currently holds a broker connection.
func (p *Publisher) Connected() bool {
	return p.client.IsConnected()
}

// Close disconnects, allowing in-flight work a short grace period.
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
