package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// wildcardTopic is the single subscription the broker adapter holds per
// spec §4.7: tenant/+/device/+/{telemetry|heartbeat|shadow}.
const wildcardTopic = "tenant/+/device/+/+"

// BrokerConfig configures the MQTT broker connection.
type BrokerConfig struct {
	URL       string // e.g. "mqtts://broker.fieldmesh.internal:8883"
	ClientID  string
	Username  string
	Password  string
	KeepAlive uint16 // seconds, default 30
}

// Broker owns the single MQTT broker connection the ingest side uses both
// to receive device telemetry (subscribing the wildcard topic and handing
// every message to a Pipeline) and to publish (backing pkg/senders'
// Publisher interface for MQTT-kind deliveries and route republish).
//
// Grounded directly on _examples/other_examples's nugget-thane-ai-agent
// internal/mqtt publisher: the autopaho.ClientConfig shape (OnConnectionUp
// re-subscribing because autopaho does not do it automatically,
// AddOnPublishReceived wiring an inbound callback, AwaitConnection with a
// bounded timeout that logs-and-continues rather than failing startup since
// autopaho keeps retrying in the background) is reused here verbatim in
// idiom, generalized from that file's fixed sensor-topic subscription set
// to a single wildcard subscription and from its birth/availability retained
// messages to none (the spec has no presence-beacon requirement for this
// broker connection).
type Broker struct {
	cfg    BrokerConfig
	logger *slog.Logger
	onMsg  func(topic string, payload []byte)
	cm     *autopaho.ConnectionManager
}

// NewBroker creates a Broker. onMessage is invoked for every message
// received on the wildcard subscription; a typical caller passes
// pipeline.HandleMQTTMessage.
func NewBroker(cfg BrokerConfig, onMessage func(topic string, payload []byte), logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{cfg: cfg, onMsg: onMessage, logger: logger}
}

// Connect dials the broker and blocks until the initial connection is up
// or a bounded timeout elapses; on timeout it logs and returns nil since
// autopaho keeps retrying the connection in the background.
func (b *Broker) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("parsing mqtt broker url: %w", err)
	}

	keepAlive := b.cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.URL)
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := cm.Subscribe(subCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: wildcardTopic, QoS: 1}},
			}); err != nil {
				b.logger.Error("mqtt wildcard subscribe failed", "error", err)
			} else {
				b.logger.Info("mqtt subscribed", "topic", wildcardTopic)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("mqtt message handler panicked", "topic", pr.Packet.Topic, "panic", r)
				}
			}()
			if b.onMsg != nil {
				b.onMsg(pr.Packet.Topic, pr.Packet.Payload)
			}
		}()
		return true, nil
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Disconnect closes the broker connection, waiting up to ctx's deadline.
func (b *Broker) Disconnect(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	return b.cm.Disconnect(ctx)
}

// Publish sends payload to topic at the given QoS. It satisfies
// pkg/senders.Publisher for MQTT-kind alert deliveries and the
// mqtt_republish route destination.
func (b *Broker) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt broker not connected")
	}
	_, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}
