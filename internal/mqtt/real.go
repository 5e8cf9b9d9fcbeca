package mqtt

import (
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"sbcfan/internal/fancontrol"
)

// Options configures the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

var (
	newClient      = paho.NewClient
	connectTimeout = 10 * time.Second
)

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	prefix string
	log    *slog.Logger
}

// NewRealPublisher connects to the broker. When ov is non-nil the publisher
// subscribes to the override topic and forwards commands to it.
func NewRealPublisher(opts Options, ov Overrider, log *slog.Logger) (*RealPublisher, error) {
	p := &RealPublisher{prefix: opts.TopicPrefix, log: log}
	availability := Topic(p.prefix, TopicAvailability)

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(availability, PayloadOffline, 1, true).
		SetOnConnectHandler(func(c paho.Client) {
			c.Publish(availability, 1, true, PayloadOnline)
			if ov != nil {
				c.Subscribe(Topic(p.prefix, TopicOverrideSet), 1, func(_ paho.Client, m paho.Message) {
					if err := handleOverride(ov, m.Payload()); err != nil {
						log.Warn("mqtt override rejected", "payload", string(m.Payload()), "err", err)
					}
				})
			}
			log.Info("mqtt connected", "broker", opts.Broker)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("mqtt connection lost", "err", err)
		})

	p.client = newClient(co)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		// With connect retry enabled the client keeps dialing until disconnected.
		p.client.Disconnect(0)
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		p.client.Disconnect(0)
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

// PublishState sends the snapshot to <prefix>/state, retained, QoS 0.
func (p *RealPublisher) PublishState(snap fancontrol.Snapshot) error {
	payload, err := FormatState(snap)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	token := p.client.Publish(Topic(p.prefix, TopicState), 0, true, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Observe implements fancontrol.Observer.
func (p *RealPublisher) Observe(snap fancontrol.Snapshot) {
	if err := p.PublishState(snap); err != nil {
		p.log.Warn("mqtt publish failed", "err", err)
	}
}

// IsConnected reports the client connection state.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close publishes offline and disconnects.
func (p *RealPublisher) Close() error {
	token := p.client.Publish(Topic(p.prefix, TopicAvailability), 1, true, PayloadOffline)
	token.WaitTimeout(2 * time.Second)
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

var (
	_ Publisher           = (*RealPublisher)(nil)
	_ ConnectionStatus    = (*RealPublisher)(nil)
	_ fancontrol.Observer = (*RealPublisher)(nil)
)
