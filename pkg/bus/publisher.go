package bus

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Publisher sends plain payloads to the broker. Unlike Subscriber it relies
// on paho's own automatic reconnect, as a dropped publish is retried on the
// next tick anyway.
type Publisher struct {
	cfg    Config
	client *Client
	logger *zap.Logger
}

// NewPublisher creates a Publisher; clientPrefix names the client ID when
// none is configured.
func NewPublisher(cfg Config, clientPrefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults(clientPrefix)
	return &Publisher{
		cfg:    cfg,
		logger: logger.Named("bus").With(zap.String("broker", cfg.BrokerURL())),
	}
}

// Connect dials the broker, bounded by the connect timeout.
func (p *Publisher) Connect() error {
	opts, err := p.cfg.pahoOptions()
	if err != nil {
		return &ConnectError{Broker: p.cfg.BrokerURL(), Err: err}
	}
	opts.SetAutoReconnect(true).
		SetConnectRetryInterval(p.cfg.ReconnectMin).
		SetMaxReconnectInterval(p.cfg.ReconnectMax).
		SetOnConnectHandler(func(mqtt.Client) {
			p.logger.Info("Connected to MQTT broker", zap.String("clientID", p.cfg.ClientID))
		})

	p.client = NewClient(opts, p.cfg.ConnectTimeout, p.logger)
	if err := p.client.Connect(); err != nil {
		return &ConnectError{Broker: p.cfg.BrokerURL(), Err: err}
	}
	return nil
}

// Publish sends payload on topic with the configured QoS.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if p.client == nil {
		return ErrClosed
	}
	return p.client.Publish(ctx, topic, p.cfg.QoS, false, payload)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client != nil {
		p.client.Disconnect()
	}
}
