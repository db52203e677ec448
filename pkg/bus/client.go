package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Next once the subscriber has been closed or
	// its context cancelled.
	ErrClosed = errors.New("subscriber closed")
	// ErrConnectionLost is returned by Next when the transport drops and
	// reconnection is disabled or has been abandoned.
	ErrConnectionLost = errors.New("broker connection lost")

	errTimeout = errors.New("timed out")
)

// ConnectError is returned when the broker cannot be reached or the
// subscription is refused at startup.
type ConnectError struct {
	Broker string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to MQTT broker %s: %v", e.Broker, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

const disconnectQuiesce = 250 // ms

// Client wraps a paho client with bounded waits and structured logging.
type Client struct {
	opts      *mqtt.ClientOptions
	client    mqtt.Client
	logger    *zap.Logger
	timeout   time.Duration
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

// init ensures that the logger is not nil
func (c *Client) init() {
	if c.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			c.logger = zap.NewNop()
		} else {
			c.logger = logger
		}
	}
	if c.newClient == nil {
		c.newClient = mqtt.NewClient
	}
}

// NewClient creates a new MQTT client with the given options and logger.
// Every broker round trip is bounded by timeout.
func NewClient(opts *mqtt.ClientOptions, timeout time.Duration, logger ...*zap.Logger) *Client {
	client := &Client{
		opts:    opts,
		timeout: timeout,
	}

	if len(logger) > 0 {
		client.logger = logger[0]
	}

	client.init()
	return client
}

// Connect establishes a connection to the MQTT broker. The underlying paho
// client is created once and reused across reconnects.
func (c *Client) Connect() error {
	if c.client == nil {
		c.client = c.newClient(c.opts)
	}
	if err := c.wait(c.client.Connect()); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	return nil
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Publish sends payload to topic and waits for the broker acknowledgement
// or ctx, whichever comes first.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload any) error {
	if c.client == nil {
		return ErrClosed
	}
	token := c.client.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		c.logger.Error("Publish error", zap.Error(err), zap.String("topic", topic))
		return err
	}
	c.logger.Debug("Message published", zap.String("topic", topic))
	return nil
}

// Subscribe registers a callback for messages on the specified MQTT topic.
func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	if err := c.wait(c.client.Subscribe(topic, qos, callback)); err != nil {
		c.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("subscribe error: %w", err)
	}
	c.logger.Debug("Subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", qos))
	return nil
}

// Unsubscribe removes the subscription for topic.
func (c *Client) Unsubscribe(topic string) error {
	if err := c.wait(c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe error: %w", err)
	}
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("Disconnected from MQTT broker")
}

func (c *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("%w after %s", errTimeout, c.timeout)
	}
	return token.Error()
}
