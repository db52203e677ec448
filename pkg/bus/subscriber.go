package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/mqttpg/pkg/metrics"
	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"go.uber.org/zap"
)

// Subscriber holds one broker connection and one subscription, and hands
// deliveries to a single consumer through Next.
type Subscriber struct {
	cfg    Config
	client *Client
	logger *zap.Logger

	messages chan telemetry.Message
	faults   chan error
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders closing done against starting a reconnect goroutine.
	mu           sync.Mutex
	closeOnce    sync.Once
	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

// NewSubscriber creates a Subscriber. It does not connect until Start is called.
func NewSubscriber(cfg Config, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults("mqttpg-connector")
	return &Subscriber{
		cfg:      cfg,
		logger:   logger.Named("bus").With(zap.String("broker", cfg.BrokerURL()), zap.String("topic", cfg.Topic)),
		messages: make(chan telemetry.Message, cfg.PrefetchDepth),
		faults:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Start connects and subscribes, each step bounded by the connect timeout.
// Any failure here is returned as a *ConnectError.
func (s *Subscriber) Start(ctx context.Context) error {
	opts, err := s.cfg.pahoOptions()
	if err != nil {
		return &ConnectError{Broker: s.cfg.BrokerURL(), Err: err}
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	return s.start(ctx, NewClient(opts, s.cfg.ConnectTimeout, s.logger))
}

func (s *Subscriber) start(ctx context.Context, client *Client) error {
	s.client = client
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("Connecting to MQTT broker",
		zap.String("clientID", s.cfg.ClientID),
		zap.Duration("keepAlive", s.cfg.KeepAlive))
	if err := s.connect(); err != nil {
		s.cancel()
		return &ConnectError{Broker: s.cfg.BrokerURL(), Err: err}
	}
	s.logger.Info("Listening for messages", zap.Uint8("qos", s.cfg.QoS), zap.Int("prefetch", s.cfg.PrefetchDepth))

	go func() {
		select {
		case <-s.ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return nil
}

func (s *Subscriber) connect() error {
	if err := s.client.Connect(); err != nil {
		return err
	}
	return s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handle)
}

// handle runs on paho's router goroutine. Blocking here while the prefetch
// buffer is full is what pushes back on the broker.
func (s *Subscriber) handle(_ mqtt.Client, msg mqtt.Message) {
	m := telemetry.Message{Topic: msg.Topic(), Payload: string(msg.Payload())}
	if !telemetry.Match(s.cfg.Topic, m.Topic) {
		s.logger.Warn("Dropping message outside subscription", zap.String("messageTopic", m.Topic))
		return
	}
	if s.closed() {
		s.dropClosing(m)
		return
	}

	select {
	case s.messages <- m:
	case <-s.done:
		s.dropClosing(m)
	}
}

func (s *Subscriber) dropClosing(m telemetry.Message) {
	s.logger.Warn("Subscriber is closing, dropping message",
		zap.String("messageTopic", m.Topic), zap.String("payload", m.Payload))
}

// Handler exposes the delivery callback so tests can drive it without a broker.
func (s *Subscriber) Handler() mqtt.MessageHandler {
	return s.handle
}

// Next blocks until a message arrives, the subscriber is closed, ctx is
// cancelled, or the connection is lost for good.
func (s *Subscriber) Next(ctx context.Context) (telemetry.Message, error) {
	if s.closed() {
		return telemetry.Message{}, ErrClosed
	}
	select {
	case m := <-s.messages:
		return m, nil
	case err := <-s.faults:
		return telemetry.Message{}, err
	case <-s.done:
		return telemetry.Message{}, ErrClosed
	case <-ctx.Done():
		return telemetry.Message{}, fmt.Errorf("%w: %w", ErrClosed, ctx.Err())
	}
}

// Connected reports whether the broker connection is currently up.
func (s *Subscriber) Connected() bool {
	return s.client != nil && s.client.IsConnected()
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	s.logger.Error("Connection to MQTT broker lost", zap.Error(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed() {
		return
	}
	if !s.cfg.Reconnect {
		s.fault(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.reconnect()
}

// reconnect retries connect+subscribe with exponential backoff until it
// succeeds or the subscriber is closed.
func (s *Subscriber) reconnect() {
	defer s.wg.Done()
	defer s.reconnecting.Store(false)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectMin
	b.MaxInterval = s.cfg.ReconnectMax
	b.MaxElapsedTime = 0

	operation := func() error {
		if s.closed() {
			return backoff.Permanent(ErrClosed)
		}
		if err := s.connect(); err != nil {
			metrics.BusReconnects.WithLabelValues("failure").Inc()
			return err
		}
		metrics.BusReconnects.WithLabelValues("success").Inc()
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("Reconnect attempt failed", zap.Error(err), zap.Duration("retryIn", next))
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, s.ctx), notify); err != nil {
		if !s.closed() {
			s.fault(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
		return
	}
	s.logger.Info("Reconnected and resubscribed")
}

func (s *Subscriber) fault(err error) {
	select {
	case s.faults <- err:
	default:
	}
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close unsubscribes and disconnects. It is safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		if s.client != nil && s.client.IsConnected() {
			if err := s.client.Unsubscribe(s.cfg.Topic); err != nil {
				s.logger.Warn("Failed to unsubscribe", zap.Error(err))
			}
			s.client.Disconnect()
		}
		s.logger.Info("Subscriber stopped")
	})
}
