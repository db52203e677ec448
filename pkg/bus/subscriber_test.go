package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	connectErrs  []error
	connects     int
	subscribes   []string
	unsubscribes []string
	published    map[string][]byte
	disconnected bool
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) IsConnectionOpen() bool { return f.IsConnected() }

func (f *fakeClient) Connect() mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return newToken(err)
		}
	}
	f.connected = true
	return newToken(nil)
}

func (f *fakeClient) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnected = true
}

func (f *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string][]byte{}
	}
	f.published[topic] = payload.([]byte)
	return newToken(nil)
}

func (f *fakeClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
	return newToken(nil)
}

func (f *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return newToken(nil)
}

func (f *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, topics...)
	return newToken(nil)
}

func (f *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (f *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (f *fakeClient) subscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribes)
}

func fakeBackedClient(fake *fakeClient) *Client {
	c := NewClient(mqtt.NewClientOptions(), time.Second, zap.NewNop())
	c.newClient = func(*mqtt.ClientOptions) mqtt.Client { return fake }
	return c
}

func startSubscriber(t *testing.T, cfg Config, fake *fakeClient) *Subscriber {
	t.Helper()
	s := NewSubscriber(cfg, zap.NewNop())
	require.NoError(t, s.start(context.Background(), fakeBackedClient(fake)))
	t.Cleanup(s.Close)
	return s
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Host: "localhost", Port: "1883", Topic: "sensors/#"}.withDefaults("test")

	assert.Equal(t, "tcp://localhost:1883", cfg.BrokerURL())
	assert.Equal(t, 20*time.Second, cfg.KeepAlive)
	assert.Equal(t, byte(1), cfg.QoS)
	assert.Equal(t, 25, cfg.PrefetchDepth)
	assert.Regexp(t, `^test-[0-9a-f]{8}$`, cfg.ClientID)

	assert.Equal(t, "ssl://broker:8883", Config{Host: "broker", Port: "8883", TLS: &TLSOptions{}}.BrokerURL())
	assert.Equal(t, "ws://broker:9001", Config{Host: "ws://broker", Port: "9001"}.BrokerURL())
}

func TestSubscriberDeliversInOrder(t *testing.T) {
	fake := &fakeClient{}
	s := startSubscriber(t, Config{Topic: "sensors/#"}, fake)
	assert.Equal(t, []string{"sensors/#"}, fake.subscribes)
	assert.True(t, s.Connected())

	handler := s.Handler()
	handler(nil, fakeMessage{topic: "sensors/device123/temperature", payload: []byte("42")})
	handler(nil, fakeMessage{topic: "sensors/device123/humidity", payload: []byte("11")})

	ctx := context.Background()
	m, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, telemetry.Message{Topic: "sensors/device123/temperature", Payload: "42"}, m)

	m, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sensors/device123/humidity", m.Topic)
}

func TestSubscriberDropsForeignTopics(t *testing.T) {
	s := startSubscriber(t, Config{Topic: "sensors/+/+"}, &fakeClient{})
	s.Handler()(nil, fakeMessage{topic: "other/device/temperature", payload: []byte("1")})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriberBackpressure(t *testing.T) {
	s := startSubscriber(t, Config{Topic: "sensors/#", PrefetchDepth: 1}, &fakeClient{})
	handler := s.Handler()
	handler(nil, fakeMessage{topic: "sensors/d/a", payload: []byte("1")})

	delivered := make(chan struct{})
	go func() {
		handler(nil, fakeMessage{topic: "sensors/d/b", payload: []byte("2")})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("handler should block while the prefetch buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := s.Next(context.Background())
	require.NoError(t, err)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("handler did not resume after the consumer caught up")
	}
}

func TestSubscriberStartFailure(t *testing.T) {
	s := NewSubscriber(Config{Host: "localhost", Port: "1883", Topic: "sensors/#"}, zap.NewNop())
	err := s.start(context.Background(), fakeBackedClient(&fakeClient{connectErrs: []error{errors.New("refused")}}))

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "tcp://localhost:1883", ce.Broker)
}

func TestSubscriberConnectionLostWithoutReconnect(t *testing.T) {
	s := startSubscriber(t, Config{Topic: "sensors/#", Reconnect: false}, &fakeClient{})
	s.onConnectionLost(nil, errors.New("EOF"))

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
}

func TestSubscriberReconnects(t *testing.T) {
	fake := &fakeClient{}
	s := startSubscriber(t, Config{
		Topic:        "sensors/#",
		Reconnect:    true,
		ReconnectMin: time.Millisecond,
		ReconnectMax: 5 * time.Millisecond,
	}, fake)

	fake.mu.Lock()
	fake.connected = false
	fake.connectErrs = []error{errors.New("refused"), errors.New("refused")}
	fake.mu.Unlock()

	s.onConnectionLost(nil, errors.New("EOF"))

	assert.Eventually(t, func() bool { return fake.subscribeCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, s.Connected())

	s.Handler()(nil, fakeMessage{topic: "sensors/d/t", payload: []byte("5")})
	m, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5", m.Payload)
}

func TestSubscriberClose(t *testing.T) {
	fake := &fakeClient{}
	s := startSubscriber(t, Config{Topic: "sensors/#"}, fake)

	s.Close()
	s.Close()

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, []string{"sensors/#"}, fake.unsubscribes)
	assert.True(t, fake.disconnected)
}

func TestSubscriberClosesOnCancel(t *testing.T) {
	fake := &fakeClient{}
	s := NewSubscriber(Config{Topic: "sensors/#"}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.start(ctx, fakeBackedClient(fake)))

	cancel()
	assert.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.disconnected
	}, time.Second, 5*time.Millisecond)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClientPublish(t *testing.T) {
	fake := &fakeClient{}
	c := fakeBackedClient(fake)
	require.NoError(t, c.Connect())

	require.NoError(t, c.Publish(context.Background(), "sensors/d/t", 1, false, []byte("1")))
	assert.Equal(t, []byte("1"), fake.published["sensors/d/t"])
}

func TestSubscriberSharedSubscription(t *testing.T) {
	fake := &fakeClient{}
	s := startSubscriber(t, Config{Topic: "$share/ingest/sensors/+/+"}, fake)

	s.Handler()(nil, fakeMessage{topic: "sensors/device123/temperature", payload: []byte("42")})

	m, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sensors/device123/temperature", m.Topic)
	assert.Equal(t, []string{"$share/ingest/sensors/+/+"}, fake.subscribes)
}

func TestSubscriberDropsAfterClose(t *testing.T) {
	s := startSubscriber(t, Config{Topic: "sensors/#"}, &fakeClient{})
	s.Close()

	s.Handler()(nil, fakeMessage{topic: "sensors/d/t", payload: []byte("1")})
	assert.Empty(t, s.messages)

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubscriberConnectionLostRacesClose(t *testing.T) {
	for range 50 {
		fake := &fakeClient{connectErrs: []error{nil}}
		s := startSubscriber(t, Config{
			Topic:        "sensors/#",
			Reconnect:    true,
			ReconnectMin: time.Millisecond,
			ReconnectMax: time.Millisecond,
		}, fake)

		fake.mu.Lock()
		fake.connected = false
		for range 1000 {
			fake.connectErrs = append(fake.connectErrs, errors.New("refused"))
		}
		fake.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.onConnectionLost(nil, errors.New("EOF"))
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()

		// No reconnect attempt may outlive Close.
		fake.mu.Lock()
		connects := fake.connects
		fake.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		fake.mu.Lock()
		assert.Equal(t, connects, fake.connects)
		fake.mu.Unlock()
	}
}
