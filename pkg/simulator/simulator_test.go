package simulator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type published struct {
	topic   string
	payload string
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]bool
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[topic] {
		return errors.New("not connected")
	}
	p.msgs = append(p.msgs, published{topic, string(payload)})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func TestDefaultCounters(t *testing.T) {
	c := DefaultCounters()
	assert.Equal(t, []string{"temperature", "humidity", "pressure"}, c.Names())

	readings := c.Advance()
	assert.Equal(t, []Reading{
		{Measurement: "temperature", Value: 1},
		{Measurement: "humidity", Value: 11},
		{Measurement: "pressure", Value: 21},
	}, readings)
}

func TestAdvanceWraps(t *testing.T) {
	c := NewCounters()
	c.Add("x", 98)

	var got []int
	for range 4 {
		got = append(got, c.Advance()[0].Value)
	}
	assert.Equal(t, []int{99, 100, 1, 2}, got)

	v, ok := c.Value("x")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestAddResetsExisting(t *testing.T) {
	c := NewCounters()
	c.Add("x", 5)
	c.Add("x", 7)
	assert.Equal(t, []string{"x"}, c.Names())
	v, _ := c.Value("x")
	assert.Equal(t, 7, v)
}

func TestTickPublishesEveryReading(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, "sensors", []string{"device123", "device456"}, time.Second, nil)

	s.Tick(context.Background())

	assert.Equal(t, []published{
		{"sensors/device123/temperature", "1"},
		{"sensors/device123/humidity", "11"},
		{"sensors/device123/pressure", "21"},
		{"sensors/device456/temperature", "1"},
		{"sensors/device456/humidity", "11"},
		{"sensors/device456/pressure", "21"},
	}, pub.msgs)

	for _, m := range pub.msgs {
		a, err := telemetry.Decode(m.topic)
		require.NoError(t, err)
		assert.NotEmpty(t, a.DeviceID)
	}
}

func TestTickContinuesAfterPublishFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	pub := &fakePublisher{fail: map[string]bool{"sensors/d/temperature": true}}
	s := New(pub, "sensors", []string{"d"}, time.Second, zap.New(core))

	s.Tick(context.Background())

	assert.Equal(t, []published{
		{"sensors/d/humidity", "11"},
		{"sensors/d/pressure", "21"},
	}, pub.msgs)
	failures := logs.FilterMessage("Failed to publish reading").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "sensors/d/temperature", failures[0].ContextMap()["topic"])

	// The failed reading is not replayed; its counter has still advanced.
	v, _ := s.Counters("d").Value("temperature")
	assert.Equal(t, 1, v)
}

func TestRunStopsOnCancel(t *testing.T) {
	pub := &fakePublisher{}
	s := New(pub, "sensors", []string{"d"}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return pub.count() >= 6 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("simulator did not stop")
	}
}

func TestNewDefaults(t *testing.T) {
	s := New(&fakePublisher{}, "sensors", []string{"d"}, 0, nil)
	assert.Equal(t, DefaultInterval, s.interval)
	assert.Nil(t, s.Counters("unknown"))
}
