package deadletter

import (
	"context"
	"fmt"
)

// Publisher is satisfied by *bus.Publisher.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// MQTTSink republishes letters on a fixed topic of the same broker.
type MQTTSink struct {
	pub   Publisher
	topic string
	close func()
}

// NewMQTTSink returns a sink publishing to topic. closeFn, if not nil, is
// called by Close to release the publisher.
func NewMQTTSink(pub Publisher, topic string, closeFn func()) *MQTTSink {
	return &MQTTSink{pub: pub, topic: topic, close: closeFn}
}

func (s *MQTTSink) Send(ctx context.Context, l Letter) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	if err := s.pub.Publish(ctx, s.topic, data); err != nil {
		return fmt.Errorf("dead letter to mqtt %s: %w", s.topic, err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
