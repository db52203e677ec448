package deadletter

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures the NATS dead-letter sink.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// natsConn is the part of *nats.Conn the sink uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Drain() error
}

// NATSSink publishes letters to a NATS subject.
type NATSSink struct {
	nc      natsConn
	subject string
}

// NewNATSSink connects to the server at cfg.URL.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	url := cmp.Or(cfg.URL, nats.DefaultURL)
	nc, err := nats.Connect(url,
		nats.Name("mqttpg-deadletter"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server %s: %w", url, err)
	}
	return &NATSSink{nc: nc, subject: cmp.Or(cfg.Subject, "mqttpg.deadletter")}, nil
}

func (s *NATSSink) Send(ctx context.Context, l Letter) error {
	data, err := l.Marshal()
	if err != nil {
		return err
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("dead letter to nats %s: %w", s.subject, err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats %s: %w", s.subject, err)
	}
	return nil
}

func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
