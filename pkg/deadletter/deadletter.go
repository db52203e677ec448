// Package deadletter forwards messages the connector could not store, with the
// reason, so they can be replayed or inspected later.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/mqttpg/pkg/telemetry"
)

// Stage names the step at which a message failed.
type Stage string

const (
	StageDecode Stage = "decode"
	StageStore  Stage = "store"
)

// Letter is the JSON document published for a failed message.
type Letter struct {
	Topic    string    `json:"topic"`
	Payload  string    `json:"payload"`
	Stage    Stage     `json:"stage"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// New builds a Letter for msg failing at stage with err.
func New(msg telemetry.Message, stage Stage, err error) Letter {
	return Letter{
		Topic:    msg.Topic,
		Payload:  msg.Payload,
		Stage:    stage,
		Reason:   err.Error(),
		FailedAt: time.Now().UTC(),
	}
}

// Marshal encodes the letter as JSON.
func (l Letter) Marshal() ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return data, nil
}

// Sink receives dead letters.
type Sink interface {
	Send(ctx context.Context, l Letter) error
	Close() error
}

// Multi fans a letter out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, l Letter) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, l); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
