package telemetry

import (
	"errors"
	"fmt"
	"strings"
)

const (
	separator   = "/"
	sharePrefix = "$share/"
)

// ErrMalformedTopic is returned when a topic has fewer than three segments.
var ErrMalformedTopic = errors.New("malformed topic")

// TopicError carries the raw topic that failed to decode.
type TopicError struct {
	Topic    string
	Segments int
}

func (e *TopicError) Error() string {
	return fmt.Sprintf("%s %q: expected <root>/<deviceID>/<measurement>, got %d segment(s)",
		ErrMalformedTopic, e.Topic, e.Segments)
}

func (e *TopicError) Unwrap() error { return ErrMalformedTopic }

// Decode extracts the device and measurement from segments 1 and 2 of topic.
// Segment 0 is the root and anything past segment 2 is ignored. Segment
// content is not validated.
func Decode(topic string) (Address, error) {
	parts := strings.Split(topic, separator)
	if len(parts) < 3 {
		return Address{}, &TopicError{Topic: topic, Segments: len(parts)}
	}
	return Address{DeviceID: parts[1], Measurement: parts[2]}, nil
}

// Encode is the inverse of Decode for a single-segment root.
func Encode(root string, a Address) string {
	return strings.Join([]string{root, a.DeviceID, a.Measurement}, separator)
}

// Unshare strips the "$share/<group>/" prefix of a shared subscription.
// Deliveries on a shared subscription carry the plain topic.
func Unshare(filter string) string {
	rest, ok := strings.CutPrefix(filter, sharePrefix)
	if !ok {
		return filter
	}
	if _, topic, ok := strings.Cut(rest, separator); ok {
		return topic
	}
	return filter
}

// Root returns the leading non-wildcard part of a subscription filter, so
// "sensors/+/+", "sensors/#" and "$share/g/sensors/#" all yield "sensors".
func Root(filter string) string {
	filter = Unshare(filter)
	parts := strings.Split(filter, separator)
	for i, p := range parts {
		if p == "+" || p == "#" {
			return strings.Join(parts[:i], separator)
		}
	}
	return filter
}

// Match reports whether topic matches the MQTT filter, honouring the `+`
// (single level) and `#` (multi level, last position only) wildcards. A
// shared subscription filter matches the topics of its underlying filter.
func Match(filter, topic string) bool {
	return matchParts(strings.Split(Unshare(filter), separator), strings.Split(topic, separator), 0, 0)
}

func matchParts(pattern, topic []string, pIdx, tIdx int) bool {
	if pIdx >= len(pattern) {
		return tIdx >= len(topic)
	}
	if tIdx >= len(topic) {
		return pIdx == len(pattern)-1 && pattern[pIdx] == "#"
	}
	switch pattern[pIdx] {
	case "#":
		return true
	case "+":
		return matchParts(pattern, topic, pIdx+1, tIdx+1)
	default:
		return pattern[pIdx] == topic[tIdx] && matchParts(pattern, topic, pIdx+1, tIdx+1)
	}
}
