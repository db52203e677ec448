// Package telemetry holds the data model shared by the connector and the
// simulator, and the codec for the `<root>/<deviceID>/<measurement>` topic scheme.
package telemetry

// TypeInteger is the only value type currently written to the store.
const TypeInteger = "integer"

// Message is a single delivery from the bus.
type Message struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// Address identifies the device and measurement a message belongs to.
type Address struct {
	DeviceID    string `json:"deviceID"`
	Measurement string `json:"measurement"`
}

// Record is a persisted telemetry row. Value is the raw payload text.
type Record struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Type     string `json:"type"`
}

// NewRecord builds the row for a decoded address and raw payload.
func NewRecord(a Address, value string) Record {
	return Record{
		DeviceID: a.DeviceID,
		Name:     a.Measurement,
		Value:    value,
		Type:     TypeInteger,
	}
}
