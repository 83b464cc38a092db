package types

import (
	"time"
)

// InMessage is a raw message received from the broker. The payload is copied out of the
// MQTT client callback so it remains valid after the callback returns.
type InMessage struct {
	// Payload is the raw byte content of the message.
	Payload []byte `json:"payload"`
	// Topic is the concrete topic the message was published on.
	Topic string `json:"topic"`
	// MessageID is the broker packet id, empty for QoS 0.
	MessageID string `json:"message_id"`
	// Timestamp is the arrival time at this process.
	Timestamp time.Time `json:"timestamp"`
	Duplicate bool      `json:"duplicate"`
}

// StationInfo is descriptive metadata about a registered station.
type StationInfo struct {
	SourceID   string `json:"source_id" yaml:"source_id"`
	Name       string `json:"name" yaml:"name"`
	Location   string `json:"location" yaml:"location"`
	DeviceType string `json:"device_type" yaml:"device_type"`
}

// Tags returns the station's non-empty classification values as record tags.
func (s StationInfo) Tags() map[string]string {
	tags := make(map[string]string, 3)
	if s.Location != "" {
		tags["location"] = s.Location
	}
	if s.DeviceType != "" {
		tags["device_type"] = s.DeviceType
	}
	if s.Name != "" {
		tags["station"] = s.Name
	}
	return tags
}
