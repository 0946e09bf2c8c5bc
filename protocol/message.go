// Package protocol implements the relay's JSON wire format: UTF-8 text frames
// holding an object with an integer "ID" discriminator and kind-specific
// payload fields.
package protocol

// Discriminators understood by the relay.
const (
	// TelemetryID tags an inbound sensor reading.
	TelemetryID = 1
	// TelemetryBroadcastID tags the reading as re-broadcast to every session.
	TelemetryBroadcastID = 1001
)

// Message is the typed form of one wire message.
type Message struct {
	// ID selects the message kind.
	ID int `json:"ID"`
	// Sicaklik is the temperature reading carried by telemetry messages.
	Sicaklik float64 `json:"Sicaklik"`
}

// wireMessage detects a missing discriminator, which a plain int would hide.
type wireMessage struct {
	ID       *int    `json:"ID"`
	Sicaklik float64 `json:"Sicaklik"`
}
