package types

import "time"

type EventType string

const (
	EventConnecting      EventType = "Connecting"
	EventConnected       EventType = "Connected"
	EventConnectFailed   EventType = "ConnectFailed"
	EventDisconnected    EventType = "Disconnected"
	EventStopped         EventType = "Stopped"
	EventPayload         EventType = "Payload"
	EventMalformed       EventType = "MalformedPayload"
	EventNotified        EventType = "Notified"
	EventNotifyFailed    EventType = "NotifyFailed"
	EventDelivered       EventType = "Delivered"
	EventDeliveryFailed  EventType = "DeliveryFailed"
	EventDeliveryDropped EventType = "DeliveryDropped"
	EventOutboxDrop      EventType = "OutboxDrop"
)

type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"ts"`
	Device    string            `json:"device,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Details   map[string]any    `json:"details,omitempty"`
}

// Err returns the "error" detail, if any.
func (e Event) Err() string {
	if e.Details == nil {
		return ""
	}
	if s, ok := e.Details["error"].(string); ok {
		return s
	}
	return ""
}
