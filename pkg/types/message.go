package types

import "time"

// Message is a Discord webhook execute payload.
type Message struct {
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
}

type Embed struct {
	Title     string       `json:"title,omitempty"`
	Color     int          `json:"color"`
	Fields    []EmbedField `json:"fields,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Outbound is a formatted message waiting for delivery to a webhook.
type Outbound struct {
	ID         string
	DeviceName string
	Target     string
	Message    Message
	EnqueuedAt time.Time
	Attempts   int
}
