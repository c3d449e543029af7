package types

import "time"

// Reason explains why a notification fired.
type Reason string

const (
	ReasonStatusChanged    Reason = "STATUS_CHANGED"
	ReasonTimeElapsed      Reason = "TIME_ELAPSED"
	ReasonPercentMilestone Reason = "PERCENT_MILESTONE"
)

// Priority orders reasons; lower values win.
func (r Reason) Priority() int {
	switch r {
	case ReasonStatusChanged:
		return 0
	case ReasonTimeElapsed:
		return 1
	case ReasonPercentMilestone:
		return 2
	default:
		return 3
	}
}

// NotificationEvent is handed from a device monitor to the notifier. It is
// not retained after delivery.
type NotificationEvent struct {
	ID         string
	DeviceName string
	Reason     Reason
	Reasons    []Reason
	Report     StatusReport
	PingTarget string
	At         time.Time
}
