package types

import (
	"fmt"
	"strings"
	"time"
)

// PrinterStatus is the coarse lifecycle phase reported by a printer.
type PrinterStatus string

const (
	StatusIdle    PrinterStatus = "IDLE"
	StatusPrepare PrinterStatus = "PREPARE"
	StatusRunning PrinterStatus = "RUNNING"
	StatusPause   PrinterStatus = "PAUSE"
	StatusFinish  PrinterStatus = "FINISH"
	StatusFailed  PrinterStatus = "FAILED"
	StatusUnknown PrinterStatus = "UNKNOWN"
)

// ParseStatus maps a raw gcode state onto a PrinterStatus. Unrecognised values
// become StatusUnknown.
func ParseStatus(raw string) PrinterStatus {
	switch s := PrinterStatus(strings.ToUpper(strings.TrimSpace(raw))); s {
	case StatusIdle, StatusPrepare, StatusRunning, StatusPause, StatusFinish, StatusFailed:
		return s
	default:
		return StatusUnknown
	}
}

// Active reports whether the printer is working on a job.
func (s PrinterStatus) Active() bool {
	return s == StatusRunning || s == StatusPrepare
}

// Field identifies a StatusReport value that has been observed at least once.
type Field uint16

const (
	FieldStatus Field = 1 << iota
	FieldBedTemp
	FieldBedTarget
	FieldNozzleTemp
	FieldNozzleTarget
	FieldProgress
	FieldLayer
	FieldTotalLayers
	FieldRemaining
	FieldFilename
	FieldPrintSpeed
	FieldFanSpeed
)

// StatusReport is one snapshot of printer state. Values are only meaningful
// when the matching Field bit is set in Known.
type StatusReport struct {
	Status       PrinterStatus
	BedTemp      float64
	BedTarget    float64
	NozzleTemp   float64
	NozzleTarget float64
	Progress     int
	Layer        int
	TotalLayers  int
	Remaining    time.Duration
	Filename     string
	PrintSpeed   int
	FanSpeed     int
	Known        Field
}

// Has reports whether every field in f has been observed.
func (r StatusReport) Has(f Field) bool {
	return f != 0 && r.Known&f == f
}

// CurrentStatus returns the report status, or StatusUnknown if none was seen.
func (r StatusReport) CurrentStatus() PrinterStatus {
	if !r.Has(FieldStatus) || r.Status == "" {
		return StatusUnknown
	}
	return r.Status
}

// Summary renders a single line suitable for logs.
func (r StatusReport) Summary() string {
	parts := []string{fmt.Sprintf("status=%s", r.CurrentStatus())}
	if r.Has(FieldFilename) && r.Filename != "" {
		parts = append(parts, fmt.Sprintf("file=%q", r.Filename))
	}
	if r.Has(FieldBedTemp) {
		parts = append(parts, fmt.Sprintf("bed=%.1f/%.1f", r.BedTemp, r.BedTarget))
	}
	if r.Has(FieldNozzleTemp) {
		parts = append(parts, fmt.Sprintf("nozzle=%.1f/%.1f", r.NozzleTemp, r.NozzleTarget))
	}
	if r.Has(FieldProgress) {
		parts = append(parts, fmt.Sprintf("progress=%d%%", r.Progress))
	}
	if r.Has(FieldLayer | FieldTotalLayers) {
		parts = append(parts, fmt.Sprintf("layer=%d/%d", r.Layer, r.TotalLayers))
	}
	if r.Has(FieldRemaining) {
		parts = append(parts, fmt.Sprintf("remaining=%s", FormatRemaining(r.Remaining)))
	}
	return strings.Join(parts, " ")
}

// FormatRemaining renders a duration as "3h 5m" or "42m".
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Minute)
	hours, minutes := total/60, total%60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// Cadence configures the progress notifications for one printer. Zero values
// disable the corresponding trigger.
type Cadence struct {
	TimeInterval    time.Duration
	PercentInterval int
}
