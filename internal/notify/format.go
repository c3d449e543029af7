// Package notify turns notification events into Discord messages and
// delivers them.
package notify

import (
	"fmt"
	"strconv"

	"github.com/zorkian/chibichonk/pkg/types"
)

const (
	colorActive   = 0x00ff00
	colorPaused   = 0xffa500
	colorFailed   = 0xff0000
	colorFinished = 0x3498db
	colorIdle     = 0x95a5a6
	colorOther    = 0x9b59b6
)

// StatusColor maps a printer status to its embed color.
func StatusColor(status types.PrinterStatus) int {
	switch status {
	case types.StatusRunning, types.StatusPrepare:
		return colorActive
	case types.StatusPause:
		return colorPaused
	case types.StatusFailed:
		return colorFailed
	case types.StatusFinish:
		return colorFinished
	case types.StatusIdle:
		return colorIdle
	default:
		return colorOther
	}
}

// pingStatuses are the statuses a configured user is pinged for.
var pingStatuses = map[types.PrinterStatus]bool{
	types.StatusFinish: true,
	types.StatusFailed: true,
	types.StatusPause:  true,
}

// Format builds the webhook message for event. It returns false when the
// report carries nothing worth sending.
func Format(event types.NotificationEvent) (types.Message, bool) {
	r := event.Report
	if !r.Has(types.FieldStatus) && !r.Has(types.FieldBedTemp) && !r.Has(types.FieldNozzleTemp) && !r.Has(types.FieldProgress) {
		return types.Message{}, false
	}

	status := r.CurrentStatus()
	statusChange := event.Reason == types.ReasonStatusChanged

	title := fmt.Sprintf("🖨️ %s - Update", event.DeviceName)
	if statusChange {
		title = fmt.Sprintf("🖨️ %s - Status Change", event.DeviceName)
	}

	embed := types.Embed{
		Title:  title,
		Color:  StatusColor(status),
		Fields: fields(r),
	}
	if !event.At.IsZero() {
		ts := event.At.UTC()
		embed.Timestamp = &ts
	}

	msg := types.Message{Embeds: []types.Embed{embed}}
	if statusChange && event.PingTarget != "" && pingStatuses[status] {
		msg.Content = fmt.Sprintf("<@%s>", event.PingTarget)
	}
	return msg, true
}

func fields(r types.StatusReport) []types.EmbedField {
	var out []types.EmbedField
	add := func(name, value string, inline bool) {
		out = append(out, types.EmbedField{Name: name, Value: value, Inline: inline})
	}

	switch {
	case r.Has(types.FieldStatus):
		add("Status", string(r.CurrentStatus()), true)
	case r.Has(types.FieldBedTemp) || r.Has(types.FieldNozzleTemp):
		add("Status", "Active (partial data)", true)
	}
	if r.Has(types.FieldBedTemp) {
		add("Bed Temperature", temperature(r.BedTemp, r.BedTarget, r.Has(types.FieldBedTarget)), true)
	}
	if r.Has(types.FieldNozzleTemp) {
		add("Nozzle Temperature", temperature(r.NozzleTemp, r.NozzleTarget, r.Has(types.FieldNozzleTarget)), true)
	}
	if r.Has(types.FieldFilename) && r.Filename != "" {
		// Code span keeps markdown in file names literal.
		add("File", "`"+r.Filename+"`", false)
	}
	if r.Has(types.FieldProgress) {
		add("Progress", strconv.Itoa(r.Progress)+"%", true)
	}
	if r.Has(types.FieldLayer | types.FieldTotalLayers) {
		add("Layer", fmt.Sprintf("%d / %d", r.Layer, r.TotalLayers), true)
	}
	if r.Has(types.FieldRemaining) {
		add("Time Remaining", types.FormatRemaining(r.Remaining), true)
	}
	if r.Has(types.FieldPrintSpeed) {
		add("Print Speed", strconv.Itoa(r.PrintSpeed)+"%", true)
	}
	if r.Has(types.FieldFanSpeed) {
		add("Fan Speed", strconv.Itoa(r.FanSpeed)+"%", true)
	}
	return out
}

func temperature(current, target float64, hasTarget bool) string {
	text := fmt.Sprintf("%.1f°C", current)
	if hasTarget {
		text += fmt.Sprintf(" / %.1f°C", target)
	}
	return text
}
