// Package report decodes printer telemetry payloads and folds them into the
// last known StatusReport.
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zorkian/chibichonk/pkg/types"
)

// ErrMalformedPayload is returned for payloads that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed payload")

// Update holds the fields present in a single payload. Nil means "unchanged".
type Update struct {
	Status       *types.PrinterStatus
	BedTemp      *float64
	BedTarget    *float64
	NozzleTemp   *float64
	NozzleTarget *float64
	Progress     *int
	Layer        *int
	TotalLayers  *int
	Remaining    *time.Duration
	Filename     *string
	PrintSpeed   *int
	FanSpeed     *int
}

// Empty reports whether the update carries no telemetry.
func (u Update) Empty() bool {
	return u == Update{}
}

type envelope struct {
	Print *printSection `json:"print"`
}

type printSection struct {
	GcodeState         *string  `json:"gcode_state"`
	BedTemper          *float64 `json:"bed_temper"`
	BedTargetTemper    *float64 `json:"bed_target_temper"`
	NozzleTemper       *float64 `json:"nozzle_temper"`
	NozzleTargetTemper *float64 `json:"nozzle_target_temper"`
	McPercent          *flexInt `json:"mc_percent"`
	LayerNum           *flexInt `json:"layer_num"`
	TotalLayerNum      *flexInt `json:"total_layer_num"`
	McRemainingTime    *flexInt `json:"mc_remaining_time"`
	SubtaskName        *string  `json:"subtask_name"`
	SpdMag             *flexInt `json:"spd_mag"`
	CoolingFanSpeed    *flexInt `json:"cooling_fan_speed"`
}

// flexInt accepts JSON numbers and numeric strings; some firmware reports fan
// speed as "15".
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q", string(data))
	}
	*f = flexInt(n)
	return nil
}

// Parse decodes a raw payload into an Update. Payloads without a "print"
// object produce an empty Update and no error.
func Parse(payload []byte) (Update, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Print == nil {
		return Update{}, nil
	}
	p := env.Print

	var u Update
	if p.GcodeState != nil {
		status := types.ParseStatus(*p.GcodeState)
		u.Status = &status
	}
	u.BedTemp = p.BedTemper
	u.BedTarget = p.BedTargetTemper
	u.NozzleTemp = p.NozzleTemper
	u.NozzleTarget = p.NozzleTargetTemper
	u.Progress = clampPtr(p.McPercent, 0, 100)
	u.Layer = clampPtr(p.LayerNum, 0, -1)
	u.TotalLayers = clampPtr(p.TotalLayerNum, 0, -1)
	if mins := clampPtr(p.McRemainingTime, 0, -1); mins != nil {
		d := time.Duration(*mins) * time.Minute
		u.Remaining = &d
	}
	u.Filename = p.SubtaskName
	u.PrintSpeed = clampPtr(p.SpdMag, 0, -1)
	u.FanSpeed = clampPtr(p.CoolingFanSpeed, 0, 100)
	return u, nil
}

// clampPtr bounds v to [lo, hi]; a negative hi means no upper bound.
func clampPtr(v *flexInt, lo, hi int) *int {
	if v == nil {
		return nil
	}
	n := int(*v)
	if n < lo {
		n = lo
	}
	if hi >= 0 && n > hi {
		n = hi
	}
	return &n
}
