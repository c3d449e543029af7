package report

import "github.com/zorkian/chibichonk/pkg/types"

// Merge applies u on top of prev. Fields absent from the update keep their
// previous value.
func Merge(prev types.StatusReport, u Update) types.StatusReport {
	next := prev
	if u.Status != nil {
		next.Status = *u.Status
		next.Known |= types.FieldStatus
	}
	setFloat(&next.BedTemp, u.BedTemp, &next.Known, types.FieldBedTemp)
	setFloat(&next.BedTarget, u.BedTarget, &next.Known, types.FieldBedTarget)
	setFloat(&next.NozzleTemp, u.NozzleTemp, &next.Known, types.FieldNozzleTemp)
	setFloat(&next.NozzleTarget, u.NozzleTarget, &next.Known, types.FieldNozzleTarget)
	setInt(&next.Progress, u.Progress, &next.Known, types.FieldProgress)
	setInt(&next.Layer, u.Layer, &next.Known, types.FieldLayer)
	setInt(&next.TotalLayers, u.TotalLayers, &next.Known, types.FieldTotalLayers)
	if u.Remaining != nil {
		next.Remaining = *u.Remaining
		next.Known |= types.FieldRemaining
	}
	if u.Filename != nil {
		next.Filename = *u.Filename
		next.Known |= types.FieldFilename
	}
	setInt(&next.PrintSpeed, u.PrintSpeed, &next.Known, types.FieldPrintSpeed)
	setInt(&next.FanSpeed, u.FanSpeed, &next.Known, types.FieldFanSpeed)
	return next
}

func setFloat(dst *float64, v *float64, known *types.Field, f types.Field) {
	if v == nil {
		return
	}
	*dst = *v
	*known |= f
}

func setInt(dst *int, v *int, known *types.Field, f types.Field) {
	if v == nil {
		return
	}
	*dst = *v
	*known |= f
}
