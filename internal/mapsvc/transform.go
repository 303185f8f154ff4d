package mapsvc

import (
	"fmt"
	"math"
)

// AxisCalibration is the captured travel of one physical axis. An axis whose
// center sits strictly inside the observed range (by more than 5% of travel on
// both sides) is centered and mapped in two segments around the center; an
// axis resting at one end is unidirectional and mapped in a single segment.
type AxisCalibration struct {
	ObservedMin    int32
	ObservedMax    int32
	Center         int32
	DeadzoneRadius int32
}

// Validate checks the calibration invariants.
func (c AxisCalibration) Validate() error {
	if c.ObservedMin > c.Center || c.Center > c.ObservedMax {
		return fmt.Errorf("calibration center %d outside observed range [%d, %d]",
			c.Center, c.ObservedMin, c.ObservedMax)
	}
	if c.DeadzoneRadius < 0 {
		return fmt.Errorf("negative deadzone radius %d", c.DeadzoneRadius)
	}
	return nil
}

// Centered classifies the axis. The epsilon is 5% of observed travel, which
// tolerates rest positions reported a few counts away from a mechanical stop.
func (c AxisCalibration) Centered() bool {
	eps := (c.ObservedMax - c.ObservedMin) / 20
	return c.Center-c.ObservedMin > eps && c.ObservedMax-c.Center > eps
}

// transformAxis converts one raw axis value into the slot's output range.
// Intermediate math runs in float64; the result is rounded once and clamped to
// [MinOut, MaxOut], which is the sole post-condition on the output.
func transformAxis(value int32, x AxisTransform, cal *AxisCalibration) int32 {
	if cal == nil {
		return transformUncalibrated(value, x)
	}
	var out float64
	if cal.Centered() {
		out = centeredMap(value, x, *cal)
	} else {
		out = linearMap(float64(value),
			float64(cal.ObservedMin), float64(cal.ObservedMax),
			float64(x.MinOut), float64(x.MaxOut))
		if x.Invert {
			out = float64(x.MinOut) + float64(x.MaxOut) - out
		}
	}
	return clampRound(out, x.MinOut, x.MaxOut)
}

// centeredMap is the two-segment mapping: [min, center-dz] onto [MinOut, 0]
// and [center+dz, max] onto [0, MaxOut], with the deadzone collapsing to 0.
// Invert swaps the segment targets so the center stays exactly at 0.
func centeredMap(value int32, x AxisTransform, cal AxisCalibration) float64 {
	d := value - cal.Center
	if d > -cal.DeadzoneRadius && d < cal.DeadzoneRadius {
		return 0
	}
	lo, hi := float64(x.MinOut), float64(x.MaxOut)
	if x.Invert {
		lo, hi = hi, lo
	}
	if value < cal.Center {
		edge := cal.Center - cal.DeadzoneRadius
		if edge <= cal.ObservedMin {
			return lo
		}
		return linearMap(float64(value), float64(cal.ObservedMin), float64(edge), lo, 0)
	}
	edge := cal.Center + cal.DeadzoneRadius
	if edge >= cal.ObservedMax {
		return hi
	}
	return linearMap(float64(value), float64(edge), float64(cal.ObservedMax), 0, hi)
}

// transformUncalibrated passes the raw value through the per-binding shaping
// only: subtractive deadzone toward zero, scale, optional reflection, clamp.
// It serves only until the first calibration is installed for the axis.
func transformUncalibrated(value int32, x AxisTransform) int32 {
	v := float64(value)
	if x.Deadzone > 0 {
		dz := float64(x.Deadzone)
		switch {
		case v < 0:
			v = math.Min(0, v+dz)
		default:
			v = math.Max(0, v-dz)
		}
	}
	scale := x.Scale
	if scale == 0 {
		scale = 1
	}
	v *= scale
	if x.Invert {
		v = float64(x.MinOut) + float64(x.MaxOut) - v
	}
	return clampRound(v, x.MinOut, x.MaxOut)
}

func linearMap(v, inLo, inHi, outLo, outHi float64) float64 {
	if inHi == inLo {
		return outLo
	}
	return outLo + (v-inLo)*(outHi-outLo)/(inHi-inLo)
}

func clampRound(v float64, lo, hi int32) int32 {
	out := int32(math.Round(v))
	if out < lo {
		return lo
	}
	if out > hi {
		return hi
	}
	return out
}
