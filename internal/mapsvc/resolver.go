package mapsvc

import (
	"github.com/hotasfuse/hotasfuse/internal/evdev"
)

// OutputEvent is one pending write to the virtual pad.
type OutputEvent struct {
	Slot  VirtualSlot
	Value int32
}

type calKey struct {
	role Role
	code uint16
}

// Resolver is the stateful fusion engine. It maps many physical inputs onto
// the smaller virtual slot set under OR-fusion with refcounts (buttons),
// fixed-priority selection (axes) and edge-triggered output.
//
// Resolver is owned by the event loop and is not safe for concurrent use.
type Resolver struct {
	table        *Table
	calibrations map[calKey]AxisCalibration

	buttonSources  map[VirtualSlot]map[PhysicalInput]bool
	buttonRefcount map[VirtualSlot]int
	axisValues     map[VirtualSlot]map[Role]int32
	lastOutput     map[VirtualSlot]int32

	// Drain order must be stable within one process: buttons first, then
	// axes, each in table construction order.
	buttonOrder []VirtualSlot
	axisOrder   []VirtualSlot
}

// Trigger-click state is tracked for mirroring into the analog triggers but
// never emitted as button events; some titles misread those as menu buttons.
var suppressedButtons = map[VirtualSlot]struct{}{
	{KindButton, evdev.BTN_TL2}: {},
	{KindButton, evdev.BTN_TR2}: {},
}

// NewResolver builds a resolver over a vetted binding table. Every bound slot
// is seeded with a zero baseline so the first nonzero value edges.
func NewResolver(table *Table) *Resolver {
	r := &Resolver{
		table:          table,
		calibrations:   make(map[calKey]AxisCalibration),
		buttonSources:  make(map[VirtualSlot]map[PhysicalInput]bool),
		buttonRefcount: make(map[VirtualSlot]int),
		axisValues:     make(map[VirtualSlot]map[Role]int32),
		lastOutput:     make(map[VirtualSlot]int32),
	}
	for _, b := range table.Bindings() {
		if b.Dst.Kind == KindButton {
			if _, ok := r.buttonSources[b.Dst]; !ok {
				r.buttonSources[b.Dst] = make(map[PhysicalInput]bool)
				r.buttonRefcount[b.Dst] = 0
				r.lastOutput[b.Dst] = 0
				r.buttonOrder = append(r.buttonOrder, b.Dst)
			}
		} else {
			r.ensureAxisSlot(b.Dst)
		}
	}
	return r
}

func (r *Resolver) ensureAxisSlot(slot VirtualSlot) {
	if _, ok := r.axisValues[slot]; ok {
		return
	}
	r.axisValues[slot] = make(map[Role]int32)
	r.lastOutput[slot] = 0
	r.axisOrder = append(r.axisOrder, slot)
}

// SetCalibration installs the calibration for one physical axis. Installing
// is idempotent and does not touch already-cached values; the next Process
// call for the axis picks it up.
func (r *Resolver) SetCalibration(role Role, srcCode uint16, cal AxisCalibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	r.calibrations[calKey{role, srcCode}] = cal
	return nil
}

// Calibration returns the installed calibration for one physical axis.
func (r *Resolver) Calibration(role Role, srcCode uint16) (AxisCalibration, bool) {
	cal, ok := r.calibrations[calKey{role, srcCode}]
	return cal, ok
}

// Process updates fusion state for every binding matching the input. Kernel
// autorepeat (value 2) counts as a press.
func (r *Resolver) Process(input PhysicalInput, value int32) {
	for _, b := range r.table.Match(input) {
		if b.Dst.Kind == KindButton {
			sources := r.buttonSources[b.Dst]
			if sources == nil {
				continue
			}
			sources[b.Src] = value != 0
			refcount := 0
			for _, pressed := range sources {
				if pressed {
					refcount++
				}
			}
			r.buttonRefcount[b.Dst] = refcount
		} else {
			var cal *AxisCalibration
			if c, ok := r.calibrations[calKey{input.Role, input.Code}]; ok {
				cal = &c
			}
			r.axisValues[b.Dst][input.Role] = transformAxis(value, b.Xform, cal)
		}
	}
}

// DrainPending collects every slot whose current value differs from its last
// emitted value, updating the record in the same pass. Buttons drain before
// axes, and mirrored axis values are synthesized in between so real analog
// sources still win the priority selection. Each slot appears at most once.
func (r *Resolver) DrainPending() []OutputEvent {
	var events []OutputEvent
	seen := make(map[VirtualSlot]struct{})

	for _, slot := range r.buttonOrder {
		if _, suppressed := suppressedButtons[slot]; suppressed {
			continue
		}
		var current int32
		if r.buttonRefcount[slot] > 0 {
			current = 1
		}
		events = r.emit(events, seen, slot, current)
	}

	r.mirrorButtons()

	for _, slot := range r.axisOrder {
		events = r.emit(events, seen, slot, r.axisCurrent(slot))
	}
	return events
}

func (r *Resolver) emit(events []OutputEvent, seen map[VirtualSlot]struct{}, slot VirtualSlot, current int32) []OutputEvent {
	if _, dup := seen[slot]; dup {
		return events
	}
	if current == r.lastOutput[slot] {
		return events
	}
	seen[slot] = struct{}{}
	r.lastOutput[slot] = current
	return append(events, OutputEvent{Slot: slot, Value: current})
}

// axisCurrent selects the slot value by role priority; absent everywhere
// means centered.
func (r *Resolver) axisCurrent(slot VirtualSlot) int32 {
	values := r.axisValues[slot]
	for _, role := range rolePriority {
		if v, ok := values[role]; ok {
			return v
		}
	}
	return 0
}

// mirrorButtons folds D-pad buttons into the hat axes and trigger clicks into
// the analog triggers. The synthetic values live under the lowest-priority
// role.
func (r *Resolver) mirrorButtons() {
	type fold struct {
		negative uint16
		positive uint16
		axis     uint16
	}
	for _, f := range []fold{
		{evdev.BTN_DPAD_LEFT, evdev.BTN_DPAD_RIGHT, evdev.ABS_HAT0X},
		{evdev.BTN_DPAD_UP, evdev.BTN_DPAD_DOWN, evdev.ABS_HAT0Y},
	} {
		neg, negTracked := r.buttonPressed(f.negative)
		pos, posTracked := r.buttonPressed(f.positive)
		if !negTracked && !posTracked {
			continue
		}
		var v int32
		if pos {
			v++
		}
		if neg {
			v--
		}
		r.writeMirror(f.axis, v)
	}

	for _, t := range []struct{ button, axis uint16 }{
		{evdev.BTN_TL2, evdev.ABS_Z},
		{evdev.BTN_TR2, evdev.ABS_RZ},
	} {
		pressed, tracked := r.buttonPressed(t.button)
		if !tracked {
			continue
		}
		var v int32
		if pressed {
			v = 255
		}
		r.writeMirror(t.axis, v)
	}
}

func (r *Resolver) buttonPressed(code uint16) (pressed, tracked bool) {
	slot := VirtualSlot{KindButton, code}
	if _, ok := r.buttonSources[slot]; !ok {
		return false, false
	}
	return r.buttonRefcount[slot] > 0, true
}

func (r *Resolver) writeMirror(axisCode uint16, value int32) {
	slot := VirtualSlot{KindAxis, axisCode}
	r.ensureAxisSlot(slot)
	r.axisValues[slot][mirrorRole] = value
}

// Bindings exposes the active binding set for diagnostics.
func (r *Resolver) Bindings() []Binding {
	return r.table.Bindings()
}
