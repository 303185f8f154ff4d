package mapsvc

import (
	"fmt"

	"github.com/hotasfuse/hotasfuse/internal/evdev"
)

// AxisTransform is the per-binding output spec for axis bindings.
type AxisTransform struct {
	Invert   bool
	Deadzone int32
	Scale    float64
	MinOut   int32
	MaxOut   int32
}

// Binding routes one physical input to one virtual slot.
type Binding struct {
	Src   PhysicalInput
	Dst   VirtualSlot
	Xform AxisTransform
}

// The virtual controller contract: the closed set of slots the pad exposes.
// Bindings to anything else are rejected.
var contractButtons = map[uint16]struct{}{
	evdev.BTN_SOUTH: {}, evdev.BTN_EAST: {}, evdev.BTN_WEST: {}, evdev.BTN_NORTH: {},
	evdev.BTN_TL: {}, evdev.BTN_TR: {},
	evdev.BTN_TL2: {}, evdev.BTN_TR2: {},
	evdev.BTN_SELECT: {}, evdev.BTN_START: {}, evdev.BTN_MODE: {},
	evdev.BTN_THUMBL: {}, evdev.BTN_THUMBR: {},
	evdev.BTN_DPAD_UP: {}, evdev.BTN_DPAD_DOWN: {}, evdev.BTN_DPAD_LEFT: {}, evdev.BTN_DPAD_RIGHT: {},
}

var contractAxes = map[uint16]struct{}{
	evdev.ABS_X: {}, evdev.ABS_Y: {}, evdev.ABS_RX: {}, evdev.ABS_RY: {},
	evdev.ABS_Z: {}, evdev.ABS_RZ: {}, evdev.ABS_HAT0X: {}, evdev.ABS_HAT0Y: {},
}

// SlotValid reports whether slot belongs to the virtual controller contract.
func SlotValid(slot VirtualSlot) bool {
	if slot.Kind == KindButton {
		_, ok := contractButtons[slot.Code]
		return ok
	}
	_, ok := contractAxes[slot.Code]
	return ok
}

// axisRangeFor returns the contract output range for a destination axis.
func axisRangeFor(dst uint16) (min, max int32, ok bool) {
	switch dst {
	case evdev.ABS_X, evdev.ABS_Y, evdev.ABS_RX, evdev.ABS_RY:
		return -32768, 32767, true
	case evdev.ABS_Z, evdev.ABS_RZ:
		return 0, 255, true
	case evdev.ABS_HAT0X, evdev.ABS_HAT0Y:
		return -1, 1, true
	}
	return 0, 0, false
}

// Table is the immutable index from physical inputs to bindings. It is built
// once per configuration and queried by the resolver on every event.
type Table struct {
	bindings []Binding
	byInput  map[PhysicalInput][]int
}

// NewTable validates the bindings and builds the lookup index. A binding whose
// destination lies outside the contract, whose kinds disagree, or whose source
// is already bound rejects the whole table; callers pre-filter user
// configuration and only hand over vetted sets.
func NewTable(bindings []Binding) (*Table, error) {
	t := &Table{
		bindings: make([]Binding, 0, len(bindings)),
		byInput:  make(map[PhysicalInput][]int, len(bindings)),
	}
	for _, b := range bindings {
		if b.Src.Kind != b.Dst.Kind {
			return nil, fmt.Errorf("binding %v -> %v: kind mismatch", b.Src, b.Dst)
		}
		if !SlotValid(b.Dst) {
			return nil, fmt.Errorf("binding destination %v outside the virtual contract", b.Dst)
		}
		if len(t.byInput[b.Src]) > 0 {
			return nil, fmt.Errorf("source %v bound more than once", b.Src)
		}
		t.byInput[b.Src] = append(t.byInput[b.Src], len(t.bindings))
		t.bindings = append(t.bindings, b)
	}
	return t, nil
}

// Match returns the bindings whose source equals in.
func (t *Table) Match(in PhysicalInput) []Binding {
	idx := t.byInput[in]
	if len(idx) == 0 {
		return nil
	}
	matched := make([]Binding, 0, len(idx))
	for _, i := range idx {
		matched = append(matched, t.bindings[i])
	}
	return matched
}

// Bindings returns the table contents in construction order.
func (t *Table) Bindings() []Binding {
	return t.bindings
}

// DefaultBindings is the built-in HOTAS-to-pad map used when the configuration
// carries no bindings of its own.
func DefaultBindings() []Binding {
	stickRange := AxisTransform{Scale: 1, MinOut: -32768, MaxOut: 32767}
	triggerRange := AxisTransform{Scale: 1, MinOut: 0, MaxOut: 255}
	hatRange := AxisTransform{Scale: 1, MinOut: -1, MaxOut: 1}

	bindings := []Binding{
		{Src: PhysicalInput{RoleStick, KindAxis, evdev.ABS_X}, Dst: VirtualSlot{KindAxis, evdev.ABS_X}, Xform: stickRange},
		{Src: PhysicalInput{RoleStick, KindAxis, evdev.ABS_Y}, Dst: VirtualSlot{KindAxis, evdev.ABS_Y}, Xform: stickRange},
		{Src: PhysicalInput{RoleStick, KindAxis, evdev.ABS_HAT0X}, Dst: VirtualSlot{KindAxis, evdev.ABS_HAT0X}, Xform: hatRange},
		{Src: PhysicalInput{RoleStick, KindAxis, evdev.ABS_HAT0Y}, Dst: VirtualSlot{KindAxis, evdev.ABS_HAT0Y}, Xform: hatRange},

		// Throttles report their main lever as ABS_Z or ABS_THROTTLE
		// depending on the model; both land on the left trigger.
		{Src: PhysicalInput{RoleThrottle, KindAxis, evdev.ABS_Z}, Dst: VirtualSlot{KindAxis, evdev.ABS_Z}, Xform: triggerRange},
		{Src: PhysicalInput{RoleThrottle, KindAxis, evdev.ABS_THROTTLE}, Dst: VirtualSlot{KindAxis, evdev.ABS_Z}, Xform: triggerRange},
		{Src: PhysicalInput{RoleThrottle, KindAxis, evdev.ABS_HAT0X}, Dst: VirtualSlot{KindAxis, evdev.ABS_HAT0X}, Xform: hatRange},
		{Src: PhysicalInput{RoleThrottle, KindAxis, evdev.ABS_HAT0Y}, Dst: VirtualSlot{KindAxis, evdev.ABS_HAT0Y}, Xform: hatRange},

		{Src: PhysicalInput{RoleRudder, KindAxis, evdev.ABS_RZ}, Dst: VirtualSlot{KindAxis, evdev.ABS_RZ}, Xform: triggerRange},
	}

	buttonMap := []struct{ src, dst uint16 }{
		{evdev.BTN_TRIGGER, evdev.BTN_SOUTH},
		{evdev.BTN_THUMB, evdev.BTN_EAST},
		{evdev.BTN_THUMB2, evdev.BTN_WEST},
		{evdev.BTN_TOP, evdev.BTN_NORTH},
		{evdev.BTN_TOP2, evdev.BTN_TL},
		{evdev.BTN_PINKIE, evdev.BTN_TR},
		{evdev.BTN_BASE, evdev.BTN_SELECT},
		{evdev.BTN_BASE2, evdev.BTN_START},
		{evdev.BTN_BASE3, evdev.BTN_THUMBL},
		{evdev.BTN_BASE4, evdev.BTN_THUMBR},
	}
	for _, role := range []Role{RoleStick, RoleThrottle, RoleRudder} {
		for _, m := range buttonMap {
			bindings = append(bindings, Binding{
				Src: PhysicalInput{role, KindButton, m.src},
				Dst: VirtualSlot{KindButton, m.dst},
			})
		}
	}
	return bindings
}
