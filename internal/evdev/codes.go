package evdev

import "fmt"

// Event type and code constants from the kernel's input-event-codes.h,
// limited to what a HOTAS-class controller can emit.
const (
	EV_SYN uint16 = 0x00
	EV_KEY uint16 = 0x01
	EV_REL uint16 = 0x02
	EV_ABS uint16 = 0x03
	EV_MSC uint16 = 0x04

	SYN_REPORT  uint16 = 0
	SYN_CONFIG  uint16 = 1
	SYN_DROPPED uint16 = 3
)

// Absolute axes.
const (
	ABS_X        uint16 = 0x00
	ABS_Y        uint16 = 0x01
	ABS_Z        uint16 = 0x02
	ABS_RX       uint16 = 0x03
	ABS_RY       uint16 = 0x04
	ABS_RZ       uint16 = 0x05
	ABS_THROTTLE uint16 = 0x06
	ABS_RUDDER   uint16 = 0x07
	ABS_WHEEL    uint16 = 0x08
	ABS_HAT0X    uint16 = 0x10
	ABS_HAT0Y    uint16 = 0x11
	ABS_HAT1X    uint16 = 0x12
	ABS_HAT1Y    uint16 = 0x13

	ABS_MAX uint16 = 0x3f
	ABS_CNT        = int(ABS_MAX) + 1
)

// Joystick buttons (source side).
const (
	BTN_TRIGGER uint16 = 0x120
	BTN_THUMB   uint16 = 0x121
	BTN_THUMB2  uint16 = 0x122
	BTN_TOP     uint16 = 0x123
	BTN_TOP2    uint16 = 0x124
	BTN_PINKIE  uint16 = 0x125
	BTN_BASE    uint16 = 0x126
	BTN_BASE2   uint16 = 0x127
	BTN_BASE3   uint16 = 0x128
	BTN_BASE4   uint16 = 0x129
	BTN_BASE5   uint16 = 0x12a
	BTN_BASE6   uint16 = 0x12b
	BTN_DEAD    uint16 = 0x12f
)

// Gamepad buttons (virtual side).
const (
	BTN_SOUTH  uint16 = 0x130
	BTN_EAST   uint16 = 0x131
	BTN_NORTH  uint16 = 0x133
	BTN_WEST   uint16 = 0x134
	BTN_TL     uint16 = 0x136
	BTN_TR     uint16 = 0x137
	BTN_TL2    uint16 = 0x138
	BTN_TR2    uint16 = 0x139
	BTN_SELECT uint16 = 0x13a
	BTN_START  uint16 = 0x13b
	BTN_MODE   uint16 = 0x13c
	BTN_THUMBL uint16 = 0x13d
	BTN_THUMBR uint16 = 0x13e

	BTN_DPAD_UP    uint16 = 0x220
	BTN_DPAD_DOWN  uint16 = 0x221
	BTN_DPAD_LEFT  uint16 = 0x222
	BTN_DPAD_RIGHT uint16 = 0x223
)

const BUS_USB uint16 = 0x03

var absNames = map[uint16]string{
	ABS_X:        "ABS_X",
	ABS_Y:        "ABS_Y",
	ABS_Z:        "ABS_Z",
	ABS_RX:       "ABS_RX",
	ABS_RY:       "ABS_RY",
	ABS_RZ:       "ABS_RZ",
	ABS_THROTTLE: "ABS_THROTTLE",
	ABS_RUDDER:   "ABS_RUDDER",
	ABS_WHEEL:    "ABS_WHEEL",
	ABS_HAT0X:    "ABS_HAT0X",
	ABS_HAT0Y:    "ABS_HAT0Y",
	ABS_HAT1X:    "ABS_HAT1X",
	ABS_HAT1Y:    "ABS_HAT1Y",
}

var keyNames = map[uint16]string{
	BTN_TRIGGER:    "BTN_TRIGGER",
	BTN_THUMB:      "BTN_THUMB",
	BTN_THUMB2:     "BTN_THUMB2",
	BTN_TOP:        "BTN_TOP",
	BTN_TOP2:       "BTN_TOP2",
	BTN_PINKIE:     "BTN_PINKIE",
	BTN_BASE:       "BTN_BASE",
	BTN_BASE2:      "BTN_BASE2",
	BTN_BASE3:      "BTN_BASE3",
	BTN_BASE4:      "BTN_BASE4",
	BTN_BASE5:      "BTN_BASE5",
	BTN_BASE6:      "BTN_BASE6",
	BTN_DEAD:       "BTN_DEAD",
	BTN_SOUTH:      "BTN_SOUTH",
	BTN_EAST:       "BTN_EAST",
	BTN_NORTH:      "BTN_NORTH",
	BTN_WEST:       "BTN_WEST",
	BTN_TL:         "BTN_TL",
	BTN_TR:         "BTN_TR",
	BTN_TL2:        "BTN_TL2",
	BTN_TR2:        "BTN_TR2",
	BTN_SELECT:     "BTN_SELECT",
	BTN_START:      "BTN_START",
	BTN_MODE:       "BTN_MODE",
	BTN_THUMBL:     "BTN_THUMBL",
	BTN_THUMBR:     "BTN_THUMBR",
	BTN_DPAD_UP:    "BTN_DPAD_UP",
	BTN_DPAD_DOWN:  "BTN_DPAD_DOWN",
	BTN_DPAD_LEFT:  "BTN_DPAD_LEFT",
	BTN_DPAD_RIGHT: "BTN_DPAD_RIGHT",
}

// AbsName returns a human-readable name for an absolute axis code.
func AbsName(code uint16) string {
	if name, ok := absNames[code]; ok {
		return name
	}
	return fmt.Sprintf("ABS_0x%02x", code)
}

// KeyName returns a human-readable name for a key/button code.
func KeyName(code uint16) string {
	if name, ok := keyNames[code]; ok {
		return name
	}
	return fmt.Sprintf("KEY_0x%03x", code)
}
