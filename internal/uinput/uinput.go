// Package uinput creates the synthetic game controller. The device is set up
// once with a fixed capability set and fixed axis ranges, carries the Xbox 360
// controller identity so games recognise it without extra mapping, and is
// destroyed only at shutdown.
package uinput

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"

	"github.com/hotasfuse/hotasfuse/internal/evdev"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const devicePath = "/dev/uinput"

// Constants from the kernel's uinput.h.
const (
	maxNameSize = 80

	uiDevCreate  = 0x5501     // _IO('U', 1)
	uiDevDestroy = 0x5502     // _IO('U', 2)
	uiSetEvBit   = 0x40045564 // _IOW('U', 100, int)
	uiSetKeyBit  = 0x40045565 // _IOW('U', 101, int)
	uiSetAbsBit  = 0x40045567 // _IOW('U', 103, int)
)

// Xbox 360 controller identity.
const (
	vendorMicrosoft = 0x045e
	productXbox360  = 0x028e
)

// inputID mirrors the kernel's input_id.
type inputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// userDev mirrors the kernel's uinput_user_dev.
type userDev struct {
	Name         [maxNameSize]byte
	ID           inputID
	FFEffectsMax uint32
	Absmax       [evdev.ABS_CNT]int32
	Absmin       [evdev.ABS_CNT]int32
	Absfuzz      [evdev.ABS_CNT]int32
	Absflat      [evdev.ABS_CNT]int32
}

// padButtons is the fixed button capability set of the virtual pad.
var padButtons = []uint16{
	evdev.BTN_SOUTH, evdev.BTN_EAST, evdev.BTN_WEST, evdev.BTN_NORTH,
	evdev.BTN_TL, evdev.BTN_TR,
	evdev.BTN_TL2, evdev.BTN_TR2,
	evdev.BTN_SELECT, evdev.BTN_START, evdev.BTN_MODE,
	evdev.BTN_THUMBL, evdev.BTN_THUMBR,
	evdev.BTN_DPAD_UP, evdev.BTN_DPAD_DOWN, evdev.BTN_DPAD_LEFT, evdev.BTN_DPAD_RIGHT,
}

// padAxis is one entry of the fixed axis capability set.
type padAxis struct {
	code     uint16
	min, max int32
}

var padAxes = []padAxis{
	{evdev.ABS_X, -32768, 32767},
	{evdev.ABS_Y, -32768, 32767},
	{evdev.ABS_RX, -32768, 32767},
	{evdev.ABS_RY, -32768, 32767},
	{evdev.ABS_Z, 0, 255},
	{evdev.ABS_RZ, 0, 255},
	{evdev.ABS_HAT0X, -1, 1},
	{evdev.ABS_HAT0Y, -1, 1},
}

// Pad is the created virtual controller.
type Pad struct {
	f       *os.File
	created bool
}

// Create opens /dev/uinput, declares the fixed capability set and registers
// the device under the given display name.
func Create(name string) (*Pad, error) {
	f, err := os.OpenFile(devicePath, os.O_WRONLY|syscall.O_NONBLOCK, 0660)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", devicePath, err)
	}
	pad := &Pad{f: f}

	for _, ev := range []uint16{evdev.EV_KEY, evdev.EV_ABS} {
		if err := pad.ioctl(uiSetEvBit, uintptr(ev)); err != nil {
			return nil, pad.setupFailed(fmt.Errorf("enabling event type %#x: %w", ev, err))
		}
	}
	for _, btn := range padButtons {
		if err := pad.ioctl(uiSetKeyBit, uintptr(btn)); err != nil {
			return nil, pad.setupFailed(fmt.Errorf("enabling %s: %w", evdev.KeyName(btn), err))
		}
	}
	for _, axis := range padAxes {
		if err := pad.ioctl(uiSetAbsBit, uintptr(axis.code)); err != nil {
			return nil, pad.setupFailed(fmt.Errorf("enabling %s: %w", evdev.AbsName(axis.code), err))
		}
	}

	dev := userDev{
		ID: inputID{
			Bustype: evdev.BUS_USB,
			Vendor:  vendorMicrosoft,
			Product: productXbox360,
			Version: 1,
		},
	}
	copy(dev.Name[:], name)
	for _, axis := range padAxes {
		dev.Absmin[axis.code] = axis.min
		dev.Absmax[axis.code] = axis.max
	}

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, dev); err != nil {
		return nil, pad.setupFailed(fmt.Errorf("encoding device setup: %w", err))
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return nil, pad.setupFailed(fmt.Errorf("writing device setup: %w", err))
	}
	if err := pad.ioctl(uiDevCreate, 0); err != nil {
		return nil, pad.setupFailed(fmt.Errorf("UI_DEV_CREATE: %w", err))
	}
	pad.created = true
	return pad, nil
}

func (p *Pad) setupFailed(err error) error {
	return multierr.Append(err, p.f.Close())
}

func (p *Pad) ioctl(req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, p.f.Fd(), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// WriteEvent appends one event to the kernel's queue for the virtual device.
func (p *Pad) WriteEvent(typ, code uint16, value int32) error {
	return p.write(typ, code, value)
}

// Sync appends one SYN_REPORT marker, closing an atomic group of events.
func (p *Pad) Sync() error {
	return p.write(evdev.EV_SYN, evdev.SYN_REPORT, 0)
}

func (p *Pad) write(typ, code uint16, value int32) error {
	// struct input_event layout on 64-bit: 16 bytes of timestamp (left zero,
	// the kernel stamps uinput writes itself), then type, code, value.
	var raw [24]byte
	binary.LittleEndian.PutUint16(raw[16:18], typ)
	binary.LittleEndian.PutUint16(raw[18:20], code)
	binary.LittleEndian.PutUint32(raw[20:24], uint32(value))
	if _, err := p.f.Write(raw[:]); err != nil {
		return fmt.Errorf("writing virtual event: %w", err)
	}
	return nil
}

// Close destroys the virtual device and closes the uinput handle.
func (p *Pad) Close() error {
	if p.f == nil {
		return nil
	}
	var err error
	if p.created {
		err = p.ioctl(uiDevDestroy, 0)
		p.created = false
	}
	err = multierr.Append(err, p.f.Close())
	p.f = nil
	return err
}
