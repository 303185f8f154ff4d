// Package evdev reads decoded events from Linux input devices. It is a small
// pure-Go layer over the kernel's evdev interface: non-blocking batched reads,
// exclusive grab, and the identity/axis-metadata queries the daemon needs.
package evdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event is one decoded kernel input event. The timestamp is dropped during
// decoding; consumers order events by arrival.
type Event struct {
	Type  uint16
	Code  uint16
	Value int32
}

// AbsInfo mirrors the kernel's input_absinfo.
type AbsInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

type deviceID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

var (
	// ErrWouldBlock reports that no event is available right now.
	ErrWouldBlock = errors.New("evdev: no events available")
	// ErrDisconnected reports that the device node is gone.
	ErrDisconnected = errors.New("evdev: device disconnected")
)

// eventSize is sizeof(struct input_event) on 64-bit: two 8-byte time words
// followed by type, code and value.
const eventSize = 24

const readBatch = 64

// Device is one opened input device node.
type Device struct {
	path string
	fd   int

	buf   [readBatch * eventSize]byte
	queue []Event
}

// Open resolves path (following by-id symlinks) and opens the event node in
// non-blocking read-only mode.
func Open(path string) (*Device, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	fd, err := unix.Open(resolved, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", resolved, err)
	}
	return &Device{path: resolved, fd: fd}, nil
}

// Path returns the resolved event-node path.
func (d *Device) Path() string {
	return d.path
}

// Fd returns the underlying file descriptor for readiness polling.
func (d *Device) Fd() int {
	return d.fd
}

// Name queries the device's kernel-reported name.
func (d *Device) Name() string {
	var buf [256]byte
	if err := ioctl(d.fd, eviocgname(uintptr(len(buf))), unsafe.Pointer(&buf[0])); err != nil {
		return ""
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf[:])
}

// ID queries the device's bus/vendor/product/version identity.
func (d *Device) ID() (bustype, vendor, product, version uint16, err error) {
	var id deviceID
	if err := ioctl(d.fd, eviocgid(), unsafe.Pointer(&id)); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("EVIOCGID: %w", err)
	}
	return id.Bustype, id.Vendor, id.Product, id.Version, nil
}

// AbsInfoFor queries the kernel's absolute-axis metadata for one code. The
// daemon reads this for logging only; calibration supersedes it.
func (d *Device) AbsInfoFor(code uint16) (AbsInfo, error) {
	var info AbsInfo
	if err := ioctl(d.fd, eviocgabs(code), unsafe.Pointer(&info)); err != nil {
		return AbsInfo{}, fmt.Errorf("EVIOCGABS(%s): %w", AbsName(code), err)
	}
	return info, nil
}

// Grab requests exclusive access to the device.
func (d *Device) Grab() error {
	return ioctlInt(d.fd, eviocgrab(), 1)
}

// Ungrab releases a previously acquired exclusive grab.
func (d *Device) Ungrab() error {
	return ioctlInt(d.fd, eviocgrab(), 0)
}

// Next returns the next decoded event. It returns ErrWouldBlock when the
// device has nothing queued and ErrDisconnected when the node is gone.
// A SYN_DROPPED event is returned as-is; it marks a kernel queue overflow and
// the consumer resynchronizes from the events that follow.
func (d *Device) Next() (Event, error) {
	if len(d.queue) == 0 {
		if err := d.fill(); err != nil {
			return Event{}, err
		}
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, nil
}

func (d *Device) fill() error {
	n, err := unix.Read(d.fd, d.buf[:])
	switch {
	case err == unix.EAGAIN:
		return ErrWouldBlock
	case err == unix.ENODEV || err == unix.EIO || err == unix.ENXIO:
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	case err != nil:
		return fmt.Errorf("reading %s: %w", d.path, err)
	case n == 0:
		return ErrDisconnected
	case n%eventSize != 0:
		return fmt.Errorf("reading %s: short read of %d bytes", d.path, n)
	}
	d.queue = decodeEvents(d.buf[:n])
	return nil
}

func decodeEvents(raw []byte) []Event {
	events := make([]Event, 0, len(raw)/eventSize)
	for off := 0; off+eventSize <= len(raw); off += eventSize {
		events = append(events, Event{
			Type:  binary.LittleEndian.Uint16(raw[off+16 : off+18]),
			Code:  binary.LittleEndian.Uint16(raw[off+18 : off+20]),
			Value: int32(binary.LittleEndian.Uint32(raw[off+20 : off+24])),
		})
	}
	return events
}

// Close closes the device node. It does not release a grab; callers release
// grabs explicitly before closing.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	d.queue = nil
	return err
}
