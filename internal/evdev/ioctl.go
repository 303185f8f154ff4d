package evdev

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding from the kernel's ioctl.h.
const (
	iocNone  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

func ior(typ, nr, size uintptr) uintptr {
	return ioc(iocRead, typ, nr, size)
}

func iow(typ, nr, size uintptr) uintptr {
	return ioc(iocWrite, typ, nr, size)
}

// Requests from the kernel's input.h.
func eviocgid() uintptr {
	return ior('E', 0x02, unsafe.Sizeof(deviceID{}))
}

func eviocgname(n uintptr) uintptr {
	return ioc(iocRead, 'E', 0x06, n)
}

func eviocgabs(abs uint16) uintptr {
	return ior('E', 0x40+uintptr(abs), unsafe.Sizeof(AbsInfo{}))
}

func eviocgrab() uintptr {
	return iow('E', 0x90, 4)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlInt(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}
