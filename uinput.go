package main

import (
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Virtual keyboard on /dev/uinput. Registers only the keycodes the shortcut
// parser can produce.

const (
	evSyn = 0x00
	evKey = 0x01

	synReport = 0x00
)

// ioctl request encoding (Linux _IOC macro)
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocNone  = 0
	iocWrite = 1
)

func ioc(dir uint32, typ uint32, nr uint32, size uint32) uintptr {
	return uintptr((dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift))
}

// UI_SET_EVBIT = _IOW('U', 100, int), UI_SET_KEYBIT = _IOW('U', 101, int)
// UI_DEV_CREATE = _IO('U', 1), UI_DEV_DESTROY = _IO('U', 2)
func uiSetEvBit() uintptr   { return ioc(iocWrite, uint32('U'), 100, uint32(unsafe.Sizeof(int32(0)))) }
func uiSetKeyBit() uintptr  { return ioc(iocWrite, uint32('U'), 101, uint32(unsafe.Sizeof(int32(0)))) }
func uiDevCreate() uintptr  { return ioc(iocNone, uint32('U'), 1, 0) }
func uiDevDestroy() uintptr { return ioc(iocNone, uint32('U'), 2, 0) }

func uinputIoctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// uinputUserDevSize is sizeof(struct uinput_user_dev): 80-byte name,
// input_id (4x uint16), ff_effects_max, and four [64]int32 abs arrays.
const uinputUserDevSize = 80 + 8 + 4 + 4*64*4

// uinputKeyboard injects key events through a uinput virtual device.
type uinputKeyboard struct {
	fd int
}

func newUinputKeyboard() (*uinputKeyboard, error) {
	fd, err := unix.Open("/dev/uinput", unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w (is the uinput module loaded?)", err)
	}
	k := &uinputKeyboard{fd: fd}

	if err := uinputIoctl(fd, uiSetEvBit(), uintptr(evKey)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enable key events: %w", err)
	}
	if err := uinputIoctl(fd, uiSetEvBit(), uintptr(evSyn)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("enable syn events: %w", err)
	}
	for _, code := range registeredKeycodes() {
		if err := uinputIoctl(fd, uiSetKeyBit(), uintptr(code)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("register keycode %d: %w", code, err)
		}
	}

	// struct uinput_user_dev: name, then input_id {bustype, vendor,
	// product, version}, rest zeroed.
	dev := make([]byte, uinputUserDevSize)
	copy(dev[:79], "gesturectl virtual keyboard")
	binary.LittleEndian.PutUint16(dev[80:], 0x03)   // BUS_USB
	binary.LittleEndian.PutUint16(dev[82:], 0x1d6b) // vendor
	binary.LittleEndian.PutUint16(dev[84:], 0x0104) // product
	binary.LittleEndian.PutUint16(dev[86:], 1)      // version
	if _, err := unix.Write(fd, dev); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("write device descriptor: %w", err)
	}
	if err := uinputIoctl(fd, uiDevCreate(), 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("create device: %w", err)
	}

	// Give the desktop a moment to pick up the new input device before the
	// first injected event.
	time.Sleep(200 * time.Millisecond)
	return k, nil
}

// writeEvent emits one input_event (64-bit timeval layout, 24 bytes).
func (k *uinputKeyboard) writeEvent(etype uint16, code uint16, value int32) error {
	var buf [24]byte
	binary.LittleEndian.PutUint16(buf[16:18], etype)
	binary.LittleEndian.PutUint16(buf[18:20], code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(value))
	if _, err := unix.Write(k.fd, buf[:]); err != nil {
		return fmt.Errorf("write input event: %w", err)
	}
	return nil
}

func (k *uinputKeyboard) sync() error {
	return k.writeEvent(evSyn, synReport, 0)
}

func (k *uinputKeyboard) press(key Key) error {
	if err := k.writeEvent(evKey, uint16(key), 1); err != nil {
		return err
	}
	return k.sync()
}

func (k *uinputKeyboard) release(key Key) error {
	if err := k.writeEvent(evKey, uint16(key), 0); err != nil {
		return err
	}
	return k.sync()
}

func (k *uinputKeyboard) close() {
	uinputIoctl(k.fd, uiDevDestroy(), 0)
	unix.Close(k.fd)
}

// registeredKeycodes collects every keycode the parser tables can emit.
func registeredKeycodes() []Key {
	seen := map[Key]bool{}
	var out []Key
	add := func(k Key) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, k := range modifierKeys {
		add(k)
	}
	for _, k := range namedKeys {
		add(k)
	}
	for _, k := range charKeys {
		add(k)
	}
	return out
}
