package lenovodytc

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Kernel evdev constants (linux/input-event-codes.h, linux/input.h). Kept
// as raw numbers rather than pulled from a binding package, since none of
// the retrieval pack's dependencies exposes them.
const (
	evSW           = 0x05 // EV_SW
	swLapProximity = 0x02 // SW_LAP_PROXIMITY

	iocRead = 2
	iocE    = 'E'
)

// eviocgsw builds the EVIOCGSW(len) ioctl request number: _IOC(_IOC_READ,
// 'E', 0x1b, len).
func eviocgsw(length int) uint {
	return uint(iocRead)<<30 | uint(length)<<16 | uint(iocE)<<8 | 0x1b
}

// inputEvent mirrors struct input_event's layout on 64-bit Linux: a
// timeval followed by type/code/value. Only type/code/value are read.
type inputEvent struct {
	Time  unix.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

// lapSwitch holds an open handle on a /dev/input/eventN node whose
// SW_LAP_PROXIMITY bit we track.
type lapSwitch struct {
	file *os.File
}

// openLapSwitch opens the event node at devPath read-only and hands back a
// handle. It does not check that the node reports SW_LAP_PROXIMITY.
func openLapSwitch(devPath string) (*lapSwitch, error) {
	f, err := os.OpenFile(devPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", devPath, err)
	}
	return &lapSwitch{file: f}, nil
}

// switchValue reads the live state of SW_LAP_PROXIMITY via EVIOCGSW, so
// the initial value is known before any event arrives.
func (s *lapSwitch) switchValue() (bool, error) {
	bits, err := unix.IoctlGetInt(int(s.file.Fd()), eviocgsw(4))
	if err != nil {
		return false, fmt.Errorf("EVIOCGSW: %w", err)
	}
	return bits&(1<<swLapProximity) != 0, nil
}

// readEvents blocks reading input_event records until the file is closed,
// delivering a pulse on changed whenever a SW_LAP_PROXIMITY event arrives.
// Runs on its own goroutine; stopped by closing the underlying file.
func (s *lapSwitch) readEvents(changed chan<- bool) {
	buf := make([]byte, 24)
	for {
		n, err := s.file.Read(buf)
		if err != nil || n < len(buf) {
			return
		}
		ev := inputEvent{
			Type:  binary.LittleEndian.Uint16(buf[16:18]),
			Code:  binary.LittleEndian.Uint16(buf[18:20]),
			Value: int32(binary.LittleEndian.Uint32(buf[20:24])),
		}
		if ev.Type != evSW || ev.Code != swLapProximity {
			continue
		}
		select {
		case changed <- ev.Value != 0:
		default:
		}
	}
}

func (s *lapSwitch) Close() error {
	return s.file.Close()
}
