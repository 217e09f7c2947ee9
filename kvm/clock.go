package kvm

import "unsafe"

// ClockData is the guest's paravirt wall clock, captured and restored
// across checkpoint/restore and migration so guest timekeeping survives
// the gap.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Reserved [9]uint64
}

// GetClock reads the current guest clock value.
func GetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetClock programs the guest clock, typically after a restore.
func SetClock(vmFd uintptr, c *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(c)))

	return err
}
