package kvm

import "unsafe"

// IRQChip is the split in-kernel PIC/IOAPIC state for one of the three
// logical chips (master PIC, slave PIC, IOAPIC).
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads one of the in-kernel interrupt controller chips.
func GetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(c)))

	return err
}

// SetIRQChip restores one of the in-kernel interrupt controller chips.
func SetIRQChip(vmFd uintptr, c *IRQChip) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(c)))

	return err
}

// PITState2 is the in-kernel programmable interval timer state.
type PITState2 struct {
	Channels [3]struct {
		Count    uint32
		LatchedCount uint16
		CountLatched uint8
		StatusLatched uint8
		Status   uint8
		ReadState uint8
		WriteState uint8
		WriteLatch uint8
		RWMode   uint8
		Mode     uint8
		BCD      uint8
		Gate     uint8
		CountLoadTime int64
	}
	Flags uint32
	_     [36]uint8
}

// GetPIT2 reads the in-kernel PIT state.
func GetPIT2(vmFd uintptr, s *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetPIT2 restores the in-kernel PIT state.
func SetPIT2(vmFd uintptr, s *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(s)))

	return err
}
