package kvm

import "unsafe"

// LAPICState is the raw 1 KiB local APIC register page, laid out exactly
// as the kernel exposes it (one 16-byte-aligned slot per APIC register).
type LAPICState struct {
	Regs [0x400]byte
}

// GetLocalAPIC reads the vCPU's local APIC page.
func GetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetLocalAPIC writes the vCPU's local APIC page.
func SetLocalAPIC(vcpuFd uintptr, s *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(s)))

	return err
}
