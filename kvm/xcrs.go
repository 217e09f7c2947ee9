package kvm

import "unsafe"

type xcrEntry struct {
	XCR   uint32
	Pad   uint32
	Value uint64
}

// XCRS holds the vCPU's extended control registers (currently only XCR0,
// the XSAVE feature-enable mask).
type XCRS struct {
	NRXCRs uint32
	Flags  uint32
	XCRs   [16]xcrEntry
	_      [16]uint64
}

// GetXCRS reads the vCPU's extended control registers.
func GetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXCRS restores the vCPU's extended control registers.
func SetXCRS(vcpuFd uintptr, x *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(x)))

	return err
}
