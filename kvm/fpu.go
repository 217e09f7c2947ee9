package kvm

import "unsafe"

// FPU is the legacy x87/MMX/SSE state (struct kvm_fpu), distinct from the
// XSAVE extended-state area: spec §3 lists "FPU and extended-save area"
// as two separate vCPU state fields, saved/restored as two separate
// ioctls.
type FPU struct {
	FPR        [8][16]uint8
	FCW        uint16
	FSW        uint16
	FTWX       uint8
	_          uint8
	LastOpcode uint16
	LastIP     uint64
	LastDP     uint64
	XMM        [16][16]uint8
	MXCSR      uint32
	_          uint32
}

// GetFPU reads the vCPU's legacy FPU state.
func GetFPU(vcpuFd uintptr, f *FPU) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetFPU, unsafe.Sizeof(FPU{})), uintptr(unsafe.Pointer(f)))

	return err
}

// SetFPU restores the vCPU's legacy FPU state.
func SetFPU(vcpuFd uintptr, f *FPU) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetFPU, unsafe.Sizeof(FPU{})), uintptr(unsafe.Pointer(f)))

	return err
}
