package kvm

import "unsafe"

// XSave is the extended processor state area (legacy FPU/SSE region plus
// the XSAVE header and any enabled extended state components), saved and
// restored as one opaque 4 KiB blob.
type XSave struct {
	Region [1024]uint32
}

// GetXSave reads the vCPU's extended state area.
func GetXSave(vcpuFd uintptr, x *XSave) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXSave, unsafe.Sizeof(XSave{})), uintptr(unsafe.Pointer(x)))

	return err
}

// SetXSave restores the vCPU's extended state area.
func SetXSave(vcpuFd uintptr, x *XSave) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXSave, unsafe.Sizeof(XSave{})), uintptr(unsafe.Pointer(x)))

	return err
}
