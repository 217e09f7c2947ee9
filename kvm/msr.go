package kvm

import (
	"unsafe"
)

type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	// This ugly hack is required to make the Ioctl work.
	// If tried like kvm.GetSupportedCPUID it doesn't work.
	// Maybe a difference in behavior on kernel side.
	tmp := struct {
		NMSRs uint32
	}{
		NMSRs: 100,
	}
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)),
		uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is one model-specific register index/value pair.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS is the variable-length array of MSREntry the kernel interface
// expects; Entries is bounded well above the handful uhyve-go actually
// programs (APIC base, SYSENTER trio, PAT, misc-enable, TSC, STAR/LSTAR/
// CSTAR, EFER, FS/GS base, kernel-GS base, syscall mask).
type MSRS struct {
	NMSRs   uint32
	Pad     uint32
	Entries [32]MSREntry
}

// Well-known MSR indices used by the vCPU state engine.
const (
	MSRIA32APICBase    = 0x0000001b
	MSRIA32SysenterCS  = 0x00000174
	MSRIA32SysenterESP = 0x00000175
	MSRIA32SysenterEIP = 0x00000176
	MSRIA32PAT         = 0x00000277
	MSRIA32MiscEnable  = 0x000001a0
	MSRIA32TSC         = 0x00000010
	MSRSTAR            = 0xc0000081
	MSRLSTAR           = 0xc0000082
	MSRCSTAR           = 0xc0000083
	MSREFER            = 0xc0000080
	MSRFSBase          = 0xc0000100
	MSRGSBase          = 0xc0000101
	MSRKernelGSBase    = 0xc0000102
	MSRSyscallMask     = 0xc0000084
)

// MiscEnableFastStrings enables fast-string REP MOVS/STOS microcode.
const MiscEnableFastStrings = 1 << 0

// GetMSRs reads msrs.NMSRs entries (by index) from the vCPU.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, unsafe.Sizeof(MSRS{})), uintptr(unsafe.Pointer(msrs)))

	return err
}

// SetMSRs programs msrs.NMSRs entries on the vCPU.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, unsafe.Sizeof(MSRS{})), uintptr(unsafe.Pointer(msrs)))

	return err
}
