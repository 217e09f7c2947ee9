package kvm

import "unsafe"

// ioctl command numbers for /dev/kvm and its VM/vCPU file descriptors.
// The "nr" byte in each matches the upstream KVM API (Documentation/virt/kvm/api.rst);
// direction and size are derived through IIO/IIOR/IIOW/IIOWR rather than hand-encoded,
// which is the one thing the upstream C headers can't do.
const (
	kvmGetAPIVersion   = 0x00
	kvmCreateVM        = 0x01
	kvmGetMSRIndexList = 0x02
	kvmCheckExtension  = 0x03
	kvmGetVCPUMMapSize = 0x04
	kvmGetSupportedCPUID = 0x05

	kvmCreateVCPU  = 0x41
	kvmGetDirtyLog = 0x42

	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmIRQLine       = 0x61
	kvmGetIRQChip    = 0x62
	kvmSetIRQChip    = 0x63

	kvmCreatePIT2 = 0x77
	kvmSetClock   = 0x7b
	kvmGetClock   = 0x7c

	kvmRun      = 0x80
	kvmGetRegs  = 0x81
	kvmSetRegs  = 0x82
	kvmGetSregs = 0x83
	kvmSetSregs = 0x84

	kvmGetMSRs = 0x88
	kvmSetMSRs = 0x89

	kvmGetFPU = 0x8c
	kvmSetFPU = 0x8d

	kvmGetLAPIC  = 0x8e
	kvmSetLAPIC  = 0x8f
	kvmSetCPUID2 = 0x90

	kvmGetMPState = 0x98
	kvmSetMPState = 0x99

	kvmGetVCPUEvents = 0x9b
	kvmSetVCPUEvents = 0x9c
	kvmGetDebugRegs  = 0x9d
	kvmSetDebugRegs  = 0x9e
	kvmGetPIT2       = 0x9f
	kvmSetPIT2       = 0xa0

	kvmGetXSave = 0xa4
	kvmSetXSave = 0xa5
	kvmGetXCRS  = 0xa6
	kvmSetXCRS  = 0xa7
)

// numInterrupts is the width of the legacy Sregs.InterruptBitmap, kept for
// struct-layout compatibility with the kernel ABI even though uhyve-go never
// injects through it (interrupts go through IRQLine and the LAPIC).
const numInterrupts = 0x100

// GetAPIVersion returns the KVM API version. Guests should refuse to run
// against anything other than version 12.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new virtual machine on the opened /dev/kvm descriptor,
// returning its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU id on vmFd, returning its file descriptor.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// Run enters the guest until the next exit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size of the RunData mmap region shared per vCPU.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// CheckExtension reports the level of support the host has for a capability.
func CheckExtension(kvmFd uintptr, cap Capability) (int, error) {
	r, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(cap))

	return int(r), err
}

// RunData is the structure mmap'd over each vCPU's fd; the kernel fills it
// in on every exit.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the kvm_run.io union for an EXITIO exit.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

var _ = unsafe.Sizeof(RunData{})
