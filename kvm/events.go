package kvm

import "unsafe"

// VCPUEvents is the pending-event summary: injected/pending exceptions,
// interrupts, NMI state and SIPI vector.
type VCPUEvents struct {
	ExceptionInjected uint8
	ExceptionNR       uint8
	ExceptionHasEC    uint8
	ExceptionPad      uint8
	ExceptionEC       uint32

	InterruptInjected uint8
	InterruptNR       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	NMIPad      uint8

	SIPIVector uint32
	Flags      uint32

	SMISMM            uint8
	SMIPendingFlag    uint8
	SMISMMInsideNMI   uint8
	SMILatchedInit    uint8

	Reserved [27]uint8
}

// GetVCPUEvents reads the pending-event summary for a vCPU.
func GetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// SetVCPUEvents restores the pending-event summary for a vCPU.
func SetVCPUEvents(vcpuFd uintptr, e *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(e)))

	return err
}

// MPState is the multiprocessor state of a vCPU (runnable, halted,
// init-received, ...).
type MPState struct {
	State uint32
}

// Multiprocessor states, matching the kernel's KVM_MP_STATE_* constants.
const (
	MPStateRunnable       = 0
	MPStateUninitialized  = 1
	MPStateInitReceived   = 2
	MPStateHalted         = 3
	MPStateSipiReceived   = 4
)

// GetMPState reads the vCPU's multiprocessor state.
func GetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}

// SetMPState sets the vCPU's multiprocessor state.
func SetMPState(vcpuFd uintptr, s *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(s)))

	return err
}
