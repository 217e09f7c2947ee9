package kvm

import "unsafe"

// UserSpaceMemoryRegion defines Memory Regions.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
// This is useful in many situations, including migration.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= 1 << 0
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= 1 << 1
}

// SetUserMemoryRegion adds a memory region to a vm -- not a vcpu, a vm.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// SetTSSAddr sets the Task Segment Selector for a vm.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), uintptr(addr))

	return err
}

// SetIdentityMapAddr sets the address of a 4k-sized-page for a vm.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

// DirtyLogBits is the number of pages covered by one DirtyLog.Bitmap word.
const DirtyLogBits = 64

// DirtyLog requests the dirty bitmap for one memory slot. Bitmap must be
// sized for slot.MemorySize/pageSize bits, rounded up to a 64-bit word.
type DirtyLog struct {
	Slot   uint32
	_      uint32
	Bitmap uintptr
}

// GetDirtyLog fetches and clears the dirty-page bitmap for a slot. The
// kernel clears the bits it reports as a side effect of the call, matching
// the incremental-scan watermark semantics used elsewhere in this package.
func GetDirtyLog(vmFd uintptr, slot uint32, bitmap []uint64) error {
	log := DirtyLog{
		Slot:   slot,
		Bitmap: uintptr(unsafe.Pointer(&bitmap[0])),
	}

	_, err := Ioctl(vmFd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(DirtyLog{})), uintptr(unsafe.Pointer(&log)))

	return err
}
