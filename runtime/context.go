// Package runtime owns the per-vCPU thread run loop, KVM-exit dispatch,
// and the boot/checkpoint/migration signal orchestration described by
// spec §5 and §7, generalizing the teacher's Machine/RunInfiniteLoop
// pair to a multi-core paravirtual boot.
package runtime

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"unsafe"

	"github.com/hermit-os/uhyve-go/hypercall"
	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/vcpu"
)

// VM owns the kernel/VM handles, guest memory, and every vCPU's run
// state: the "global state" redesign of spec §9.
type VM struct {
	kvmFd uintptr
	vmFd  uintptr

	Mem   *memory.Memory
	VCPUs []*vcpu.VCPU
	runs  []*kvm.RunData

	HCtx *hypercall.Context

	quiesce    *quiesceGate
	resumeMu   sync.Mutex
	resumeFunc func()
}

// Open initializes /dev/kvm, creates the VM, its in-kernel IRQ chip and
// PIT, registers guest memory (honoring the 32-bit gap), and creates and
// boot-initializes every vCPU, mirroring the teacher's Machine.New.
func Open(kvmPath string, numCPUs int, memSize uint64, mergeable, hugepage bool, entryPoint uint64) (*VM, error) {
	devKVM, err := os.OpenFile(kvmPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runtime: opening %s: %w", kvmPath, err)
	}

	kvmFd := devKVM.Fd()

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("runtime: CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(vmFd, identityMapAddr-3*memory.PageSize); err != nil {
		return nil, fmt.Errorf("runtime: SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(vmFd, identityMapAddr); err != nil {
		return nil, fmt.Errorf("runtime: SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(vmFd); err != nil {
		return nil, fmt.Errorf("runtime: CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(vmFd); err != nil {
		return nil, fmt.Errorf("runtime: CreatePIT2: %w", err)
	}

	mem, err := memory.New(vmFd, memSize, mergeable, hugepage)
	if err != nil {
		return nil, fmt.Errorf("runtime: allocating guest memory: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("runtime: GetVCPUMMmapSize: %w", err)
	}

	v := &VM{kvmFd: kvmFd, vmFd: vmFd, Mem: mem, quiesce: newQuiesceGate(numCPUs)}

	for id := 0; id < numCPUs; id++ {
		vcpuFd, err := kvm.CreateVCPU(vmFd, id)
		if err != nil {
			return nil, fmt.Errorf("runtime: CreateVCPU %d: %w", id, err)
		}

		r, err := syscall.Mmap(int(vcpuFd), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("runtime: mmap vCPU %d run area: %w", id, err)
		}

		c := &vcpu.VCPU{Fd: vcpuFd, ID: id, EntryPoint: entryPoint}

		if err := c.InitBoot(kvmFd, vmFd, mem); err != nil {
			return nil, fmt.Errorf("runtime: booting vCPU %d: %w", id, err)
		}

		v.VCPUs = append(v.VCPUs, c)
		v.runs = append(v.runs, (*kvm.RunData)(unsafe.Pointer(&r[0])))
	}

	return v, nil
}

// identityMapAddr is the guest-physical page KVM_SET_IDENTITY_MAP_ADDR
// reserves for its own real-mode TSS/identity map, placed just below
// 4 GiB, above the guest memory that precedes the MMIO gap.
const identityMapAddr = 0xfffbc000

// RaiseIRQ pulses an IRQ line (NetworkIRQ or MigrationIRQ), matching the
// teacher's InjectSerialIRQ/InjectVirtioNetIRQ edge-triggered pattern.
func (v *VM) RaiseIRQ(irq uint32) error {
	if err := kvm.IRQLine(v.vmFd, irq, 0); err != nil {
		return err
	}

	return kvm.IRQLine(v.vmFd, irq, 1)
}

// SetClock programs the guest clock, used when resuming from a
// checkpoint or migration.
func (v *VM) SetClock(c *kvm.ClockData) error {
	return kvm.SetClock(v.vmFd, c)
}

// GetClock reads the guest clock, used when saving a checkpoint or
// initiating a migration.
func (v *VM) GetClock() (*kvm.ClockData, error) {
	c := &kvm.ClockData{}

	return c, kvm.GetClock(v.vmFd, c)
}

// KVMFd and VMFd expose the raw handles to collaborators (pagetable's
// dirty-log scanner, the migration coordinator's memory-slot iteration)
// that need them directly.
func (v *VM) KVMFd() uintptr { return v.kvmFd }
func (v *VM) VMFd() uintptr  { return v.vmFd }
