// Package vcpu initializes a guest virtual CPU's long-mode state on boot
// and serializes/deserializes its complete architectural state for
// checkpoint and migration, per spec §4.C.
package vcpu

import (
	"fmt"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"golang.org/x/arch/x86/x86asm"
)

// msrList is the bounded set of model-specific registers saved and
// restored per vCPU, matching spec §3's "vCPU state record" enumeration.
var msrList = []uint32{
	kvm.MSRIA32APICBase,
	kvm.MSRIA32SysenterCS,
	kvm.MSRIA32SysenterESP,
	kvm.MSRIA32SysenterEIP,
	kvm.MSRIA32PAT,
	kvm.MSRIA32MiscEnable,
	kvm.MSRIA32TSC,
	kvm.MSRSTAR,
	kvm.MSRLSTAR,
	kvm.MSRCSTAR,
	kvm.MSREFER,
	kvm.MSRFSBase,
	kvm.MSRGSBase,
	kvm.MSRKernelGSBase,
	kvm.MSRSyscallMask,
}

// VCPU owns one vCPU's file descriptor and its boot-time identity.
type VCPU struct {
	Fd         uintptr
	ID         int
	EntryPoint uint64
}

// InitBoot initializes long-mode registers, page tables, descriptor
// tables, CPUID filtering, and model-specific registers on a freshly
// created vCPU, per spec §4.C's "Initial-boot path".
func (v *VCPU) InitBoot(kvmFd, vmFd uintptr, mem *memory.Memory) error {
	if err := kvm.SetMPState(v.Fd, &kvm.MPState{State: kvm.MPStateRunnable}); err != nil {
		return fmt.Errorf("vcpu %d: SetMPState: %w", v.ID, err)
	}

	cpuid := kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		return fmt.Errorf("vcpu %d: GetSupportedCPUID: %w", v.ID, err)
	}

	if err := filterCPUID(&cpuid); err != nil {
		return fmt.Errorf("vcpu %d: filterCPUID: %w", v.ID, err)
	}

	if err := kvm.SetCPUID2(v.Fd, &cpuid); err != nil {
		return fmt.Errorf("vcpu %d: SetCPUID2: %w", v.ID, err)
	}

	if err := v.setMiscEnable(); err != nil {
		return err
	}

	if v.ID == 0 {
		if err := writeGDT(mem, v.EntryPoint); err != nil {
			return fmt.Errorf("vcpu %d: writeGDT: %w", v.ID, err)
		}

		if err := writeIdentityPageTable(mem, v.EntryPoint); err != nil {
			return fmt.Errorf("vcpu %d: writeIdentityPageTable: %w", v.ID, err)
		}
	}

	if err := v.initSregs(); err != nil {
		return err
	}

	if err := v.initRegs(); err != nil {
		return err
	}

	return nil
}

func (v *VCPU) setMiscEnable() error {
	msrs := &kvm.MSRS{NMSRs: 1}
	msrs.Entries[0] = kvm.MSREntry{Index: kvm.MSRIA32MiscEnable, Data: kvm.MiscEnableFastStrings}

	if err := kvm.SetMSRs(v.Fd, msrs); err != nil {
		return fmt.Errorf("vcpu %d: SetMSRs(misc-enable): %w", v.ID, err)
	}

	return nil
}

// control register bits used to enable protected mode, PAE, paging, and
// long mode.
const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr4PAE = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

func (v *VCPU) initSregs() error {
	sregs, err := kvm.GetSregs(v.Fd)
	if err != nil {
		return fmt.Errorf("vcpu %d: GetSregs: %w", v.ID, err)
	}

	flatCode := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: CodeSelector,
		Typ: 0xb, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1,
	}
	flatData := kvm.Segment{
		Base: 0, Limit: 0xffffffff, Selector: DataSelector,
		Typ: 0x3, Present: 1, DPL: 0, DB: 1, S: 1, L: 0, G: 1,
	}

	sregs.CS = flatCode
	sregs.DS = flatData
	sregs.ES = flatData
	sregs.FS = flatData
	sregs.GS = flatData
	sregs.SS = flatData

	sregs.GDT = kvm.Descriptor{Base: v.EntryPoint + GDTOffset, Limit: uint16(len(gdtEntries)*8 - 1)}

	sregs.CR3 = PageTableRoot(v.EntryPoint)
	sregs.CR4 = cr4PAE
	sregs.CR0 = cr0PE | cr0PG
	sregs.EFER = eferLME | eferLMA

	return kvm.SetSregs(v.Fd, sregs)
}

func (v *VCPU) initRegs() error {
	regs := &kvm.Regs{
		RIP:    v.EntryPoint,
		RFLAGS: 1 << 1, // reserved bit 1 must always be set
		RSP:    v.EntryPoint,
	}

	return kvm.SetRegs(v.Fd, regs)
}

// State is the complete serializable vCPU record of spec §3. FPU and
// XSave are separate fields: the legacy x87/MMX/SSE state and the XSAVE
// extended-state area are two distinct pieces of architectural state,
// saved and restored via two distinct ioctls.
type State struct {
	Regs    kvm.Regs
	Sregs   kvm.Sregs
	MSRs    []kvm.MSREntry
	LAPIC   kvm.LAPICState
	Events  kvm.VCPUEvents
	MPState kvm.MPState
	XCRS    kvm.XCRS
	FPU     kvm.FPU
	XSave   kvm.XSave
}

// Save reads the vCPU's complete architectural state, per spec §4.C's
// "Save path": segment registers, general-purpose registers, the
// configured MSR list, extended control registers, local APIC, FPU,
// extended save area, vCPU events, and multiprocessor state.
func (v *VCPU) Save() (*State, error) {
	var s State

	sregs, err := kvm.GetSregs(v.Fd)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: GetSregs: %w", v.ID, err)
	}

	s.Sregs = *sregs

	regs, err := kvm.GetRegs(v.Fd)
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: GetRegs: %w", v.ID, err)
	}

	s.Regs = *regs

	msrs := &kvm.MSRS{NMSRs: uint32(len(msrList))}
	for i, idx := range msrList {
		msrs.Entries[i].Index = idx
	}

	if err := kvm.GetMSRs(v.Fd, msrs); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetMSRs: %w", v.ID, err)
	}

	s.MSRs = append([]kvm.MSREntry{}, msrs.Entries[:msrs.NMSRs]...)

	if err := kvm.GetXCRS(v.Fd, &s.XCRS); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetXCRS: %w", v.ID, err)
	}

	if err := kvm.GetLocalAPIC(v.Fd, &s.LAPIC); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetLocalAPIC: %w", v.ID, err)
	}

	if err := kvm.GetFPU(v.Fd, &s.FPU); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetFPU: %w", v.ID, err)
	}

	if err := kvm.GetXSave(v.Fd, &s.XSave); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetXSave: %w", v.ID, err)
	}

	if err := kvm.GetVCPUEvents(v.Fd, &s.Events); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetVCPUEvents: %w", v.ID, err)
	}

	if err := kvm.GetMPState(v.Fd, &s.MPState); err != nil {
		return nil, fmt.Errorf("vcpu %d: GetMPState: %w", v.ID, err)
	}

	return &s, nil
}

// Restore writes back a previously saved vCPU state, per spec §4.C's
// "Restore path": forces runnable, reprograms the APIC base and CPUID,
// then writes sregs → regs → MSRs → XCRs → MP → LAPIC → FPU → XSAVE →
// events, with FPU and XSAVE as two distinct steps.
func (v *VCPU) Restore(kvmFd uintptr, s *State) error {
	if err := kvm.SetMPState(v.Fd, &kvm.MPState{State: kvm.MPStateRunnable}); err != nil {
		return fmt.Errorf("vcpu %d: SetMPState: %w", v.ID, err)
	}

	cpuid := kvm.CPUID{Nent: 100}
	if err := kvm.GetSupportedCPUID(kvmFd, &cpuid); err != nil {
		return fmt.Errorf("vcpu %d: GetSupportedCPUID: %w", v.ID, err)
	}

	if err := filterCPUID(&cpuid); err != nil {
		return fmt.Errorf("vcpu %d: filterCPUID: %w", v.ID, err)
	}

	if err := kvm.SetCPUID2(v.Fd, &cpuid); err != nil {
		return fmt.Errorf("vcpu %d: SetCPUID2: %w", v.ID, err)
	}

	sregs := s.Sregs
	if err := kvm.SetSregs(v.Fd, &sregs); err != nil {
		return fmt.Errorf("vcpu %d: SetSregs: %w", v.ID, err)
	}

	regs := s.Regs
	if err := kvm.SetRegs(v.Fd, &regs); err != nil {
		return fmt.Errorf("vcpu %d: SetRegs: %w", v.ID, err)
	}

	msrs := &kvm.MSRS{NMSRs: uint32(len(s.MSRs))}
	copy(msrs.Entries[:], s.MSRs)

	if err := kvm.SetMSRs(v.Fd, msrs); err != nil {
		return fmt.Errorf("vcpu %d: SetMSRs: %w", v.ID, err)
	}

	xcrs := s.XCRS
	if err := kvm.SetXCRS(v.Fd, &xcrs); err != nil {
		return fmt.Errorf("vcpu %d: SetXCRS: %w", v.ID, err)
	}

	if err := kvm.SetMPState(v.Fd, &s.MPState); err != nil {
		return fmt.Errorf("vcpu %d: SetMPState (restore): %w", v.ID, err)
	}

	lapic := s.LAPIC
	if err := kvm.SetLocalAPIC(v.Fd, &lapic); err != nil {
		return fmt.Errorf("vcpu %d: SetLocalAPIC: %w", v.ID, err)
	}

	fpu := s.FPU
	if err := kvm.SetFPU(v.Fd, &fpu); err != nil {
		return fmt.Errorf("vcpu %d: SetFPU: %w", v.ID, err)
	}

	xsave := s.XSave
	if err := kvm.SetXSave(v.Fd, &xsave); err != nil {
		return fmt.Errorf("vcpu %d: SetXSave: %w", v.ID, err)
	}

	events := s.Events
	if err := kvm.SetVCPUEvents(v.Fd, &events); err != nil {
		return fmt.Errorf("vcpu %d: SetVCPUEvents: %w", v.ID, err)
	}

	return nil
}

// FatalDump formats the vCPU's register file and, if mem is non-nil and
// RIP is mapped, the faulting instruction decoded via x86asm, for the
// "[ERROR]"-prefixed diagnostic spec §7 requires on fatal KVM errors.
func (v *VCPU) FatalDump(mem *memory.Memory) string {
	regs, err := kvm.GetRegs(v.Fd)
	if err != nil {
		return fmt.Sprintf("vcpu %d: registers unavailable: %v", v.ID, err)
	}

	sregs, err := kvm.GetSregs(v.Fd)
	if err != nil {
		return fmt.Sprintf("vcpu %d: RIP=%#016x (sregs unavailable: %v)", v.ID, regs.RIP, err)
	}

	out := fmt.Sprintf(
		"vcpu %d: RIP=%#016x RSP=%#016x RFLAGS=%#016x CR0=%#016x CR3=%#016x CR4=%#016x EFER=%#016x",
		v.ID, regs.RIP, regs.RSP, regs.RFLAGS, sregs.CR0, sregs.CR3, sregs.CR4, sregs.EFER)

	if mem == nil {
		return out
	}

	pa, _, err := mem.VirtToPhys(v.EntryPoint, regs.RIP)
	if err != nil {
		return out + fmt.Sprintf(" (RIP not mapped: %v)", err)
	}

	code, ok := mem.Bytes(pa)
	if !ok || len(code) == 0 {
		return out
	}

	if len(code) > 16 {
		code = code[:16]
	}

	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return out + fmt.Sprintf(" (faulting bytes %x, decode: %v)", code, err)
	}

	return out + fmt.Sprintf(" (faulting instruction: %s)", inst.String())
}
