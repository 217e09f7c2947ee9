package vcpu

import (
	"github.com/hermit-os/uhyve-go/cpuid"
	"github.com/hermit-os/uhyve-go/kvm"
)

// perfMonLeaf is the CPUID leaf the guest is never allowed to see real
// performance-monitoring counters through, since none are virtualized.
const perfMonLeaf = 0x0A

// hypervisor/TSC-deadline/MSR-support bits patched into CPUID leaf 1 on
// boot, per spec §4.C.
var bootCPUIDPatches = []*cpuid.CPUIDPatch{
	{Function: 1, Index: 0, ECXBit: 31}, // hypervisor present
	{Function: 1, Index: 0, ECXBit: 24}, // TSC-deadline timer
	{Function: 1, Index: 0, EDXBit: 5},  // MSR support
}

// filterCPUID applies the boot-time CPUID patches and zeroes the
// performance-monitoring leaf so the guest never reports counters this
// hypervisor does not virtualize.
func filterCPUID(ids *kvm.CPUID) error {
	if err := cpuid.Patch(ids, bootCPUIDPatches); err != nil {
		return err
	}

	for i := range ids.Entries {
		if ids.Entries[i].Function == perfMonLeaf {
			ids.Entries[i].Eax = 0
			ids.Entries[i].Ebx = 0
			ids.Entries[i].Ecx = 0
			ids.Entries[i].Edx = 0
		}
	}

	return nil
}
