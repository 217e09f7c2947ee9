package vcpu

import (
	"encoding/binary"
	"fmt"

	"github.com/hermit-os/uhyve-go/memory"
)

// identityMapSize is the span covered by the initial 2 MiB identity map:
// the first 512 MiB, per spec §4.C.
const identityMapSize = 512 << 20

// writeIdentityPageTable constructs a 4-level hierarchy rooted at
// entryPoint+PageSize (matching memory.VirtToPhys's root calculation) that
// identity-maps the first identityMapSize bytes using 2 MiB pages at level
// 2. One page each suffices for the PML4, PDPT, and PD levels; no level-1
// page tables are needed since every mapping is a huge page.
func writeIdentityPageTable(mem *memory.Memory, entryPoint uint64) error {
	pml4 := entryPoint + memory.PageSize
	pdpt := pml4 + memory.PageSize
	pd := pdpt + memory.PageSize

	if err := writeEntry(mem, pml4, 0, pdpt|memory.EntryPresent|memory.EntryWrite); err != nil {
		return err
	}

	if err := writeEntry(mem, pdpt, 0, pd|memory.EntryPresent|memory.EntryWrite); err != nil {
		return err
	}

	const hugeEntries = identityMapSize / memory.PageSizeHuge

	for i := 0; i < hugeEntries; i++ {
		frame := uint64(i) * memory.PageSizeHuge
		entry := frame | memory.EntryPresent | memory.EntryWrite | memory.EntryHuge

		if err := writeEntry(mem, pd, i, entry); err != nil {
			return err
		}
	}

	return nil
}

func writeEntry(mem *memory.Memory, tableBase uint64, index int, entry uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, entry)

	if _, err := mem.WriteAt(buf, int64(tableBase+uint64(index)*8)); err != nil {
		return fmt.Errorf("vcpu: writing page table entry at %#x[%d]: %w", tableBase, index, err)
	}

	return nil
}

// PageTableRoot returns the guest-physical address of the PML4, matching
// memory.VirtToPhys's root calculation.
func PageTableRoot(entryPoint uint64) uint64 {
	return entryPoint + memory.PageSize
}
