package pagetable

import (
	"fmt"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
)

// ScanDirtyLog is the alternative, configurable backend of spec §4.E: it
// consults the kernel's per-slot dirty-log bitmap instead of walking the
// guest's own page tables. Slots are scanned consecutively, each word's
// set bits mapped to 4 KiB frames with the slot's guest-physical base
// added to derive the absolute address.
func ScanDirtyLog(vmFd uintptr, chunks []memory.Chunk) ([]Page, error) {
	var pages []Page

	for slot, chunk := range chunks {
		nPages := (chunk.Size + memory.PageSize - 1) / memory.PageSize
		words := (nPages + kvm.DirtyLogBits - 1) / kvm.DirtyLogBits

		bitmap := make([]uint64, words)

		if err := kvm.GetDirtyLog(vmFd, uint32(slot), bitmap); err != nil {
			return nil, fmt.Errorf("pagetable: GetDirtyLog slot %d: %w", slot, err)
		}

		for wi, word := range bitmap {
			for bit := 0; bit < kvm.DirtyLogBits; bit++ {
				if word&(1<<uint(bit)) == 0 {
					continue
				}

				pageIdx := wi*kvm.DirtyLogBits + bit
				addr := chunk.GuestPhys + uint64(pageIdx)*memory.PageSize

				pages = append(pages, Page{
					EntryWord:   word,
					PagePointer: addr,
					PageSize:    memory.PageSize,
				})
			}
		}
	}

	return pages, nil
}
