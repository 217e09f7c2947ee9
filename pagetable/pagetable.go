// Package pagetable walks the guest's 4-level page hierarchy to enumerate
// present pages for full or incremental memory dumps, per spec §4.E.
package pagetable

import (
	"encoding/binary"
	"fmt"

	"github.com/hermit-os/uhyve-go/memory"
)

const entries = 512

// Mode selects the scanner's selection predicate.
type Mode int

const (
	// Full selects every present page.
	Full Mode = iota
	// IncrementalAfterFull selects present pages dirtied since the last
	// full dump (the first incremental pass following a full one).
	IncrementalAfterFull
	// Incremental selects present pages accessed since the last
	// incremental pass.
	Incremental
)

// Page is one emitted (entry_word, page_pointer, page_size) triple.
type Page struct {
	EntryWord   uint64
	PagePointer uint64
	PageSize    int
}

// Scan walks the 4-level hierarchy rooted at entryPoint+PageSize and
// returns every page matching mode's selection predicate. For incremental
// modes, the accessed/dirty bits of emitted entries are cleared in guest
// memory to reset the watermark.
func Scan(mem *memory.Memory, entryPoint uint64, mode Mode) ([]Page, error) {
	root := entryPoint + memory.PageSize

	var pages []Page

	for pml4i := 0; pml4i < entries; pml4i++ {
		pml4e, ok := readEntry(mem, root, pml4i)
		if !ok || pml4e&memory.EntryPresent == 0 {
			continue
		}

		pdptBase := pml4e & memory.EntryAddrMask

		for pdpti := 0; pdpti < entries; pdpti++ {
			pdpte, ok := readEntry(mem, pdptBase, pdpti)
			if !ok || pdpte&memory.EntryPresent == 0 {
				continue
			}

			pdBase := pdpte & memory.EntryAddrMask

			for pdi := 0; pdi < entries; pdi++ {
				pde, ok := readEntry(mem, pdBase, pdi)
				if !ok || pde&memory.EntryPresent == 0 {
					continue
				}

				if pde&memory.EntryHuge != 0 {
					if !selected(pde, mode) {
						continue
					}

					pages = append(pages, Page{
						EntryWord:   pde,
						PagePointer: pde & memory.EntryAddrMask,
						PageSize:    memory.PageSizeHuge,
					})

					if mode != Full {
						if err := clearWatermark(mem, pdBase, pdi, pde); err != nil {
							return nil, err
						}
					}

					continue
				}

				ptBase := pde & memory.EntryAddrMask

				for pti := 0; pti < entries; pti++ {
					pte, ok := readEntry(mem, ptBase, pti)
					if !ok || pte&memory.EntryPresent == 0 {
						continue
					}

					if !selected(pte, mode) {
						continue
					}

					pages = append(pages, Page{
						EntryWord:   pte,
						PagePointer: pte & memory.EntryAddrMask,
						PageSize:    memory.PageSize,
					})

					if mode != Full {
						if err := clearWatermark(mem, ptBase, pti, pte); err != nil {
							return nil, err
						}
					}
				}
			}
		}
	}

	return pages, nil
}

func selected(entry uint64, mode Mode) bool {
	switch mode {
	case Full:
		return true
	case IncrementalAfterFull:
		return entry&memory.EntryDirty != 0
	case Incremental:
		return entry&memory.EntryAccessed != 0
	default:
		return false
	}
}

func clearWatermark(mem *memory.Memory, tableBase uint64, index int, entry uint64) error {
	cleared := entry &^ (memory.EntryAccessed | memory.EntryDirty)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, cleared)

	if _, err := mem.WriteAt(buf, int64(tableBase+uint64(index)*8)); err != nil {
		return fmt.Errorf("pagetable: clearing watermark at %#x[%d]: %w", tableBase, index, err)
	}

	return nil
}

func readEntry(mem *memory.Memory, tableBase uint64, index int) (uint64, bool) {
	buf := make([]byte, 8)
	if _, err := mem.ReadAt(buf, int64(tableBase+uint64(index)*8)); err != nil {
		return 0, false
	}

	return binary.LittleEndian.Uint64(buf), true
}
