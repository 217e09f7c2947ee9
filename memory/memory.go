// Package memory manages the guest-physical address space: the
// (possibly gap-split) host mapping backing guest RAM, its registration
// with the kernel virtualization interface, and translation of guest
// virtual addresses through the guest's own page tables.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/hermit-os/uhyve-go/kvm"
)

// ErrNotMapped is returned when a guest virtual address walk hits a
// page-table entry lacking the present bit.
var ErrNotMapped = errors.New("virtual address not mapped")

var errShortMapping = errors.New("memory: mmap returned short region")

const (
	// GapStart is the 32-bit MMIO hole's guest-physical start (3 GiB).
	GapStart = 3 << 30
	// GapSize is the width of the 32-bit MMIO hole (768 MiB).
	GapSize = 768 << 20

	pageSize     = 0x1000
	pageSizeHuge = 0x200000

	// PageSize and PageSizeHuge are exported for callers outside this
	// package that build or scan the same page-table format (vcpu,
	// pagetable).
	PageSize     = pageSize
	PageSizeHuge = pageSizeHuge

	entryPresent  = 1 << 0
	entryWrite    = 1 << 1
	entryHuge     = 1 << 7
	entryAddrMask = 0x000ffffffffff000

	// EntryPresent, EntryWrite, EntryHuge, EntryAddrMask are exported
	// mirrors of the page-table entry bit layout, for the page-table
	// builder (vcpu) and scanner (pagetable) packages.
	EntryPresent  = entryPresent
	EntryWrite    = entryWrite
	EntryHuge     = entryHuge
	EntryAddrMask = entryAddrMask
	EntryAccessed = 1 << 5
	EntryDirty    = 1 << 6
	EntryNX       = 1 << 63

	// Poison fills unused memory with an instruction sequence that always
	// traps, so running off the end of loaded guest code is diagnosable
	// instead of silently executing zero bytes.
	Poison = "\xB8\xBE\xBA\xFE\xCA\x90\x0F\x0B"
)

// Chunk is one contiguous host mapping backing a contiguous range of
// guest-physical memory.
type Chunk struct {
	GuestPhys uint64
	Size      int
	buf       []byte
}

// Memory is the guest's physical address space: one chunk if the
// configured size fits below the MMIO gap, two chunks (split around the
// gap) otherwise.
type Memory struct {
	size   uint64
	chunks []*Chunk
}

// New allocates guest RAM of the given size, honoring the 32-bit MMIO gap,
// and registers the resulting chunks as memory slots on vmFd.
func New(vmFd uintptr, size uint64, mergeable, hugepage bool) (*Memory, error) {
	m := &Memory{size: size}

	ranges := chunkRanges(size)

	for slot, r := range ranges {
		buf, err := syscall.Mmap(-1, 0, r.size, syscall.PROT_READ|syscall.PROT_WRITE,
			syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("mmap chunk %d: %w", slot, err)
		}

		if len(buf) != r.size {
			return nil, errShortMapping
		}

		if hugepage {
			_ = madvise(buf, syscall.MADV_HUGEPAGE)
		}

		if mergeable {
			_ = madvise(buf, syscall.MADV_MERGEABLE)
		}

		poisonFill(buf)

		c := &Chunk{GuestPhys: r.guestPhys, Size: r.size, buf: buf}
		m.chunks = append(m.chunks, c)

		region := &kvm.UserspaceMemoryRegion{
			Slot:          uint32(slot),
			GuestPhysAddr: r.guestPhys,
			MemorySize:    uint64(r.size),
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
		}

		if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
			return nil, fmt.Errorf("SetUserMemoryRegion slot %d: %w", slot, err)
		}
	}

	return m, nil
}

func poisonFill(buf []byte) {
	for i := 0; i < len(buf); i += len(Poison) {
		copy(buf[i:], Poison)
	}
}

func madvise(buf []byte, advice int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_MADVISE,
		uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), uintptr(advice))
	if errno != 0 {
		return errno
	}

	return nil
}

type chunkRange struct {
	guestPhys uint64
	size      int
}

// chunkRanges computes the one-or-two chunk decomposition of a configured
// guest size around the 32-bit MMIO gap.
func chunkRanges(size uint64) []chunkRange {
	if size <= GapStart {
		return []chunkRange{{guestPhys: 0, size: int(size)}}
	}

	return []chunkRange{
		{guestPhys: 0, size: GapStart},
		{guestPhys: GapStart + GapSize, size: int(size - GapStart)},
	}
}

// Chunks returns the chunk layout: {GuestPhys, Size} pairs in guest-physical
// order. The decomposition is stable for the VM's lifetime.
func (m *Memory) Chunks() []Chunk {
	out := make([]Chunk, len(m.chunks))
	for i, c := range m.chunks {
		out[i] = *c
	}

	return out
}

// Size returns the configured guest memory size (excluding the gap).
func (m *Memory) Size() uint64 {
	return m.size
}

// chunkFor returns the chunk and the byte offset within it for a
// guest-physical address, or false if pa falls inside the gap or past the
// end of guest memory.
func (m *Memory) chunkFor(pa uint64) (*Chunk, int, bool) {
	for _, c := range m.chunks {
		if pa >= c.GuestPhys && pa < c.GuestPhys+uint64(c.Size) {
			return c, int(pa - c.GuestPhys), true
		}
	}

	return nil, 0, false
}

// ReadAt implements io.ReaderAt over guest-physical memory. off is a
// guest-physical address.
func (m *Memory) ReadAt(b []byte, off int64) (int, error) {
	c, coff, ok := m.chunkFor(uint64(off))
	if !ok {
		return 0, ErrNotMapped
	}

	n := copy(b, c.buf[coff:])

	return n, nil
}

// WriteAt implements io.WriterAt over guest-physical memory. off is a
// guest-physical address.
func (m *Memory) WriteAt(b []byte, off int64) (int, error) {
	c, coff, ok := m.chunkFor(uint64(off))
	if !ok {
		return 0, ErrNotMapped
	}

	n := copy(c.buf[coff:], b)

	return n, nil
}

// Bytes returns a direct slice into the chunk containing pa, starting at
// pa and running to the end of that chunk. Used by hypercall argument
// decoding once a virtual address has already been translated.
func (m *Memory) Bytes(pa uint64) ([]byte, bool) {
	c, coff, ok := m.chunkFor(pa)
	if !ok {
		return nil, false
	}

	return c.buf[coff:], true
}

func (m *Memory) uint64At(pa uint64) (uint64, bool) {
	b, ok := m.Bytes(pa)
	if !ok || len(b) < 8 {
		return 0, false
	}

	return binary.LittleEndian.Uint64(b), true
}

// VirtToPhys walks the guest's 4-level page hierarchy rooted at
// entryPoint+pageSize and translates va, returning the physical address
// and the physical address at the end of the current mapping page (4 KiB
// or 2 MiB, depending on whether a huge page was hit at level 2).
func (m *Memory) VirtToPhys(entryPoint, va uint64) (pa uint64, pageEnd uint64, err error) {
	root := entryPoint + pageSize

	pml4Idx := (va >> 39) & 0x1ff
	pdptIdx := (va >> 30) & 0x1ff
	pdIdx := (va >> 21) & 0x1ff
	ptIdx := (va >> 12) & 0x1ff

	pml4e, ok := m.uint64At(root + pml4Idx*8)
	if !ok || pml4e&entryPresent == 0 {
		return 0, 0, ErrNotMapped
	}

	pdptTable := pml4e & entryAddrMask

	pdpte, ok := m.uint64At(pdptTable + pdptIdx*8)
	if !ok || pdpte&entryPresent == 0 {
		return 0, 0, ErrNotMapped
	}

	pdTable := pdpte & entryAddrMask

	pde, ok := m.uint64At(pdTable + pdIdx*8)
	if !ok || pde&entryPresent == 0 {
		return 0, 0, ErrNotMapped
	}

	if pde&entryHuge != 0 {
		frame := pde & entryAddrMask
		offset := va & (pageSizeHuge - 1)

		return frame + offset, frame + pageSizeHuge, nil
	}

	ptTable := pde & entryAddrMask

	pte, ok := m.uint64At(ptTable + ptIdx*8)
	if !ok || pte&entryPresent == 0 {
		return 0, 0, ErrNotMapped
	}

	frame := pte & entryAddrMask
	offset := va & (pageSize - 1)

	return frame + offset, frame + pageSize, nil
}
