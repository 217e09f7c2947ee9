package vcpu

import (
	"encoding/binary"

	"github.com/hermit-os/uhyve-go/memory"
)

// GDTOffset is the fixed low-memory offset (relative to the guest's entry
// point) at which the minimal long-mode GDT is constructed.
const GDTOffset = 0x500

// Selectors into the GDT constructed by writeGDT.
const (
	CodeSelector = 0x08
	DataSelector = 0x10
)

// the three descriptors (null, 64-bit code, 64-bit data) the boot path
// constructs: flat, present, DPL 0, long mode for code.
var gdtEntries = [3]uint64{
	0x0000000000000000, // null
	0x00af9a000000ffff,  // 64-bit code: P,DPL0,S,code/execute-read,L,G, limit=0xfffff
	0x00cf92000000ffff,  // 64-bit data: P,DPL0,S,data/read-write,D/B,G, limit=0xfffff
}

// writeGDT constructs the minimal GDT at entryPoint+GDTOffset.
func writeGDT(mem *memory.Memory, entryPoint uint64) error {
	buf := make([]byte, len(gdtEntries)*8)
	for i, e := range gdtEntries {
		binary.LittleEndian.PutUint64(buf[i*8:], e)
	}

	_, err := mem.WriteAt(buf, int64(entryPoint+GDTOffset))

	return err
}
