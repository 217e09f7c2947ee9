package vcpu

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
)

func newTestMemory(t *testing.T, size uint64) *memory.Memory {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("skipping test since we are not root")
	}

	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		t.Skipf("skipping test: %v", err)
	}

	t.Cleanup(func() { devKVM.Close() })

	vmFd, err := kvm.CreateVM(devKVM.Fd())
	if err != nil {
		t.Fatal(err)
	}

	mem, err := memory.New(vmFd, size, false, false)
	if err != nil {
		t.Fatal(err)
	}

	return mem
}

func readUint64(t *testing.T, mem *memory.Memory, addr uint64) uint64 {
	t.Helper()

	buf := make([]byte, 8)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		t.Fatal(err)
	}

	return binary.LittleEndian.Uint64(buf)
}

func TestWriteGDTEntries(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, 1<<20)

	const entryPoint = 0

	if err := writeGDT(mem, entryPoint); err != nil {
		t.Fatal(err)
	}

	for i, want := range gdtEntries {
		got := readUint64(t, mem, entryPoint+GDTOffset+uint64(i)*8)
		if got != want {
			t.Errorf("gdt entry %d: have %#x, want %#x", i, got, want)
		}
	}
}

func TestWriteIdentityPageTableMapsFirstAndLastHugePage(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, identityMapSize+4*memory.PageSize)

	const entryPoint = 0

	if err := writeIdentityPageTable(mem, entryPoint); err != nil {
		t.Fatal(err)
	}

	pml4 := PageTableRoot(entryPoint)
	pdptEntry := readUint64(t, mem, pml4)

	if pdptEntry&memory.EntryPresent == 0 {
		t.Fatal("PML4 entry 0 is not present")
	}

	pdpt := pdptEntry & memory.EntryAddrMask
	pdEntry := readUint64(t, mem, pdpt)

	if pdEntry&memory.EntryPresent == 0 {
		t.Fatal("PDPT entry 0 is not present")
	}

	pd := pdEntry & memory.EntryAddrMask

	first := readUint64(t, mem, pd)
	if first&memory.EntryPresent == 0 || first&memory.EntryHuge == 0 || first&memory.EntryAddrMask != 0 {
		t.Errorf("first huge-page PDE = %#x, want present+huge, frame 0", first)
	}

	lastIdx := identityMapSize/memory.PageSizeHuge - 1
	last := readUint64(t, mem, pd+uint64(lastIdx)*8)
	wantFrame := uint64(lastIdx) * memory.PageSizeHuge

	if last&memory.EntryPresent == 0 || last&memory.EntryHuge == 0 || last&memory.EntryAddrMask != wantFrame {
		t.Errorf("last huge-page PDE = %#x, want present+huge, frame %#x", last, wantFrame)
	}
}

func TestPageTableRoot(t *testing.T) {
	t.Parallel()

	if got := PageTableRoot(0x100000); got != 0x100000+memory.PageSize {
		t.Errorf("PageTableRoot(0x100000) = %#x, want %#x", got, 0x100000+memory.PageSize)
	}
}
