package pagetable_test

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/hermit-os/uhyve-go/kvm"
	"github.com/hermit-os/uhyve-go/memory"
	"github.com/hermit-os/uhyve-go/pagetable"
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

func putEntry(t *testing.T, mem *memory.Memory, addr uint64, entry uint64) {
	t.Helper()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, entry)

	if _, err := mem.WriteAt(buf, int64(addr)); err != nil {
		t.Fatal(err)
	}
}

// buildOnePageTable wires a single present 4 KiB mapping at PML4/PDPT/PD/PT
// index 0, rooted at entryPoint+PageSize, matching vcpu.writeIdentityPageTable's
// layout convention.
func buildOnePageTable(t *testing.T, mem *memory.Memory, entryPoint, frame uint64, extraBits uint64) {
	t.Helper()

	const (
		pml4Addr = 0
		pdptAddr = 0x2000
		pdAddr   = 0x3000
		ptAddr   = 0x4000
	)

	root := entryPoint + memory.PageSize

	putEntry(t, mem, root+pml4Addr, pdptAddr|memory.EntryPresent)
	putEntry(t, mem, pdptAddr, pdAddr|memory.EntryPresent)
	putEntry(t, mem, pdAddr, ptAddr|memory.EntryPresent)
	putEntry(t, mem, ptAddr, frame|memory.EntryPresent|extraBits)
}

func TestScanFullFindsPresentPage(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, 1<<20)

	const entryPoint = 0
	const frame = 0x10000

	buildOnePageTable(t, mem, entryPoint, frame, 0)

	pages, err := pagetable.Scan(mem, entryPoint, pagetable.Full)
	if err != nil {
		t.Fatal(err)
	}

	if len(pages) != 1 {
		t.Fatalf("have %d pages, want 1", len(pages))
	}

	if pages[0].PagePointer != frame || pages[0].PageSize != memory.PageSize {
		t.Errorf("have %+v", pages[0])
	}
}

func TestScanIncrementalSkipsUnaccessed(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, 1<<20)

	const entryPoint = 0
	const frame = 0x10000

	buildOnePageTable(t, mem, entryPoint, frame, 0)

	pages, err := pagetable.Scan(mem, entryPoint, pagetable.Incremental)
	if err != nil {
		t.Fatal(err)
	}

	if len(pages) != 0 {
		t.Fatalf("have %d pages, want 0 (not accessed)", len(pages))
	}
}

func TestScanIncrementalClearsWatermark(t *testing.T) {
	t.Parallel()

	mem := newTestMemory(t, 1<<20)

	const entryPoint = 0
	const frame = 0x10000

	buildOnePageTable(t, mem, entryPoint, frame, memory.EntryAccessed)

	pages, err := pagetable.Scan(mem, entryPoint, pagetable.Incremental)
	if err != nil {
		t.Fatal(err)
	}

	if len(pages) != 1 {
		t.Fatalf("have %d pages, want 1 (accessed)", len(pages))
	}

	// Second pass should find nothing: the accessed bit was cleared.
	pages, err = pagetable.Scan(mem, entryPoint, pagetable.Incremental)
	if err != nil {
		t.Fatal(err)
	}

	if len(pages) != 0 {
		t.Fatalf("have %d pages after watermark clear, want 0", len(pages))
	}
}
