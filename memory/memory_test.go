package memory

import "testing"

func TestChunkRangesBelowGap(t *testing.T) {
	t.Parallel()

	ranges := chunkRanges(64 << 20)
	if len(ranges) != 1 {
		t.Fatalf("have %d chunks, want 1", len(ranges))
	}

	if ranges[0].guestPhys != 0 || ranges[0].size != 64<<20 {
		t.Errorf("have %+v, want {0, 64MiB}", ranges[0])
	}
}

func TestChunkRangesAcrossGap(t *testing.T) {
	t.Parallel()

	const fourGiB = 4 << 30

	ranges := chunkRanges(fourGiB)
	if len(ranges) != 2 {
		t.Fatalf("have %d chunks, want 2", len(ranges))
	}

	if ranges[0].guestPhys != 0 || ranges[0].size != GapStart {
		t.Errorf("chunk 0: have %+v, want {0, %#x}", ranges[0], GapStart)
	}

	wantPhys := uint64(GapStart + GapSize)
	wantSize := int(fourGiB - GapStart)

	if ranges[1].guestPhys != wantPhys || ranges[1].size != wantSize {
		t.Errorf("chunk 1: have %+v, want {%#x, %#x}", ranges[1], wantPhys, wantSize)
	}
}

func TestVirtToPhysNotMapped(t *testing.T) {
	t.Parallel()

	m := &Memory{
		size:   1 << 20,
		chunks: []*Chunk{{GuestPhys: 0, Size: 1 << 20, buf: make([]byte, 1<<20)}},
	}

	if _, _, err := m.VirtToPhys(0, 0x7fffffff0000); err != ErrNotMapped {
		t.Errorf("have %v, want ErrNotMapped", err)
	}
}

func TestVirtToPhysIdentityMapped4K(t *testing.T) {
	t.Parallel()

	const (
		entryPointAddr = 0
		pml4Addr       = pageSize
		pdptAddr       = 0x2000
		pdAddr         = 0x3000
		ptAddr         = 0x4000
		frame          = 0x10000
	)

	buf := make([]byte, 0x20000)
	putEntry(buf, pml4Addr, pdptAddr|entryPresent|entryWrite)
	putEntry(buf, pdptAddr, pdAddr|entryPresent|entryWrite)
	putEntry(buf, pdAddr, ptAddr|entryPresent|entryWrite)
	putEntry(buf, ptAddr, frame|entryPresent|entryWrite)

	m := &Memory{size: uint64(len(buf)), chunks: []*Chunk{{GuestPhys: 0, Size: len(buf), buf: buf}}}

	pa, pageEnd, err := m.VirtToPhys(entryPointAddr, 0x123)
	if err != nil {
		t.Fatal(err)
	}

	if pa != frame+0x123 {
		t.Errorf("pa: have %#x, want %#x", pa, frame+0x123)
	}

	if pageEnd != frame+pageSize {
		t.Errorf("pageEnd: have %#x, want %#x", pageEnd, frame+pageSize)
	}
}

func putEntry(buf []byte, tableAddr uint64, entry uint64) {
	for i := 0; i < 8; i++ {
		buf[tableAddr+uint64(i)] = byte(entry >> (8 * uint(i)))
	}
}
